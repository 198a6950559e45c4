package server

import (
	"context"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
	"github.com/twitter/gridsched/scheduler/store"
)

// recoverTasks restores the tasks found in the store. It runs before the loop
// starts, so it may touch scheduler state directly.
//
// Running tasks keep running only if their nodes can be reclaimed and the
// launcher can reattach to the execution; otherwise they go back to Pending.
func (s *statefulScheduler) recoverTasks() error {
	var recs []store.TaskRecord
	err := backoff.Retry(func() (err error) {
		recs, err = s.store.List()
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(s.config.Store.RetryInterval), s.config.Store.WriteRetries))
	if err != nil {
		return errors.Wrap(err, "recovering tasks")
	}

	for _, rec := range recs {
		t, err := s.restore(rec)
		if err != nil {
			log.WithFields(log.Fields{"taskID": rec.ID, "err": err}).Error("Unable to recover task, dropping it")
			continue
		}
		s.tasks[t.id] = t
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
	}
	// Running tasks are reconciled once every task is known.
	for _, rec := range recs {
		if t, ok := s.tasks[rec.ID]; ok && rec.Status == domain.Running {
			s.reattach(t, rec.Nodes)
		}
	}
	for _, t := range s.tasks {
		if t.status == domain.Pending {
			s.ready.add(t)
		}
	}

	s.stat.Counter(stats.SchedRecoveredTasksCounter).Inc(int64(len(s.tasks)))
	log.Infof("Recovered %d tasks", len(s.tasks))
	return nil
}

func (s *statefulScheduler) restore(rec store.TaskRecord) (*taskState, error) {
	preds, err := s.registry.Engine().Compile(rec.Def.Selection)
	if err != nil {
		return nil, err
	}
	t := &taskState{
		id:             rec.ID,
		seq:            rec.Seq,
		def:            rec.Def,
		preds:          preds,
		status:         rec.Status,
		pauseRequested: rec.PauseRequested,
		nodes:          rec.Nodes,
		attempts:       rec.Attempts,
		failures:       rec.Failures,
		err:            rec.Error,
		submitted:      rec.Submitted,
		started:        rec.Started,
		ended:          rec.Ended,
		index:          -1,
	}
	if len(rec.Excluded) > 0 {
		t.excluded = map[node.ID]bool{}
		for _, id := range rec.Excluded {
			t.excluded[id] = true
		}
	}
	return t, nil
}

// reattach resumes watching a task that was Running when the scheduler stopped.
func (s *statefulScheduler) reattach(t *taskState, ids []node.ID) {
	fields := t.logFields()
	r, canReattach := s.launcher.(launcher.Reattacher)
	if len(ids) == 0 || !canReattach || !s.registry.Reclaim(t.id, ids) {
		log.WithFields(fields).Info("Unable to reclaim nodes of a running task, requeueing it")
		s.requeueRecovered(t)
		return
	}

	infos := make([]node.Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.registry.Get(id); ok {
			infos = append(infos, info)
		}
	}
	task := launcher.Task{ID: t.id, Attempt: t.attempts, Def: t.def}
	e, err := r.Reattach(task, infos)
	if err != nil {
		log.WithFields(fields).WithField("err", err).Info("Unable to reattach to a running task, requeueing it")
		for _, id := range ids {
			s.registry.ReleaseNode(id)
		}
		s.requeueRecovered(t)
		return
	}

	t.holding = true
	a := &attempt{n: t.attempts}
	t.run = a
	s.execute(task, a, s.timeoutOf(t), func(context.Context) (launcher.Execution, error) {
		return e, nil
	})
	log.WithFields(fields).WithField("nodes", ids).Info("Reattached to running task")
}

func (s *statefulScheduler) requeueRecovered(t *taskState) {
	t.nodes = nil
	t.holding = false
	if t.pauseRequested {
		t.pauseRequested = false
		t.status = domain.Paused
	} else {
		t.status = domain.Pending
	}
	s.persist(t)
}

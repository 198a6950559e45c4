package server

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
)

// passItem is one task's request in an allocation pass.
type passItem struct {
	t        *taskState
	attempts int
	req      registry.Request
}

// passResult is written by the pass goroutine only.
type passResult struct {
	nodes     []node.Info
	available int
	violation error
}

type retryPolicy int

const (
	retryNever retryPolicy = iota
	// while failures <= MaxRetries
	retryBounded
	retryAlways
)

// scheduleTasks starts an allocation pass over the ready queue if one is
// needed and none is running.
func (s *statefulScheduler) scheduleTasks() {
	if s.passInFlight || !s.needPass || s.ready.Len() == 0 {
		return
	}
	s.needPass = false

	var items []passItem
	var deferred []*taskState
	for s.ready.Len() > 0 {
		t := s.ready.popTask()
		ok, blocker := s.dependenciesMet(t)
		switch {
		case blocker != "":
			s.cancel(t, blocker)
		case !ok:
			deferred = append(deferred, t)
		default:
			t.inPass = true
			items = append(items, passItem{
				t:        t,
				attempts: t.attempts,
				req: registry.Request{
					Owner:      t.id,
					Count:      t.def.NodeCount,
					Predicates: t.preds,
					Exclude:    t.excludedNodes(),
				},
			})
		}
	}
	for _, t := range deferred {
		s.ready.add(t)
	}
	if len(items) == 0 {
		return
	}

	s.passInFlight = true
	results := make([]passResult, len(items))
	timeout := s.config.PassTimeout
	log.WithField("tasks", len(items)).Debug("Starting allocation pass")
	s.asyncRunner.RunAsync(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			for i, item := range items {
				results[i] = s.allocate(ctx, item)
			}
			return nil
		},
		func(error) {
			s.applyPass(items, results)
		})
}

// allocate runs on the pass goroutine and must not touch task state.
func (s *statefulScheduler) allocate(ctx context.Context, item passItem) passResult {
	infos := s.registry.GetFreeNodes(ctx, item.req)
	if len(infos) > item.req.Count {
		return passResult{
			nodes: infos,
			violation: &schederrors.InvariantViolation{
				TaskID: item.req.Owner,
				Detail: fmt.Sprintf("registry granted %d nodes for a request of %d", len(infos), item.req.Count),
			},
		}
	}
	if len(infos) == 0 {
		return passResult{available: s.registry.Counts().Free}
	}
	return passResult{nodes: infos}
}

// applyPass runs on the loop: grants go to tasks still waiting for them, the
// rest are handed back.
func (s *statefulScheduler) applyPass(items []passItem, results []passResult) {
	s.passInFlight = false
	if len(s.heldBack) > 0 {
		s.releaseHeldBack()
		s.needPass = true
	}
	for i, item := range items {
		t, r := item.t, results[i]
		t.inPass = false
		ids := nodeIDs(r.nodes)

		if r.violation != nil {
			s.registry.Unreserve(t.id, ids)
			s.stat.Counter(stats.SchedInvariantCounter).Inc(1)
			log.WithFields(t.logFields()).WithFields(log.Fields{
				"invariant": true,
				"err":       r.violation,
			}).Error("Allocation pass violated an invariant")
			if t.status == domain.Pending {
				s.fail(t, r.violation.Error())
			}
			s.needPass = true
			continue
		}

		if len(ids) == 0 {
			if t.status == domain.Pending {
				t.waiting = (&schederrors.InsufficientResources{
					Requested: t.def.NodeCount,
					Available: r.available,
				}).Error()
				s.ready.add(t)
			}
			continue
		}

		if t.status == domain.Pending && t.attempts == item.attempts && s.registry.Holds(t.id, ids) {
			s.launch(t, r.nodes)
			continue
		}
		log.WithFields(t.logFields()).WithField("nodes", ids).Info("Returning nodes granted to a task that changed during the pass")
		s.registry.Unreserve(t.id, ids)
		s.needPass = true
		if t.status == domain.Pending {
			s.ready.add(t)
		}
	}
}

// dependenciesMet reports whether every dependency finished. A non-empty
// blocker names a dependency that never will.
func (s *statefulScheduler) dependenciesMet(t *taskState) (ok bool, blocker string) {
	ok = true
	for _, dep := range t.def.DependsOn {
		d, known := s.tasks[dep]
		switch {
		case !known:
			return false, fmt.Sprintf("dependency %s unknown", dep)
		case d.status == domain.Failed || d.status == domain.Cancelled:
			return false, fmt.Sprintf("dependency %s %s", dep, d.status)
		case d.status != domain.Finished:
			if ok {
				t.waiting = fmt.Sprintf("waiting for dependency %s", dep)
			}
			ok = false
		}
	}
	return ok, ""
}

func nodeIDs(infos []node.Info) []node.ID {
	if len(infos) == 0 {
		return nil
	}
	ids := make([]node.ID, len(infos))
	for i, n := range infos {
		ids[i] = n.ID
	}
	return ids
}

// launch starts a new attempt of t on nodes it now holds.
func (s *statefulScheduler) launch(t *taskState, infos []node.Info) {
	now := time.Now()
	if t.attempts == 0 {
		s.stat.Latency(stats.SchedTaskWaitLatency_ms).Observe(now.Sub(t.submitted))
	}
	t.attempts++
	t.status = domain.Running
	t.nodes = nodeIDs(infos)
	t.holding = true
	t.lost = nil
	t.waiting = ""
	t.err = ""
	t.started = now
	t.ended = time.Time{}
	a := &attempt{n: t.attempts}
	t.run = a
	s.persist(t)
	s.stat.Counter(stats.SchedTasksStartedCounter).Inc(1)
	log.WithFields(t.logFields()).WithField("nodes", t.nodes).Info("Launching task")

	task := launcher.Task{ID: t.id, Attempt: a.n, Def: t.def}
	s.execute(task, a, s.timeoutOf(t), func(ctx context.Context) (launcher.Execution, error) {
		return s.launcher.Launch(ctx, task, infos)
	})
}

func (s *statefulScheduler) timeoutOf(t *taskState) time.Duration {
	if t.def.Timeout > 0 {
		return t.def.Timeout
	}
	return s.config.DefaultTaskTimeout
}

// execute starts (or reattaches to) an execution and waits for it on an async
// goroutine. The outcome is applied on the loop.
func (s *statefulScheduler) execute(
	task launcher.Task,
	a *attempt,
	timeout time.Duration,
	start func(ctx context.Context) (launcher.Execution, error)) {

	var outcome domain.Outcome
	s.asyncRunner.RunAsync(
		func() error {
			outcome = runAttempt(task, a, timeout, start)
			return nil
		},
		func(error) {
			s.attemptEnded(task.ID, a, outcome)
		})
}

// runAttempt never panics; a launcher panic is reported as a launch failure.
func runAttempt(
	task launcher.Task,
	a *attempt,
	timeout time.Duration,
	start func(ctx context.Context) (launcher.Execution, error)) (outcome domain.Outcome) {

	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Outcome{
				ExitCode: -1,
				Err:      &schederrors.LaunchFailure{TaskID: task.ID, Cause: errors.Errorf("launcher panic: %v", r)},
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e, err := start(ctx)
	if err != nil {
		if !schederrors.IsLaunchFailure(err) {
			err = &schederrors.LaunchFailure{TaskID: task.ID, Cause: err}
		}
		return domain.Outcome{ExitCode: -1, Err: err}
	}
	if killed := a.attach(e); killed {
		e.Terminate()
		return domain.Outcome{ExitCode: -1, Err: errors.New("killed before start")}
	}

	done := make(chan domain.Outcome, 1)
	go func() {
		done <- e.Wait()
	}()
	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		if err := e.Terminate(); err != nil {
			log.WithFields(log.Fields{
				"taskID":  task.ID,
				"attempt": task.Attempt,
				"err":     err,
			}).Info("Unable to terminate timed out execution")
		}
		return domain.Outcome{ExitCode: -1, Err: errors.Errorf("timed out after %s", timeout)}
	}
}

// attemptEnded applies the outcome of attempt a, unless the task moved on.
func (s *statefulScheduler) attemptEnded(taskID string, a *attempt, outcome domain.Outcome) {
	t, ok := s.tasks[taskID]
	if !ok || t.run != a {
		log.WithFields(log.Fields{
			"taskID":  taskID,
			"attempt": a.n,
			"outcome": outcome,
		}).Debug("Ignoring outcome of a stale attempt")
		return
	}
	t.run = nil
	excluded := t.nodes
	s.releaseNodes(t)

	if outcome.Succeeded() {
		t.status = domain.Finished
		t.pauseRequested = false
		t.ended = time.Now()
		s.persist(t)
		s.stat.Counter(stats.SchedTasksFinishedCounter).Inc(1)
		log.WithFields(t.logFields()).Info("Task finished")
		return
	}

	if schederrors.IsLaunchFailure(outcome.Err) {
		s.stat.Counter(stats.SchedLaunchFailuresCounter).Inc(1)
	}
	if !t.def.RetryElsewhere {
		excluded = nil
	}
	s.handleFailure(t, outcome.String(), excluded, retryBounded)
}

// releaseNodes hands back the nodes of the latest attempt, except those the
// registry already took away. While a pass is running they are held back
// until it ends.
func (s *statefulScheduler) releaseNodes(t *taskState) {
	if !t.holding {
		return
	}
	t.holding = false
	for _, id := range t.nodes {
		if t.lost[id] {
			continue
		}
		if s.passInFlight {
			s.heldBack = append(s.heldBack, id)
			continue
		}
		s.registry.ReleaseNode(id)
	}
	s.needPass = true
}

// releaseHeldBack releases nodes freed while a pass was running. Holding them
// back keeps them from going to whichever task the pass happens to be serving.
func (s *statefulScheduler) releaseHeldBack() {
	for _, id := range s.heldBack {
		s.registry.ReleaseNode(id)
	}
	s.heldBack = nil
}

// handleFailure requeues t if policy allows another attempt, otherwise fails it.
func (s *statefulScheduler) handleFailure(t *taskState, msg string, exclude []node.ID, policy retryPolicy) {
	t.failures++
	t.err = msg
	retry := policy == retryAlways || (policy == retryBounded && t.failures <= t.def.MaxRetries)
	if !retry {
		s.fail(t, msg)
		return
	}
	if len(exclude) > 0 {
		if t.excluded == nil {
			t.excluded = map[node.ID]bool{}
		}
		for _, id := range exclude {
			t.excluded[id] = true
		}
	}
	s.stat.Counter(stats.SchedTasksRetriedCounter).Inc(1)
	if t.pauseRequested {
		t.pauseRequested = false
		t.status = domain.Paused
	} else {
		t.status = domain.Pending
		s.ready.add(t)
		s.needPass = true
	}
	s.persist(t)
	log.WithFields(t.logFields()).WithFields(log.Fields{
		"err":      msg,
		"excluded": exclude,
	}).Info("Task attempt failed, retrying")
}

func (s *statefulScheduler) fail(t *taskState, msg string) {
	s.ready.remove(t)
	t.status = domain.Failed
	t.pauseRequested = false
	t.err = msg
	t.waiting = ""
	t.ended = time.Now()
	s.persist(t)
	s.stat.Counter(stats.SchedTasksFailedCounter).Inc(1)
	log.WithFields(t.logFields()).WithField("err", msg).Info("Task failed")
}

// handleOrphan reacts to the registry taking away a node of a Running task.
func (s *statefulScheduler) handleOrphan(msg orphanMsg) {
	t, ok := s.tasks[msg.owner]
	if !ok || t.status != domain.Running || !t.holding || t.lost[msg.node] || !containsNode(t.nodes, msg.node) {
		log.WithFields(log.Fields{
			"taskID": msg.owner,
			"node":   msg.node,
			"reason": msg.reason,
		}).Info("Ignoring orphan notification")
		return
	}
	s.stat.Counter(stats.SchedTasksOrphanedCounter).Inc(1)
	if t.lost == nil {
		t.lost = map[node.ID]bool{}
	}
	t.lost[msg.node] = true
	if t.run != nil {
		t.run.terminate(t.id)
		t.run = nil
	}
	s.releaseNodes(t)

	policy := retryNever
	if t.def.RetryElsewhere {
		policy = retryAlways
	}
	s.handleFailure(t, fmt.Sprintf("node %s lost: %s", msg.node, msg.reason), []node.ID{msg.node}, policy)
}

func containsNode(ids []node.ID, id node.ID) bool {
	for _, n := range ids {
		if n == id {
			return true
		}
	}
	return false
}

package server

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/selection"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
	"github.com/twitter/gridsched/scheduler/store"
)

// taskState is only touched on the loop goroutine.
type taskState struct {
	id    string
	seq   uint64
	def   domain.TaskDefinition
	preds []selection.Predicate

	status         domain.Status
	pauseRequested bool

	// nodes of the latest attempt; held while holding is set.
	nodes   []node.ID
	holding bool
	// nodes of the latest attempt lost to the registry, never released by us.
	lost map[node.ID]bool

	excluded map[node.ID]bool
	attempts int
	failures int
	run      *attempt

	err     string
	waiting string

	submitted time.Time
	started   time.Time
	ended     time.Time

	// position in the ready queue, -1 when not queued.
	index int
	// set while the task is part of an in-flight allocation pass.
	inPass bool
}

func (t *taskState) logFields() log.Fields {
	return log.Fields{
		"taskID":   t.id,
		"name":     t.def.Name,
		"owner":    t.def.Owner,
		"priority": t.def.Priority,
		"state":    t.status,
		"attempts": t.attempts,
	}
}

func (t *taskState) queued() bool {
	return t.index >= 0
}

func (t *taskState) excludedNodes() map[node.ID]bool {
	if len(t.excluded) == 0 {
		return nil
	}
	c := make(map[node.ID]bool, len(t.excluded))
	for id := range t.excluded {
		c[id] = true
	}
	return c
}

func (t *taskState) snapshot() domain.TaskStatus {
	return domain.TaskStatus{
		ID:            t.id,
		Name:          t.def.Name,
		Owner:         t.def.Owner,
		Status:        t.status,
		Priority:      t.def.Priority,
		Nodes:         append([]node.ID(nil), t.nodes...),
		Attempts:      t.attempts,
		Error:         t.err,
		WaitingReason: t.waiting,
		Submitted:     t.submitted,
		Started:       t.started,
		Ended:         t.ended,
	}
}

func (t *taskState) record() store.TaskRecord {
	rec := store.TaskRecord{
		ID:             t.id,
		Seq:            t.seq,
		Def:            t.def,
		Status:         t.status,
		PauseRequested: t.pauseRequested,
		Attempts:       t.attempts,
		Failures:       t.failures,
		Error:          t.err,
		Submitted:      t.submitted,
		Started:        t.started,
		Ended:          t.ended,
	}
	if t.holding {
		rec.Nodes = append([]node.ID(nil), t.nodes...)
	}
	for id := range t.excluded {
		rec.Excluded = append(rec.Excluded, id)
	}
	sort.Slice(rec.Excluded, func(i, j int) bool { return rec.Excluded[i] < rec.Excluded[j] })
	return rec
}

// attempt is one launch of a task. It is shared with the goroutine running
// the execution, hence the lock.
type attempt struct {
	n int

	mu     sync.Mutex
	exec   launcher.Execution
	killed bool
}

// attach records the execution once started and reports whether the attempt
// was killed in the meantime.
func (a *attempt) attach(e launcher.Execution) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exec = e
	return a.killed
}

// terminate stops the execution, now if it started, otherwise as soon as it does.
func (a *attempt) terminate(taskID string) {
	a.mu.Lock()
	a.killed = true
	e := a.exec
	a.mu.Unlock()
	if e == nil {
		return
	}
	go func() {
		if err := e.Terminate(); err != nil {
			log.WithFields(log.Fields{
				"taskID":  taskID,
				"attempt": a.n,
				"err":     err,
			}).Info("Unable to terminate execution")
		}
	}()
}

// readyQueue is a heap of Pending tasks: highest priority first, then lowest seq.
type readyQueue []*taskState

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].def.Priority != q[j].def.Priority {
		return q[i].def.Priority > q[j].def.Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x interface{}) {
	t := x.(*taskState)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q *readyQueue) add(t *taskState) {
	if !t.queued() && !t.inPass {
		heap.Push(q, t)
	}
}

func (q *readyQueue) remove(t *taskState) {
	if t.queued() {
		heap.Remove(q, t.index)
	}
}

func (q *readyQueue) fix(t *taskState) {
	if t.queued() {
		heap.Fix(q, t.index)
	}
}

func (q *readyQueue) popTask() *taskState {
	return heap.Pop(q).(*taskState)
}

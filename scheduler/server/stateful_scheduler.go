package server

import (
	"sort"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/async"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
	"github.com/twitter/gridsched/scheduler/store"
)

// ErrStopped is returned by Submit once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler stopped")

type orphanMsg struct {
	owner  string
	node   node.ID
	reason string
}

// request is a client call executed on the loop goroutine.
type request struct {
	fn   func()
	done chan struct{}
}

// Scheduler that keeps track of the state of every task and the nodes they
// hold.
//
// Scheduler Concurrency: The Scheduler runs its loop in its own goroutine and
// owns all task state there. Client calls are sent to the loop as requests.
// Blocking work (allocation passes, launching and waiting on executions) is
// executed with async.Runner; nothing in async functions reads or modifies
// scheduler state directly. The callbacks are executed as part of the loop.
type statefulScheduler struct {
	config   *SchedulerConfiguration
	registry NodeRegistry
	launcher launcher.Launcher
	store    *store.AsyncWriter
	stat     stats.StatsReceiver

	asyncRunner async.Runner
	requestCh   chan request
	orphanCh    chan orphanMsg
	sub         *registry.Subscription
	stepTicker  *time.Ticker
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once

	// Scheduler State
	tasks        map[string]*taskState
	ready        readyQueue
	nextSeq      uint64
	needPass     bool
	passInFlight bool
	heldBack     []node.ID
}

// NewStatefulScheduler creates a scheduler allocating from reg and launching
// through l. Tasks are persisted to st, through an asynchronous writer the
// scheduler owns and closes on Stop. If config.RecoverTasksOnStartup is set,
// tasks found in st are restored before the loop starts.
func NewStatefulScheduler(
	reg NodeRegistry,
	l launcher.Launcher,
	st store.Store,
	config SchedulerConfiguration,
	stat stats.StatsReceiver) (*statefulScheduler, error) {

	if config.DefaultTaskTimeout == 0 {
		config.DefaultTaskTimeout = DefaultDefaultTaskTimeout
	}
	if config.TickRate == 0 {
		config.TickRate = DefaultTickRate
	}
	if config.PassTimeout == 0 {
		config.PassTimeout = DefaultPassTimeout
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	s := &statefulScheduler{
		config:      &config,
		registry:    reg,
		launcher:    l,
		stat:        stat,
		asyncRunner: async.NewRunner(),
		requestCh:   make(chan request),
		orphanCh:    make(chan orphanMsg, 64),
		stepTicker:  time.NewTicker(config.TickRate),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		tasks:       map[string]*taskState{},
	}
	log.Info(s.config)

	s.store = store.NewAsyncWriter(st, config.Store, stat)
	reg.SetOrphanListener(s.nodeOrphaned)
	if config.RecoverTasksOnStartup {
		if err := s.recoverTasks(); err != nil {
			reg.SetOrphanListener(nil)
			s.stepTicker.Stop()
			s.store.Close()
			return nil, err
		}
	}
	s.sub = reg.Subscribe()
	s.needPass = true

	log.Info("Starting scheduler loop")
	go s.loop()
	return s, nil
}

// nodeOrphaned is called by the registry, from any goroutine, when a node
// allocated to a task is lost.
func (s *statefulScheduler) nodeOrphaned(owner string, id node.ID, reason string) {
	msg := orphanMsg{owner: owner, node: id, reason: reason}
	select {
	case s.orphanCh <- msg:
	default:
		go func() {
			select {
			case s.orphanCh <- msg:
			case <-s.doneCh:
			}
		}()
	}
}

// generates a task id using a random uuid
func generateTaskID() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

func (s *statefulScheduler) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.requestCh:
			req.fn()
			close(req.done)
		case msg := <-s.orphanCh:
			s.handleOrphan(msg)
		case events, ok := <-s.sub.OutCh:
			if ok && freedNodes(events) {
				s.needPass = true
			}
		case <-s.asyncRunner.Notify():
		case <-s.stepTicker.C:
			s.needPass = true
		}
		s.step()
	}
}

// freedNodes reports whether events include a node becoming available.
func freedNodes(events []registry.Event) bool {
	for _, e := range events {
		if e.Type == registry.NodeAdded || (e.Type == registry.NodeStateChanged && e.Node.State == node.Free) {
			return true
		}
	}
	return false
}

// run one loop iteration
func (s *statefulScheduler) step() {
	defer s.stat.Latency(stats.SchedStepLatency_ms).Time().Stop()
	s.asyncRunner.ProcessMessages()
	s.scheduleTasks()
	s.updateStats()
}

func (s *statefulScheduler) updateStats() {
	var pending, running, paused int
	for _, t := range s.tasks {
		switch t.status {
		case domain.Pending:
			pending++
		case domain.Running:
			running++
		case domain.Paused:
			paused++
		}
	}
	s.stat.Gauge(stats.SchedPendingTasksGauge).Update(int64(pending))
	s.stat.Gauge(stats.SchedRunningTasksGauge).Update(int64(running))
	s.stat.Gauge(stats.SchedPausedTasksGauge).Update(int64(paused))
}

// call runs fn on the loop goroutine and waits for it. Returns false if the
// scheduler is stopped.
func (s *statefulScheduler) call(fn func()) bool {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case s.requestCh <- req:
	case <-s.doneCh:
		return false
	}
	<-req.done
	return true
}

func (s *statefulScheduler) persist(t *taskState) {
	s.store.Put(t.record())
}

// Submit validates the definition and queues the task.
func (s *statefulScheduler) Submit(def domain.TaskDefinition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	preds, err := s.registry.Engine().Compile(def.Selection)
	if err != nil {
		return "", errors.Wrapf(err, "task %q", def.Name)
	}
	def.Argv = append([]string(nil), def.Argv...)
	def.DependsOn = append([]string(nil), def.DependsOn...)

	id := generateTaskID()
	var submitErr error
	ok := s.call(func() {
		for _, dep := range def.DependsOn {
			if _, known := s.tasks[dep]; !known {
				submitErr = errors.Errorf("task %q depends on unknown task %s", def.Name, dep)
				return
			}
		}
		t := &taskState{
			id:        id,
			seq:       s.nextSeq,
			def:       def,
			preds:     preds,
			status:    domain.Pending,
			submitted: time.Now(),
			index:     -1,
		}
		s.nextSeq++
		s.tasks[id] = t
		s.ready.add(t)
		s.needPass = true
		s.persist(t)
		s.stat.Counter(stats.SchedTasksSubmittedCounter).Inc(1)
		log.WithFields(t.logFields()).Info("Task submitted")
	})
	if !ok {
		return "", ErrStopped
	}
	if submitErr != nil {
		return "", submitErr
	}
	return id, nil
}

func (s *statefulScheduler) GetStatus(id string) (st domain.TaskStatus, found bool) {
	s.call(func() {
		if t, ok := s.tasks[id]; ok {
			st, found = t.snapshot(), true
		}
	})
	return st, found
}

func (s *statefulScheduler) List() []domain.TaskStatus {
	var all []domain.TaskStatus
	s.call(func() {
		ts := make([]*taskState, 0, len(s.tasks))
		for _, t := range s.tasks {
			ts = append(ts, t)
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
		all = make([]domain.TaskStatus, len(ts))
		for i, t := range ts {
			all[i] = t.snapshot()
		}
	})
	return all
}

// Pause holds a Pending task back. A Running task keeps running; if its
// attempt ends in a way that would requeue it, it is paused instead.
func (s *statefulScheduler) Pause(id string) bool {
	result := false
	s.call(func() {
		t, ok := s.tasks[id]
		if !ok {
			return
		}
		switch t.status {
		case domain.Pending:
			s.ready.remove(t)
			t.status = domain.Paused
			t.waiting = ""
		case domain.Running:
			t.pauseRequested = true
		case domain.Paused:
		default:
			return
		}
		result = true
		s.persist(t)
		log.WithFields(t.logFields()).Info("Task paused")
	})
	return result
}

// Resume requeues a Paused task, or cancels a pending pause of a Running one.
func (s *statefulScheduler) Resume(id string) bool {
	result := false
	s.call(func() {
		t, ok := s.tasks[id]
		if !ok {
			return
		}
		switch {
		case t.status == domain.Paused:
			t.status = domain.Pending
			s.ready.add(t)
			s.needPass = true
		case t.status == domain.Running && t.pauseRequested:
			t.pauseRequested = false
		default:
			return
		}
		result = true
		s.persist(t)
		log.WithFields(t.logFields()).Info("Task resumed")
	})
	return result
}

func (s *statefulScheduler) Kill(id string) bool {
	result := false
	s.call(func() {
		t, ok := s.tasks[id]
		if !ok {
			return
		}
		result = true
		if t.status.IsTerminal() {
			return
		}
		s.cancel(t, "killed")
	})
	return result
}

// cancel ends a non-terminal task, terminating and releasing its attempt if any.
func (s *statefulScheduler) cancel(t *taskState, reason string) {
	if t.run != nil {
		t.run.terminate(t.id)
		t.run = nil
	}
	s.releaseNodes(t)
	s.ready.remove(t)
	t.status = domain.Cancelled
	t.pauseRequested = false
	t.err = reason
	t.waiting = ""
	t.ended = time.Now()
	s.persist(t)
	s.stat.Counter(stats.SchedTasksCancelledCounter).Inc(1)
	log.WithFields(t.logFields()).WithField("reason", reason).Info("Task cancelled")
}

func (s *statefulScheduler) ChangePriority(id string, p domain.Priority) bool {
	if !p.Valid() {
		return false
	}
	result := false
	s.call(func() {
		t, ok := s.tasks[id]
		if !ok || t.status.IsTerminal() {
			return
		}
		t.def.Priority = p
		s.ready.fix(t)
		s.needPass = true
		s.persist(t)
		result = true
	})
	return result
}

// Stop ends the loop and flushes the store. Running executions are left
// alone so a later scheduler can reattach to them.
func (s *statefulScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		// The loop is gone, state can be touched from here.
		s.releaseHeldBack()
		s.stepTicker.Stop()
		s.sub.Close()
		s.registry.SetOrphanListener(nil)
		if err := s.store.Close(); err != nil {
			log.Errorf("Closing task store: %v", err)
		}
		log.Info("Scheduler stopped")
	})
}

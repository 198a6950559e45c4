package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
	"github.com/twitter/gridsched/scheduler/launcher/sim"
	"github.com/twitter/gridsched/scheduler/store"
)

func testConfig() SchedulerConfiguration {
	return SchedulerConfiguration{
		DefaultTaskTimeout:    10 * time.Second,
		TickRate:              10 * time.Millisecond,
		PassTimeout:           time.Second,
		RecoverTasksOnStartup: true,
		Store:                 store.Config{WriteRetries: 1, RetryInterval: time.Millisecond},
	}
}

func newTestRegistry(t *testing.T, urls ...string) *registry.Registry {
	reg := registry.New(registry.DefaultConfig(), nil, nil)
	require.NoError(t, reg.AddSource("test", func(node.Info) {}))
	addTestNodes(t, reg, urls...)
	return reg
}

func addTestNodes(t *testing.T, reg *registry.Registry, urls ...string) {
	for _, url := range urls {
		_, err := reg.AddNode(node.Descriptor{URL: url}, "test")
		require.NoError(t, err)
	}
}

func nodeURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("node%d:7000", i)
	}
	return urls
}

func makeScheduler(t *testing.T, reg NodeRegistry, l launcher.Launcher, st store.Store) *statefulScheduler {
	s, err := NewStatefulScheduler(reg, l, st, testConfig(), stats.DefaultStatsReceiver())
	require.NoError(t, err)
	return s
}

func taskDef(name string, nodes int, argv ...string) domain.TaskDefinition {
	return domain.TaskDefinition{
		Name:      name,
		Owner:     "alice",
		Kind:      domain.Native,
		Priority:  domain.Normal,
		NodeCount: nodes,
		Argv:      argv,
	}
}

func submit(t *testing.T, s Scheduler, def domain.TaskDefinition) string {
	id, err := s.Submit(def)
	require.NoError(t, err)
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, s Scheduler, id string, want domain.Status) domain.TaskStatus {
	var st domain.TaskStatus
	waitFor(t, fmt.Sprintf("task %s to be %s", id, want), func() bool {
		st, _ = s.GetStatus(id)
		return st.Status == want
	})
	return st
}

func Test_StatefulScheduler_RunsTaskToCompletion(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 2, "complete 0"))
	st := waitStatus(t, s, id, domain.Finished)
	assert.Equal(t, 1, st.Attempts)
	assert.Len(t, st.Nodes, 2)
	assert.Empty(t, st.Error)
	assert.False(t, st.Ended.Before(st.Started))

	waitFor(t, "nodes to be released", func() bool { return reg.Counts().Free == 2 })
	require.Len(t, l.Launches(), 1)
	assert.Equal(t, id, l.Launches()[0].TaskID)
}

func Test_StatefulScheduler_ExitCodeFailsTask(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	s := makeScheduler(t, reg, sim.NewLauncher(), nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 1, "complete 3"))
	st := waitStatus(t, s, id, domain.Failed)
	assert.Contains(t, st.Error, "exit 3")
	waitFor(t, "node to be released", func() bool { return reg.Counts().Free == 1 })
}

// occupy runs a paused task on every node and returns its id once it runs.
func occupy(t *testing.T, s Scheduler, nodes int) string {
	id := submit(t, s, taskDef("blocker", nodes, "pause"))
	waitStatus(t, s, id, domain.Running)
	return id
}

func Test_StatefulScheduler_PriorityThenSubmissionOrder(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()
	blocker := occupy(t, s, 1)

	low := taskDef("low", 1, "complete 0")
	low.Priority = domain.Low
	high := taskDef("high", 1, "complete 0")
	high.Priority = domain.High

	lowID := submit(t, s, low)
	normal1 := submit(t, s, taskDef("normal1", 1, "complete 0"))
	highID := submit(t, s, high)
	normal2 := submit(t, s, taskDef("normal2", 1, "complete 0"))

	l.Resume()
	waitStatus(t, s, lowID, domain.Finished)

	var order []string
	for _, launch := range l.Launches() {
		order = append(order, launch.TaskID)
	}
	assert.Equal(t, []string{blocker, highID, normal1, normal2, lowID}, order)
}

func Test_StatefulScheduler_NoHeadOfLineBlocking(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	s := makeScheduler(t, reg, sim.NewLauncher(), nil)
	defer s.Stop()

	big := taskDef("big", 3, "complete 0")
	big.Priority = domain.Highest
	bigID := submit(t, s, big)
	smallID := submit(t, s, taskDef("small", 1, "complete 0"))

	waitStatus(t, s, smallID, domain.Finished)
	st, ok := s.GetStatus(bigID)
	require.True(t, ok)
	assert.Equal(t, domain.Pending, st.Status)
	assert.Contains(t, st.WaitingReason, "requested 3 nodes")
	assert.Empty(t, st.Nodes)
	waitFor(t, "nodes to be released", func() bool { return reg.Counts().Free == 2 })
}

func Test_StatefulScheduler_KillIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 1, "pause"))
	waitStatus(t, s, id, domain.Running)

	assert.True(t, s.Kill(id))
	st, _ := s.GetStatus(id)
	assert.Equal(t, domain.Cancelled, st.Status)
	assert.Equal(t, 1, reg.Counts().Free)

	assert.True(t, s.Kill(id))
	assert.Equal(t, 1, reg.Counts().Free)
	assert.False(t, s.Kill("no-such-task"))

	waitFor(t, "execution to be terminated", func() bool { return l.Running() == 0 })
	// The late outcome of the killed attempt changes nothing.
	time.Sleep(50 * time.Millisecond)
	st, _ = s.GetStatus(id)
	assert.Equal(t, domain.Cancelled, st.Status)
	assert.Equal(t, 1, reg.Counts().Free)
}

func Test_StatefulScheduler_KillPending(t *testing.T) {
	reg := newTestRegistry(t)
	s := makeScheduler(t, reg, sim.NewLauncher(), nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 1, "complete 0"))
	assert.True(t, s.Kill(id))

	addTestNodes(t, reg, "node0:7000")
	time.Sleep(50 * time.Millisecond)
	st, _ := s.GetStatus(id)
	assert.Equal(t, domain.Cancelled, st.Status)
	assert.Equal(t, 0, st.Attempts)
}

func Test_StatefulScheduler_PauseAndResumePending(t *testing.T) {
	reg := newTestRegistry(t)
	s := makeScheduler(t, reg, sim.NewLauncher(), nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 1, "complete 0"))
	require.True(t, s.Pause(id))
	require.True(t, s.Pause(id))

	addTestNodes(t, reg, "node0:7000")
	time.Sleep(50 * time.Millisecond)
	st, _ := s.GetStatus(id)
	assert.Equal(t, domain.Paused, st.Status)

	require.True(t, s.Resume(id))
	waitStatus(t, s, id, domain.Finished)
	assert.False(t, s.Pause(id))
	assert.False(t, s.Resume(id))
	assert.False(t, s.Pause("no-such-task"))
}

func Test_StatefulScheduler_PauseRunningTakesEffectOnRequeue(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	def := taskDef("job", 1, "pause", "fail boom")
	def.MaxRetries = 1
	id := submit(t, s, def)
	waitStatus(t, s, id, domain.Running)

	require.True(t, s.Pause(id))
	st, _ := s.GetStatus(id)
	assert.Equal(t, domain.Running, st.Status)

	l.Resume()
	st = waitStatus(t, s, id, domain.Paused)
	assert.Equal(t, 1, st.Attempts)
	waitFor(t, "node to be released", func() bool { return reg.Counts().Free == 1 })

	require.True(t, s.Resume(id))
	waitFor(t, "second attempt", func() bool {
		st, _ = s.GetStatus(id)
		return st.Status == domain.Running && st.Attempts == 2
	})
	l.Resume()
	st = waitStatus(t, s, id, domain.Failed)
	assert.Contains(t, st.Error, "boom")
}

func Test_StatefulScheduler_RetriesElsewhere(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	def := taskDef("job", 1, "fail boom")
	def.MaxRetries = 1
	def.RetryElsewhere = true
	id := submit(t, s, def)

	st := waitStatus(t, s, id, domain.Failed)
	assert.Equal(t, 2, st.Attempts)
	launches := l.Launches()
	require.Len(t, launches, 2)
	assert.NotEqual(t, launches[0].Nodes, launches[1].Nodes)
	waitFor(t, "nodes to be released", func() bool { return reg.Counts().Free == 2 })
}

func Test_StatefulScheduler_RetryOnSameNodes(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	def := taskDef("job", 1, "fail boom")
	def.MaxRetries = 2
	id := submit(t, s, def)

	st := waitStatus(t, s, id, domain.Failed)
	assert.Equal(t, 3, st.Attempts)
	for _, launch := range l.Launches() {
		assert.Equal(t, []node.ID{"node0:7000"}, launch.Nodes)
	}
}

func Test_StatefulScheduler_OrphanRetriesElsewhere(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	def := taskDef("job", 1, "pause")
	def.RetryElsewhere = true
	id := submit(t, s, def)
	st := waitStatus(t, s, id, domain.Running)
	lostNode := st.Nodes[0]

	require.True(t, reg.MarkDown(lostNode))
	waitFor(t, "relaunch on another node", func() bool {
		st, _ = s.GetStatus(id)
		return st.Status == domain.Running && st.Attempts == 2
	})
	assert.NotEqual(t, lostNode, st.Nodes[0])
	// Only the new execution may pick up the resume.
	waitFor(t, "lost execution to end", func() bool { return len(l.Launches()) == 2 && l.Running() == 1 })

	l.Resume()
	waitStatus(t, s, id, domain.Finished)
	waitFor(t, "healthy node to be free", func() bool { return reg.Counts().Free == 1 })
	assert.Equal(t, 1, reg.Counts().Down)
}

func Test_StatefulScheduler_OrphanFailsTask(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	id := submit(t, s, taskDef("job", 2, "pause"))
	st := waitStatus(t, s, id, domain.Running)

	require.True(t, reg.RemoveNode(st.Nodes[1], true))
	st = waitStatus(t, s, id, domain.Failed)
	assert.Contains(t, st.Error, "lost")
	waitFor(t, "surviving node to be released", func() bool { return reg.Counts().Free == 1 })
	waitFor(t, "execution to be terminated", func() bool { return l.Running() == 0 })
}

func Test_StatefulScheduler_Timeout(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()

	def := taskDef("job", 1, "pause")
	def.Timeout = 30 * time.Millisecond
	id := submit(t, s, def)

	st := waitStatus(t, s, id, domain.Failed)
	assert.Contains(t, st.Error, "timed out")
	waitFor(t, "node to be released", func() bool { return reg.Counts().Free == 1 })
	waitFor(t, "execution to be terminated", func() bool { return l.Running() == 0 })
}

func Test_StatefulScheduler_LaunchFailureIsIsolated(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	reg := newTestRegistry(t, nodeURLs(2)...)
	good := sim.NewLauncher()
	bad := launcher.NewMockLauncher(mockCtrl)
	bad.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))
	s := makeScheduler(t, reg, launcher.Dispatch{domain.Native: bad, domain.Parallel: good}, nil)
	defer s.Stop()

	badID := submit(t, s, taskDef("native", 1, "complete 0"))
	parallel := taskDef("parallel", 1, "complete 0")
	parallel.Kind = domain.Parallel
	goodID := submit(t, s, parallel)

	st := waitStatus(t, s, badID, domain.Failed)
	assert.Contains(t, st.Error, "launch of task")
	assert.Contains(t, st.Error, "connection refused")
	waitStatus(t, s, goodID, domain.Finished)
	waitFor(t, "nodes to be released", func() bool { return reg.Counts().Free == 2 })
}

// greedyRegistry grants one node more than asked for two-node requests.
type greedyRegistry struct {
	*registry.Registry
}

func (g greedyRegistry) GetFreeNodes(ctx context.Context, req registry.Request) []node.Info {
	if req.Count == 2 {
		req.Count = 3
	}
	return g.Registry.GetFreeNodes(ctx, req)
}

func Test_StatefulScheduler_InvariantViolationFailsOnlyThatTask(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(3)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, greedyRegistry{reg}, l, nil)
	defer s.Stop()

	badID := submit(t, s, taskDef("pair", 2, "complete 0"))
	st := waitStatus(t, s, badID, domain.Failed)
	assert.Contains(t, st.Error, "invariant")
	waitFor(t, "nodes to be returned", func() bool { return reg.Counts().Free == 3 })

	goodID := submit(t, s, taskDef("single", 1, "complete 0"))
	waitStatus(t, s, goodID, domain.Finished)
	for _, launch := range l.Launches() {
		assert.NotEqual(t, badID, launch.TaskID)
	}
}

func Test_StatefulScheduler_Dependencies(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(2)...)
	s := makeScheduler(t, reg, sim.NewLauncher(), nil)
	defer s.Stop()

	first := submit(t, s, taskDef("first", 1, "sleep 50"))
	second := taskDef("second", 1, "complete 0")
	second.DependsOn = []string{first}
	secondID := submit(t, s, second)

	st1 := waitStatus(t, s, first, domain.Finished)
	st2 := waitStatus(t, s, secondID, domain.Finished)
	assert.False(t, st2.Started.Before(st1.Ended))

	broken := submit(t, s, taskDef("broken", 1, "fail boom"))
	dependent := taskDef("dependent", 1, "complete 0")
	dependent.DependsOn = []string{broken}
	dependentID := submit(t, s, dependent)
	waitStatus(t, s, broken, domain.Failed)
	st := waitStatus(t, s, dependentID, domain.Cancelled)
	assert.Contains(t, st.Error, "dependency")
	assert.Equal(t, 0, st.Attempts)
}

func Test_StatefulScheduler_SubmitValidation(t *testing.T) {
	s := makeScheduler(t, newTestRegistry(t), sim.NewLauncher(), nil)
	defer s.Stop()

	_, err := s.Submit(taskDef("none", 0))
	assert.Error(t, err)

	def := taskDef("orphan", 1)
	def.DependsOn = []string{"no-such-task"}
	_, err = s.Submit(def)
	assert.Error(t, err)

	assert.Empty(t, s.List())
}

func Test_StatefulScheduler_ChangePriority(t *testing.T) {
	reg := newTestRegistry(t, nodeURLs(1)...)
	l := sim.NewLauncher()
	s := makeScheduler(t, reg, l, nil)
	defer s.Stop()
	blocker := occupy(t, s, 1)

	a := submit(t, s, taskDef("a", 1, "complete 0"))
	b := submit(t, s, taskDef("b", 1, "complete 0"))
	assert.False(t, s.ChangePriority(b, domain.Priority(42)))
	assert.False(t, s.ChangePriority("no-such-task", domain.High))
	require.True(t, s.ChangePriority(b, domain.High))

	st, _ := s.GetStatus(b)
	assert.Equal(t, domain.High, st.Priority)

	l.Resume()
	waitStatus(t, s, a, domain.Finished)
	launches := l.Launches()
	require.Len(t, launches, 3)
	assert.Equal(t, blocker, launches[0].TaskID)
	assert.Equal(t, b, launches[1].TaskID)
	assert.False(t, s.ChangePriority(a, domain.Low))
}

func Test_StatefulScheduler_ListInSubmissionOrder(t *testing.T) {
	s := makeScheduler(t, newTestRegistry(t), sim.NewLauncher(), nil)
	defer s.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		def := taskDef(fmt.Sprintf("job%d", i), 1)
		def.Priority = domain.Priority(i % 3)
		ids = append(ids, submit(t, s, def))
	}
	var listed []string
	for _, st := range s.List() {
		listed = append(listed, st.ID)
	}
	assert.Equal(t, ids, listed)
}

func Test_StatefulScheduler_StopRejectsCalls(t *testing.T) {
	s := makeScheduler(t, newTestRegistry(t), sim.NewLauncher(), nil)
	s.Stop()
	s.Stop()

	_, err := s.Submit(taskDef("late", 1))
	assert.Equal(t, ErrStopped, err)
	_, ok := s.GetStatus("anything")
	assert.False(t, ok)
}

func Test_StatefulScheduler_RecoversRunningTasks(t *testing.T) {
	st := store.NewMemoryStore()
	l := sim.NewLauncher()
	s1 := makeScheduler(t, newTestRegistry(t, nodeURLs(2)...), l, st)

	running := submit(t, s1, taskDef("running", 1, "pause"))
	waiting := submit(t, s1, taskDef("waiting", 5, "complete 0"))
	paused := submit(t, s1, taskDef("paused", 5, "complete 0"))
	require.True(t, s1.Pause(paused))
	before := waitStatus(t, s1, running, domain.Running)
	s1.Stop()

	reg := newTestRegistry(t, nodeURLs(2)...)
	s2 := makeScheduler(t, reg, l, st)
	defer s2.Stop()

	after, ok := s2.GetStatus(running)
	require.True(t, ok)
	assert.Equal(t, domain.Running, after.Status)
	assert.Equal(t, before.Nodes, after.Nodes)
	info, _ := reg.Get(after.Nodes[0])
	assert.Equal(t, node.Busy, info.State)
	assert.Equal(t, running, info.Owner)

	waitStatus(t, s2, waiting, domain.Pending)
	waitStatus(t, s2, paused, domain.Paused)

	l.Resume()
	after = waitStatus(t, s2, running, domain.Finished)
	assert.Equal(t, 1, after.Attempts)
	assert.Len(t, l.Launches(), 1)

	next := submit(t, s2, taskDef("next", 1, "complete 0"))
	var listed []string
	for _, ts := range s2.List() {
		listed = append(listed, ts.ID)
	}
	assert.Equal(t, []string{running, waiting, paused, next}, listed)
}

func Test_StatefulScheduler_RecoveryRequeuesLostExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	s1 := makeScheduler(t, newTestRegistry(t, nodeURLs(1)...), sim.NewLauncher(), st)
	id := submit(t, s1, taskDef("job", 1, "pause"))
	waitStatus(t, s1, id, domain.Running)
	s1.Stop()

	// A new launcher knows nothing about the old execution.
	l := sim.NewLauncher()
	reg := newTestRegistry(t, nodeURLs(1)...)
	s2 := makeScheduler(t, reg, l, st)
	defer s2.Stop()

	waitFor(t, "relaunch", func() bool {
		ts, _ := s2.GetStatus(id)
		return ts.Status == domain.Running && ts.Attempts == 2
	})
	l.Resume()
	waitStatus(t, s2, id, domain.Finished)
	waitFor(t, "node to be released", func() bool { return reg.Counts().Free == 1 })
}

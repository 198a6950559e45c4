package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	rmerrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/selection"
)

type orphanRecord struct {
	owner  string
	id     node.ID
	reason string
}

type RegistryTestSuite struct {
	suite.Suite
	reg     *Registry
	stat    stats.StatsReceiver
	mu      sync.Mutex
	orphans []orphanRecord
	removed []node.ID
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.stat = stats.DefaultStatsReceiver()
	s.reg = New(DefaultConfig(), nil, s.stat)
	s.orphans = nil
	s.removed = nil
	s.reg.SetOrphanListener(func(owner string, id node.ID, reason string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.orphans = append(s.orphans, orphanRecord{owner, id, reason})
	})
	s.Require().NoError(s.reg.AddSource("src", func(info node.Info) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removed = append(s.removed, info.ID)
	}))
}

func (s *RegistryTestSuite) addNodes(n int, attrs map[string]string) []node.ID {
	ids := []node.ID{}
	for i := 0; i < n; i++ {
		info, err := s.reg.AddNode(node.Descriptor{URL: fmt.Sprintf("node%d:7000", len(s.reg.Nodes())), Attributes: attrs}, "src")
		s.Require().NoError(err)
		ids = append(ids, info.ID)
	}
	return ids
}

func (s *RegistryTestSuite) get(count int, owner string) []node.Info {
	return s.reg.GetFreeNodes(context.Background(), Request{Owner: owner, Count: count})
}

func (s *RegistryTestSuite) assertConserved() {
	c := s.reg.Counts()
	s.Equal(c.Total, c.Free+c.Busy+c.ToRelease+c.Down)
	s.Equal(len(s.reg.Nodes()), c.Total)
}

func (s *RegistryTestSuite) TestAddNodeUnknownSource() {
	_, err := s.reg.AddNode(node.Descriptor{URL: "x:1"}, "nope")
	s.True(rmerrors.IsUnknownSource(err))
}

func (s *RegistryTestSuite) TestAddSourceTwice() {
	s.True(rmerrors.IsSourceExists(s.reg.AddSource("src", nil)))
}

func (s *RegistryTestSuite) TestAddNodeTwiceRejected() {
	s.addNodes(1, nil)
	_, err := s.reg.AddNode(node.Descriptor{URL: "node0:7000"}, "src")
	s.Error(err)
}

func (s *RegistryTestSuite) TestReAddDownNodeReplacesIt() {
	ids := s.addNodes(1, nil)
	s.True(s.reg.MarkDown(ids[0]))
	info, err := s.reg.AddNode(node.Descriptor{URL: string(ids[0])}, "src")
	s.Require().NoError(err)
	s.Equal(node.Free, info.State)
	s.Equal(1, s.reg.Counts().Total)
}

// Scenario A at the registry level.
func (s *RegistryTestSuite) TestGetFreeNodesFlipsToBusy() {
	s.addNodes(3, nil)
	got := s.get(2, "t1")
	s.Len(got, 2)
	for _, info := range got {
		s.Equal(node.Busy, info.State)
		s.Equal("t1", info.Owner)
	}
	c := s.reg.Counts()
	s.Equal(1, c.Free)
	s.Equal(2, c.Busy)
	s.assertConserved()
}

// Scenario B at the registry level: no partial holds.
func (s *RegistryTestSuite) TestGetFreeNodesAllOrNothing() {
	s.addNodes(1, nil)
	s.Empty(s.get(2, "t1"))
	s.Equal(1, s.reg.Counts().Free)
	stats.VerifyStats("insufficient", s.stat, s.T(), map[string]stats.Rule{
		stats.RegistryInsufficientCounter: {Checker: stats.Int64EqTest, Value: 1},
		stats.RegistryFreeNodesGauge:      {Checker: stats.Int64EqTest, Value: 1},
	})
}

func (s *RegistryTestSuite) TestGetAtMostNodesKeepsPartial() {
	s.addNodes(1, nil)
	got := s.reg.GetAtMostNodes(context.Background(), Request{Owner: "t", Count: 3})
	s.Len(got, 1)
	s.Equal(0, s.reg.Counts().Free)
}

func (s *RegistryTestSuite) TestGetFreeNodesHonoursPredicatesAndExclusion() {
	linux := s.addNodes(2, map[string]string{"os": "linux"})
	s.addNodes(2, map[string]string{"os": "mac"})
	preds, err := s.reg.Engine().Compile([]selection.Spec{{Type: selection.TypeAttribute, Key: "os", Value: "linux"}})
	s.Require().NoError(err)

	got := s.reg.GetFreeNodes(context.Background(), Request{
		Owner:      "t",
		Count:      1,
		Predicates: preds,
		Exclude:    map[node.ID]bool{linux[0]: true},
	})
	s.Require().Len(got, 1)
	s.Equal(linux[1], got[0].ID)

	s.Empty(s.reg.GetFreeNodes(context.Background(), Request{Owner: "t2", Count: 2, Predicates: preds}))
}

// busyDuringEval runs a task on the node it is asked about, then passes it.
type busyDuringEval struct {
	reg *Registry
	ran map[node.ID]bool
}

func (p *busyDuringEval) ID() string      { return "busy-during-eval" }
func (p *busyDuringEval) Cacheable() bool { return true }

func (p *busyDuringEval) Eval(_ context.Context, info node.Info) (bool, error) {
	if !p.ran[info.ID] {
		p.ran[info.ID] = true
		n := p.reg.lookup([]node.ID{info.ID})[0]
		if n.TryAcquire("other", time.Now()) {
			n.Release(true, time.Now())
		}
	}
	return true, nil
}

func (s *RegistryTestSuite) TestNodeThatRanWhileFilteredIsSkipped() {
	ids := s.addNodes(2, nil)
	pred := &busyDuringEval{reg: s.reg, ran: map[node.ID]bool{ids[0]: true}}

	got := s.reg.GetAtMostNodes(context.Background(), Request{Owner: "t", Count: 2, Predicates: []selection.Predicate{pred}})
	s.Require().Len(got, 1)
	s.Equal(ids[0], got[0].ID)

	info, ok := s.reg.Get(ids[1])
	s.Require().True(ok)
	s.Equal(node.Free, info.State)
	s.Equal("", info.Owner)
	s.Equal(uint64(1), info.Generation)
	s.assertConserved()
	stats.VerifyStats("stale", s.stat, s.T(),
		map[string]stats.Rule{stats.RegistryStaleSelectionCounter: {Checker: stats.Int64EqTest, Value: 1}})

	// Filtered again at its new generation, the node is granted.
	got = s.reg.GetAtMostNodes(context.Background(), Request{Owner: "t", Count: 1, Predicates: []selection.Predicate{pred}})
	s.Require().Len(got, 1)
	s.Equal(ids[1], got[0].ID)
}

func (s *RegistryTestSuite) TestReleaseNodeBumpsGeneration() {
	s.addNodes(1, nil)
	got := s.get(1, "t")
	s.True(s.reg.ReleaseNode(got[0].ID))
	info, ok := s.reg.Get(got[0].ID)
	s.True(ok)
	s.Equal(node.Free, info.State)
	s.Equal(uint64(1), info.Generation)
	s.False(s.reg.ReleaseNode(got[0].ID), "second release is a no-op")
	s.False(s.reg.ReleaseNode("missing"))
}

func (s *RegistryTestSuite) TestUnreserveDoesNotBumpGeneration() {
	s.addNodes(1, nil)
	got := s.get(1, "t")
	s.reg.Unreserve("t", []node.ID{got[0].ID})
	info, _ := s.reg.Get(got[0].ID)
	s.Equal(node.Free, info.State)
	s.Equal(uint64(0), info.Generation)
}

func (s *RegistryTestSuite) TestHoldsAndReclaim() {
	ids := s.addNodes(2, nil)
	s.True(s.reg.Reclaim("t", ids))
	s.True(s.reg.Holds("t", ids))
	s.False(s.reg.Holds("other", ids))
	s.False(s.reg.Reclaim("u", ids[:1]))
	s.reg.RemoveNode(ids[0], true)
	s.False(s.reg.Holds("t", ids))
}

// Scenario C at the registry level.
func (s *RegistryTestSuite) TestPreemptRemovesAndOrphans() {
	s.addNodes(2, nil)
	got := s.get(1, "t1")
	s.True(s.reg.RemoveNode(got[0].ID, true))

	_, ok := s.reg.Get(got[0].ID)
	s.False(ok)
	s.Equal([]orphanRecord{{"t1", got[0].ID, "node preempted"}}, s.orphans)
	s.Equal([]node.ID{got[0].ID}, s.removed)
	s.False(s.reg.ReleaseNode(got[0].ID))
	s.assertConserved()
}

// Scenario D at the registry level.
func (s *RegistryTestSuite) TestDeferredRemovalIsNeverObservablyFree() {
	s.addNodes(1, nil)
	got := s.get(1, "t1")
	id := got[0].ID
	s.True(s.reg.RemoveNode(id, false))
	info, _ := s.reg.Get(id)
	s.Equal(node.ToRelease, info.State)
	s.Empty(s.orphans)
	s.Empty(s.get(1, "t2"))

	s.True(s.reg.ReleaseNode(id))
	_, ok := s.reg.Get(id)
	s.False(ok)
	s.Empty(s.get(1, "t2"))
	s.Equal([]node.ID{id}, s.removed)
}

func (s *RegistryTestSuite) TestRemoveIdleNodeImmediately() {
	ids := s.addNodes(1, nil)
	s.True(s.reg.RemoveNode(ids[0], false))
	s.Equal(0, s.reg.Counts().Total)
	s.False(s.reg.RemoveNode(ids[0], false))
}

func (s *RegistryTestSuite) TestMarkDownOrphans() {
	s.addNodes(1, nil)
	got := s.get(1, "t1")
	s.True(s.reg.MarkDown(got[0].ID))
	s.False(s.reg.MarkDown(got[0].ID))
	s.Equal(1, s.reg.Counts().Down)
	s.Len(s.orphans, 1)
	s.Equal("node down", s.orphans[0].reason)
	s.assertConserved()
}

func (s *RegistryTestSuite) TestRemoveSourceWaitsForBusyNodes() {
	s.addNodes(2, nil)
	got := s.get(1, "t1")
	s.True(s.reg.RemoveSource("src", false))

	s.Equal([]string{"src"}, s.reg.Sources(), "source drains while a node is busy")
	s.False(s.reg.HasSource("src"))
	_, err := s.reg.AddNode(node.Descriptor{URL: "late:1"}, "src")
	s.True(rmerrors.IsUnknownSource(err))

	s.True(s.reg.ReleaseNode(got[0].ID))
	s.Empty(s.reg.Sources())
	s.Equal(0, s.reg.Counts().Total)
}

func (s *RegistryTestSuite) TestRemoveSourcePreempt() {
	s.addNodes(3, nil)
	s.get(2, "t1")
	s.True(s.reg.RemoveSource("src", true))
	s.Empty(s.reg.Sources())
	s.Len(s.orphans, 2)
	s.False(s.reg.RemoveSource("src", true))
}

func (s *RegistryTestSuite) TestRemoveIfIdle() {
	ids := s.addNodes(1, nil)
	s.False(s.reg.RemoveIfIdle(ids[0], time.Hour))
	s.True(s.reg.RemoveIfIdle(ids[0], 0))
	s.Empty(s.reg.NodesOf("src"))
}

func (s *RegistryTestSuite) TestSubscriptionSeesEvents() {
	sub := s.reg.Subscribe()
	defer sub.Close()
	s.addNodes(1, nil)
	s.get(1, "t")

	var types []EventType
	timeout := time.After(5 * time.Second)
	for len(types) < 2 {
		select {
		case events := <-sub.OutCh:
			for _, e := range events {
				types = append(types, e.Type)
			}
		case <-timeout:
			s.FailNow("no events delivered")
		}
	}
	s.Equal([]EventType{NodeAdded, NodeStateChanged}, types)
}

func (s *RegistryTestSuite) TestStateEventCarriesStateAtPublication() {
	sub := s.reg.Subscribe()
	defer sub.Close()
	ids := s.addNodes(1, nil)
	added := <-sub.OutCh

	n := s.reg.lookup(ids)[0]
	s.Require().True(n.TryAcquire("t", time.Now()))
	fx := &effects{}
	s.reg.stateEvent(fx, n)
	// A release overtakes the acquisition before it is published.
	_, ok := n.Release(true, time.Now())
	s.Require().True(ok)
	s.reg.apply(fx)

	events := <-sub.OutCh
	s.Require().Len(events, 1)
	s.Equal(node.Free, events[0].Node.State)
	s.Equal(added[0].Seq+1, events[0].Seq)
}

func TestSubscription_ConcurrentChangesEndOnCurrentState(t *testing.T) {
	reg := New(DefaultConfig(), nil, nil)
	require.NoError(t, reg.AddSource("src", nil))
	sub := reg.Subscribe()
	defer sub.Close()
	for i := 0; i < 8; i++ {
		_, err := reg.AddNode(node.Descriptor{URL: fmt.Sprintf("n%d", i)}, "src")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("t%d", i)
			for j := 0; j < 20; j++ {
				for _, info := range reg.GetAtMostNodes(context.Background(), Request{Owner: owner, Count: 1}) {
					if i%5 == 0 && j%7 == 0 {
						reg.MarkDown(info.ID)
					} else {
						reg.ReleaseNode(info.ID)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, reg.AddSource("done", nil))

	last := map[node.ID]node.State{}
	// The source added before subscribing took Seq 1.
	seq := uint64(1)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case events := <-sub.OutCh:
			for _, e := range events {
				assert.Equal(t, seq+1, e.Seq)
				seq = e.Seq
				if e.Type == NodeAdded || e.Type == NodeStateChanged {
					last[e.Node.ID] = e.Node.State
				}
				if e.Type == SourceAdded && e.Source == "done" {
					for _, info := range reg.Nodes() {
						assert.Equal(t, info.State, last[info.ID], "node %s", info.ID)
					}
					return
				}
			}
		case <-timeout:
			t.Fatal("events stopped before the marker source was seen")
		}
	}
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	reg := New(DefaultConfig(), nil, nil)
	sub := reg.Subscribe()
	require.NoError(t, reg.AddSource("a", nil))
	sub.Close()
	sub.Close()
	require.NoError(t, reg.AddSource("b", nil))
	for range sub.OutCh {
	}
}

// Scenario E at the registry level: concurrent requests for the last node.
func TestRegistry_ConcurrentRequestsNeverShareANode(t *testing.T) {
	reg := New(DefaultConfig(), nil, nil)
	require.NoError(t, reg.AddSource("src", nil))
	for i := 0; i < 10; i++ {
		_, err := reg.AddNode(node.Descriptor{URL: fmt.Sprintf("n%d", i)}, "src")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([][]node.Info, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.GetFreeNodes(context.Background(), Request{Owner: fmt.Sprintf("t%d", i), Count: 1 + i%3})
		}(i)
	}
	wg.Wait()

	owners := map[node.ID]string{}
	granted := 0
	for i, res := range results {
		if len(res) > 0 {
			assert.Len(t, res, 1+i%3)
		}
		for _, info := range res {
			_, dup := owners[info.ID]
			assert.False(t, dup, "node %s granted twice", info.ID)
			owners[info.ID] = info.Owner
			granted++
		}
	}
	c := reg.Counts()
	assert.Equal(t, granted, c.Busy)
	assert.Equal(t, 10, c.Free+c.Busy)
}

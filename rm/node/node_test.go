package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1000, 0)

func newTestNode() *Node {
	return New(Descriptor{URL: "pnp://host1:7000/node", Attributes: map[string]string{"os": "linux"}}, "src", 0, t0)
}

func Test_Node_NewIsFree(t *testing.T) {
	n := newTestNode()
	info := n.Info()
	assert.Equal(t, ID("pnp://host1:7000/node"), info.ID)
	assert.Equal(t, "host1", info.Host)
	assert.Equal(t, "src", info.Source)
	assert.Equal(t, Free, info.State)
	assert.Equal(t, "linux", info.Attributes["os"])
	assert.Equal(t, uint64(0), info.Generation)
}

func Test_Node_AcquireIsExclusive(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("task1", t0))
	assert.False(t, n.TryAcquire("task2", t0))
	assert.Equal(t, "task1", n.Info().Owner)
	assert.Equal(t, Busy, n.State())
}

func Test_Node_ReleaseBumpsGenerationOnlyAfterExecution(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("t", t0))
	prev, ok := n.Rollback("t", t0)
	assert.True(t, ok)
	assert.Equal(t, Busy, prev)
	assert.Equal(t, uint64(0), n.Generation())

	require.True(t, n.TryAcquire("t", t0))
	_, ok = n.Release(true, t0.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), n.Generation())
	assert.Equal(t, Free, n.State())
	assert.Equal(t, "", n.Info().Owner)

	_, ok = n.Release(true, t0)
	assert.False(t, ok, "releasing a Free node is a no-op")
	assert.Equal(t, uint64(1), n.Generation())
}

func Test_Node_RollbackRequiresOwner(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("a", t0))
	_, ok := n.Rollback("b", t0)
	assert.False(t, ok)
	assert.Equal(t, Busy, n.State())
}

func Test_Node_DeferredRemoval(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("t", t0))
	prev, now := n.MarkToRelease(t0)
	assert.Equal(t, Busy, prev)
	assert.False(t, now)
	assert.Equal(t, ToRelease, n.State())
	assert.False(t, n.TryAcquire("other", t0))

	prev, ok := n.Release(true, t0)
	assert.True(t, ok)
	assert.Equal(t, ToRelease, prev)
	assert.True(t, n.Removed())
	assert.False(t, n.TryAcquire("other", t0), "a removed node is never observably Free")
}

func Test_Node_MarkToReleaseIdleRemovesNow(t *testing.T) {
	n := newTestNode()
	_, now := n.MarkToRelease(t0)
	assert.True(t, now)
	assert.True(t, n.Removed())
}

func Test_Node_DownIsTerminal(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("t", t0))
	prev, owner, ok := n.MarkDown(t0)
	assert.True(t, ok)
	assert.Equal(t, Busy, prev)
	assert.Equal(t, "t", owner)

	assert.False(t, n.TryAcquire("x", t0))
	_, ok = n.Release(true, t0)
	assert.False(t, ok)
	_, _, ok = n.MarkDown(t0)
	assert.False(t, ok)
	assert.Equal(t, Down, n.State())
}

func Test_Node_StringDumpsInfo(t *testing.T) {
	n := newTestNode()
	require.True(t, n.TryAcquire("t", t0))
	_, _, ok := n.MarkDown(t0)
	require.True(t, ok)

	dump := n.String()
	assert.Contains(t, dump, "pnp://host1:7000/node")
	assert.Contains(t, dump, "Down")
	assert.Contains(t, dump, `"linux"`)
}

func Test_Node_RemoveIfIdle(t *testing.T) {
	n := newTestNode()
	assert.False(t, n.RemoveIfIdle(time.Minute, t0.Add(time.Second)))
	assert.True(t, n.RemoveIfIdle(time.Minute, t0.Add(2*time.Minute)))
	assert.True(t, n.Removed())
}

func Test_Node_VerdictCache(t *testing.T) {
	n := newTestNode()
	v, _, ok := n.CachedVerdict("p")
	assert.False(t, ok)
	assert.Equal(t, NeverTested, v)

	n.RecordVerdict("p", Verified, 3)
	v, gen, ok := n.CachedVerdict("p")
	assert.True(t, ok)
	assert.Equal(t, Verified, v)
	assert.Equal(t, uint64(3), gen)
	assert.True(t, v.Positive())
	assert.False(t, NoLongerVerified.Positive())
}

func Test_Node_VerdictCacheIsBounded(t *testing.T) {
	n := New(Descriptor{URL: "n"}, "src", 2, t0)
	n.RecordVerdict("a", Verified, 0)
	n.RecordVerdict("b", Verified, 0)
	n.RecordVerdict("c", Verified, 0)
	_, _, ok := n.CachedVerdict("a")
	assert.False(t, ok)
	_, _, ok = n.CachedVerdict("c")
	assert.True(t, ok)
}

func Test_HostOf(t *testing.T) {
	assert.Equal(t, "h", hostOf("rmi://h:1099/n"))
	assert.Equal(t, "localhost", hostOf("localhost:7000"))
	assert.Equal(t, "plain", hostOf("plain"))
}

// Package node models a single allocatable compute unit: its identity, the
// Free/Busy/ToRelease/Down state machine, and the per-node cache of selection
// verdicts guarded by a generation counter.
//
// Nodes are owned by the registry. The transition methods are exported for the
// registry's use; everything else should only read Info snapshots.
package node

import (
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/luci/go-render/render"
	"github.com/twitter/groupcache/lru"
	"go.uber.org/atomic"
)

// ID is the node's URL, unique within a registry.
type ID string

type State int

const (
	Free State = iota
	Busy
	ToRelease
	Down
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Busy:
		return "Busy"
	case ToRelease:
		return "ToRelease"
	case Down:
		return "Down"
	default:
		return "Unknown"
	}
}

// Descriptor is what a deployment collaborator reports for a freshly started node.
type Descriptor struct {
	URL        string            `json:"url" yaml:"url"`
	Host       string            `json:"host" yaml:"host"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// Handle pairs a descriptor with whatever the collaborator needs to later kill or release it.
type Handle struct {
	Descriptor
	Ref interface{}
}

// Info is an immutable snapshot of a node.
type Info struct {
	ID         ID
	Host       string
	Source     string
	Attributes map[string]string
	State      State
	Since      time.Time
	Owner      string
	Generation uint64
}

func (i Info) String() string {
	return render.Render(i)
}

// Node is safe for concurrent use; every state mutation is serialized by the node's lock.
type Node struct {
	id     ID
	host   string
	source string
	attrs  map[string]string

	generation *atomic.Uint64

	mu       sync.Mutex
	state    State
	since    time.Time
	owner    string
	removed  bool
	verdicts *lru.Cache
}

// DefaultVerdictCacheSize bounds the number of predicates whose verdict a node remembers.
const DefaultVerdictCacheSize = 64

// New creates a Free node owned by source.
func New(desc Descriptor, source string, cacheSize int, now time.Time) *Node {
	if cacheSize <= 0 {
		cacheSize = DefaultVerdictCacheSize
	}
	attrs := make(map[string]string, len(desc.Attributes))
	for k, v := range desc.Attributes {
		attrs[k] = v
	}
	host := desc.Host
	if host == "" {
		host = hostOf(desc.URL)
	}
	return &Node{
		id:         ID(desc.URL),
		host:       host,
		source:     source,
		attrs:      attrs,
		generation: atomic.NewUint64(0),
		state:      Free,
		since:      now,
		verdicts:   lru.New(cacheSize),
	}
}

func (n *Node) ID() ID             { return n.id }
func (n *Node) Source() string     { return n.source }
func (n *Node) Host() string       { return n.host }
func (n *Node) Generation() uint64 { return n.generation.Load() }

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Removed reports whether the registry has dropped this node.
func (n *Node) Removed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removed
}

func (n *Node) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.infoLocked()
}

func (n *Node) infoLocked() Info {
	return Info{
		ID:         n.id,
		Host:       n.host,
		Source:     n.source,
		Attributes: n.attrs,
		State:      n.state,
		Since:      n.since,
		Owner:      n.owner,
		Generation: n.generation.Load(),
	}
}

// String dumps the node's Info field by field, for debug logs.
func (n *Node) String() string {
	return spew.Sdump(n.Info())
}

func (n *Node) setState(s State, now time.Time) {
	n.state = s
	n.since = now
}

// TryAcquire flips a Free node to Busy on behalf of owner.
func (n *Node) TryAcquire(owner string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed || n.state != Free {
		return false
	}
	n.setState(Busy, now)
	n.owner = owner
	return true
}

// Release ends an allocation. A Busy node becomes Free, bumping the generation
// when a task actually executed on it. A ToRelease node is marked removed and
// the caller must drop it from the registry. The previous state is returned;
// ok is false when the node wasn't allocated.
func (n *Node) Release(executed bool, now time.Time) (prev State, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.releaseLocked(executed, now)
}

func (n *Node) releaseLocked(executed bool, now time.Time) (prev State, ok bool) {
	prev = n.state
	if n.removed {
		return prev, false
	}
	switch n.state {
	case Busy:
		n.owner = ""
		n.setState(Free, now)
	case ToRelease:
		n.owner = ""
		n.removed = true
	default:
		return prev, false
	}
	if executed {
		n.generation.Inc()
	}
	return prev, true
}

// MarkToRelease requests a deferred removal. Busy nodes become ToRelease; idle
// (Free or Down) nodes are marked removed right away and removeNow is true.
func (n *Node) MarkToRelease(now time.Time) (prev State, removeNow bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev = n.state
	if n.removed {
		return prev, false
	}
	switch n.state {
	case Busy:
		n.setState(ToRelease, now)
	case Free, Down:
		n.removed = true
		removeNow = true
	}
	return prev, removeNow
}

// MarkDown moves any live node to Down and returns the owner it was allocated to, if any.
func (n *Node) MarkDown(now time.Time) (prev State, owner string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev = n.state
	if n.removed || n.state == Down {
		return prev, "", false
	}
	owner = n.owner
	n.owner = ""
	n.setState(Down, now)
	return prev, owner, true
}

// Remove marks the node removed immediately, returning the owner it was allocated to, if any.
func (n *Node) Remove() (prev State, owner string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev = n.state
	if n.removed {
		return prev, "", false
	}
	owner = n.owner
	n.owner = ""
	n.removed = true
	return prev, owner, true
}

// RemoveIfIdle marks the node removed if it has been Free for at least minIdle.
func (n *Node) RemoveIfIdle(minIdle time.Duration, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed || n.state != Free || now.Sub(n.since) < minIdle {
		return false
	}
	n.removed = true
	return true
}

// Rollback undoes a TryAcquire by owner that was never followed by an execution.
func (n *Node) Rollback(owner string, now time.Time) (prev State, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.owner != owner {
		return n.state, false
	}
	return n.releaseLocked(false, now)
}

type cachedVerdict struct {
	verdict    Verdict
	generation uint64
}

// CachedVerdict returns the last verdict recorded for a predicate and the
// generation it was recorded at.
func (n *Node) CachedVerdict(predicate string) (v Verdict, generation uint64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	val, ok := n.verdicts.Get(predicate)
	if !ok {
		return NeverTested, 0, false
	}
	cv := val.(cachedVerdict)
	return cv.verdict, cv.generation, true
}

// RecordVerdict stores a verdict computed against the given generation.
func (n *Node) RecordVerdict(predicate string, v Verdict, generation uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verdicts.Add(predicate, cachedVerdict{verdict: v, generation: generation})
}

func hostOf(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}
	if i := strings.IndexAny(url, ":/"); i >= 0 {
		return url[:i]
	}
	return url
}

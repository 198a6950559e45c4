// Package registry owns the authoritative set of nodes and node sources.
//
// Every mutation of a node's state goes through the node's own lock. The
// registry lock only guards the node and source maps and is never held while
// selection predicates run, so a slow predicate on one request never stalls
// other requests, releases, or health updates.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	rmerrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/selection"
)

// Config for the registry.
type Config struct {
	// Number of predicate verdicts remembered per node.
	VerdictCacheSize int `yaml:"verdictCacheSize" validate:"min=0"`
}

func DefaultConfig() Config {
	return Config{VerdictCacheSize: node.DefaultVerdictCacheSize}
}

// OrphanListener is told when a node allocated to owner is lost before being released.
type OrphanListener func(owner string, id node.ID, reason string)

// Request asks for Count Free nodes satisfying Predicates on behalf of Owner.
// Nodes in Exclude are never considered.
type Request struct {
	Owner      string
	Count      int
	Predicates []selection.Predicate
	Exclude    map[node.ID]bool
}

// Counts is a consistent count of nodes per state.
type Counts struct {
	Free      int
	Busy      int
	ToRelease int
	Down      int
	Total     int
}

type sourceRecord struct {
	id        string
	nodes     map[node.ID]*node.Node
	removing  bool
	onRemoved func(node.Info)
}

type Registry struct {
	cfg    Config
	engine *selection.Engine
	stat   stats.StatsReceiver
	now    func() time.Time

	mu      sync.RWMutex
	nodes   map[node.ID]*node.Node
	sources map[string]*sourceRecord

	orphanMu sync.RWMutex
	orphan   OrphanListener

	subsMu sync.Mutex
	subs   []*Subscription
	seq    uint64
}

// New creates an empty registry filtering candidates through engine.
func New(cfg Config, engine *selection.Engine, stat stats.StatsReceiver) *Registry {
	if engine == nil {
		engine = selection.NewEngine(nil, stat)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Registry{
		cfg:     cfg,
		engine:  engine,
		stat:    stat,
		now:     time.Now,
		nodes:   map[node.ID]*node.Node{},
		sources: map[string]*sourceRecord{},
	}
}

func (r *Registry) Engine() *selection.Engine { return r.engine }

func (r *Registry) SetOrphanListener(l OrphanListener) {
	r.orphanMu.Lock()
	defer r.orphanMu.Unlock()
	r.orphan = l
}

// effects collects work to run once the registry lock has been released.
type effects struct {
	events  []Event
	orphans []func()
	removed []func()
}

func (r *Registry) apply(fx *effects) {
	for _, f := range fx.removed {
		f()
	}
	for _, f := range fx.orphans {
		f()
	}
	r.publish(fx.events)
	r.updateGauges()
}

func (r *Registry) notifyOrphan(fx *effects, owner string, id node.ID, reason string) {
	if owner == "" {
		return
	}
	r.stat.Counter(stats.RegistryOrphanCounter).Inc(1)
	fx.orphans = append(fx.orphans, func() {
		r.orphanMu.RLock()
		l := r.orphan
		r.orphanMu.RUnlock()
		log.WithFields(log.Fields{
			"node":   id,
			"owner":  owner,
			"reason": reason,
		}).Info("Node lost while allocated")
		if l != nil {
			l(owner, id, reason)
		}
	})
}

// dropLocked removes a node already marked removed from the maps. Must hold r.mu.
func (r *Registry) dropLocked(n *node.Node, fx *effects) {
	if r.nodes[n.ID()] != n {
		return
	}
	delete(r.nodes, n.ID())
	info := n.Info()
	fx.events = append(fx.events, Event{Type: NodeRemoved, Node: info, Source: info.Source, Time: r.now()})
	r.stat.Counter(stats.RegistryNodesRemovedCounter).Inc(1)
	src, ok := r.sources[n.Source()]
	if !ok {
		return
	}
	delete(src.nodes, n.ID())
	if src.onRemoved != nil {
		cb := src.onRemoved
		fx.removed = append(fx.removed, func() { cb(info) })
	}
	if src.removing && len(src.nodes) == 0 {
		delete(r.sources, src.id)
		fx.events = append(fx.events, Event{Type: SourceRemoved, Source: src.id, Time: r.now()})
		log.Infof("Node source %s removed", src.id)
	}
}

func (r *Registry) stateEvent(fx *effects, n *node.Node) {
	fx.events = append(fx.events, Event{Type: NodeStateChanged, Source: n.Source(), Time: r.now(), n: n})
}

// AddSource registers a node source. onRemoved, if set, is called (outside any
// registry lock) for each node of the source that leaves the registry.
func (r *Registry) AddSource(id string, onRemoved func(node.Info)) error {
	r.mu.Lock()
	if _, ok := r.sources[id]; ok {
		r.mu.Unlock()
		return &rmerrors.SourceExistsError{SourceID: id}
	}
	r.sources[id] = &sourceRecord{id: id, nodes: map[node.ID]*node.Node{}, onRemoved: onRemoved}
	r.mu.Unlock()

	log.Infof("Node source %s added", id)
	r.apply(&effects{events: []Event{{Type: SourceAdded, Source: id, Time: r.now()}}})
	return nil
}

// RemoveSource removes every node of the source with removeNode semantics. The
// source stops accepting nodes immediately and disappears once its last node is
// gone. Returns false if the source doesn't exist.
func (r *Registry) RemoveSource(id string, preempt bool) bool {
	fx := &effects{}
	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		log.Infof("RemoveSource: unknown node source %s", id)
		return false
	}
	src.removing = true
	for _, n := range src.nodes {
		r.removeLocked(n, preempt, fx)
	}
	if len(src.nodes) == 0 {
		if _, still := r.sources[id]; still {
			delete(r.sources, id)
			fx.events = append(fx.events, Event{Type: SourceRemoved, Source: id, Time: r.now()})
			log.Infof("Node source %s removed", id)
		}
	}
	r.mu.Unlock()

	r.apply(fx)
	return true
}

// Sources returns the ids of live sources, including ones still draining.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSource reports whether the source exists and accepts nodes.
func (r *Registry) HasSource(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return ok && !src.removing
}

// AddNode registers a Free node under sourceID. Re-adding the URL of a Down node
// replaces it with a fresh node; re-adding any other live URL is refused.
func (r *Registry) AddNode(desc node.Descriptor, sourceID string) (node.Info, error) {
	fx := &effects{}
	r.mu.Lock()
	src, ok := r.sources[sourceID]
	if !ok || src.removing {
		r.mu.Unlock()
		return node.Info{}, &rmerrors.UnknownSourceError{SourceID: sourceID}
	}
	id := node.ID(desc.URL)
	if existing, ok := r.nodes[id]; ok {
		if existing.State() != node.Down {
			r.mu.Unlock()
			return existing.Info(), &rmerrors.NodeExistsError{NodeID: string(id)}
		}
		existing.Remove()
		r.dropLocked(existing, fx)
	}
	n := node.New(desc, sourceID, r.cfg.VerdictCacheSize, r.now())
	r.nodes[id] = n
	src.nodes[id] = n
	info := n.Info()
	fx.events = append(fx.events, Event{Type: NodeAdded, Node: info, Source: sourceID, Time: r.now()})
	r.mu.Unlock()

	r.stat.Counter(stats.RegistryNodesAddedCounter).Inc(1)
	log.WithFields(log.Fields{"node": id, "source": sourceID}).Info("Node added")
	r.apply(fx)
	return info, nil
}

// RemoveNode removes a node. With preempt the node is dropped at once and its
// task, if any, is orphaned. Otherwise an allocated node becomes ToRelease and is
// dropped when released; an idle node is dropped at once. Returns false when the
// node is unknown.
func (r *Registry) RemoveNode(id node.ID, preempt bool) bool {
	fx := &effects{}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		log.WithField("node", id).Info("RemoveNode: unknown node")
		return false
	}
	r.removeLocked(n, preempt, fx)
	r.mu.Unlock()

	r.apply(fx)
	return true
}

func (r *Registry) removeLocked(n *node.Node, preempt bool, fx *effects) {
	if preempt {
		prev, owner, ok := n.Remove()
		if !ok {
			return
		}
		log.WithFields(log.Fields{"node": n.ID(), "state": prev}).Info("Node preempted")
		r.notifyOrphan(fx, owner, n.ID(), "node preempted")
		r.dropLocked(n, fx)
		return
	}
	prev, removeNow := n.MarkToRelease(r.now())
	if removeNow {
		r.dropLocked(n, fx)
	} else if prev == node.Busy {
		log.WithField("node", n.ID()).Info("Node marked ToRelease")
		r.stateEvent(fx, n)
	}
}

// GetFreeNodes atomically moves req.Count eligible Free nodes to Busy for
// req.Owner. It never blocks on other requests. If fewer than req.Count nodes can
// be held, everything taken is put back and an empty result is returned, so a
// short answer leaves the free count unchanged.
func (r *Registry) GetFreeNodes(ctx context.Context, req Request) []node.Info {
	held := r.acquire(ctx, req)
	if len(held) < req.Count || anyRemoved(held) {
		r.stat.Counter(stats.RegistryInsufficientCounter).Inc(1)
		r.rollback(req.Owner, held)
		return nil
	}
	return r.commit(held)
}

func anyRemoved(nodes []*node.Node) bool {
	for _, n := range nodes {
		if n.Removed() {
			return true
		}
	}
	return false
}

// GetAtMostNodes is GetFreeNodes that keeps a partial result.
func (r *Registry) GetAtMostNodes(ctx context.Context, req Request) []node.Info {
	held := r.acquire(ctx, req)
	if len(held) == 0 {
		return nil
	}
	return r.commit(held)
}

func (r *Registry) candidates(exclude map[node.ID]bool) []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cands := make([]*node.Node, 0, len(r.nodes))
	for id, n := range r.nodes {
		if exclude[id] {
			continue
		}
		if n.State() == node.Free {
			cands = append(cands, n)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID() < cands[j].ID() })
	return cands
}

func (r *Registry) acquire(ctx context.Context, req Request) []*node.Node {
	if req.Count <= 0 {
		return nil
	}
	cands := r.candidates(req.Exclude)
	// A verdict only holds for the generation it was computed against.
	seen := make(map[node.ID]uint64, len(cands))
	for _, n := range cands {
		seen[n.ID()] = n.Generation()
	}
	held := make([]*node.Node, 0, req.Count)
	for i := 0; len(held) < req.Count && i < len(cands); {
		passed, examined := r.engine.FilterN(ctx, cands[i:], req.Predicates, req.Count-len(held))
		if examined == 0 {
			break
		}
		i += examined
		now := r.now()
		for _, n := range passed {
			if !n.TryAcquire(req.Owner, now) {
				continue
			}
			if n.Generation() != seen[n.ID()] {
				r.stat.Counter(stats.RegistryStaleSelectionCounter).Inc(1)
				log.WithFields(log.Fields{"node": n.ID(), "owner": req.Owner}).Debug("Node changed while being filtered, skipping")
				r.rollback(req.Owner, []*node.Node{n})
				continue
			}
			held = append(held, n)
		}
	}
	return held
}

func (r *Registry) commit(held []*node.Node) []node.Info {
	fx := &effects{}
	infos := make([]node.Info, 0, len(held))
	for _, n := range held {
		infos = append(infos, n.Info())
		r.stateEvent(fx, n)
	}
	r.apply(fx)
	return infos
}

func (r *Registry) rollback(owner string, held []*node.Node) {
	if len(held) == 0 {
		return
	}
	fx := &effects{}
	r.mu.Lock()
	for _, n := range held {
		if prev, ok := n.Rollback(owner, r.now()); ok && prev == node.ToRelease {
			r.dropLocked(n, fx)
		}
	}
	r.mu.Unlock()
	r.apply(fx)
}

// Unreserve puts back nodes that were granted to owner but never used.
func (r *Registry) Unreserve(owner string, ids []node.ID) {
	r.rollback(owner, r.lookup(ids))
}

// Holds reports whether every listed node is still registered and allocated to owner.
func (r *Registry) Holds(owner string, ids []node.ID) bool {
	nodes := r.lookup(ids)
	if len(nodes) != len(ids) {
		return false
	}
	for _, n := range nodes {
		info := n.Info()
		if n.Removed() || info.Owner != owner || (info.State != node.Busy && info.State != node.ToRelease) {
			return false
		}
	}
	return true
}

// Reclaim allocates exactly the listed nodes to owner, all or nothing. Used when
// re-attaching to executions that survived a scheduler restart.
func (r *Registry) Reclaim(owner string, ids []node.ID) bool {
	nodes := r.lookup(ids)
	if len(nodes) != len(ids) {
		return false
	}
	held := make([]*node.Node, 0, len(nodes))
	now := r.now()
	for _, n := range nodes {
		if !n.TryAcquire(owner, now) {
			r.rollback(owner, held)
			return false
		}
		held = append(held, n)
	}
	r.commit(held)
	return true
}

func (r *Registry) lookup(ids []node.ID) []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := r.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ReleaseNode ends an allocation after a task ran on the node: Busy becomes
// Free, ToRelease is dropped. Returns false (and logs) if the node is gone or
// wasn't allocated.
func (r *Registry) ReleaseNode(id node.ID) bool {
	fx := &effects{}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		log.WithField("node", id).Info("ReleaseNode: node no longer registered")
		return false
	}
	prev, ok := n.Release(true, r.now())
	if !ok {
		r.mu.Unlock()
		log.WithFields(log.Fields{"node": id, "state": prev}).Info("ReleaseNode: node was not allocated")
		return false
	}
	if prev == node.ToRelease {
		r.dropLocked(n, fx)
	} else {
		r.stateEvent(fx, n)
	}
	r.mu.Unlock()

	r.apply(fx)
	return true
}

// MarkDown moves a node to Down, orphaning its task if it was allocated.
func (r *Registry) MarkDown(id node.ID) bool {
	fx := &effects{}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		log.WithField("node", id).Info("MarkDown: unknown node")
		return false
	}
	prev, owner, ok := n.MarkDown(r.now())
	if ok {
		log.WithFields(log.Fields{"node": id, "state": prev}).Info("Node marked Down")
		log.Debugf("Down node: %v", n)
		r.notifyOrphan(fx, owner, id, "node down")
		r.stateEvent(fx, n)
	}
	r.mu.Unlock()

	r.apply(fx)
	return ok
}

// RemoveIfIdle drops a node that has been Free for at least minIdle.
func (r *Registry) RemoveIfIdle(id node.ID, minIdle time.Duration) bool {
	fx := &effects{}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok && n.RemoveIfIdle(minIdle, r.now()) {
		r.dropLocked(n, fx)
	} else {
		ok = false
	}
	r.mu.Unlock()

	r.apply(fx)
	return ok
}

func (r *Registry) Get(id node.ID) (node.Info, bool) {
	r.mu.RLock()
	n, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return node.Info{}, false
	}
	return n.Info(), true
}

// Nodes returns a snapshot of every registered node ordered by id.
func (r *Registry) Nodes() []node.Info {
	r.mu.RLock()
	infos := make([]node.Info, 0, len(r.nodes))
	for _, n := range r.nodes {
		infos = append(infos, n.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// NodesOf returns the ids of the nodes owned by a source.
func (r *Registry) NodesOf(sourceID string) []node.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[sourceID]
	if !ok {
		return nil
	}
	ids := make([]node.ID, 0, len(src.nodes))
	for id := range src.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Counts counts nodes per state. Each registered node is counted exactly once,
// so the per-state counts always add up to Total.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

func (r *Registry) countsLocked() Counts {
	c := Counts{Total: len(r.nodes)}
	for _, n := range r.nodes {
		switch n.State() {
		case node.Free:
			c.Free++
		case node.Busy:
			c.Busy++
		case node.ToRelease:
			c.ToRelease++
		case node.Down:
			c.Down++
		}
	}
	return c
}

func (r *Registry) updateGauges() {
	r.mu.RLock()
	c := r.countsLocked()
	sources := len(r.sources)
	r.mu.RUnlock()
	r.stat.Gauge(stats.RegistryFreeNodesGauge).Update(int64(c.Free))
	r.stat.Gauge(stats.RegistryBusyNodesGauge).Update(int64(c.Busy))
	r.stat.Gauge(stats.RegistryToReleaseNodesGauge).Update(int64(c.ToRelease))
	r.stat.Gauge(stats.RegistryDownNodesGauge).Update(int64(c.Down))
	r.stat.Gauge(stats.RegistryTotalNodesGauge).Update(int64(c.Total))
	r.stat.Gauge(stats.RegistrySourcesGauge).Update(int64(sources))
}

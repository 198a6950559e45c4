// Package selection decides which candidate nodes satisfy a task's selection
// predicates, remembering verdicts per node so that expensive predicates are
// only re-run when something has executed on the node since the last run.
package selection

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
)

// Engine is stateless apart from the caches stored on the nodes themselves and
// holds no lock while predicates run.
type Engine struct {
	prober Prober
	stat   stats.StatsReceiver
}

// NewEngine creates an engine; prober may be nil when no script predicates are used.
func NewEngine(prober Prober, stat stats.StatsReceiver) *Engine {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Engine{prober: prober, stat: stat}
}

// Compile builds the predicates for a list of specs using the engine's prober.
func (e *Engine) Compile(specs []Spec) ([]Predicate, error) {
	return BuildAll(specs, e.prober)
}

// Filter returns the candidates satisfying every predicate, in candidate order.
func (e *Engine) Filter(ctx context.Context, candidates []*node.Node, preds []Predicate) []*node.Node {
	passed, _ := e.FilterN(ctx, candidates, preds, len(candidates))
	return passed
}

// FilterN is Filter that stops once limit candidates have passed. It also
// returns how many candidates were examined so callers can resume after them.
func (e *Engine) FilterN(ctx context.Context, candidates []*node.Node, preds []Predicate, limit int) ([]*node.Node, int) {
	start := stats.Time.Now()
	defer func() { e.stat.Latency(stats.SelectionFilterLatency_ms).Observe(stats.Time.Since(start)) }()
	passed := make([]*node.Node, 0, limit)
	examined := 0
	for _, n := range candidates {
		if len(passed) >= limit || ctx.Err() != nil {
			break
		}
		examined++
		if e.matches(ctx, n, preds) {
			passed = append(passed, n)
		}
	}
	return passed, examined
}

func (e *Engine) matches(ctx context.Context, n *node.Node, preds []Predicate) bool {
	for _, p := range preds {
		if !e.check(ctx, n, p) {
			return false
		}
	}
	return true
}

// check evaluates one predicate on one node, consulting and updating the node's cache.
func (e *Engine) check(ctx context.Context, n *node.Node, p Predicate) bool {
	id := p.ID()
	gen := n.Generation()
	prev, cachedGen, cached := n.CachedVerdict(id)

	if cached && p.Cacheable() && cachedGen == gen && prev != node.NeverTested {
		e.stat.Counter(stats.SelectionCacheHitsCounter).Inc(1)
		if prev.Positive() {
			n.RecordVerdict(id, node.AlreadyVerified, gen)
			return true
		}
		return false
	}

	e.stat.Counter(stats.SelectionEvaluationsCounter).Inc(1)
	ok, err := p.Eval(ctx, n.Info())
	if err != nil {
		e.stat.Counter(stats.SelectionErrorsCounter).Inc(1)
		log.WithFields(log.Fields{
			"node":      n.ID(),
			"predicate": id,
			"err":       err,
		}).Info("Selection predicate failed to evaluate, skipping node")
		return false
	}

	verdict := node.NotVerified
	switch {
	case ok:
		verdict = node.Verified
	case cached && prev.Positive():
		verdict = node.NoLongerVerified
	}
	n.RecordVerdict(id, verdict, gen)
	return ok
}

// Verdict reports the cached verdict of a predicate on a node. A verdict
// recorded before the node's current generation is reported as NeverTested.
func (e *Engine) Verdict(n *node.Node, predicateID string) node.Verdict {
	v, gen, ok := n.CachedVerdict(predicateID)
	if !ok || gen != n.Generation() {
		return node.NeverTested
	}
	return v
}

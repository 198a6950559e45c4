// Package nodesource provides named node providers. A static source deploys a
// fixed set of nodes through a deployment collaborator; a dynamic source grows
// and shrinks against an external node pool. Both register their nodes with the
// registry and clean up after nodes the registry drops.
package nodesource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
)

type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// DeploymentConfig describes nodes to start through a Deployer.
type DeploymentConfig struct {
	Count      int               `yaml:"count" validate:"min=0"`
	Hosts      []string          `yaml:"hosts"`
	Attributes map[string]string `yaml:"attributes"`
}

// Deployer starts and kills nodes for static sources.
type Deployer interface {
	StartNodes(ctx context.Context, cfg DeploymentConfig) ([]node.Handle, error)
	KillNodes(ctx context.Context, handles []node.Handle) error
}

// Pool lends nodes to dynamic sources.
type Pool interface {
	// Acquire returns at most max nodes; fewer (or none) when the pool is short.
	Acquire(ctx context.Context, max int) ([]node.Handle, error)
	Release(ctx context.Context, handles []node.Handle) error
}

// SourceConfig configures one node source.
type SourceConfig struct {
	Name string `yaml:"name" validate:"nonzero"`
	Kind Kind   `yaml:"kind"`

	// Static sources.
	Deployment DeploymentConfig `yaml:"deployment"`

	// Dynamic sources.
	MaxNodes int `yaml:"maxNodes" validate:"min=0"`
	// Nice is the delay between two acquisition attempts.
	Nice time.Duration `yaml:"nice"`
	// TimeToRelease is how long an acquired node may stay idle before it goes back to the pool.
	TimeToRelease time.Duration `yaml:"timeToRelease"`
	// ReleaseCheckInterval is how often idle nodes are looked for.
	ReleaseCheckInterval time.Duration `yaml:"releaseCheckInterval"`
	// MaxBackoff caps the delay between failing acquisition attempts.
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

const (
	DefaultNice                 = 10 * time.Second
	DefaultTimeToRelease        = 5 * time.Minute
	DefaultReleaseCheckInterval = 10 * time.Second
	DefaultMaxBackoff           = 5 * time.Minute
)

func (c SourceConfig) withDefaults() SourceConfig {
	if c.Kind == "" {
		c.Kind = KindStatic
	}
	if c.Nice <= 0 {
		c.Nice = DefaultNice
	}
	if c.TimeToRelease <= 0 {
		c.TimeToRelease = DefaultTimeToRelease
	}
	if c.ReleaseCheckInterval <= 0 {
		c.ReleaseCheckInterval = DefaultReleaseCheckInterval
	}
	if c.MaxBackoff < c.Nice {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.Nice {
			c.MaxBackoff = c.Nice
		}
	}
	return c
}

// Source is a named provider of nodes.
type Source interface {
	ID() string
	Kind() Kind
	// Deploy starts providing nodes.
	Deploy(ctx context.Context) error
	// Shutdown stops providing nodes and removes every owned node from the
	// registry, immediately when preempt is set, otherwise as each becomes idle.
	Shutdown(preempt bool) error
	Nodes() []node.ID
}

// base tracks the handles behind a source's registered nodes and returns them
// to the collaborator, asynchronously, once the registry drops them.
type base struct {
	id   string
	reg  *registry.Registry
	stat stats.StatsReceiver
	// giveBack hands removed nodes back to the deployer or pool.
	giveBack func(ctx context.Context, handles []node.Handle) error

	mu      sync.Mutex
	handles map[node.ID]node.Handle
	errs    *multierror.Error
	pending sync.WaitGroup
}

func newBase(id string, reg *registry.Registry, stat stats.StatsReceiver) *base {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &base{
		id:      id,
		reg:     reg,
		stat:    stat,
		handles: map[node.ID]node.Handle{},
	}
}

func (b *base) ID() string { return b.id }

func (b *base) register() error {
	return b.reg.AddSource(b.id, b.nodeRemoved)
}

// add registers handles with the registry, giving back any the registry refuses.
func (b *base) add(ctx context.Context, handles []node.Handle) ([]node.Info, error) {
	var errs *multierror.Error
	var refused []node.Handle
	infos := make([]node.Info, 0, len(handles))
	for _, h := range handles {
		b.mu.Lock()
		b.handles[node.ID(h.URL)] = h
		b.mu.Unlock()
		info, err := b.reg.AddNode(h.Descriptor, b.id)
		if err != nil {
			b.mu.Lock()
			delete(b.handles, node.ID(h.URL))
			b.mu.Unlock()
			refused = append(refused, h)
			errs = multierror.Append(errs, err)
			continue
		}
		infos = append(infos, info)
	}
	if len(refused) > 0 {
		if err := b.giveBack(ctx, refused); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return infos, errs.ErrorOrNil()
}

func (b *base) nodeRemoved(info node.Info) {
	b.mu.Lock()
	h, ok := b.handles[info.ID]
	delete(b.handles, info.ID)
	if ok {
		b.pending.Add(1)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.stat.Counter(stats.SourceNodesReleasedCounter).Inc(1)
	go func() {
		defer b.pending.Done()
		if err := b.giveBack(context.Background(), []node.Handle{h}); err != nil {
			log.WithFields(log.Fields{
				"source": b.id,
				"node":   info.ID,
				"err":    err,
			}).Error("Unable to give back removed node")
			b.mu.Lock()
			b.errs = multierror.Append(b.errs, err)
			b.mu.Unlock()
		}
	}()
}

func (b *base) Nodes() []node.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]node.ID, 0, len(b.handles))
	for id := range b.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *base) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// shutdown removes the source from the registry and waits for the nodes that
// left as a result to be given back.
func (b *base) shutdown(preempt bool) error {
	b.reg.RemoveSource(b.id, preempt)
	b.pending.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.errs.ErrorOrNil()
	b.errs = nil
	return err
}

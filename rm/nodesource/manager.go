package nodesource

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	rmerrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
)

// DefaultSourceName is the static source AddNodes deploys into when no source is named.
const DefaultSourceName = "Default"

// Manager creates, tracks and removes the node sources feeding a registry.
type Manager struct {
	reg      *registry.Registry
	deployer Deployer
	pool     Pool
	stat     stats.StatsReceiver

	mu      sync.Mutex
	sources map[string]Source
}

// NewManager creates a manager. deployer backs static sources and pool backs
// dynamic ones; either may be nil if that kind is never used.
func NewManager(reg *registry.Registry, deployer Deployer, pool Pool, stat stats.StatsReceiver) *Manager {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Manager{
		reg:      reg,
		deployer: deployer,
		pool:     pool,
		stat:     stat,
		sources:  map[string]Source{},
	}
}

// AddNodeSource creates the source described by cfg, registers it and deploys it.
func (m *Manager) AddNodeSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	m.mu.Lock()
	if _, ok := m.sources[cfg.Name]; ok {
		m.mu.Unlock()
		return nil, &rmerrors.SourceExistsError{SourceID: cfg.Name}
	}
	src, err := m.newSource(cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sources[cfg.Name] = src
	m.mu.Unlock()

	log.WithFields(log.Fields{"source": cfg.Name, "kind": src.Kind()}).Info("Node source added")
	if err := src.Deploy(ctx); err != nil {
		return src, errors.Wrapf(err, "deploying node source %s", cfg.Name)
	}
	return src, nil
}

func (m *Manager) newSource(cfg SourceConfig) (Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("node source needs a name")
	}
	switch cfg.withDefaults().Kind {
	case KindStatic:
		return NewStatic(cfg, m.reg, m.deployer, m.stat)
	case KindDynamic:
		return NewDynamic(cfg, m.reg, m.pool, m.stat)
	default:
		return nil, errors.Errorf("unknown node source kind %q", cfg.Kind)
	}
}

// RemoveNodeSource shuts the source down. Returns false for unknown sources.
func (m *Manager) RemoveNodeSource(id string, preempt bool) bool {
	m.mu.Lock()
	src, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()
	if !ok {
		log.WithField("source", id).Info("RemoveNodeSource: unknown node source")
		return false
	}
	if err := src.Shutdown(preempt); err != nil {
		log.WithFields(log.Fields{"source": id, "err": err}).Error("Node source shut down with errors")
	}
	return true
}

// RemoveNode removes one node by URL, see registry.Registry.RemoveNode.
func (m *Manager) RemoveNode(url string, preempt bool) bool {
	return m.reg.RemoveNode(node.ID(url), preempt)
}

// AddNodes deploys nodes into the named static source, or into the Default
// source, created on first use, when sourceID is empty.
func (m *Manager) AddNodes(ctx context.Context, cfg DeploymentConfig, sourceID string) ([]node.Info, error) {
	if sourceID == "" {
		sourceID = DefaultSourceName
	}
	m.mu.Lock()
	src, ok := m.sources[sourceID]
	if !ok && sourceID == DefaultSourceName {
		var err error
		if src, err = NewStatic(SourceConfig{Name: sourceID, Kind: KindStatic}, m.reg, m.deployer, m.stat); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.sources[sourceID] = src
		ok = true
	}
	m.mu.Unlock()
	if !ok {
		return nil, &rmerrors.UnknownSourceError{SourceID: sourceID}
	}
	static, isStatic := src.(*Static)
	if !isStatic {
		return nil, errors.Errorf("node source %s does not accept deployed nodes", sourceID)
	}
	return static.AddNodes(ctx, cfg)
}

func (m *Manager) Get(id string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	return src, ok
}

// Sources returns the names of the managed sources.
func (m *Manager) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown shuts every source down and returns the combined errors.
func (m *Manager) Shutdown(preempt bool) error {
	m.mu.Lock()
	srcs := m.sources
	m.sources = map[string]Source{}
	m.mu.Unlock()

	var result *multierror.Error
	for id, src := range srcs {
		if err := src.Shutdown(preempt); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "source %s", id))
		}
	}
	return result.ErrorOrNil()
}

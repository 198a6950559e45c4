package nodesource

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
)

// Static deploys administrator-provided nodes and kills them once the registry drops them.
type Static struct {
	*base
	deployer   Deployer
	deployment DeploymentConfig
}

// NewStatic registers a static source with the registry. Nothing is deployed until Deploy.
func NewStatic(cfg SourceConfig, reg *registry.Registry, deployer Deployer, stat stats.StatsReceiver) (*Static, error) {
	if deployer == nil {
		return nil, errors.Errorf("static node source %s needs a deployer", cfg.Name)
	}
	s := &Static{
		base:       newBase(cfg.Name, reg, stat),
		deployer:   deployer,
		deployment: cfg.Deployment,
	}
	s.giveBack = deployer.KillNodes
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) Kind() Kind { return KindStatic }

// Deploy starts the configured deployment, if any.
func (s *Static) Deploy(ctx context.Context) error {
	if s.deployment.Count == 0 && len(s.deployment.Hosts) == 0 {
		return nil
	}
	_, err := s.AddNodes(ctx, s.deployment)
	return err
}

// AddNodes deploys more nodes into this source.
func (s *Static) AddNodes(ctx context.Context, cfg DeploymentConfig) ([]node.Info, error) {
	handles, err := s.deployer.StartNodes(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "deploying nodes for source %s", s.id)
	}
	infos, err := s.add(ctx, handles)
	s.stat.Counter(stats.SourceNodesAcquiredCounter).Inc(int64(len(infos)))
	log.WithFields(log.Fields{
		"source": s.id,
		"nodes":  len(infos),
	}).Info("Static node source deployed nodes")
	return infos, err
}

func (s *Static) Shutdown(preempt bool) error {
	log.WithFields(log.Fields{"source": s.id, "preempt": preempt}).Info("Shutting down static node source")
	return s.shutdown(preempt)
}

package main

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/nodesource"
	"github.com/twitter/gridsched/rm/nodesource/local"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/rm/selection"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
	"github.com/twitter/gridsched/scheduler/launcher/sim"
	"github.com/twitter/gridsched/scheduler/proxy"
	"github.com/twitter/gridsched/scheduler/server"
	"github.com/twitter/gridsched/scheduler/store"
)

// process is one in-process deployment: registry, node sources, scheduler and
// the proxy manager clients log in through.
type process struct {
	stat     stats.StatsReceiver
	registry *registry.Registry
	health   *registry.HealthChecker
	sources  *nodesource.Manager
	sched    server.Scheduler
	proxies  *proxy.Manager
}

func startProcess(ctx context.Context, cfg Config, stat stats.StatsReceiver) (*process, error) {
	engine := selection.NewEngine(local.NewProber(), stat.Scope("selection"))
	reg := registry.New(cfg.Registry, engine, stat.Scope("registry"))
	p := &process{stat: stat, registry: reg}

	p.health = registry.NewHealthChecker(reg, local.NewPinger(), cfg.Health, stat.Scope("health"))
	p.health.Start()

	pool := local.NewPool(cfg.Local.PoolCapacity, cfg.Local.PoolBasePort, cfg.Local.PoolAttributes)
	p.sources = nodesource.NewManager(reg, local.NewDeployer(cfg.Local.BasePort), pool, stat.Scope("sources"))
	for _, sc := range cfg.Sources {
		if _, err := p.sources.AddNodeSource(ctx, sc); err != nil {
			p.close()
			return nil, errors.Wrapf(err, "adding node source %s", sc.Name)
		}
	}

	st, err := store.Open(cfg.Scheduler.Store)
	if err != nil {
		p.close()
		return nil, err
	}
	simulator := sim.NewLauncher()
	l := launcher.Dispatch{
		domain.Native:   launcher.PerNode{Launcher: simulator},
		domain.Parallel: simulator,
	}
	sched, err := server.NewStatefulScheduler(reg, l, st, cfg.Scheduler, stat.Scope("scheduler"))
	if err != nil {
		p.close()
		return nil, err
	}
	p.sched = sched

	users := proxy.NewStaticAuthenticator(cfg.Proxy.Users)
	p.proxies = proxy.NewManager(cfg.Proxy, users, proxy.LocalConnector{}, sched, p.sources, reg, stat.Scope("proxy"))

	log.WithFields(log.Fields{
		"sources": p.sources.Sources(),
		"nodes":   reg.Counts().Total,
	}).Info("Started")
	return p, nil
}

// close stops everything started, in reverse order, without preempting nodes.
func (p *process) close() error {
	var result *multierror.Error
	if p.proxies != nil {
		if err := p.proxies.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if p.sched != nil {
		p.sched.Stop()
	}
	if err := p.sources.Shutdown(false); err != nil {
		result = multierror.Append(result, err)
	}
	p.health.Stop()
	return result.ErrorOrNil()
}

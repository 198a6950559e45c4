package nodesource

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
)

// Dynamic keeps up to MaxNodes nodes borrowed from a pool. Acquisition and idle
// release run on two independent timers: a new acquisition attempt happens
// Nice after the previous one (longer, with exponential backoff, while the pool
// keeps failing), and every ReleaseCheckInterval nodes idle for TimeToRelease
// are given back.
type Dynamic struct {
	*base
	pool Pool
	cfg  SourceConfig
	bo   *backoff.ExponentialBackOff

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewDynamic(cfg SourceConfig, reg *registry.Registry, pool Pool, stat stats.StatsReceiver) (*Dynamic, error) {
	if pool == nil {
		return nil, errors.Errorf("dynamic node source %s needs a pool", cfg.Name)
	}
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Nice
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := &Dynamic{
		base: newBase(cfg.Name, reg, stat),
		pool: pool,
		cfg:  cfg,
		bo:   bo,
	}
	d.giveBack = pool.Release
	if err := d.register(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dynamic) Kind() Kind { return KindDynamic }

// Deploy starts the acquisition loop. It returns immediately.
func (d *Dynamic) Deploy(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stopCh != nil {
		return nil
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.loop(d.stopCh, d.doneCh)
	log.WithFields(log.Fields{
		"source":        d.id,
		"maxNodes":      d.cfg.MaxNodes,
		"nice":          d.cfg.Nice,
		"timeToRelease": d.cfg.TimeToRelease,
	}).Info("Dynamic node source started")
	return nil
}

func (d *Dynamic) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	acquire := time.NewTimer(0)
	defer acquire.Stop()
	release := time.NewTicker(d.cfg.ReleaseCheckInterval)
	defer release.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-acquire.C:
			acquire.Reset(d.acquireOnce(ctx))
		case <-release.C:
			d.releaseIdle()
		}
	}
}

// acquireOnce tops the source up to MaxNodes and returns the delay before the next attempt.
func (d *Dynamic) acquireOnce(ctx context.Context) time.Duration {
	d.releaseDown()
	want := d.cfg.MaxNodes - d.count()
	if want <= 0 {
		return d.cfg.Nice
	}
	handles, err := d.pool.Acquire(ctx, want)
	if err != nil {
		d.stat.Counter(stats.SourceAcquireFailedCounter).Inc(1)
		delay := d.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = d.cfg.MaxBackoff
		}
		log.WithFields(log.Fields{
			"source": d.id,
			"err":    err,
			"retry":  delay,
		}).Info("Unable to acquire nodes from pool")
		return delay
	}
	d.bo.Reset()
	if len(handles) > want {
		if err := d.pool.Release(ctx, handles[want:]); err != nil {
			log.WithFields(log.Fields{"source": d.id, "err": err}).Error("Unable to return surplus nodes")
		}
		handles = handles[:want]
	}
	if len(handles) == 0 {
		return d.cfg.Nice
	}
	infos, err := d.add(ctx, handles)
	if err != nil {
		log.WithFields(log.Fields{"source": d.id, "err": err}).Info("Some acquired nodes could not be registered")
	}
	d.stat.Counter(stats.SourceNodesAcquiredCounter).Inc(int64(len(infos)))
	return d.cfg.Nice
}

// releaseDown removes the source's Down nodes so they go back to the pool and
// stop counting against MaxNodes.
func (d *Dynamic) releaseDown() int {
	released := 0
	for _, id := range d.Nodes() {
		if info, ok := d.reg.Get(id); ok && info.State == node.Down && d.reg.RemoveNode(id, true) {
			released++
		}
	}
	if released > 0 {
		d.stat.Counter(stats.SourceDownNodesReleasedCounter).Inc(int64(released))
		log.WithFields(log.Fields{"source": d.id, "nodes": released}).Info("Released down nodes")
	}
	return released
}

// releaseIdle gives back Down nodes and every node that has been Free for at
// least TimeToRelease.
func (d *Dynamic) releaseIdle() int {
	released := d.releaseDown()
	for _, id := range d.Nodes() {
		if d.reg.RemoveIfIdle(id, d.cfg.TimeToRelease) {
			released++
		}
	}
	if released > 0 {
		log.WithFields(log.Fields{"source": d.id, "nodes": released}).Info("Released idle nodes")
	}
	return released
}

func (d *Dynamic) stop() {
	d.runMu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.runMu.Unlock()
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

// Shutdown stops the acquisition loop, then removes every owned node.
func (d *Dynamic) Shutdown(preempt bool) error {
	log.WithFields(log.Fields{"source": d.id, "preempt": preempt}).Info("Shutting down dynamic node source")
	d.stop()
	return d.shutdown(preempt)
}

package registry

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
)

// Pinger checks whether a node is reachable.
type Pinger interface {
	Ping(ctx context.Context, n node.Info) bool
}

type HealthConfig struct {
	PingInterval   time.Duration `yaml:"pingInterval"`
	PingTimeout    time.Duration `yaml:"pingTimeout"`
	MaxMissedPings int           `yaml:"maxMissedPings" validate:"min=0"`
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		PingInterval:   5 * time.Second,
		PingTimeout:    2 * time.Second,
		MaxMissedPings: 3,
	}
}

// HealthChecker pings every live node each PingInterval and marks a node Down
// after MaxMissedPings consecutive misses.
type HealthChecker struct {
	reg    *Registry
	pinger Pinger
	cfg    HealthConfig
	stat   stats.StatsReceiver

	mu     sync.Mutex
	missed map[node.ID]int

	running *atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewHealthChecker(reg *Registry, pinger Pinger, cfg HealthConfig, stat stats.StatsReceiver) *HealthChecker {
	def := DefaultHealthConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = def.MaxMissedPings
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &HealthChecker{
		reg:     reg,
		pinger:  pinger,
		cfg:     cfg,
		stat:    stat,
		missed:  map[node.ID]int{},
		running: atomic.NewBool(false),
	}
}

// Start launches the ping loop. Calling Start on a running checker does nothing.
func (h *HealthChecker) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running.Load() {
		return
	}
	h.running.Store(true)
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.loop(h.stopCh, h.doneCh)
}

// Stop ends the ping loop and waits for it to exit.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.running.Load() {
		h.mu.Unlock()
		return
	}
	h.running.Store(false)
	stopCh, doneCh := h.stopCh, h.doneCh
	h.mu.Unlock()
	close(stopCh)
	<-doneCh
}

func (h *HealthChecker) Running() bool { return h.running.Load() }

func (h *HealthChecker) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

// CheckOnce pings every non-Down node concurrently and applies the results.
// It returns the ids of nodes marked Down by this pass.
func (h *HealthChecker) CheckOnce(ctx context.Context) []node.ID {
	var targets []node.Info
	for _, info := range h.reg.Nodes() {
		if info.State != node.Down {
			targets = append(targets, info)
		}
	}

	alive := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, info := range targets {
		wg.Add(1)
		go func(i int, info node.Info) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.PingTimeout)
			defer cancel()
			start := stats.Time.Now()
			alive[i] = h.pinger.Ping(pctx, info)
			h.stat.Latency(stats.HealthPingLatency_ms).Observe(stats.Time.Since(start))
		}(i, info)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	var down []node.ID
	h.mu.Lock()
	seen := make(map[node.ID]bool, len(targets))
	for i, info := range targets {
		seen[info.ID] = true
		if alive[i] {
			delete(h.missed, info.ID)
			continue
		}
		h.missed[info.ID]++
		log.WithFields(log.Fields{
			"node":   info.ID,
			"missed": h.missed[info.ID],
		}).Info("Node missed a ping")
		if h.missed[info.ID] >= h.cfg.MaxMissedPings {
			delete(h.missed, info.ID)
			down = append(down, info.ID)
		}
	}
	for id := range h.missed {
		if !seen[id] {
			delete(h.missed, id)
		}
	}
	h.mu.Unlock()

	for _, id := range down {
		if h.reg.MarkDown(id) {
			h.stat.Counter(stats.HealthNodesDownCounter).Inc(1)
		}
	}
	return down
}

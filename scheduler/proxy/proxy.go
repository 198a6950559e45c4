package proxy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/nodesource"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/scheduler/domain"
)

// ErrRateLimited is returned by Submit when the session submits too fast.
var ErrRateLimited = errors.New("submission rate exceeded")

// ErrDisconnected is returned by every call on a proxy whose session ended.
var ErrDisconnected = errors.New("session disconnected")

// Proxy is a client's handle on the scheduler. Non-admin clients only see and
// act on their own tasks; node source operations are admin only.
type Proxy struct {
	client  domain.Client
	m       *Manager
	link    *link
	limiter *rate.Limiter

	mu      sync.Mutex
	monitor *registry.Subscription
	closed  bool
}

func newProxy(client domain.Client, m *Manager, l *link) *Proxy {
	limit := rate.Inf
	if m.cfg.SubmitRate > 0 {
		limit = rate.Limit(m.cfg.SubmitRate)
	}
	return &Proxy{
		client:  client,
		m:       m,
		link:    l,
		limiter: rate.NewLimiter(limit, m.cfg.SubmitBurst),
	}
}

func (p *Proxy) Client() domain.Client { return p.client }

// ready fails if the session ended or its connection can't be restored.
func (p *Proxy) ready(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	return p.link.check(ctx)
}

func (p *Proxy) reject(action string) error {
	p.m.stat.Counter(stats.ProxyRejectedCounter).Inc(1)
	log.WithFields(log.Fields{"user": p.client.User, "action": action}).Info("Request rejected")
	return &schederrors.NotAuthorizedError{User: p.client.User, Action: action}
}

// Submit queues a task owned by the client. Admins may submit on behalf of
// another owner by setting def.Owner.
func (p *Proxy) Submit(ctx context.Context, def domain.TaskDefinition) (string, error) {
	if err := p.ready(ctx); err != nil {
		return "", err
	}
	if !p.limiter.Allow() {
		p.m.stat.Counter(stats.ProxyRateLimitedCounter).Inc(1)
		return "", ErrRateLimited
	}
	if def.Owner == "" || !p.client.Admin {
		def.Owner = p.client.User
	}
	return p.m.sched.Submit(def)
}

// Status returns a task visible to the client.
func (p *Proxy) Status(ctx context.Context, id string) (domain.TaskStatus, bool, error) {
	if err := p.ready(ctx); err != nil {
		return domain.TaskStatus{}, false, err
	}
	st, ok := p.m.sched.GetStatus(id)
	if !ok || !p.client.CanManage(st.Owner) {
		return domain.TaskStatus{}, false, nil
	}
	return st, true, nil
}

// List returns the tasks visible to the client, in submission order.
func (p *Proxy) List(ctx context.Context) ([]domain.TaskStatus, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	var visible []domain.TaskStatus
	for _, st := range p.m.sched.List() {
		if p.client.CanManage(st.Owner) {
			visible = append(visible, st)
		}
	}
	return visible, nil
}

// manage runs op on a task the client may manage. Unknown tasks give false,
// tasks of other users a NotAuthorizedError.
func (p *Proxy) manage(ctx context.Context, action, id string, op func(string) bool) (bool, error) {
	if err := p.ready(ctx); err != nil {
		return false, err
	}
	st, ok := p.m.sched.GetStatus(id)
	if !ok {
		return false, nil
	}
	if !p.client.CanManage(st.Owner) {
		return false, p.reject(action + " task " + id)
	}
	return op(id), nil
}

func (p *Proxy) Pause(ctx context.Context, id string) (bool, error) {
	return p.manage(ctx, "pause", id, p.m.sched.Pause)
}

func (p *Proxy) Resume(ctx context.Context, id string) (bool, error) {
	return p.manage(ctx, "resume", id, p.m.sched.Resume)
}

func (p *Proxy) Kill(ctx context.Context, id string) (bool, error) {
	return p.manage(ctx, "kill", id, p.m.sched.Kill)
}

func (p *Proxy) ChangePriority(ctx context.Context, id string, prio domain.Priority) (bool, error) {
	return p.manage(ctx, "change priority of", id, func(id string) bool {
		return p.m.sched.ChangePriority(id, prio)
	})
}

func (p *Proxy) admin(ctx context.Context, action string) error {
	if err := p.ready(ctx); err != nil {
		return err
	}
	if !p.client.Admin {
		return p.reject(action)
	}
	if p.m.sources == nil {
		return errors.New("node sources are not managed here")
	}
	return nil
}

func (p *Proxy) AddNodeSource(ctx context.Context, cfg nodesource.SourceConfig) error {
	if err := p.admin(ctx, "add node sources"); err != nil {
		return err
	}
	_, err := p.m.sources.AddNodeSource(ctx, cfg)
	return err
}

func (p *Proxy) RemoveNodeSource(ctx context.Context, id string, preempt bool) (bool, error) {
	if err := p.admin(ctx, "remove node sources"); err != nil {
		return false, err
	}
	return p.m.sources.RemoveNodeSource(id, preempt), nil
}

func (p *Proxy) RemoveNode(ctx context.Context, url string, preempt bool) (bool, error) {
	if err := p.admin(ctx, "remove nodes"); err != nil {
		return false, err
	}
	return p.m.sources.RemoveNode(url, preempt), nil
}

// AddNodes deploys nodes into sourceID, or into the default static source when empty.
func (p *Proxy) AddNodes(ctx context.Context, cfg nodesource.DeploymentConfig, sourceID string) ([]node.Info, error) {
	if err := p.admin(ctx, "add nodes"); err != nil {
		return nil, err
	}
	return p.m.sources.AddNodes(ctx, cfg, sourceID)
}

// Monitor returns the session's registry subscription, created on first call
// and closed on disconnect.
func (p *Proxy) Monitor() (*registry.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrDisconnected
	}
	if p.m.events == nil {
		return nil, errors.New("monitoring is not available")
	}
	if p.monitor == nil {
		p.monitor = p.m.events.Subscribe()
	}
	return p.monitor, nil
}

func (p *Proxy) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Proxy) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.monitor == nil {
		return nil
	}
	err := p.monitor.Close()
	p.monitor = nil
	return err
}

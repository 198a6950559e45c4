/*
Package proxy keeps per-session state outside the scheduler: who is logged
in, the connection each identity holds to the resource pool, and the handle
(Proxy) through which a client reaches the scheduler and the node sources.

Sessions:
  A login creates a session for the authenticated identity. Only one session
  per user is allowed unless Config.Multiplexing is set.

Connections:
  In shared mode every session uses one connection opened with the
  SharedIdentity; otherwise each session opens its own. A connection whose
  ping fails is reopened with exponential backoff before the next request.
*/
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/nodesource"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/server"
)

// ErrSessionActive is the cause of a login refused because the user already has a session.
var ErrSessionActive = errors.New("user already has an active session")

const (
	DefaultSharedIdentity   = "gridsched"
	DefaultReconnectTimeout = 30 * time.Second
)

// Config for the proxy manager.
type Config struct {
	// Allow several concurrent sessions per user.
	Multiplexing bool `yaml:"multiplexing"`
	// Use one resource pool connection for every session.
	SharedConnection bool   `yaml:"sharedConnection"`
	SharedIdentity   string `yaml:"sharedIdentity"`
	// Submissions per second allowed per session, 0 for no limit.
	SubmitRate  float64 `yaml:"submitRate" validate:"min=0"`
	SubmitBurst int     `yaml:"submitBurst" validate:"min=0"`
	// Give up reconnecting after this long.
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout"`
	Users            []UserConfig  `yaml:"users"`
}

func DefaultConfig() Config {
	return Config{
		SharedConnection: true,
		SharedIdentity:   DefaultSharedIdentity,
		SubmitBurst:      1,
		ReconnectTimeout: DefaultReconnectTimeout,
	}
}

// EventSource is where Monitor subscriptions come from.
type EventSource interface {
	Subscribe() *registry.Subscription
}

type session struct {
	client domain.Client
	link   *link
	proxy  *Proxy
}

// Manager tracks sessions and the proxies handed out for them.
type Manager struct {
	cfg       Config
	auth      Authenticator
	connector Connector
	sched     server.Scheduler
	sources   *nodesource.Manager
	events    EventSource
	stat      stats.StatsReceiver

	mu       sync.Mutex
	sessions map[string]*session
	shared   *link
	closed   bool
	// disconnections still tearing down
	pending sync.WaitGroup
}

// NewManager creates a manager. sources and events may be nil, in which case
// node source operations and monitoring are unavailable.
func NewManager(
	cfg Config,
	auth Authenticator,
	connector Connector,
	sched server.Scheduler,
	sources *nodesource.Manager,
	events EventSource,
	stat stats.StatsReceiver) *Manager {

	if cfg.SharedIdentity == "" {
		cfg.SharedIdentity = DefaultSharedIdentity
	}
	if cfg.ReconnectTimeout == 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.SubmitBurst < 1 {
		cfg.SubmitBurst = 1
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	m := &Manager{
		cfg:       cfg,
		auth:      auth,
		connector: connector,
		sched:     sched,
		sources:   sources,
		events:    events,
		stat:      stat,
		sessions:  map[string]*session{},
	}
	if cfg.SharedConnection {
		m.shared = newLink(domain.Client{User: cfg.SharedIdentity, Admin: true}, connector, cfg.ReconnectTimeout, stat)
	}
	return m
}

// Login authenticates creds and opens a session. The returned client carries
// the session id expected by GetProxyFor and Disconnect.
func (m *Manager) Login(ctx context.Context, creds Credentials) (domain.Client, error) {
	client, err := m.auth.Authenticate(ctx, creds)
	if err != nil {
		m.stat.Counter(stats.ProxyAuthFailuresCounter).Inc(1)
		log.WithFields(log.Fields{"user": creds.User, "err": err}).Info("Login refused")
		if !schederrors.IsAuthentication(err) {
			err = &schederrors.AuthenticationError{User: creds.User, Cause: err}
		}
		return domain.Client{}, err
	}
	client.Session = uuid.New().String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Client{}, errors.New("proxy manager closed")
	}
	if !m.cfg.Multiplexing {
		for _, s := range m.sessions {
			if s.client.User == client.User {
				m.mu.Unlock()
				m.stat.Counter(stats.ProxyAuthFailuresCounter).Inc(1)
				return domain.Client{}, &schederrors.AuthenticationError{User: client.User, Cause: ErrSessionActive}
			}
		}
	}
	s := &session{client: client, link: m.shared}
	if s.link == nil {
		s.link = newLink(client, m.connector, m.cfg.ReconnectTimeout, m.stat)
	}
	m.sessions[client.Session] = s
	m.updateGauge()
	m.mu.Unlock()

	if err := s.link.check(ctx); err != nil {
		m.drop(client.Session)
		if s.link != m.shared {
			s.link.close()
		}
		return domain.Client{}, err
	}
	m.stat.Counter(stats.ProxyLoginsCounter).Inc(1)
	log.WithFields(log.Fields{"user": client.User, "admin": client.Admin}).Info("Logged in")
	return client, nil
}

func (m *Manager) updateGauge() {
	m.stat.Gauge(stats.ProxyActiveSessionsGauge).Update(int64(len(m.sessions)))
}

func (m *Manager) drop(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	m.updateGauge()
	return s
}

// GetProxyFor returns the session's proxy, creating it on first use.
func (m *Manager) GetProxyFor(client domain.Client) (*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[client.Session]
	if !ok || s.client.User != client.User {
		return nil, &schederrors.AuthenticationError{User: client.User, Cause: errors.New("no such session")}
	}
	if s.proxy == nil {
		s.proxy = newProxy(s.client, m, s.link)
	}
	return s.proxy, nil
}

// Disconnect ends the client's session. The session's proxy is refused from
// the moment Disconnect returns. Closing its monitor and connection happens in
// the background; failures are logged and counted.
func (m *Manager) Disconnect(client domain.Client) {
	s := m.drop(client.Session)
	if s == nil {
		log.WithField("user", client.User).Debug("Disconnect: no such session")
		return
	}
	if s.proxy != nil {
		s.proxy.markClosed()
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := m.teardown(s); err != nil {
			m.stat.Counter(stats.ProxyDisconnectErrCounter).Inc(1)
			log.WithFields(log.Fields{"user": s.client.User, "err": err}).Info("Errors while disconnecting")
			return
		}
		log.WithField("user", s.client.User).Info("Disconnected")
	}()
}

func (m *Manager) teardown(s *session) error {
	var result *multierror.Error
	if s.proxy != nil {
		if err := s.proxy.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.link != m.shared {
		if err := s.link.close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing connection"))
		}
	}
	return result.ErrorOrNil()
}

// Sessions returns the number of open sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session, waits for pending disconnections and closes the
// shared connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*session{}
	m.updateGauge()
	m.mu.Unlock()

	var result *multierror.Error
	for _, s := range sessions {
		if err := m.teardown(s); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "session of %s", s.client.User))
		}
	}
	m.pending.Wait()
	if m.shared != nil {
		if err := m.shared.close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing shared connection"))
		}
	}
	return result.ErrorOrNil()
}

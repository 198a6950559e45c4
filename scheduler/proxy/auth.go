package proxy

//go:generate mockgen -source=auth.go -package=proxy -destination=auth_mock.go

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/scheduler/domain"
)

// Credentials presented at login.
type Credentials struct {
	User     string
	Password string
}

// Authenticator checks credentials and tells who the caller is.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (domain.Client, error)
}

// Connector opens the authenticated link to the resource pool on behalf of a client.
type Connector interface {
	Connect(ctx context.Context, client domain.Client) (Connection, error)
}

// Connection is an open link to the resource pool.
type Connection interface {
	// Ping fails once the link is unusable.
	Ping() error
	Close() error
}

// UserConfig is one entry of a static user table.
type UserConfig struct {
	Name     string `yaml:"name" validate:"nonzero"`
	Password string `yaml:"password"`
	Admin    bool   `yaml:"admin"`
}

// StaticAuthenticator authenticates against a fixed user table.
type StaticAuthenticator struct {
	users map[string]UserConfig
}

func NewStaticAuthenticator(users []UserConfig) *StaticAuthenticator {
	a := &StaticAuthenticator{users: map[string]UserConfig{}}
	for _, u := range users {
		a.users[u.Name] = u
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, creds Credentials) (domain.Client, error) {
	u, ok := a.users[creds.User]
	if !ok || subtle.ConstantTimeCompare([]byte(u.Password), []byte(creds.Password)) != 1 {
		return domain.Client{}, &schederrors.AuthenticationError{User: creds.User, Cause: errors.New("bad user or password")}
	}
	return domain.Client{User: u.Name, Admin: u.Admin}, nil
}

// LocalConnector hands out in-process connections, for a resource pool that
// lives in the same process.
type LocalConnector struct{}

func (LocalConnector) Connect(_ context.Context, client domain.Client) (Connection, error) {
	log.WithField("user", client.User).Debug("Opening local connection")
	return &localConnection{closed: atomic.NewBool(false)}, nil
}

type localConnection struct {
	closed *atomic.Bool
}

func (c *localConnection) Ping() error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	return nil
}

func (c *localConnection) Close() error {
	c.closed.Store(true)
	return nil
}

// link keeps one Connection open for an identity, reconnecting with backoff
// when a ping fails.
type link struct {
	client    domain.Client
	connector Connector
	timeout   time.Duration
	stat      stats.StatsReceiver

	mu   sync.Mutex
	conn Connection
}

func newLink(client domain.Client, connector Connector, timeout time.Duration, stat stats.StatsReceiver) *link {
	return &link{client: client, connector: connector, timeout: timeout, stat: stat}
}

// check makes sure the connection is usable, reconnecting if needed.
func (l *link) check(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		err := l.conn.Ping()
		if err == nil {
			return nil
		}
		log.WithFields(log.Fields{"user": l.client.User, "err": err}).Info("Connection lost, reconnecting")
		l.conn.Close()
		l.conn = nil
		l.stat.Counter(stats.ProxyReconnectsCounter).Inc(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = l.timeout
	err := backoff.Retry(func() error {
		conn, err := l.connector.Connect(ctx, l.client)
		if err != nil {
			log.WithFields(log.Fields{"user": l.client.User, "err": err}).Debug("Connect failed")
			return err
		}
		l.conn = conn
		return nil
	}, backoff.WithContext(bo, ctx))
	return errors.Wrapf(err, "connecting as %s", l.client.User)
}

func (l *link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Manager owns the broker connection and every cache derived from it. The
// connection is dialed on first use and dialed again on the first use after
// it closed; nothing reconnects in the background.
type Manager struct {
	url            string
	config         amqp.Config
	dial           Dialer
	logger         *slog.Logger
	onError        func(error)
	deadLetter     string
	connectTimeout time.Duration

	mu        sync.Mutex
	conn      *promise[Connection]
	channels  map[channelKey]*promise[Channel]
	exchanges map[string]*promise[struct{}]
	closed    bool
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer.
func WithDialer(dial Dialer) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithAMQPConfig sets the connection configuration, client properties
// included.
func WithAMQPConfig(config amqp.Config) ManagerOption {
	return func(m *Manager) {
		m.config = config
	}
}

// WithErrorHandler registers the sink notified when the connection drops.
func WithErrorHandler(fn func(error)) ManagerOption {
	return func(m *Manager) {
		m.onError = fn
	}
}

// WithDeadLetterQueue names the queue every regular channel declares and
// binds to amq.direct on creation. Empty disables it.
func WithDeadLetterQueue(queue string) ManagerOption {
	return func(m *Manager) {
		m.deadLetter = queue
	}
}

// WithConnectTimeout bounds a single dial.
func WithConnectTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.connectTimeout = timeout
	}
}

// NewManager creates a manager for url. No connection is opened until it is
// first needed.
func NewManager(url string, options ...ManagerOption) *Manager {
	m := &Manager{
		url:            url,
		dial:           DialAMQP,
		logger:         slog.Default(),
		connectTimeout: 30 * time.Second,
		channels:       make(map[channelKey]*promise[Channel]),
		exchanges:      make(map[string]*promise[struct{}]),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Connection returns the shared connection, dialing it if needed.
// Concurrent callers share a single dial.
func (m *Manager) Connection(ctx context.Context) (Connection, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrConnectionClosed
		}

		p := m.conn
		if p == nil {
			p = newPromise[Connection]()
			m.conn = p
			m.mu.Unlock()

			conn, err := m.connect(ctx)
			if err != nil {
				m.mu.Lock()
				if m.conn == p {
					m.conn = nil
				}
				m.mu.Unlock()
			} else {
				m.watchConnection(p, conn)
			}
			p.resolve(conn, err)
			return conn, err
		}
		m.mu.Unlock()

		conn, err := p.wait(ctx)
		if err != nil {
			return nil, err
		}
		if !conn.IsClosed() {
			return conn, nil
		}
		m.reset(p)
	}
}

// connect dials with a timeout. A dial completing after the timeout is
// closed right away.
func (m *Manager) connect(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := m.dial(m.url, m.config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		m.logger.Info("connected to broker", "url", SanitizeURL(m.url))
		return conn, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(m.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}

	case <-connCtx.Done():
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(m.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// watchConnection clears every cache when conn closes and reports the
// cause unless the manager itself closed it.
func (m *Manager) watchConnection(p *promise[Connection], conn Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		closed := m.reset(p)
		if closed {
			return
		}

		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = &ConnectionError{
				Op:        "connection closed",
				URL:       SanitizeURL(m.url),
				Err:       amqpErr,
				Timestamp: time.Now(),
			}
		}
		m.logger.Error("broker connection closed", "error", err)
		if m.onError != nil {
			m.onError(err)
		}
	}()
}

// reset forgets p and everything built on it. It reports whether the
// manager was closed.
func (m *Manager) reset(p *promise[Connection]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == p {
		m.conn = nil
		m.channels = make(map[channelKey]*promise[Channel])
		m.exchanges = make(map[string]*promise[struct{}])
	}
	return m.closed
}

// Close closes the connection. Subsequent calls are no-ops and every
// later operation fails with ErrConnectionClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	p := m.conn
	m.conn = nil
	m.channels = make(map[channelKey]*promise[Channel])
	m.exchanges = make(map[string]*promise[struct{}])
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	conn, err := p.wait(context.Background())
	if err != nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(m.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	m.logger.Info("broker connection closed", "url", SanitizeURL(m.url))
	return nil
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/projecteka/gateway/internal/reliability"
)

// ConnectionStateListener receives connection state changes. Callbacks run on
// their own goroutine.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and reconnects it in the
// background when the broker drops it.
type ConnectionManager struct {
	url         string
	name        string
	dial        Dialer
	dialTimeout time.Duration
	heartbeat   time.Duration
	backoff     reliability.RetryPolicy
	logger      *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	closed    bool
	done      chan struct{}
	listeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectBackoff sets the delay policy between reconnect attempts. Its
// retry limit is ignored: the manager keeps trying until closed.
func WithReconnectBackoff(p reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = p
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// WithConnectionName sets the connection_name client property shown in the
// management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = d
	}
}

// NewConnectionManager creates a connection manager. Nothing is dialed until
// Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		name:        "gateway",
		dial:        amqp.DialConfig,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, time.Minute, 2, 0),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect dials the broker once. After a successful Connect the manager
// reconnects on its own until Close.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		cm.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		cm.mu.Unlock()
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Attempts: 1, Err: err}
	}

	conn, err := cm.open()
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Attempts: 1, Err: err}
	}
	cm.install(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to rabbitmq", "url", SanitizeURL(cm.url))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
	return nil
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held
func (cm *ConnectionManager) IsConnected() bool {
	_, err := cm.Connection()
	return err == nil
}

// AddStateListener registers l for state changes
func (cm *ConnectionManager) AddStateListener(l ConnectionStateListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)

	if cm.conn == nil || cm.conn.IsClosed() {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

func (cm *ConnectionManager) open() (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)
	return cm.dial(cm.url, amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(cm.dialTimeout),
	})
}

// install must be called with mu held
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	cm.conn = conn
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closes)
}

func (cm *ConnectionManager) watch(closes <-chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr, ok := <-closes:
		select {
		case <-cm.done:
			return
		default:
		}
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.logger.Error("rabbitmq connection lost", "error", err)
		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
		cm.reconnect()
	}
}

func (cm *ConnectionManager) reconnect() {
	started := time.Now()
	for attempt := 1; ; attempt++ {
		cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })

		select {
		case <-cm.done:
			return
		case <-time.After(cm.backoff.NextDelay(attempt - 1)):
		}

		conn, err := cm.open()
		if err != nil {
			cm.logger.Warn("rabbitmq reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.install(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to rabbitmq", "attempts", attempt, "downtime", time.Since(started))
		cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
		return
	}
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.mu.RLock()
	listeners := append([]ConnectionStateListener(nil), cm.listeners...)
	cm.mu.RUnlock()

	for _, l := range listeners {
		go fn(l)
	}
}

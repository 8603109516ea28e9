package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vvka-141/txloop/internal/logging"
	"github.com/vvka-141/txloop/internal/retry"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Connection pool configuration constants
const (
	// DefaultMaxConns bounds the pool; the loop holds one connection per transaction.
	DefaultMaxConns = 5

	// DefaultMinConns maintains at least one connection in the pool.
	DefaultMinConns = 1

	// DefaultMaxConnIdleTime keeps connections alive between loop runs.
	DefaultMaxConnIdleTime = 30 * time.Minute
)

// Connector opens a connection pool, retrying transient connection failures.
type Connector struct {
	poolConfig *pgxpool.Config
	settings   *connectorSettings
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*connectorSettings)

type connectorSettings struct {
	retries int
	delay   time.Duration
	clock   quartz.Clock
	logger  txloop.Logger
}

// WithConnectRetries sets how many times a failed connection attempt is retried.
func WithConnectRetries(retries int) ConnectorOption {
	return func(s *connectorSettings) {
		s.retries = retries
	}
}

// WithConnectDelay sets the base delay between connection attempts.
func WithConnectDelay(d time.Duration) ConnectorOption {
	return func(s *connectorSettings) {
		s.delay = d
	}
}

// WithConnectClock sets the clock used to wait between attempts.
func WithConnectClock(clock quartz.Clock) ConnectorOption {
	return func(s *connectorSettings) {
		s.clock = clock
	}
}

// WithConnectLogger logs retries and server notices.
func WithConnectLogger(logger txloop.Logger) ConnectorOption {
	return func(s *connectorSettings) {
		s.logger = logger
	}
}

// NewConnector creates a Connector for a configuration returned by
// ParsePoolConfig. Retry behavior defaults to DefaultConnectRetries retries
// starting at DefaultConnectDelay, capped at DefaultConnectMaxDelay.
func NewConnector(poolConfig *pgxpool.Config, opts ...ConnectorOption) *Connector {
	s := &connectorSettings{
		retries: txloop.DefaultConnectRetries,
		delay:   txloop.DefaultConnectDelay,
		clock:   quartz.NewReal(),
		logger:  logging.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Connector{poolConfig: poolConfig, settings: s}
}

// Connect establishes a connection pool with automatic retry.
// Failures wrap txloop.ErrConnectionFailed.
func (c *Connector) Connect(ctx context.Context) (*pgxpool.Pool, error) {
	conn := c.poolConfig.ConnConfig
	logger := c.settings.logger
	addr := Address(&conn.Config)

	strategy := retry.NewBackoff(c.settings.delay, c.settings.retries, retry.WithMaxDelay(txloop.DefaultConnectMaxDelay))
	executor := retry.NewExecutor(retry.NewPostgreSQLErrorClassifier(), strategy).
		WithClock(c.settings.clock).
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Info("Connection attempt %d to %s failed, retrying in %v: %v",
				attempt, addr, delay, err)
		})

	c.configurePool()

	var pool *pgxpool.Pool
	err := executor.Execute(ctx, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, c.poolConfig)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		if txloop.IsControlFlow(err) {
			return nil, err
		}
		return nil, wrapConnectionError(err, &conn.Config)
	}

	logger.Verbose("Connected to %s/%s", addr, conn.Database)
	return pool, nil
}

func (c *Connector) configurePool() {
	logger := c.settings.logger
	c.poolConfig.MaxConns = DefaultMaxConns
	c.poolConfig.MinConns = DefaultMinConns
	c.poolConfig.MaxConnIdleTime = DefaultMaxConnIdleTime
	c.poolConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		logger.Info("%s: %s", notice.Severity, notice.Message)
	}
}

// connectionHint turns a recognised connection failure into a short
// diagnosis for the operator.
type connectionHint struct {
	markers  []string
	describe func(conn *pgconn.Config) string
}

var connectionHints = []connectionHint{
	{
		markers: []string{"connection refused", "actively refused"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("nothing is listening on %s; is the server up?", Address(conn))
		},
	},
	{
		markers: []string{"no such host"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("host %q does not resolve", conn.Host)
		},
	},
	{
		markers: []string{"password authentication failed"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("user %q was rejected; check PGPASSWORD or ~/.pgpass", conn.User)
		},
	},
	{
		markers: []string{"does not exist"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("database %q is missing; pass -d or fix the connection string", conn.Database)
		},
	},
	{
		markers: []string{"timeout", "timed out"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("%s did not answer in time; raise connect_timeout or check the network", Address(conn))
		},
	},
	{
		markers: []string{"too many connections", "remaining connection slots"},
		describe: func(conn *pgconn.Config) string {
			return fmt.Sprintf("%s has no free connection slots", Address(conn))
		},
	},
}

// wrapConnectionError wraps a connection failure in txloop.ErrConnectionFailed,
// adding a diagnosis when the cause is recognised.
func wrapConnectionError(err error, conn *pgconn.Config) error {
	msg := strings.ToLower(err.Error())
	for _, hint := range connectionHints {
		for _, marker := range hint.markers {
			if strings.Contains(msg, marker) {
				return fmt.Errorf("%w: %s: %w", txloop.ErrConnectionFailed, hint.describe(conn), err)
			}
		}
	}
	return fmt.Errorf("%w: %s/%s: %w", txloop.ErrConnectionFailed, Address(conn), conn.Database, err)
}

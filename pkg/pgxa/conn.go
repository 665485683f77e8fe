// Package pgxa adapts a PostgreSQL session to the participant's connection
// and native resource interfaces, using PREPARE TRANSACTION for two-phase
// commit.
package pgxa

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrAborted is returned when COMMIT finds the transaction block already
// aborted and the server rolls it back instead.
var ErrAborted = errors.New("pgxa: transaction aborted, rolled back")

// session is the part of *pgx.Conn used here.
type session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Conn is a PostgreSQL session with client-side autocommit. With autocommit
// off a transaction block is opened on the first statement.
type Conn struct {
	mu         sync.Mutex
	s          session
	autoCommit bool
	inTx       bool
	logger     *zap.Logger
}

// ConnectOption configures Connect.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	logger        *zap.Logger
	appName       string
	beforeConnect func(ctx context.Context) error
}

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) ConnectOption {
	return func(c *connectConfig) { c.logger = l }
}

// WithApplicationName sets application_name on the session.
func WithApplicationName(name string) ConnectOption {
	return func(c *connectConfig) { c.appName = name }
}

// WithBeforeConnect runs fn before dialing; an error aborts Connect. Test
// harnesses use it to simulate an unreachable server.
func WithBeforeConnect(fn func(ctx context.Context) error) ConnectOption {
	return func(c *connectConfig) { c.beforeConnect = fn }
}

// Connect opens a session to dsn.
func Connect(ctx context.Context, dsn string, opts ...ConnectOption) (*Conn, error) {
	cc := connectConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cc)
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cc.beforeConnect != nil {
		if err := cc.beforeConnect(ctx); err != nil {
			return nil, err
		}
	}
	if cc.appName != "" {
		cfg.RuntimeParams["application_name"] = cc.appName
	}

	pc, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newConn(pc, cc.logger.With(zap.String("host", cfg.Host), zap.String("database", cfg.Database))), nil
}

// NewConn wraps an established pgx connection. The session must not be
// inside a transaction block.
func NewConn(pc *pgx.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newConn(pc, logger)
}

func newConn(s session, logger *zap.Logger) *Conn {
	return &Conn{s: s, autoCommit: true, logger: logger}
}

// AutoCommit reports the autocommit mode.
func (c *Conn) AutoCommit(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

// SetAutoCommit changes the mode. Turning autocommit on commits an open
// transaction block.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if on && !c.autoCommit && c.inTx {
		if err := c.endTx(ctx, "COMMIT"); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// Commit commits the open transaction block, if any.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return nil
	}
	return c.endTx(ctx, "COMMIT")
}

// Rollback rolls the open transaction block back, if any.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return nil
	}
	return c.endTx(ctx, "ROLLBACK")
}

// Exec runs sql, opening a transaction block first when autocommit is off.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureTx(ctx); err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.s.Exec(ctx, sql, args...)
}

// QueryRow runs sql like Exec and returns its single row.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureTx(ctx); err != nil {
		return errRow{err}
	}
	return c.s.QueryRow(ctx, sql, args...)
}

// Close closes the session. An open transaction block is discarded by the server.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	return c.s.Close(ctx)
}

// XAResource returns the two-phase resource bound to this session.
func (c *Conn) XAResource() *Resource {
	return &Resource{conn: c}
}

func (c *Conn) ensureTx(ctx context.Context) error {
	if c.autoCommit || c.inTx {
		return nil
	}
	if _, err := c.s.Exec(ctx, "BEGIN"); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

func (c *Conn) endTx(ctx context.Context, stmt string) error {
	tag, err := c.s.Exec(ctx, stmt)
	c.inTx = false
	if err != nil {
		c.logger.Warn("transaction end failed", zap.String("stmt", stmt), zap.Error(err))
		return err
	}
	if stmt == "COMMIT" && tag.String() == "ROLLBACK" {
		return ErrAborted
	}
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsolationRepeatableRead is the isolation level of every pooled session.
const IsolationRepeatableRead = "repeatable read"

// Conn is the subset of *pgx.Conn the pool and its callers rely on,
// extended with Reset. Keeping it narrow lets tests substitute fakes.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)

	// Reset clears transaction state so the connection can be lent again.
	Reset(ctx context.Context) error

	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, info ConnInfo) (Conn, error)
}

// PgxDialer opens connections with pgx.
type PgxDialer struct{}

// Dial connects with the session defaults set as startup parameters, so
// no extra round trip is needed: repeatable read isolation, and read-only
// transactions for replica connections.
func (PgxDialer) Dial(ctx context.Context, info ConnInfo) (Conn, error) {
	cfg, err := pgx.ParseConfig(info.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.RuntimeParams["default_transaction_isolation"] = IsolationRepeatableRead
	if info.ReadOnly {
		cfg.RuntimeParams["default_transaction_read_only"] = "on"
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PgxConn{Conn: conn}, nil
}

// PgxConn adapts *pgx.Conn to Conn.
type PgxConn struct {
	*pgx.Conn
}

// Reset rolls back any transaction left open by the previous borrower.
func (c *PgxConn) Reset(ctx context.Context) error {
	if c.PgConn().TxStatus() == 'I' {
		return nil
	}
	_, err := c.Exec(ctx, "ROLLBACK")
	return err
}

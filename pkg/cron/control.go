package cron

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marmos91/phoenixd/pkg/dbpool"
)

// Control is a worker's dedicated connection to the control database.
type Control interface {
	// InRecovery reports whether the server is a standby.
	InRecovery(ctx context.Context) (bool, error)

	// Listen subscribes to channel.
	Listen(ctx context.Context, channel string) error

	// Wait blocks until a notification arrives or timeout elapses. It
	// reports whether it was woken by a notification.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)

	Close() error
}

// Connector opens control connections and publishes wake-ups.
type Connector interface {
	Connect(ctx context.Context) (Control, error)
	Notify(ctx context.Context, channel, payload string) error
}

// PgConnector borrows control connections from the primary pool, so each
// cron worker holds one pool slot for as long as it lives.
type PgConnector struct {
	Pool     *dbpool.Pool
	Database string
}

// Connect implements Connector.
func (c *PgConnector) Connect(ctx context.Context) (Control, error) {
	h, err := c.Pool.Borrow(ctx, c.Database)
	if err != nil {
		return nil, err
	}
	return &pgControl{h: h}, nil
}

// Notify implements Connector.
func (c *PgConnector) Notify(ctx context.Context, channel, payload string) error {
	h, err := c.Pool.Borrow(ctx, c.Database)
	if err != nil {
		return err
	}
	_, err = h.Conn().Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	_ = h.Release(err != nil)
	return err
}

type pgControl struct {
	h *dbpool.Handle
}

func (c *pgControl) InRecovery(ctx context.Context) (bool, error) {
	var standby bool
	err := c.h.Conn().QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&standby)
	return standby, err
}

func (c *pgControl) Listen(ctx context.Context, channel string) error {
	_, err := c.h.Conn().Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *pgControl) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.h.Conn().WaitForNotification(wctx)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || wctx.Err() != nil:
		return false, nil
	default:
		return false, err
	}
}

// Close gives the connection back. It is discarded: a listening session
// must not be lent to other work.
func (c *pgControl) Close() error {
	return c.h.Release(true)
}

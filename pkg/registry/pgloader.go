package registry

import (
	"context"
	"fmt"

	"github.com/marmos91/phoenixd/pkg/dbpool"
)

// Borrower lends tenant connections.
type Borrower interface {
	Borrow(ctx context.Context, database string) (*dbpool.Handle, error)
}

// PgLoader loads a registry by connecting to the tenant database and
// inspecting its schema. A database that cannot be reached is not loaded.
type PgLoader struct {
	Pool Borrower
}

const hasCronQuery = `SELECT to_regclass('cron_job') IS NOT NULL`

// Load implements Loader.
func (l *PgLoader) Load(ctx context.Context, name string) (*Entry, error) {
	h, err := l.Pool.Borrow(ctx, name)
	if err != nil {
		return nil, err
	}

	var hasCron bool
	if err := h.Conn().QueryRow(ctx, hasCronQuery).Scan(&hasCron); err != nil {
		_ = h.Release(true)
		return nil, fmt.Errorf("registry: inspect %q: %w", name, err)
	}
	_ = h.Release(false)

	return &Entry{Name: name, Ready: true, HasCron: hasCron}, nil
}

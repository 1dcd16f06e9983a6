//go:build integration

package cron

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/phoenixd/internal/pgtest"
	"github.com/marmos91/phoenixd/pkg/dbpool"
)

func TestMain(m *testing.M) {
	code := m.Run()
	pgtest.Terminate()
	os.Exit(code)
}

func setupTenant(t *testing.T, name string) (*pgtest.Server, *dbpool.Pool) {
	t.Helper()
	srv := pgtest.Start(t)
	srv.CreateDatabase(t, name)
	require.NoError(t, Migrate(context.Background(), name, srv.DSN(name)))

	settings := dbpool.Settings{Host: srv.Host, Port: srv.Port, User: srv.User, Password: srv.Password, SSLMode: "disable"}
	pool := dbpool.New(dbpool.PgxDialer{}, settings.Info, dbpool.Options{MaxConn: 8})
	t.Cleanup(pool.CloseAll)
	return srv, pool
}

func insertJob(t *testing.T, pool *dbpool.Pool, database, name, handler string, due bool) {
	t.Helper()
	ctx := context.Background()
	h, err := pool.Borrow(ctx, database)
	require.NoError(t, err)
	defer h.Release(false)

	offset := "1 hour"
	if due {
		offset = "-1 minute"
	}
	_, err = h.Conn().Exec(ctx,
		`INSERT INTO cron_job (name, handler, interval_seconds, nextcall) VALUES ($1, $2, 3600, now() + $3::interval)`,
		name, handler, offset)
	require.NoError(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	srv, _ := setupTenant(t, "cron_migrate_it")
	require.NoError(t, Migrate(context.Background(), "cron_migrate_it", srv.DSN("cron_migrate_it")))

	version, dirty, err := SchemaVersion(context.Background(), "cron_migrate_it", srv.DSN("cron_migrate_it"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)
}

func TestPgJobStoreProcessesDueJobsOnce(t *testing.T) {
	_, pool := setupTenant(t, "cron_store_it")
	insertJob(t, pool, "cron_store_it", "due", "count", true)
	insertJob(t, pool, "cron_store_it", "later", "count", false)

	var calls atomic.Int32
	store := &PgJobStore{Pool: pool}
	s := New(Options{Store: store, Handlers: Handlers{"count": func(ctx context.Context, r Run) error {
		calls.Add(1)
		if r.Tx == nil {
			return errors.New("job ran outside a transaction")
		}
		_, err := r.Tx.Exec(ctx, "SELECT 1")
		return err
	}}})

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := s.ProcessTenant(context.Background(), "cron-it", "cron_store_it")
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, total.Load())

	ctx := context.Background()
	h, err := pool.Borrow(ctx, "cron_store_it")
	require.NoError(t, err)
	defer h.Release(false)
	var next time.Time
	var last *time.Time
	require.NoError(t, h.Conn().QueryRow(ctx, `SELECT nextcall, lastcall FROM cron_job WHERE name = 'due'`).Scan(&next, &last))
	require.NotNil(t, last)
	assert.True(t, next.After(time.Now()))
}

func TestPgJobStoreFailedJobRollsBackOnlyItself(t *testing.T) {
	_, pool := setupTenant(t, "cron_fail_it")
	insertJob(t, pool, "cron_fail_it", "a_bad", "bad", true)
	insertJob(t, pool, "cron_fail_it", "b_good", "good", true)

	s := New(Options{Store: &PgJobStore{Pool: pool}, Handlers: Handlers{
		"bad": func(ctx context.Context, r Run) error {
			_, err := r.Tx.Exec(ctx, "SELECT 1/0")
			return err
		},
		"good": func(ctx context.Context, r Run) error {
			_, err := r.Tx.Exec(ctx, "CREATE TABLE good_marker (id int)")
			return err
		},
	}})

	n, err := s.ProcessTenant(context.Background(), "cron-it", "cron_fail_it")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx := context.Background()
	h, err := pool.Borrow(ctx, "cron_fail_it")
	require.NoError(t, err)
	defer h.Release(false)

	var lastError *string
	require.NoError(t, h.Conn().QueryRow(ctx, `SELECT last_error FROM cron_job WHERE name = 'a_bad'`).Scan(&lastError))
	require.NotNil(t, lastError)
	assert.Contains(t, *lastError, "division by zero")

	var exists bool
	require.NoError(t, h.Conn().QueryRow(ctx, `SELECT to_regclass('good_marker') IS NOT NULL`).Scan(&exists))
	assert.True(t, exists)
}

func TestClaimSeesJobsCommittedAfterTransactionStart(t *testing.T) {
	_, pool := setupTenant(t, "cron_claim_it")
	insertJob(t, pool, "cron_claim_it", "due", "count", true)
	ctx := context.Background()

	claim, err := pool.Borrow(ctx, "cron_claim_it")
	require.NoError(t, err)
	defer claim.Release(true)
	tx, err := claim.Conn().BeginTx(ctx, claimTxOptions)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	require.NoError(t, tx.QueryRow(ctx, tryLockQuery, lockKey).Scan(&locked))
	require.True(t, locked)

	// Another worker finishes the job after our first statement.
	other, err := pool.Borrow(ctx, "cron_claim_it")
	require.NoError(t, err)
	_, err = other.Conn().Exec(ctx, `UPDATE cron_job SET lastcall = now(), nextcall = now() - interval '1 second' WHERE name = 'due'`)
	require.NoError(t, err)
	require.NoError(t, other.Release(false))

	// Under the session's repeatable read this raises "could not
	// serialize access due to concurrent update".
	rows, err := tx.Query(ctx, selectDueQuery, time.Now())
	require.NoError(t, err)
	var n int
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 1, n)
}

func TestPgConnectorListenNotify(t *testing.T) {
	srv := pgtest.Start(t)
	settings := dbpool.Settings{Host: srv.Host, Port: srv.Port, User: srv.User, Password: srv.Password, SSLMode: "disable"}
	pool := dbpool.New(dbpool.PgxDialer{}, settings.Info, dbpool.Options{MaxConn: 4})
	defer pool.CloseAll()

	conn := &PgConnector{Pool: pool, Database: srv.Database}
	ctx := context.Background()

	ctrl, err := conn.Connect(ctx)
	require.NoError(t, err)
	defer ctrl.Close()

	standby, err := ctrl.InRecovery(ctx)
	require.NoError(t, err)
	assert.False(t, standby)
	require.NoError(t, ctrl.Listen(ctx, "cron_trigger"))

	notified, err := ctrl.Wait(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, notified)

	require.NoError(t, conn.Notify(ctx, "cron_trigger", "tenant_a"))
	notified, err = ctrl.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, notified)
}

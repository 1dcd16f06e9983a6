//go:build integration

// Package pgtest starts a shared PostgreSQL container for integration
// tests. Set POSTGRES_HOST (and optionally POSTGRES_PORT, POSTGRES_USER,
// POSTGRES_PASSWORD) to use an existing server instead.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Server is a reachable PostgreSQL server.
type Server struct {
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	container testcontainers.Container
}

var (
	once   sync.Once
	shared *Server
	errRun error
)

// Start returns the shared server, starting it on first use.
func Start(t *testing.T) *Server {
	t.Helper()
	once.Do(func() { shared, errRun = start(context.Background()) })
	if errRun != nil {
		t.Fatalf("failed to start postgres: %v", errRun)
	}
	return shared
}

func start(ctx context.Context) (*Server, error) {
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port, _ := strconv.Atoi(os.Getenv("POSTGRES_PORT"))
		if port == 0 {
			port = 5432
		}
		return &Server{
			Host:     host,
			Port:     port,
			User:     envOr("POSTGRES_USER", "phoenixd"),
			Password: envOr("POSTGRES_PASSWORD", "phoenixd"),
			Database: envOr("POSTGRES_DATABASE", "phoenixd_test"),
		}, nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("phoenixd_test"),
		postgres.WithUsername("phoenixd"),
		postgres.WithPassword("phoenixd"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		return nil, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Server{
		Host:      host,
		Port:      port.Int(),
		User:      "phoenixd",
		Password:  "phoenixd",
		Database:  "phoenixd_test",
		container: container,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DSN returns a key/value connection string for database.
func (s *Server) DSN(database string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.Host, s.Port, s.User, s.Password, database)
}

// CreateDatabase creates a fresh database and drops it on cleanup.
func (s *Server) CreateDatabase(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, s.DSN(s.Database))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	ident := pgx.Identifier{name}.Sanitize()
	_, _ = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)")
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		t.Fatalf("create database %s: %v", name, err)
	}
	t.Cleanup(func() {
		c, err := pgx.Connect(ctx, s.DSN(s.Database))
		if err != nil {
			return
		}
		defer c.Close(ctx)
		_, _ = c.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)")
	})
}

// Terminate stops the container, if one was started. Call from TestMain.
func Terminate() {
	if shared != nil && shared.container != nil {
		_ = shared.container.Terminate(context.Background())
	}
}

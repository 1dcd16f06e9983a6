package dbpool

import (
	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/pkg/config"
)

// Pools is the process-wide pair of a read-write pool and an optional
// read-only pool bound to a replica.
type Pools struct {
	Primary *Pool
	Replica *Pool
}

// NewPools builds the pools described by cfg. Metrics may be nil.
func NewPools(cfg config.DatabaseConfig, dialer Dialer, clk clock.Clock, metrics Metrics) *Pools {
	settings := SettingsFrom(cfg)
	opts := Options{
		MaxConn:       cfg.MaxConn,
		MaxIdleTime:   cfg.MaxIdleTime,
		Policy:        ParsePolicy(cfg.ExhaustionPolicy),
		BorrowTimeout: cfg.BorrowTimeout,
		Clock:         clk,
		Metrics:       metrics,
	}

	ps := &Pools{Primary: New(dialer, settings.Info, opts)}
	if cfg.ReplicaHost != "" {
		replica := settings
		replica.Host = cfg.ReplicaHost
		replica.Port = cfg.ReplicaPort
		ropts := opts
		ropts.ReadOnly = true
		ps.Replica = New(dialer, replica.Info, ropts)
	}
	return ps
}

// SettingsFrom extracts connection settings from the database config.
func SettingsFrom(cfg config.DatabaseConfig) Settings {
	return Settings{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		SSLMode:         cfg.SSLMode,
		ConnectTimeout:  cfg.ConnectTimeout,
		ApplicationName: cfg.ApplicationName,
	}
}

// For returns the replica pool for read-only work when one exists, and
// the primary otherwise.
func (ps *Pools) For(readOnly bool) *Pool {
	if readOnly && ps.Replica != nil {
		return ps.Replica
	}
	return ps.Primary
}

// Stats returns the stats of every configured pool.
func (ps *Pools) Stats() []Stats {
	out := []Stats{ps.Primary.Stats()}
	if ps.Replica != nil {
		out = append(out, ps.Replica.Stats())
	}
	return out
}

// CloseAll closes both pools.
func (ps *Pools) CloseAll() {
	ps.Primary.CloseAll()
	if ps.Replica != nil {
		ps.Replica.CloseAll()
	}
}

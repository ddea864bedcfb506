// Package store selects and opens the configured ledger backend.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/timeclock/config"
	"github.com/warp/timeclock/punch"
	"github.com/warp/timeclock/store/postgres"
	"github.com/warp/timeclock/store/sqlite"
)

// Backend is an opened store: the ledger, the roster, and lifecycle hooks.
type Backend struct {
	Name   string
	Ledger punch.TxStore
	Roster punch.Roster
	Ping   func(ctx context.Context) error
	Close  func() error
}

// Open opens the backend named by cfg.Store and migrates its schema.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("store opened", zap.String("store", cfg.Store), zap.String("path", cfg.SQLitePath))
		return &Backend{Name: cfg.Store, Ledger: s, Roster: s, Ping: s.Ping, Close: s.Close}, nil

	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN, postgres.Options{
			MaxConns:    int32(cfg.PostgresMaxConns),
			LockTimeout: cfg.PostgresLockTimeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info("store opened", zap.String("store", cfg.Store), zap.Int("max_conns", cfg.PostgresMaxConns))
		return &Backend{
			Name:   cfg.Store,
			Ledger: s,
			Roster: s,
			Ping:   s.Ping,
			Close: func() error {
				s.Close()
				return nil
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

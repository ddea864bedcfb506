/*
main.go - punchctl, the ledger operator CLI

PURPOSE:
  Works directly against the configured store (same environment as the
  server) for audits and back-office tasks:
    punchctl verify [--from N] [--to N]     re-verify the fingerprint chain
    punchctl inspect <nsr>                  show and verify one record
    punchctl head                           last NSR and fingerprint
    punchctl day <employee> [YYYY-MM-DD]    day status
    punchctl hours <employee> --from --to   worked hours over a period
    punchctl punch <employee> [flags]       record a punch (kiosk fallback)
    punchctl seed <file.yaml>               apply a geofence file

  verify exits non-zero when a violation is found, so it can run from cron.

SEE ALSO:
  - config/config.go: environment variables
  - store/open.go: store selection
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/timeclock/clock"
	"github.com/warp/timeclock/config"
	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/logging"
	"github.com/warp/timeclock/punch"
	"github.com/warp/timeclock/store"
)

func main() {
	a := newApp()
	err := newRootCmd(a).Execute()
	// PersistentPostRunE is skipped when a command fails.
	_ = a.teardown()
	if err != nil {
		os.Exit(1)
	}
}

// app carries configuration and the opened store across commands.
type app struct {
	cfg     config.Config
	jsonOut bool
	clock   clock.Clock
	log     *zap.Logger
	open    func(ctx context.Context, cfg config.Config, log *zap.Logger) (*store.Backend, error)

	backend *store.Backend
	ledger  *punch.Ledger
}

func newApp() *app {
	return &app{
		cfg:   config.Load(),
		clock: clock.System{},
		open:  store.Open,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "punchctl",
		Short:         "Operate the time punch ledger",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.Store, "store", a.cfg.Store, "store backend: sqlite or postgres")
	f.StringVar(&a.cfg.SQLitePath, "db", a.cfg.SQLitePath, "SQLite database path")
	f.StringVar(&a.cfg.PostgresDSN, "dsn", a.cfg.PostgresDSN, "PostgreSQL connection string")
	f.StringVar(&a.cfg.Timezone, "timezone", a.cfg.Timezone, "IANA time zone that defines calendar days")
	f.StringVar(&a.cfg.LogLevel, "log-level", "warn", "log level")
	f.BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newVerifyCmd(a),
		newInspectCmd(a),
		newHeadCmd(a),
		newDayCmd(a),
		newHoursCmd(a),
		newPunchCmd(a),
		newSeedCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if a.log == nil {
		log, err := logging.New(logging.Config{Service: "punchctl", Level: a.cfg.LogLevel, Format: "console"})
		if err != nil {
			return err
		}
		a.log = log
	}

	backend, err := a.open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.backend = backend
	a.ledger = punch.NewLedger(backend.Ledger, backend.Roster,
		punch.WithClock(a.clock),
		punch.WithLocation(a.cfg.Location()),
		punch.WithMinInterval(a.cfg.MinInterval),
		punch.WithGeofenceEngine(geo.NewEngine(a.cfg.GeofenceTolerance)),
		punch.WithMaxTries(a.cfg.MaxTries()),
		punch.WithLogger(a.log),
	)
	return nil
}

func (a *app) teardown() error {
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	return err
}

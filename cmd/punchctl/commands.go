package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/timeclock/api"
	"github.com/warp/timeclock/config"
	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// errViolations makes verify exit non-zero after printing its report.
var errViolations = errors.New("ledger integrity violations found")

// =============================================================================
// AUDIT
// =============================================================================

func newVerifyCmd(a *app) *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify fingerprints and chain links for an NSR range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.ledger.VerifyIntegrity(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if err := a.print(cmd, api.NewIntegrityReportDTO(report), func(p *printer) {
				p.report(report)
			}); err != nil {
				return err
			}
			if !report.OK() {
				return errViolations
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first NSR (default: 1)")
	cmd.Flags().Int64Var(&to, "to", 0, "last NSR (default: head)")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <nsr>",
		Short: "Show one record and verify it against its predecessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nsr, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || nsr < 1 {
				return fmt.Errorf("nsr must be a positive integer, got %q", args[0])
			}
			v, rec, err := a.ledger.VerifyRecord(cmd.Context(), nsr)
			if err != nil {
				return err
			}
			dto := api.RecordVerificationDTO{
				VerificationDTO: api.VerificationDTO{NSR: v.SequenceNumber, Status: string(v.Status), Detail: v.Detail},
				Record:          api.NewPunchDTO(*rec),
			}
			return a.print(cmd, dto, func(p *printer) {
				p.record(*rec, a.ledger.Location())
				p.status(v)
			})
		},
	}
}

func newHeadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Print the last NSR and its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			head, err := a.ledger.Head(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"nsr": head.SequenceNumber, "fingerprint": head.Fingerprint}
			return a.print(cmd, out, func(p *printer) {
				p.line("nsr          %d", head.SequenceNumber)
				p.line("fingerprint  %s", head.Fingerprint)
			})
		},
	}
}

// =============================================================================
// REPORTS
// =============================================================================

func newDayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "day <employee> [YYYY-MM-DD]",
		Short: "Show a day's punches, missing punches and hours",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date := a.clock.Now().In(a.ledger.Location())
			if len(args) == 2 {
				var err error
				if date, err = punch.ParseDate(args[1], a.ledger.Location()); err != nil {
					return err
				}
			}
			id := punch.EmployeeID(args[0])
			if _, err := a.backend.Roster.Employee(cmd.Context(), id); err != nil {
				return err
			}
			status, err := a.ledger.DayStatus(cmd.Context(), id, date)
			if err != nil {
				return err
			}
			return a.print(cmd, api.NewDayStatusDTO(status), func(p *printer) {
				p.day(status, a.ledger.Location())
			})
		},
	}
}

func newHoursCmd(a *app) *cobra.Command {
	var fromStr, toStr string
	cmd := &cobra.Command{
		Use:   "hours <employee>",
		Short: "Sum worked hours over calendar days --from..--to (inclusive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := a.ledger.Location()
			from, err := punch.ParseDate(fromStr, loc)
			if err != nil {
				return err
			}
			to := from
			if toStr != "" {
				if to, err = punch.ParseDate(toStr, loc); err != nil {
					return err
				}
			}
			id := punch.EmployeeID(args[0])
			if _, err := a.backend.Roster.Employee(cmd.Context(), id); err != nil {
				return err
			}
			period, err := a.ledger.TotalHours(cmd.Context(), id, from, to)
			if err != nil {
				return err
			}
			return a.print(cmd, api.NewHoursDTO(period), func(p *printer) {
				p.period(period)
			})
		},
	}
	cmd.Flags().StringVar(&fromStr, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&toStr, "to", "", "last day, YYYY-MM-DD (default: --from)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// =============================================================================
// WRITES
// =============================================================================

func newPunchCmd(a *app) *cobra.Command {
	var (
		typ, method, at string
		lat, lng, acc   float64
	)
	cmd := &cobra.Command{
		Use:   "punch <employee>",
		Short: "Record a punch; the type defaults to the next legal one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := punch.Request{
				EmployeeID: punch.EmployeeID(args[0]),
				Type:       punch.Type(typ),
				Method:     punch.Method(method),
				UserAgent:  "punchctl",
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				req.Timestamp = ts
			}

			flags := cmd.Flags()
			switch {
			case flags.Changed("lat") && flags.Changed("lng"):
				req.Coordinates = &geo.Coordinates{Latitude: lat, Longitude: lng}
			case flags.Changed("lat") || flags.Changed("lng"):
				return errors.New("--lat and --lng must be given together")
			}
			if flags.Changed("accuracy") {
				req.AccuracyMeters = &acc
			}

			receipt, err := a.ledger.RecordPunch(cmd.Context(), req)
			if err != nil {
				var rej *punch.Rejection
				if errors.As(err, &rej) && a.jsonOut {
					_ = a.print(cmd, api.NewRejectionDTO(rej), nil)
				}
				return err
			}
			return a.print(cmd, api.NewReceiptDTO(receipt), func(p *printer) {
				p.receipt(receipt, a.ledger.Location())
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "entrada, saida_intervalo, volta_intervalo or saida")
	f.StringVar(&method, "method", "", "codigo, qrcode, facial or biometria (default codigo)")
	f.StringVar(&at, "at", "", "timestamp, RFC 3339 (default: now)")
	f.Float64Var(&lat, "lat", 0, "latitude")
	f.Float64Var(&lng, "lng", 0, "longitude")
	f.Float64Var(&acc, "accuracy", 0, "GPS accuracy in meters")
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Apply a geofence and employee seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := config.LoadGeofenceFile(args[0])
			if err != nil {
				return err
			}
			if err := seed.Apply(cmd.Context(), a.backend.Roster); err != nil {
				return err
			}
			out := map[string]int{"geofences": len(seed.Geofences), "employees": len(seed.Employees)}
			return a.print(cmd, out, func(p *printer) {
				p.line("applied %d geofences and %d employees", len(seed.Geofences), len(seed.Employees))
			})
		},
	}
}

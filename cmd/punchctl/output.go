package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/warp/timeclock/punch"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// print writes v as indented JSON with --json (or when there is no text
// form), otherwise runs text against the command's output.
func (a *app) print(cmd *cobra.Command, v any, text func(p *printer)) error {
	if a.jsonOut || text == nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	p := &printer{w: cmd.OutOrStdout()}
	text(p)
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) statusLabel(s punch.VerifyStatus) string {
	switch s {
	case punch.StatusOK:
		return okStyle.Render(string(s))
	case punch.StatusMissing:
		return warnStyle.Render(string(s))
	}
	return badStyle.Render(string(s))
}

func (p *printer) report(r *punch.IntegrityReport) {
	if len(r.Entries) == 0 {
		p.line("ledger is empty, nothing to verify")
		return
	}
	var bad int
	for _, e := range r.Entries {
		if e.Status == punch.StatusOK {
			continue
		}
		bad++
		p.line("nsr %-8d %s  %s", e.SequenceNumber, p.statusLabel(e.Status), dimStyle.Render(e.Detail))
	}
	if bad == 0 {
		p.line("%s  %d records verified (nsr %d..%d)", okStyle.Render("OK"), len(r.Entries), r.From, r.To)
		return
	}
	p.line("%s  %d of %d records failed (nsr %d..%d)", badStyle.Render("VIOLATION"), bad, len(r.Entries), r.From, r.To)
}

func (p *printer) status(v punch.Verification) {
	p.line("status       %s", p.statusLabel(v.Status))
	if v.Detail != "" {
		p.line("detail       %s", v.Detail)
	}
}

func (p *printer) record(r punch.Record, loc *time.Location) {
	p.line("nsr          %d", r.SequenceNumber)
	p.line("id           %s", r.ID)
	p.line("employee     %s", r.EmployeeID)
	p.line("type         %s", r.Type)
	p.line("timestamp    %s", r.Timestamp.In(loc).Format(time.RFC3339))
	p.line("method       %s", r.Method)
	if r.Coordinates != nil {
		p.line("location     %s", r.Coordinates)
	}
	if r.Geofence != nil {
		p.line("geofence     %s (%.0f m)", r.Geofence.Label, r.Geofence.DistanceMeters)
	}
	p.line("fingerprint  %s", r.Fingerprint)
	p.line("previous     %s", dimStyle.Render(r.PreviousFingerprint))
}

func (p *printer) receipt(r *punch.Receipt, loc *time.Location) {
	p.line("%s %s for %s at %s", okStyle.Render("recorded"), r.Type, r.EmployeeID, r.Timestamp.In(loc).Format(time.RFC3339))
	p.line("nsr          %d", r.SequenceNumber)
	p.line("fingerprint  %s", r.Fingerprint)
	if r.Geofence != nil {
		p.line("geofence     %s (%.0f m)", r.Geofence.Label, r.Geofence.DistanceMeters)
	}
}

func (p *printer) day(s *punch.DayStatus, loc *time.Location) {
	p.line("%s", titleStyle.Render(fmt.Sprintf("%s  %s", s.EmployeeID, s.Date)))
	if len(s.Punches) == 0 {
		p.line("  no punches")
	}
	for _, r := range s.Punches {
		p.line("  %s  %-16s nsr %d", r.Timestamp.In(loc).Format("15:04:05"), r.Type, r.SequenceNumber)
	}

	switch {
	case s.Complete:
		p.line("complete     %s", okStyle.Render("yes"))
	case len(s.Punches) > 0:
		p.line("complete     %s, missing %s", warnStyle.Render("no"), joinTypes(s.Missing))
	}
	if len(s.Next) > 0 {
		p.line("next         %s", joinTypes(s.Next))
	}
	p.line("worked       %sh", s.Summary.HoursRounded())
	p.line("break        %sh", s.Summary.BreakHours().Round(2))
}

func (p *printer) period(s punch.PeriodSummary) {
	p.line("%s", titleStyle.Render(fmt.Sprintf("%s  %s..%s", s.EmployeeID, s.From, s.To)))
	for _, d := range s.Days {
		flag := ""
		if d.Incomplete {
			flag = warnStyle.Render("  incomplete")
		}
		p.line("  %s  %6sh  %d punches%s", d.Date, d.HoursRounded(), d.Punches, flag)
	}
	p.line("total        %sh", s.HoursRounded())
}

func joinTypes(types []punch.Type) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ", ")
}

/*
integrity.go - Fingerprints and hash chain verification

CANONICAL FORM:
  v1|<employee_id>|<punch_type>|<timestamp UTC, second precision>|<nsr>|<previous_fingerprint>

  Fields are joined in fixed order with a fixed timestamp layout and base-10
  NSR, so the same logical record always yields the same bytes. The digest is
  SHA-256, lower-case hex.

CHAIN MODE:
  Every fingerprint includes the fingerprint of NSR-1 (GenesisFingerprint for
  NSR 1). Editing a record breaks its own fingerprint; deleting or reordering
  records breaks the fingerprint of the next one; rewriting a fingerprint to
  hide an edit breaks every later record.

  Coordinates, method and device metadata are stored but not fingerprinted.
*/
package punch

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const canonicalVersion = "v1"

// Stamper computes record fingerprints.
type Stamper struct{}

// Canonical returns the exact bytes that get hashed.
func (Stamper) Canonical(r Record, previousFingerprint string) []byte {
	var b strings.Builder
	b.WriteString(canonicalVersion)
	b.WriteByte('|')
	b.WriteString(string(r.EmployeeID))
	b.WriteByte('|')
	b.WriteString(string(r.Type))
	b.WriteByte('|')
	b.WriteString(NormalizeTimestamp(r.Timestamp).Format(TimestampLayout))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(r.SequenceNumber, 10))
	b.WriteByte('|')
	b.WriteString(previousFingerprint)
	return []byte(b.String())
}

// Stamp returns the hex SHA-256 fingerprint of the record chained to previousFingerprint.
func (s Stamper) Stamp(r Record, previousFingerprint string) string {
	sum := sha256.Sum256(s.Canonical(r, previousFingerprint))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the record's fingerprint from its stored previous fingerprint.
func (s Stamper) Verify(r Record) bool {
	return s.Stamp(r, r.PreviousFingerprint) == r.Fingerprint
}

// =============================================================================
// VERIFICATION REPORT
// =============================================================================

type VerifyStatus string

const (
	StatusOK       VerifyStatus = "ok"
	StatusTampered VerifyStatus = "tampered"
	StatusMissing  VerifyStatus = "missing"
)

type Verification struct {
	SequenceNumber int64
	Status         VerifyStatus
	Detail         string
}

// IntegrityReport is the outcome of Ledger.VerifyIntegrity.
type IntegrityReport struct {
	From    int64
	To      int64
	Entries []Verification
}

// Err returns an *IntegrityViolationError if anything failed, else nil.
func (r *IntegrityReport) Err() error {
	var tampered, missing []int64
	for _, e := range r.Entries {
		switch e.Status {
		case StatusTampered:
			tampered = append(tampered, e.SequenceNumber)
		case StatusMissing:
			missing = append(missing, e.SequenceNumber)
		}
	}
	if len(tampered) == 0 && len(missing) == 0 {
		return nil
	}
	return &IntegrityViolationError{Tampered: tampered, Missing: missing}
}

// OK reports whether every entry verified.
func (r *IntegrityReport) OK() bool { return r.Err() == nil }

// verifyChain checks records [from, to] given the fingerprint of NSR from-1.
// records must be sorted by NSR; anything outside the range is ignored.
func verifyChain(s Stamper, records []Record, from, to int64, anchor string) *IntegrityReport {
	report := &IntegrityReport{From: from, To: to}
	expectedPrev := anchor
	expected := from

	for _, r := range records {
		if r.SequenceNumber < from || r.SequenceNumber > to {
			continue
		}
		for ; expected < r.SequenceNumber; expected++ {
			report.Entries = append(report.Entries, Verification{
				SequenceNumber: expected,
				Status:         StatusMissing,
				Detail:         "no record holds this sequence number",
			})
			// the next record cannot chain to a missing one
			expectedPrev = ""
		}

		v := Verification{SequenceNumber: r.SequenceNumber, Status: StatusOK}
		switch {
		case !s.Verify(r):
			v.Status = StatusTampered
			v.Detail = "fingerprint does not match record fields"
		case expectedPrev != "" && r.PreviousFingerprint != expectedPrev:
			v.Status = StatusTampered
			v.Detail = "previous fingerprint does not match the preceding record"
		}
		report.Entries = append(report.Entries, v)
		expectedPrev = r.Fingerprint
		expected = r.SequenceNumber + 1
	}
	for ; expected <= to; expected++ {
		report.Entries = append(report.Entries, Verification{
			SequenceNumber: expected,
			Status:         StatusMissing,
			Detail:         "sequence number was allocated but no record holds it",
		})
	}
	return report
}

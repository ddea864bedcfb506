/*
statemachine.go - Legal daily punch cycle

STATES:
  NONE --entrada--> ENTERED --saida_intervalo--> ON_BREAK --volta_intervalo--> RETURNED --saida--> EXITED
                       |                                                                         ^
                       +-----------------------------saida-------------------------------------+

  At most 4 punches per day. EXITED accepts nothing (day complete).

The machine is a pure function over an explicit, time-ordered list of the
day's records. It never touches storage, so it is tested without a database.
*/
package punch

import (
	"fmt"
	"sort"
)

// MaxPunchesPerDay is the length of the longest legal daily cycle.
const MaxPunchesPerDay = 4

type State int

const (
	StateNone State = iota
	StateEntered
	StateOnBreak
	StateReturned
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateEntered:
		return "ENTERED"
	case StateOnBreak:
		return "ON_BREAK"
	case StateReturned:
		return "RETURNED"
	case StateExited:
		return "EXITED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions is the exhaustive table. A missing entry is an illegal punch.
var transitions = map[State]map[Type]State{
	StateNone:     {TypeEntrada: StateEntered},
	StateEntered:  {TypeSaidaIntervalo: StateOnBreak, TypeSaida: StateExited},
	StateOnBreak:  {TypeVoltaIntervalo: StateReturned},
	StateReturned: {TypeSaida: StateExited},
	StateExited:   {},
}

// Replay walks the day's punches and returns the resulting state.
// It fails if the recorded sequence is not a legal prefix of the cycle.
func Replay(day []Record) (State, error) {
	state := StateNone
	for i, r := range day {
		next, ok := transitions[state][r.Type]
		if !ok {
			return state, fmt.Errorf("punch %d (%s, nsr %d) is not allowed in state %s",
				i+1, r.Type, r.SequenceNumber, state)
		}
		state = next
	}
	return state, nil
}

// NextAllowed returns the legal next punch types, preferred first.
// The error is a *Rejection with DAY_COMPLETE or INVALID_SEQUENCE.
func NextAllowed(day []Record) ([]Type, error) {
	if len(day) >= MaxPunchesPerDay {
		return nil, reject(ReasonDayComplete, "%d punches already recorded today", len(day))
	}
	state, err := Replay(day)
	if err != nil {
		return nil, reject(ReasonInvalidSequence, "%v", err)
	}
	if state == StateExited {
		return nil, reject(ReasonDayComplete, "day already closed with %s", TypeSaida)
	}

	var allowed []Type
	for _, t := range Types {
		if _, ok := transitions[state][t]; ok {
			allowed = append(allowed, t)
		}
	}
	return allowed, nil
}

// Resolve picks the type to record. An empty request resolves to the
// preferred legal type; a conflicting one is rejected with INVALID_SEQUENCE.
func Resolve(day []Record, requested Type) (Type, error) {
	if requested != "" && !requested.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPunchType, requested)
	}

	allowed, err := NextAllowed(day)
	if err != nil {
		return "", err
	}
	if requested == "" {
		return allowed[0], nil
	}
	for _, t := range allowed {
		if t == requested {
			return t, nil
		}
	}

	rej := reject(ReasonInvalidSequence, "%s is not allowed now, expected one of %v", requested, allowed)
	rej.Allowed = allowed
	return "", rej
}

// IsDayComplete is true iff the day's punches end in saida.
// A partial day must go through the justification workflow.
func IsDayComplete(day []Record) bool {
	return len(day) > 0 && day[len(day)-1].Type == TypeSaida
}

// MissingPunches lists the punches needed to close the day properly.
func MissingPunches(day []Record) []Type {
	state, err := Replay(day)
	if err != nil {
		return nil
	}
	switch state {
	case StateNone:
		return []Type{TypeEntrada, TypeSaida}
	case StateEntered, StateReturned:
		return []Type{TypeSaida}
	case StateOnBreak:
		return []Type{TypeVoltaIntervalo, TypeSaida}
	}
	return nil
}

// SortRecords orders records by timestamp, then by NSR.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].SequenceNumber < records[j].SequenceNumber
	})
}

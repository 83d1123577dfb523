package saga

import (
	"time"

	"supplierflow/correlation"
	"supplierflow/validation"
)

// State is the lifecycle position of a saga record.
type State string

const (
	StateInitial   State = "initial"
	StateProcessed State = "processed"
	StateInvalid   State = "invalid"
)

// Terminal reports whether no further transition may occur from s.
func (s State) Terminal() bool {
	return s == StateProcessed || s == StateInvalid
}

// Fields is the normalized, supplier-independent shape of an input record.
type Fields struct {
	ExternalID       string
	Plate            string
	InfringementCode int
	Amount           float64
	OriginSystem     string
}

// Record mirrors the sagas table. A record exists once per identity and is
// never mutated after it reaches a terminal state.
type Record struct {
	ID               correlation.Identity
	Version          int
	State            State
	ExternalID       string
	Plate            string
	InfringementCode int
	Amount           float64
	OriginSystem     string
	Valid            bool
	Errors           []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// LeaseUntil marks how long the worker that created or claimed a
	// non-terminal record owns it.
	LeaseUntil time.Time
}

// NewRecord builds the initial record for id, copying every normalized field.
func NewRecord(id correlation.Identity, f Fields, now time.Time, leaseUntil time.Time) Record {
	return Record{
		ID:               id,
		Version:          1,
		State:            StateInitial,
		ExternalID:       f.ExternalID,
		Plate:            f.Plate,
		InfringementCode: f.InfringementCode,
		Amount:           f.Amount,
		OriginSystem:     f.OriginSystem,
		CreatedAt:        now,
		UpdatedAt:        now,
		LeaseUntil:       leaseUntil,
	}
}

// Fields returns the normalized fields held by the record.
func (r Record) Fields() Fields {
	return Fields{
		ExternalID:       r.ExternalID,
		Plate:            r.Plate,
		InfringementCode: r.InfringementCode,
		Amount:           r.Amount,
		OriginSystem:     r.OriginSystem,
	}
}

// Verdict returns the validation outcome stored on the record.
func (r Record) Verdict() validation.Verdict {
	return validation.Verdict{Valid: r.Valid, Errors: r.Errors}
}

// Resolve applies a terminal transition to a copy of r.
func (r Record) Resolve(state State, v validation.Verdict, at time.Time) Record {
	r.Version++
	r.State = state
	r.Valid = v.Valid
	r.Errors = append([]string(nil), v.Errors...)
	r.UpdatedAt = at
	r.LeaseUntil = time.Time{}
	return r
}

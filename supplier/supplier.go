// Package supplier defines the wire shapes published by each upstream
// supplier and how they normalize into saga fields.
package supplier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"supplierflow/saga"
)

const (
	OriginSupplierA = "SupplierA"
	OriginSupplierB = "SupplierB"
)

// ErrMalformed signals a payload that does not decode into the supplier shape.
var ErrMalformed = errors.New("supplier: malformed payload")

// SupplierAInput is published on the supplier A source topic.
type SupplierAInput struct {
	ExternalID   string  `json:"externalId"`
	Plate        string  `json:"plate"`
	Infringement int     `json:"infringement"`
	TotalValue   float64 `json:"totalValue"`
	OriginSystem string  `json:"originSystem,omitempty"`
}

func (in SupplierAInput) BusinessKey() string { return in.ExternalID }

// SupplierBInput is published on the supplier B source topic. Supplier B
// calls its business key the external code.
type SupplierBInput struct {
	ExternalCode string  `json:"externalCode"`
	Plate        string  `json:"plate"`
	Infringement int     `json:"infringement"`
	TotalValue   float64 `json:"totalValue"`
	OriginSystem string  `json:"originSystem,omitempty"`
}

func (in SupplierBInput) BusinessKey() string { return in.ExternalCode }

func NormalizeA(in SupplierAInput) saga.Fields {
	return saga.Fields{
		ExternalID:       in.ExternalID,
		Plate:            in.Plate,
		InfringementCode: in.Infringement,
		Amount:           in.TotalValue,
		OriginSystem:     originOr(in.OriginSystem, OriginSupplierA),
	}
}

func NormalizeB(in SupplierBInput) saga.Fields {
	return saga.Fields{
		ExternalID:       in.ExternalCode,
		Plate:            in.Plate,
		InfringementCode: in.Infringement,
		Amount:           in.TotalValue,
		OriginSystem:     originOr(in.OriginSystem, OriginSupplierB),
	}
}

// A and B wire the suppliers into the generic orchestrator.
var (
	A = saga.Supplier[SupplierAInput]{Origin: OriginSupplierA, Normalize: NormalizeA}
	B = saga.Supplier[SupplierBInput]{Origin: OriginSupplierB, Normalize: NormalizeB}
)

// Decode parses a raw JSON payload. Field names match case-insensitively.
func Decode[T any](data []byte) (T, error) {
	var in T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return in, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return in, nil
}

func originOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

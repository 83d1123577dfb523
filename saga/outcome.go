package saga

import (
	"time"

	"supplierflow/correlation"
	"supplierflow/validation"
)

// UnifiedProcessed is emitted once for every record that passed validation.
type UnifiedProcessed struct {
	CorrelationID    correlation.Identity `json:"correlationId"`
	OriginID         string               `json:"originId"`
	Plate            string               `json:"plate"`
	InfringementCode int                  `json:"infringementCode"`
	Amount           float64              `json:"amount"`
	SourceSystem     string               `json:"sourceSystem"`
	ProcessedAt      time.Time            `json:"processedAt"`
}

// ValidationFailed is emitted once for every record that failed validation.
type ValidationFailed struct {
	CorrelationID correlation.Identity `json:"correlationId"`
	OriginID      string               `json:"originId"`
	OriginSystem  string               `json:"originSystem"`
	FailureReason string               `json:"failureReason"`
	FailedAt      time.Time            `json:"failedAt"`
}

// Outcome is the single event chosen for a resolved saga. Exactly one of
// Processed and Failed is set.
type Outcome struct {
	State     State
	Processed *UnifiedProcessed
	Failed    *ValidationFailed
}

// Route shapes the outcome event for rec given its verdict.
func Route(rec Record, v validation.Verdict, at time.Time) Outcome {
	if v.Valid {
		return Outcome{
			State: StateProcessed,
			Processed: &UnifiedProcessed{
				CorrelationID:    rec.ID,
				OriginID:         rec.ExternalID,
				Plate:            rec.Plate,
				InfringementCode: rec.InfringementCode,
				Amount:           rec.Amount,
				SourceSystem:     rec.OriginSystem,
				ProcessedAt:      at,
			},
		}
	}
	return Outcome{
		State: StateInvalid,
		Failed: &ValidationFailed{
			CorrelationID: rec.ID,
			OriginID:      rec.ExternalID,
			OriginSystem:  rec.OriginSystem,
			FailureReason: v.Reason(),
			FailedAt:      at,
		},
	}
}

// Package validation holds the business rules an infringement must satisfy
// before it is republished as a unified record.
package validation

import (
	"fmt"
	"strings"
)

// Separator joins error messages. Downstream consumers compare the joined
// string, so both the messages and their order are part of the contract.
const Separator = " | "

const (
	MsgPlateRequired   = "Plate required"
	MsgOriginIDMissing = "Origin ID not provided"
)

// Verdict is the outcome of checking one record.
type Verdict struct {
	Valid  bool
	Errors []string
}

// Reason returns the errors joined in check order, or "" when valid.
func (v Verdict) Reason() string {
	return strings.Join(v.Errors, Separator)
}

// Check runs every rule in a fixed order: plate, amount, external id.
func Check(plate string, amount float64, externalID string) Verdict {
	var errs []string

	if strings.TrimSpace(plate) == "" {
		errs = append(errs, MsgPlateRequired)
	}
	if amount < 0 {
		errs = append(errs, InvalidAmountMessage(amount))
	}
	if strings.TrimSpace(externalID) == "" {
		errs = append(errs, MsgOriginIDMissing)
	}

	return Verdict{Valid: len(errs) == 0, Errors: errs}
}

// Validate is Check flattened to (isValid, joined errors).
func Validate(plate string, amount float64, externalID string) (bool, string) {
	v := Check(plate, amount, externalID)
	return v.Valid, v.Reason()
}

// InvalidAmountMessage renders the negative-amount error for amount.
func InvalidAmountMessage(amount float64) string {
	return fmt.Sprintf("Invalid amount: %.2f", amount)
}

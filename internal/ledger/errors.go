package ledger

import "fmt"

// Machine-readable reason codes returned with ValidationError.
const (
	ReasonCodeInvalidQuantity   = "invalid_quantity"
	ReasonCodeDuplicateLocation = "duplicate_location"
	ReasonCodeUnknownProduct    = "unknown_product"
	ReasonCodeUnknownLocation   = "unknown_location"
	ReasonCodeNotProductionSite = "not_production_site"
	ReasonCodeUnknownReason     = "unknown_reason"
	ReasonCodeInsufficientStock = "insufficient_stock"
)

// ValidationError rejects a proposed mutation before anything is appended.
// It is caller-correctable and never partially applied.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed (%s): %s", e.Reason, e.Detail)
}

// ReasonCode returns the machine-readable reason for the rejection.
func (e *ValidationError) ReasonCode() string { return e.Reason }

func validationErr(reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// MalformedTransactionError marks a logged transaction that cannot be
// folded: wrong or missing details for its type, or no lines. Replay skips
// and logs it, never aborts.
type MalformedTransactionError struct {
	Seq    int64
	Detail string
}

func (e *MalformedTransactionError) Error() string {
	return fmt.Sprintf("ledger: malformed transaction seq=%d: %s", e.Seq, e.Detail)
}

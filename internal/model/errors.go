package model

import "errors"

// Error vocabulary surfaced to callers. Wrap with fmt.Errorf("%w: ...") and
// classify with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrRiskCheckFail       = errors.New("risk check failed")
	ErrStaleRiskCheck      = errors.New("stale risk check")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrSettlementFailure   = errors.New("settlement failure")
)

// Wire codes for the error vocabulary.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeRiskCheckFail       = "RISK_CHECK_FAIL"
	CodeStaleRiskCheck      = "STALE_RISK_CHECK"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeSettlementFailure   = "SETTLEMENT_FAILURE"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRiskCheckFail):
		return CodeRiskCheckFail
	case errors.Is(err, ErrStaleRiskCheck):
		return CodeStaleRiskCheck
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdempotencyConflict
	case errors.Is(err, ErrSettlementFailure):
		return CodeSettlementFailure
	default:
		return CodeInternal
	}
}

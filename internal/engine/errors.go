package engine

import (
	"errors"
	"fmt"
)

// CaseError is a structural problem found while applying case blocks.
// It is an expected outcome: the submission is recorded as an error form and
// no case is written.
type CaseError struct {
	// Code identifies the error category.
	Code CaseErrorCode

	// Message is a human-readable description.
	Message string

	// CaseID identifies the case whose block failed.
	CaseID string

	// Details contains additional context.
	Details map[string]string
}

// CaseErrorCode categorizes case errors.
type CaseErrorCode string

const (
	// ErrCodeInvalidIndex indicates an index points at a case that does not
	// exist in the submitting domain.
	ErrCodeInvalidIndex CaseErrorCode = "INVALID_CASE_INDEX"

	// ErrCodeInvalidAction indicates an action the engine cannot apply.
	ErrCodeInvalidAction CaseErrorCode = "INVALID_ACTION"
)

// Error implements the error interface.
func (e *CaseError) Error() string {
	if e.CaseID != "" {
		return fmt.Sprintf("%s: %s (case=%s)", e.Code, e.Message, e.CaseID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Problem renders the error the way it is recorded on an error form.
func (e *CaseError) Problem() string {
	switch e.Code {
	case ErrCodeInvalidIndex:
		return "InvalidCaseIndex: " + e.Message
	default:
		return e.Message
	}
}

// IsInvalidIndex returns true if err is or wraps an invalid index error.
func IsInvalidIndex(err error) bool {
	var ce *CaseError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeInvalidIndex
	}
	return false
}

// NewInvalidIndexError creates a CaseError for an index whose target is missing.
func NewInvalidIndexError(caseID, identifier, referencedID string) *CaseError {
	return &CaseError{
		Code:    ErrCodeInvalidIndex,
		Message: fmt.Sprintf("Case '%s' references non-existent case '%s'", caseID, referencedID),
		CaseID:  caseID,
		Details: map[string]string{
			"identifier":    identifier,
			"referenced_id": referencedID,
		},
	}
}

// NewInvalidActionError creates a CaseError for an action that cannot be applied.
func NewInvalidActionError(caseID, message string) *CaseError {
	return &CaseError{Code: ErrCodeInvalidAction, Message: message, CaseID: caseID}
}

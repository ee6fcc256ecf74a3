package processor

import (
	"errors"
	"fmt"

	"github.com/roach88/formcore/internal/lock"
)

// Code is a stable, machine-readable failure category.
type Code string

const (
	CodeXMLSyntax          Code = "XML_SYNTAX"
	CodeXMLFormat          Code = "XML_FORMAT"
	CodeMissingXMLNS       Code = "MISSING_XMLNS"
	CodeMissingInstanceID  Code = "MISSING_INSTANCE_ID"
	CodeInvalidCaseIndex   Code = "INVALID_CASE_INDEX"
	CodeIllegalCaseID      Code = "ILLEGAL_CASE_ID"
	CodeCaseBlock          Code = "CASE_BLOCK"
	CodeLocked             Code = "LOCKED"
	CodeAttachmentTooLarge Code = "ATTACHMENT_TOO_LARGE"
	CodeStorage            Code = "STORAGE"
)

// problemPrefix names each code the way it appears in a stored form's problem text.
var problemPrefix = map[Code]string{
	CodeXMLSyntax:          "XMLSyntaxError",
	CodeXMLFormat:          "FormatError",
	CodeMissingXMLNS:       "MissingXMLNSError",
	CodeMissingInstanceID:  "MissingInstanceIDError",
	CodeInvalidCaseIndex:   "InvalidCaseIndex",
	CodeIllegalCaseID:      "IllegalCaseId",
	CodeCaseBlock:          "CaseValueError",
	CodeAttachmentTooLarge: "AttachmentTooLarge",
}

// ErrInvalidState is returned when an operation does not apply to a form's
// current state, such as archiving a deprecated form.
var ErrInvalidState = errors.New("operation not allowed in current form state")

// Error is a coded processing failure.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Problem renders the error the way it is recorded on an error form.
func (e *Error) Problem() string {
	if prefix, ok := problemPrefix[e.Code]; ok {
		return prefix + ": " + e.Message
	}
	return e.Message
}

// CodeOf returns the code of the *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsLocked reports whether err means a lock could not be obtained.
func IsLocked(err error) bool {
	return CodeOf(err) == CodeLocked || lock.IsLocked(err)
}

// IsStorage reports whether err is a backend failure.
func IsStorage(err error) bool {
	return CodeOf(err) == CodeStorage
}

func storageError(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op, Err: err}
}

func lockedError(err error) *Error {
	return &Error{Code: CodeLocked, Message: "form or case is being processed by another request", Err: err}
}

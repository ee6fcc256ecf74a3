package caseapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// UserError is a request problem reported back to the caller verbatim.
type UserError struct {
	// Status is the HTTP status the error maps to.
	Status int

	// Message is the user-facing text.
	Message string

	// FormID is set when the request reached the pipeline and was recorded
	// as an error form.
	FormID string
}

func (e *UserError) Error() string { return e.Message }

// MarshalJSON renders the error body returned to API callers.
func (e *UserError) MarshalJSON() ([]byte, error) {
	out := map[string]string{"error": e.Message}
	if e.FormID != "" {
		out["form_id"] = e.FormID
	}
	return json.Marshal(out)
}

// AsUserError returns the *UserError in err's chain.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

func badRequest(format string, args ...any) *UserError {
	return &UserError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

const (
	msgTooManyUpdates   = "You cannot submit more than %d updates in a single request"
	msgInvalidJSON      = "Payload must be valid JSON"
	msgSingleObject     = "Payload must be a single JSON object"
	msgCreateFlag       = "A 'create' flag is required for each update."
	msgCreateWithCaseID = "You cannot specify case_id when creating a new case"
	msgRequired         = "Property %s is required."
	msgPropertyValue    = "Error with case property '%s'. Values must be strings, received '%s'"
	msgPropertyName     = "Error with case property '%s'. Case property names must be valid XML identifiers."
	msgPropertyTopLevel = "Error with case property '%s'. This must be specified at the top level."
	msgIndexName        = "Error with index '%s'. Index names must be valid XML identifiers."
	msgIndexRelation    = "Property relationship is required when creating or updating case indices"
	msgIndexBadRelation = "Error with index '%s'. Relationship must be 'child' or 'extension'."
	msgIndexTarget      = "Error with index '%s'. Specify one of case_id, external_id or temporary_id."
	msgTemporaryID      = "Could not find a case with temporary_id '%s'"
	msgExternalID       = "Could not find a case with external_id '%s'"
	msgNoCase           = "No case found with ID '%s'"
	msgInvalidField     = "'%s' is not a valid field."
	msgFieldType        = "Property %s must be a %s."
	msgUpdateTarget     = "A case_id or external_id is required to update a case."
	msgEmptyBulk        = "Payload must contain at least one update"
)

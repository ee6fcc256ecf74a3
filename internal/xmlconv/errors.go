package xmlconv

import (
	"errors"
	"fmt"
)

// SyntaxError reports input that is not well-formed XML.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("xml syntax error on line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("xml syntax error: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// FormatError reports a mapping that cannot be serialized back to XML.
// Path is the slash-separated key path of the offending value.
type FormatError struct {
	Path    string
	Message string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "xml format error: " + e.Message
	}
	return fmt.Sprintf("xml format error at %s: %s", e.Path, e.Message)
}

// IsSyntaxError returns true if err is or wraps a *SyntaxError.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}

// IsFormatError returns true if err is or wraps a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

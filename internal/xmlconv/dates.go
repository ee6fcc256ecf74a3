package xmlconv

import (
	"fmt"
	"strings"
	"time"
)

// dateTimeLayouts are the timestamp shapes mobile clients put in form metadata,
// most specific first.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-07",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDateTime parses a form timestamp and normalizes it to UTC.
// Values without an offset are taken as UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date/time %q", s)
}

// FormatDateTime renders t in the form used when writing metadata back to XML.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

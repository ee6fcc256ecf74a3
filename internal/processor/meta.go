package processor

import (
	"strings"

	"github.com/roach88/formcore/internal/xmlconv"
)

// formMeta is the metadata block of a submitted form.
type formMeta struct {
	XMLNS      string
	InstanceID string
	UserID     string
	DeviceID   string
}

// readMeta pulls identifying fields out of a structured form. The meta block
// may be namespaced ("orx:meta") and older clients send "Meta" with "uid".
func readMeta(data xmlconv.Mapping) formMeta {
	m := formMeta{XMLNS: strings.TrimSpace(text(data[xmlconv.AttrPrefix+"xmlns"]))}

	block, ok := child(data, "meta")
	if !ok {
		block, ok = child(data, "Meta")
	}
	if !ok {
		return m
	}
	meta, ok := block.(xmlconv.Mapping)
	if !ok {
		return m
	}

	if v, ok := child(meta, "instanceID"); ok {
		m.InstanceID = strings.TrimSpace(text(v))
	} else if v, ok := child(meta, "uid"); ok {
		m.InstanceID = strings.TrimSpace(text(v))
	}
	if v, ok := child(meta, "userID"); ok {
		m.UserID = strings.TrimSpace(text(v))
	}
	if v, ok := child(meta, "deviceID"); ok {
		m.DeviceID = strings.TrimSpace(text(v))
	}
	return m
}

// child finds the element with local name in m, ignoring any prefix.
func child(m xmlconv.Mapping, local string) (any, bool) {
	if v, ok := m[local]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.HasPrefix(k, xmlconv.AttrPrefix) || strings.HasPrefix(k, "#") {
			continue
		}
		if i := strings.LastIndexByte(k, ':'); i >= 0 && k[i+1:] == local {
			return v, true
		}
	}
	return nil, false
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case xmlconv.Mapping:
		s, _ := t[xmlconv.TextKey].(string)
		return s
	case []any:
		if len(t) > 0 {
			return text(t[0])
		}
	}
	return ""
}

// SubmittingUser returns the meta userID of a raw submission. It reports
// false when the XML does not parse.
func SubmittingUser(raw []byte) (string, bool) {
	data, err := xmlconv.ToStructured(raw)
	if err != nil {
		return "", false
	}
	return readMeta(data).UserID, true
}

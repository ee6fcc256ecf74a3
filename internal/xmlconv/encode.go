package xmlconv

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// ToXML serializes a Mapping produced by ToStructured back to XML.
//
// Attributes are written first, then "#text", then child elements sorted by key.
// Returns *FormatError when the root tag is missing, a key is not a name the
// decoder would produce, or a leaf value is not a string.
func ToXML(m Mapping) ([]byte, error) {
	rootName, ok := m[TypeKey].(string)
	if !ok || rootName == "" {
		return nil, &FormatError{Message: "missing " + TypeKey + " root tag"}
	}

	body := make(Mapping, len(m))
	for k, v := range m {
		if k != TypeKey {
			body[k] = v
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := writeElement(&buf, rootName, body, rootName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeElement(buf *bytes.Buffer, name string, value any, path string) error {
	if !IsValidElementName(name) {
		return &FormatError{Path: path, Message: fmt.Sprintf("invalid element name %q", name)}
	}

	switch v := value.(type) {
	case string:
		buf.WriteByte('<')
		buf.WriteString(name)
		if v == "" {
			buf.WriteString("/>")
			return nil
		}
		buf.WriteByte('>')
		escape(buf, v)
		writeEnd(buf, name)
		return nil

	case map[string]any:
		return writeMapping(buf, name, v, path)

	case []any:
		return &FormatError{Path: path, Message: "nested list"}

	default:
		return &FormatError{Path: path, Message: fmt.Sprintf("non-string value of type %T", value)}
	}
}

func writeMapping(buf *bytes.Buffer, name string, m Mapping, path string) error {
	var attrs, children []string
	text := ""
	hasText := false

	for k, v := range m {
		switch {
		case k == TypeKey:
			return &FormatError{Path: path + "/" + k, Message: TypeKey + " is only allowed on the root"}
		case k == TextKey:
			s, ok := v.(string)
			if !ok {
				return &FormatError{Path: path + "/" + k, Message: fmt.Sprintf("non-string value of type %T", v)}
			}
			text, hasText = s, true
		case strings.HasPrefix(k, AttrPrefix):
			if _, ok := v.(string); !ok {
				return &FormatError{Path: path + "/" + k, Message: fmt.Sprintf("non-string value of type %T", v)}
			}
			if !IsValidElementName(k[len(AttrPrefix):]) {
				return &FormatError{Path: path + "/" + k, Message: fmt.Sprintf("invalid attribute name %q", k)}
			}
			attrs = append(attrs, k)
		default:
			children = append(children, k)
		}
	}
	sort.Strings(attrs)
	sort.Strings(children)

	buf.WriteByte('<')
	buf.WriteString(name)
	for _, k := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(k[len(AttrPrefix):])
		buf.WriteString(`="`)
		escape(buf, m[k].(string))
		buf.WriteByte('"')
	}
	if len(children) == 0 && (!hasText || text == "") {
		buf.WriteString("/>")
		return nil
	}
	buf.WriteByte('>')
	if hasText {
		escape(buf, text)
	}

	for _, k := range children {
		childPath := path + "/" + k
		if list, ok := m[k].([]any); ok {
			for i, item := range list {
				if _, nested := item.([]any); nested {
					return &FormatError{Path: fmt.Sprintf("%s[%d]", childPath, i), Message: "nested list"}
				}
				if err := writeElement(buf, k, item, fmt.Sprintf("%s[%d]", childPath, i)); err != nil {
					return err
				}
			}
			continue
		}
		if err := writeElement(buf, k, m[k], childPath); err != nil {
			return err
		}
	}
	writeEnd(buf, name)
	return nil
}

func writeEnd(buf *bytes.Buffer, name string) {
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteByte('>')
}

func escape(buf *bytes.Buffer, s string) {
	// xml.EscapeText only fails when the writer fails; bytes.Buffer never does.
	_ = xml.EscapeText(buf, []byte(s))
}

// IsValidElementName reports whether s reads back as the element name s, so
// every name ToStructured produces is accepted. A namespace prefix stays part
// of the name ("n0:question").
func IsValidElementName(s string) bool {
	if s == "" {
		return false
	}
	if isSimpleName(s) {
		return true
	}
	tok, err := xml.NewDecoder(strings.NewReader("<" + s + "/>")).RawToken()
	if err != nil {
		return false
	}
	start, ok := tok.(xml.StartElement)
	return ok && len(start.Attr) == 0 && qualifiedName(start.Name) == s
}

// IsNCName reports whether s is a valid element name without a namespace
// prefix.
func IsNCName(s string) bool {
	return !strings.Contains(s, ":") && IsValidElementName(s)
}

// isSimpleName accepts the ASCII names most forms use without running the
// decoder.
func isSimpleName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

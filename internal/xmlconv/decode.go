package xmlconv

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Mapping is the structured form of an XML document. Values are string,
// Mapping (map[string]any) or []any of those.
type Mapping = map[string]any

// Reserved mapping keys.
const (
	AttrPrefix = "@"
	TextKey    = "#text"
	TypeKey    = "#type"
)

// frame accumulates one open element while decoding.
type frame struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children Mapping
}

func (f *frame) addChild(name string, value any) {
	if f.children == nil {
		f.children = Mapping{}
	}
	existing, ok := f.children[name]
	if !ok {
		f.children[name] = value
		return
	}
	if list, isList := existing.([]any); isList {
		f.children[name] = append(list, value)
		return
	}
	f.children[name] = []any{existing, value}
}

// value returns the structured value of a closed non-root element.
func (f *frame) value() any {
	if len(f.attrs) == 0 && len(f.children) == 0 {
		return f.text.String()
	}
	return f.mapping()
}

func (f *frame) mapping() Mapping {
	m := make(Mapping, len(f.attrs)+len(f.children)+1)
	for _, a := range f.attrs {
		m[AttrPrefix+qualifiedName(a.Name)] = a.Value
	}
	for k, v := range f.children {
		m[k] = v
	}
	text := f.text.String()
	if len(f.children) > 0 {
		if strings.TrimSpace(text) != "" {
			m[TextKey] = text
		}
	} else if text != "" {
		m[TextKey] = text
	}
	return m
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// ToStructured parses a well-formed XML document into a Mapping.
// Namespace prefixes are kept verbatim in keys ("n0:question") and namespace
// declarations appear as ordinary attributes ("@xmlns", "@xmlns:n0").
//
// Returns *SyntaxError if data is not well-formed.
func ToStructured(data []byte) (Mapping, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var root *frame
	var stack []*frame
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := dec.InputPos()
			return nil, &SyntaxError{Line: line, Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, syntaxError(dec, "multiple root elements")
			}
			f := &frame{name: qualifiedName(t.Name), attrs: append([]xml.Attr(nil), t.Attr...)}
			if root == nil {
				root = f
			}
			stack = append(stack, f)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, syntaxError(dec, "unexpected end element </%s>", qualifiedName(t.Name))
			}
			top := stack[len(stack)-1]
			if name := qualifiedName(t.Name); name != top.name {
				return nil, syntaxError(dec, "element <%s> closed by </%s>", top.name, name)
			}
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				stack[len(stack)-1].addChild(top.name, top.value())
			}

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, syntaxError(dec, "text outside of root element")
				}
				continue
			}
			stack[len(stack)-1].text.Write(t)
		}
	}

	if root == nil {
		return nil, &SyntaxError{Err: errors.New("no root element")}
	}
	if len(stack) > 0 {
		return nil, syntaxError(dec, "unclosed element <%s>", stack[len(stack)-1].name)
	}

	m := root.mapping()
	m[TypeKey] = root.name
	return m, nil
}

func syntaxError(dec *xml.Decoder, format string, args ...any) *SyntaxError {
	line, _ := dec.InputPos()
	return &SyntaxError{Line: line, Err: fmt.Errorf(format, args...)}
}

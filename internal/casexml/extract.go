package casexml

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/xmlconv"
)

// V2Namespace identifies case transaction v2 blocks.
const V2Namespace = "http://commcarehq.org/case/transaction/v2"

// Fields of a create or update section that set case attributes rather than
// dynamic properties.
const (
	FieldCaseType   = "case_type"
	FieldCaseName   = "case_name"
	FieldOwnerID    = "owner_id"
	FieldExternalID = "external_id"
)

// ErrIllegalCaseID is returned for case blocks without a usable case id.
var ErrIllegalCaseID = errors.New("illegal case id")

// BlockError reports a malformed case block.
type BlockError struct {
	CaseID  string
	Message string
}

func (e *BlockError) Error() string {
	if e.CaseID == "" {
		return "invalid case block: " + e.Message
	}
	return fmt.Sprintf("invalid case block for %s: %s", e.CaseID, e.Message)
}

// Extract returns every case block in form in document-walk order. Child keys
// are visited in sorted order and repeated elements in list order, so the
// result is deterministic for a given mapping.
func Extract(form xmlconv.Mapping) ([]model.CaseBlock, error) {
	var blocks []model.CaseBlock
	err := walk(form, namespaces(nil, form), func(m xmlconv.Mapping, prefix string) error {
		b, err := parseBlock(m, prefix)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// namespaces returns the prefix → namespace bindings in scope for m.
func namespaces(parent map[string]string, m xmlconv.Mapping) map[string]string {
	var scope map[string]string
	for k, v := range m {
		if !strings.HasPrefix(k, xmlconv.AttrPrefix+"xmlns") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if scope == nil {
			scope = make(map[string]string, len(parent)+1)
			for pk, pv := range parent {
				scope[pk] = pv
			}
		}
		scope[strings.TrimPrefix(strings.TrimPrefix(k, "@xmlns"), ":")] = s
	}
	if scope == nil {
		return parent
	}
	return scope
}

func splitName(key string) (prefix, local string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

func walk(m xmlconv.Mapping, scope map[string]string, visit func(xmlconv.Mapping, string) error) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.HasPrefix(k, xmlconv.AttrPrefix) || strings.HasPrefix(k, "#") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var items []any
		if list, ok := m[k].([]any); ok {
			items = list
		} else {
			items = []any{m[k]}
		}
		for _, item := range items {
			child, ok := item.(xmlconv.Mapping)
			if !ok {
				continue
			}
			childScope := namespaces(scope, child)
			prefix, local := splitName(k)
			if local == "case" && childScope[prefix] == V2Namespace {
				if err := visit(child, prefix); err != nil {
					return err
				}
				continue
			}
			if err := walk(child, childScope, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// section returns the child of block named local, honoring the block's prefix.
func section(block xmlconv.Mapping, prefix, local string) (any, bool) {
	name := local
	if prefix != "" {
		name = prefix + ":" + local
	}
	v, ok := block[name]
	if !ok && prefix != "" {
		v, ok = block[local]
	}
	return v, ok
}

// text returns the string content of a leaf element value.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case xmlconv.Mapping:
		s, _ := t[xmlconv.TextKey].(string)
		return s
	case []any:
		if len(t) == 0 {
			return ""
		}
		return text(t[len(t)-1])
	default:
		return ""
	}
}

func attr(m xmlconv.Mapping, name string) string {
	s, _ := m[xmlconv.AttrPrefix+name].(string)
	return s
}

// fields returns the element children of a section keyed by local name.
func fields(v any) map[string]any {
	m, ok := v.(xmlconv.Mapping)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if strings.HasPrefix(k, xmlconv.AttrPrefix) || strings.HasPrefix(k, "#") {
			continue
		}
		_, local := splitName(k)
		out[local] = val
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseBlock(m xmlconv.Mapping, prefix string) (model.CaseBlock, error) {
	caseID := strings.TrimSpace(attr(m, "case_id"))
	if caseID == "" {
		return model.CaseBlock{}, fmt.Errorf("case block without case_id: %w", ErrIllegalCaseID)
	}
	b := model.CaseBlock{CaseID: caseID, UserID: attr(m, "user_id")}
	if raw := attr(m, "date_modified"); raw != "" {
		t, err := xmlconv.ParseDateTime(raw)
		if err != nil {
			return model.CaseBlock{}, &BlockError{CaseID: caseID, Message: fmt.Sprintf("invalid date_modified %q", raw)}
		}
		b.DateModified = t
	}

	if v, ok := section(m, prefix, "create"); ok {
		b.Actions = append(b.Actions, attributeAction(model.ActionCreate, fields(v)))
	}
	if v, ok := section(m, prefix, "update"); ok {
		b.Actions = append(b.Actions, attributeAction(model.ActionUpdate, fields(v)))
	}
	if v, ok := section(m, prefix, "index"); ok {
		a, err := indexAction(caseID, fields(v))
		if err != nil {
			return model.CaseBlock{}, err
		}
		b.Actions = append(b.Actions, a)
	}
	if _, ok := section(m, prefix, "close"); ok {
		b.Actions = append(b.Actions, model.CaseAction{Type: model.ActionClose})
	}
	if v, ok := section(m, prefix, "attachment"); ok {
		b.Actions = append(b.Actions, attachmentAction(fields(v)))
	}
	return b, nil
}

func attributeAction(t model.ActionType, f map[string]any) model.CaseAction {
	a := model.CaseAction{Type: t}
	for _, k := range sortedKeys(f) {
		v := text(f[k])
		switch k {
		case FieldCaseType:
			a.CaseType = v
		case FieldCaseName:
			a.Name = v
		case FieldOwnerID:
			a.OwnerID = v
		case FieldExternalID:
			a.ExternalID = v
		default:
			if a.Properties == nil {
				a.Properties = make(map[string]string)
			}
			a.Properties[k] = v
		}
	}
	return a
}

func indexAction(caseID string, f map[string]any) (model.CaseAction, error) {
	a := model.CaseAction{Type: model.ActionIndex}
	for _, k := range sortedKeys(f) {
		idx := model.IndexAction{Identifier: k, ReferencedID: strings.TrimSpace(text(f[k]))}
		if m, ok := f[k].(xmlconv.Mapping); ok {
			idx.ReferencedType = attr(m, "case_type")
			idx.Relationship = attr(m, "relationship")
		}
		if _, err := model.ParseRelationship(idx.Relationship); err != nil {
			return model.CaseAction{}, &BlockError{CaseID: caseID, Message: err.Error()}
		}
		a.Indices = append(a.Indices, idx)
	}
	return a, nil
}

func attachmentAction(f map[string]any) model.CaseAction {
	a := model.CaseAction{Type: model.ActionAttachment, Attachments: make(map[string]string, len(f))}
	for k, v := range f {
		src := ""
		if m, ok := v.(xmlconv.Mapping); ok {
			src = attr(m, "src")
		}
		a.Attachments[k] = src
	}
	return a
}

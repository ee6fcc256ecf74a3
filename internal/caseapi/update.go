package caseapi

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/xmlconv"
)

// mode selects which fields an update may carry.
type mode int

const (
	modeCreate mode = iota // single object posted to the collection
	modeUpdate             // single object put to a case
	modeBulk               // list item
)

var commonFields = map[string]bool{
	"case_type":   true,
	"case_name":   true,
	"owner_id":    true,
	"external_id": true,
	"user_id":     true,
	"close":       true,
	"properties":  true,
	"indices":     true,
}

// topLevelProperties must not be set through properties.
var topLevelProperties = map[string]bool{
	"case_id":     true,
	"case_type":   true,
	"case_name":   true,
	"owner_id":    true,
	"external_id": true,
}

var indexFields = map[string]bool{
	"case_id":      true,
	"external_id":  true,
	"temporary_id": true,
	"case_type":    true,
	"relationship": true,
}

func (m mode) allows(field string) bool {
	if commonFields[field] {
		return true
	}
	switch m {
	case modeBulk:
		return field == "create" || field == "case_id" || field == "temporary_id"
	case modeCreate:
		return field == "case_id" || field == "temporary_id"
	}
	return false
}

// update is one parsed case change.
type update struct {
	create      bool
	caseID      string
	temporaryID string
	externalID  *string
	caseType    *string
	caseName    *string
	ownerID     *string
	userID      string
	close       bool
	properties  map[string]string
	indices     []indexRef
}

// indexRef is one index in an update. Exactly one of caseID, externalID and
// temporaryID names the target; an empty caseID removes the index.
type indexRef struct {
	name         string
	caseID       *string
	externalID   string
	temporaryID  string
	caseType     string
	relationship string
}

// splitPayload returns the raw updates in body and whether it was a list.
func splitPayload(body []byte, max int) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, false, badRequest(msgInvalidJSON)
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false, badRequest(msgInvalidJSON)
		}
		if len(items) > max {
			return nil, true, badRequest(msgTooManyUpdates, max)
		}
		if len(items) == 0 {
			return nil, true, badRequest(msgEmptyBulk)
		}
		return items, true, nil
	}
	return []json.RawMessage{trimmed}, false, nil
}

func parseUpdate(raw json.RawMessage, m mode) (*update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, badRequest(msgSingleObject)
	}
	for _, k := range sortedKeys(fields) {
		if !m.allows(k) {
			return nil, badRequest(msgInvalidField, k)
		}
	}

	u := &update{create: m == modeCreate}
	if m == modeBulk {
		raw, ok := fields["create"]
		if !ok || json.Unmarshal(raw, &u.create) != nil {
			return nil, badRequest(msgCreateFlag)
		}
	}

	var err error
	strs := []struct {
		name string
		dst  **string
	}{
		{"case_type", &u.caseType},
		{"case_name", &u.caseName},
		{"owner_id", &u.ownerID},
		{"external_id", &u.externalID},
	}
	for _, s := range strs {
		if *s.dst, err = optionalString(fields, s.name); err != nil {
			return nil, err
		}
	}
	for name, dst := range map[string]*string{"case_id": &u.caseID, "temporary_id": &u.temporaryID, "user_id": &u.userID} {
		v, err := optionalString(fields, name)
		if err != nil {
			return nil, err
		}
		if v != nil {
			*dst = *v
		}
	}
	if raw, ok := fields["close"]; ok {
		if err := json.Unmarshal(raw, &u.close); err != nil {
			return nil, badRequest(msgFieldType, "close", "boolean")
		}
	}

	if u.create && u.caseID != "" {
		return nil, badRequest(msgCreateWithCaseID)
	}

	if raw, ok := fields["properties"]; ok {
		if u.properties, err = parseProperties(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := fields["indices"]; ok {
		if u.indices, err = parseIndices(raw); err != nil {
			return nil, err
		}
	}

	if u.create {
		if err := u.checkRequired(); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// checkRequired validates the fields a new case needs.
func (u *update) checkRequired() error {
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"case_name", u.caseName},
		{"case_type", u.caseType},
		{"owner_id", u.ownerID},
	} {
		if f.v == nil {
			return badRequest(msgRequired, f.name)
		}
	}
	return nil
}

func optionalString(fields map[string]json.RawMessage, name string) (*string, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, badRequest(msgFieldType, name, "string")
	}
	return &s, nil
}

func parseProperties(raw json.RawMessage) (map[string]string, error) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, badRequest(msgFieldType, "properties", "JSON object")
	}
	out := make(map[string]string, len(props))
	for _, k := range sortedKeys(props) {
		if topLevelProperties[k] {
			return nil, badRequest(msgPropertyTopLevel, k)
		}
		if !xmlconv.IsNCName(k) {
			return nil, badRequest(msgPropertyName, k)
		}
		var v string
		if err := json.Unmarshal(props[k], &v); err != nil {
			return nil, badRequest(msgPropertyValue, k, string(bytes.TrimSpace(props[k])))
		}
		out[k] = v
	}
	return out, nil
}

func parseIndices(raw json.RawMessage) ([]indexRef, error) {
	var indices map[string]json.RawMessage
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, badRequest(msgFieldType, "indices", "JSON object")
	}
	refs := make([]indexRef, 0, len(indices))
	for _, name := range sortedKeys(indices) {
		if !xmlconv.IsNCName(name) {
			return nil, badRequest(msgIndexName, name)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(indices[name], &fields); err != nil || fields == nil {
			return nil, badRequest(msgFieldType, "indices."+name, "JSON object")
		}
		for _, k := range sortedKeys(fields) {
			if !indexFields[k] {
				return nil, badRequest(msgInvalidField, k)
			}
		}

		ref := indexRef{name: name}
		targets := 0
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"external_id", &ref.externalID},
			{"temporary_id", &ref.temporaryID},
			{"case_type", &ref.caseType},
			{"relationship", &ref.relationship},
		} {
			v, err := optionalString(fields, f.name)
			if err != nil {
				return nil, err
			}
			if v != nil {
				*f.dst = *v
				if f.name == "external_id" || f.name == "temporary_id" {
					targets++
				}
			}
		}
		caseID, err := optionalString(fields, "case_id")
		if err != nil {
			return nil, err
		}
		if caseID != nil {
			ref.caseID = caseID
			targets++
		}
		if targets != 1 {
			return nil, badRequest(msgIndexTarget, name)
		}

		if ref.relationship == "" {
			return nil, badRequest(msgIndexRelation)
		}
		if _, err := model.ParseRelationship(ref.relationship); err != nil {
			return nil, badRequest(msgIndexBadRelation, name)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

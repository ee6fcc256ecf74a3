package casexml

import (
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/xmlconv"
)

// Render returns the structured case element for b. Extract on a form holding
// the result yields b back, up to section order.
func Render(b model.CaseBlock) xmlconv.Mapping {
	m := xmlconv.Mapping{
		"@xmlns":   V2Namespace,
		"@case_id": b.CaseID,
	}
	if b.UserID != "" {
		m["@user_id"] = b.UserID
	}
	if !b.DateModified.IsZero() {
		m["@date_modified"] = xmlconv.FormatDateTime(b.DateModified)
	}

	for _, a := range b.Actions {
		switch a.Type {
		case model.ActionCreate:
			m["create"] = attributeFields(a)
		case model.ActionUpdate:
			m["update"] = attributeFields(a)
		case model.ActionIndex:
			idx := xmlconv.Mapping{}
			for _, i := range a.Indices {
				entry := xmlconv.Mapping{xmlconv.TextKey: i.ReferencedID}
				if i.ReferencedType != "" {
					entry["@case_type"] = i.ReferencedType
				}
				if i.Relationship != "" {
					entry["@relationship"] = i.Relationship
				}
				idx[i.Identifier] = entry
			}
			m["index"] = idx
		case model.ActionClose:
			m["close"] = ""
		case model.ActionAttachment:
			att := xmlconv.Mapping{}
			for name, src := range a.Attachments {
				att[name] = xmlconv.Mapping{"@src": src, "@from": "local"}
			}
			m["attachment"] = att
		}
	}
	return m
}

func attributeFields(a model.CaseAction) xmlconv.Mapping {
	f := xmlconv.Mapping{}
	if a.CaseType != "" {
		f[FieldCaseType] = a.CaseType
	}
	if a.Name != "" {
		f[FieldCaseName] = a.Name
	}
	if a.OwnerID != "" {
		f[FieldOwnerID] = a.OwnerID
	}
	if a.ExternalID != "" {
		f[FieldExternalID] = a.ExternalID
	}
	for k, v := range a.Properties {
		f[k] = v
	}
	return f
}

package caseapi

import (
	"time"

	"github.com/roach88/formcore/internal/model"
)

// View is the JSON rendering of a case.
type View struct {
	Domain             string               `json:"domain"`
	CaseID             string               `json:"case_id"`
	CaseType           string               `json:"case_type"`
	CaseName           string               `json:"case_name"`
	ExternalID         string               `json:"external_id"`
	OwnerID            string               `json:"owner_id"`
	DateOpened         time.Time            `json:"date_opened"`
	OpenedBy           string               `json:"opened_by"`
	LastModified       time.Time            `json:"last_modified"`
	ServerLastModified time.Time            `json:"server_last_modified"`
	Closed             bool                 `json:"closed"`
	DateClosed         *time.Time           `json:"date_closed"`
	ClosedBy           string               `json:"closed_by,omitempty"`
	Properties         map[string]string    `json:"properties"`
	Indices            map[string]IndexView `json:"indices"`
}

// IndexView is the JSON rendering of a live case index.
type IndexView struct {
	CaseID       string `json:"case_id"`
	CaseType     string `json:"case_type"`
	Relationship string `json:"relationship"`
}

// NewView renders c.
func NewView(c *model.Case) View {
	v := View{
		Domain:             c.Domain,
		CaseID:             c.CaseID,
		CaseType:           c.CaseType,
		CaseName:           c.Name,
		ExternalID:         c.ExternalID,
		OwnerID:            c.OwnerID,
		DateOpened:         c.OpenedOn,
		OpenedBy:           c.OpenedBy,
		LastModified:       c.ModifiedOn,
		ServerLastModified: c.ServerModifiedOn,
		Closed:             c.Closed,
		ClosedBy:           c.ClosedBy,
		Properties:         c.DynamicProperties(),
		Indices:            make(map[string]IndexView),
	}
	if c.Closed {
		closed := c.ClosedOn
		v.DateClosed = &closed
	}
	for _, idx := range c.LiveIndices() {
		v.Indices[idx.Identifier] = IndexView{
			CaseID:       idx.ReferencedID,
			CaseType:     idx.ReferencedType,
			Relationship: idx.Relationship.String(),
		}
	}
	return v
}

package model

import (
	"fmt"
	"sort"
	"time"
)

// Relationship is the kind of edge a case index represents.
type Relationship int

const (
	RelationshipChild     Relationship = 1
	RelationshipExtension Relationship = 2
)

func (r Relationship) String() string {
	switch r {
	case RelationshipChild:
		return "child"
	case RelationshipExtension:
		return "extension"
	default:
		return fmt.Sprintf("Relationship(%d)", int(r))
	}
}

// ParseRelationship converts "child" or "extension" to a Relationship.
// An empty name means child.
func ParseRelationship(name string) (Relationship, error) {
	switch name {
	case "", "child":
		return RelationshipChild, nil
	case "extension":
		return RelationshipExtension, nil
	default:
		return 0, fmt.Errorf("unknown index relationship %q", name)
	}
}

// CaseIndex is a directed edge from CaseID to ReferencedID.
// An empty ReferencedID records a removed index; the row is kept.
type CaseIndex struct {
	Domain         string       `json:"domain"`
	CaseID         string       `json:"case_id"`
	Identifier     string       `json:"identifier"`
	ReferencedID   string       `json:"referenced_id"`
	ReferencedType string       `json:"referenced_type"`
	Relationship   Relationship `json:"relationship"`
}

// IsRemoved reports whether the index was cleared.
func (i CaseIndex) IsRemoved() bool { return i.ReferencedID == "" }

// Case is a mutable business entity tracked through form submissions.
type Case struct {
	CaseID           string
	Domain           string
	CaseType         string
	OwnerID          string
	Name             string
	ExternalID       string
	Properties       map[string]string
	OpenedOn         time.Time
	OpenedBy         string
	ModifiedOn       time.Time
	ModifiedBy       string
	ServerModifiedOn time.Time
	Closed           bool
	ClosedOn         time.Time
	ClosedBy         string
	Deleted          bool
	Indices          []CaseIndex
	Attachments      map[string]string
}

// DynamicProperties returns a copy of the case's dynamic property map.
func (c *Case) DynamicProperties() map[string]string {
	out := make(map[string]string, len(c.Properties))
	for k, v := range c.Properties {
		out[k] = v
	}
	return out
}

// Index returns the index row with the given identifier.
func (c *Case) Index(identifier string) (CaseIndex, bool) {
	for _, idx := range c.Indices {
		if idx.Identifier == identifier {
			return idx, true
		}
	}
	return CaseIndex{}, false
}

// LiveIndices returns the indices that still point at a case.
func (c *Case) LiveIndices() []CaseIndex {
	out := make([]CaseIndex, 0, len(c.Indices))
	for _, idx := range c.Indices {
		if !idx.IsRemoved() {
			out = append(out, idx)
		}
	}
	return out
}

// SetIndex adds or replaces the index row keyed by idx.Identifier.
// Rows stay sorted by identifier.
func (c *Case) SetIndex(idx CaseIndex) {
	idx.CaseID = c.CaseID
	idx.Domain = c.Domain
	for i := range c.Indices {
		if c.Indices[i].Identifier == idx.Identifier {
			c.Indices[i] = idx
			return
		}
	}
	c.Indices = append(c.Indices, idx)
	sort.Slice(c.Indices, func(i, j int) bool {
		return c.Indices[i].Identifier < c.Indices[j].Identifier
	})
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	out := *c
	out.Properties = c.DynamicProperties()
	out.Indices = append([]CaseIndex(nil), c.Indices...)
	if c.Attachments != nil {
		out.Attachments = make(map[string]string, len(c.Attachments))
		for k, v := range c.Attachments {
			out.Attachments[k] = v
		}
	}
	return &out
}

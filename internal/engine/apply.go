package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/formcore/internal/model"
)

// actionMeta attributes a group of actions to a form, user and time.
type actionMeta struct {
	FormID       string
	UserID       string
	DateModified time.Time
	ServerDate   time.Time
}

func metaFromTransaction(tx model.CaseTransaction) actionMeta {
	return actionMeta{
		FormID:       tx.FormID,
		UserID:       tx.UserID,
		DateModified: tx.DateModified,
		ServerDate:   tx.ServerDate,
	}
}

// applyActions folds actions into c.
func applyActions(c *model.Case, actions []model.CaseAction, meta actionMeta) error {
	for _, a := range actions {
		switch a.Type {
		case model.ActionCreate:
			if c.OpenedOn.IsZero() {
				c.OpenedOn = meta.DateModified
				c.OpenedBy = meta.UserID
			}
			setAttributes(c, a)
			if c.OwnerID == "" {
				c.OwnerID = meta.UserID
			}

		case model.ActionUpdate:
			setAttributes(c, a)

		case model.ActionIndex:
			for _, ia := range a.Indices {
				if err := applyIndex(c, ia); err != nil {
					return err
				}
			}

		case model.ActionClose:
			c.Closed = true
			c.ClosedOn = meta.DateModified
			c.ClosedBy = meta.UserID

		case model.ActionAttachment:
			for _, name := range sortedNames(a.Attachments) {
				src := a.Attachments[name]
				if src == "" {
					delete(c.Attachments, name)
					continue
				}
				if c.Attachments == nil {
					c.Attachments = make(map[string]string)
				}
				c.Attachments[name] = meta.FormID + "/" + src
			}

		default:
			return NewInvalidActionError(c.CaseID, fmt.Sprintf("unknown action type %q", a.Type))
		}
	}

	c.ModifiedOn = meta.DateModified
	c.ModifiedBy = meta.UserID
	c.ServerModifiedOn = meta.ServerDate
	return nil
}

func setAttributes(c *model.Case, a model.CaseAction) {
	if a.CaseType != "" {
		c.CaseType = a.CaseType
	}
	if a.Name != "" {
		c.Name = a.Name
	}
	if a.OwnerID != "" {
		c.OwnerID = a.OwnerID
	}
	if a.ExternalID != "" {
		c.ExternalID = a.ExternalID
	}
	if len(a.Properties) > 0 && c.Properties == nil {
		c.Properties = make(map[string]string, len(a.Properties))
	}
	for k, v := range a.Properties {
		c.Properties[k] = v
	}
}

// applyIndex sets or clears one index. A cleared index keeps its row with an
// empty target.
func applyIndex(c *model.Case, ia model.IndexAction) error {
	rel, err := model.ParseRelationship(ia.Relationship)
	if err != nil {
		return NewInvalidActionError(c.CaseID, err.Error())
	}
	if ia.ReferencedID == "" {
		if old, ok := c.Index(ia.Identifier); ok {
			old.ReferencedID = ""
			c.SetIndex(old)
		}
		return nil
	}
	c.SetIndex(model.CaseIndex{
		Identifier:     ia.Identifier,
		ReferencedID:   ia.ReferencedID,
		ReferencedType: ia.ReferencedType,
		Relationship:   rel,
	})
	return nil
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SortTransactions orders txs by server date, then id.
func SortTransactions(txs []model.CaseTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].ServerDate.Equal(txs[j].ServerDate) {
			return txs[i].ServerDate.Before(txs[j].ServerDate)
		}
		return txs[i].ID < txs[j].ID
	})
}

// Rebuild recomputes a case from its transactions. Revoked transactions are
// skipped. When no transaction remains the case keeps its last state and is
// marked deleted.
func Rebuild(c *model.Case, txs []model.CaseTransaction) (*model.Case, error) {
	sorted := append([]model.CaseTransaction(nil), txs...)
	SortTransactions(sorted)

	out := &model.Case{CaseID: c.CaseID, Domain: c.Domain}
	live := 0
	for _, tx := range sorted {
		if tx.Revoked {
			continue
		}
		live++
		if err := applyActions(out, tx.Actions, metaFromTransaction(tx)); err != nil {
			return nil, fmt.Errorf("rebuild case %s from transaction %s: %w", c.CaseID, tx.ID, err)
		}
	}
	if live == 0 {
		deleted := c.Clone()
		deleted.Deleted = true
		return deleted, nil
	}
	return out, nil
}

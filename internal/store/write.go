package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// CommitBatch applies b in one SQL transaction.
// Any failure rolls back every write in the batch.
func (s *Store) CommitBatch(ctx context.Context, b repo.Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, f := range b.Forms {
			if err := upsertForm(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, c := range b.Cases {
			if err := upsertCase(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, t := range b.Transactions {
			if err := upsertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, id := range b.ClearUnfinished {
			if _, err := tx.ExecContext(ctx, `DELETE FROM unfinished_submissions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("clear unfinished %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func upsertForm(ctx context.Context, tx *sql.Tx, f *model.Form) error {
	history, err := marshalJSON("history", f.History)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON("attachments", f.Attachments)
	if err != nil {
		return err
	}
	data, err := marshalJSON("form data", f.Data)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO forms
		(domain, form_id, xmlns, state, received_on, server_modified_on, user_id, device_id,
		 deprecated_form_id, orig_id, problem, content_hash, history, attachments, form_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, form_id) DO UPDATE SET
			xmlns = excluded.xmlns,
			state = excluded.state,
			received_on = excluded.received_on,
			server_modified_on = excluded.server_modified_on,
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			deprecated_form_id = excluded.deprecated_form_id,
			orig_id = excluded.orig_id,
			problem = excluded.problem,
			content_hash = excluded.content_hash,
			history = excluded.history,
			attachments = excluded.attachments,
			form_data = excluded.form_data
	`,
		f.Domain, f.FormID, f.XMLNS, int(f.State), toNanos(f.ReceivedOn), toNanos(f.ServerModifiedOn),
		f.UserID, f.DeviceID, f.DeprecatedFormID, f.OrigID, f.Problem, f.ContentHash,
		history, attachments, data,
	)
	if err != nil {
		return fmt.Errorf("upsert form %s: %w", f.FormID, err)
	}
	return nil
}

func upsertCase(ctx context.Context, tx *sql.Tx, c *model.Case) error {
	props, err := marshalJSON("properties", c.Properties)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON("case attachments", c.Attachments)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases
		(domain, case_id, case_type, owner_id, name, external_id, properties, opened_on, opened_by,
		 modified_on, modified_by, server_modified_on, closed, closed_on, closed_by, deleted, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, case_id) DO UPDATE SET
			case_type = excluded.case_type,
			owner_id = excluded.owner_id,
			name = excluded.name,
			external_id = excluded.external_id,
			properties = excluded.properties,
			opened_on = excluded.opened_on,
			opened_by = excluded.opened_by,
			modified_on = excluded.modified_on,
			modified_by = excluded.modified_by,
			server_modified_on = excluded.server_modified_on,
			closed = excluded.closed,
			closed_on = excluded.closed_on,
			closed_by = excluded.closed_by,
			deleted = excluded.deleted,
			attachments = excluded.attachments
	`,
		c.Domain, c.CaseID, c.CaseType, c.OwnerID, c.Name, c.ExternalID, props,
		toNanos(c.OpenedOn), c.OpenedBy, toNanos(c.ModifiedOn), c.ModifiedBy, toNanos(c.ServerModifiedOn),
		boolToInt(c.Closed), toNanos(c.ClosedOn), c.ClosedBy, boolToInt(c.Deleted), attachments,
	)
	if err != nil {
		return fmt.Errorf("upsert case %s: %w", c.CaseID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM case_indices WHERE domain = ? AND case_id = ?`, c.Domain, c.CaseID); err != nil {
		return fmt.Errorf("replace indices of %s: %w", c.CaseID, err)
	}
	for _, idx := range c.Indices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO case_indices (domain, case_id, identifier, referenced_id, referenced_type, relationship)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.Domain, c.CaseID, idx.Identifier, idx.ReferencedID, idx.ReferencedType, int(idx.Relationship))
		if err != nil {
			return fmt.Errorf("insert index %s/%s: %w", c.CaseID, idx.Identifier, err)
		}
	}
	return nil
}

func upsertTransaction(ctx context.Context, tx *sql.Tx, t model.CaseTransaction) error {
	details, err := marshalJSON("transaction details", t.Actions)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO case_transactions
		(id, domain, case_id, form_id, type, revoked, server_date, user_id, date_modified, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			form_id = excluded.form_id,
			type = excluded.type,
			revoked = excluded.revoked,
			details = excluded.details
	`,
		t.ID, t.Domain, t.CaseID, t.FormID, int(t.Type), boolToInt(t.Revoked),
		toNanos(t.ServerDate), t.UserID, toNanos(t.DateModified), details,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
	}
	return nil
}

// SaveUnfinished records a submission whose commit is about to be attempted.
func (s *Store) SaveUnfinished(ctx context.Context, u model.UnfinishedSubmission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unfinished_submissions (id, domain, form_id, content_hash, created_on)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, u.ID, u.Domain, u.FormID, u.ContentHash, toNanos(u.CreatedOn))
	if err != nil {
		return fmt.Errorf("save unfinished submission: %w", err)
	}
	return nil
}

// DeleteUnfinished removes an unfinished-submission stub. Missing ids are ignored.
func (s *Store) DeleteUnfinished(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM unfinished_submissions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete unfinished submission: %w", err)
	}
	return nil
}

// SoftDeleteCases marks cases deleted without removing any rows.
func (s *Store) SoftDeleteCases(ctx context.Context, domain string, caseIDs []string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := toNanos(time.Now())
		for _, id := range caseIDs {
			_, err := tx.ExecContext(ctx, `
				UPDATE cases SET deleted = 1, server_modified_on = ? WHERE domain = ? AND case_id = ?
			`, now, domain, id)
			if err != nil {
				return fmt.Errorf("soft delete case %s: %w", id, err)
			}
		}
		return nil
	})
}

// HardDeleteForms removes forms permanently.
func (s *Store) HardDeleteForms(ctx context.Context, domain string, formIDs []string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range formIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM forms WHERE domain = ? AND form_id = ?`, domain, id); err != nil {
				return fmt.Errorf("hard delete form %s: %w", id, err)
			}
		}
		return nil
	})
}

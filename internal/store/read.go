package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

const formColumns = `domain, form_id, xmlns, state, received_on, server_modified_on, user_id, device_id,
	deprecated_form_id, orig_id, problem, content_hash, history, attachments, form_data`

const caseColumns = `domain, case_id, case_type, owner_id, name, external_id, properties, opened_on, opened_by,
	modified_on, modified_by, server_modified_on, closed, closed_on, closed_by, deleted, attachments`

const transactionColumns = `id, domain, case_id, form_id, type, revoked, server_date, user_id, date_modified, details`

type scanner interface {
	Scan(dest ...any) error
}

// GetForm returns the form stored under formID in domain.
func (s *Store) GetForm(ctx context.Context, domain, formID string) (*model.Form, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE domain = ? AND form_id = ?`, domain, formID)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get form %s: %w", formID, repo.ErrFormNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", formID, err)
	}
	return f, nil
}

// GetFormsByState returns forms in state ordered by received_on, form_id.
// limit <= 0 means no limit. Returns an empty slice, not nil, when none match.
func (s *Store) GetFormsByState(ctx context.Context, domain string, state model.FormState, limit int) ([]*model.Form, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+`
		FROM forms
		WHERE domain = ? AND state = ?
		ORDER BY received_on ASC, form_id COLLATE BINARY ASC
		LIMIT ?
	`, domain, int(state), limit)
	if err != nil {
		return nil, fmt.Errorf("query forms by state: %w", err)
	}
	defer rows.Close()

	forms := []*model.Form{}
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return forms, nil
}

func scanForm(row scanner) (*model.Form, error) {
	var f model.Form
	var state int
	var receivedOn, modifiedOn int64
	var history, attachments, data string

	err := row.Scan(&f.Domain, &f.FormID, &f.XMLNS, &state, &receivedOn, &modifiedOn, &f.UserID, &f.DeviceID,
		&f.DeprecatedFormID, &f.OrigID, &f.Problem, &f.ContentHash, &history, &attachments, &data)
	if err != nil {
		return nil, err
	}

	f.State = model.FormState(state)
	f.ReceivedOn = fromNanos(receivedOn)
	f.ServerModifiedOn = fromNanos(modifiedOn)
	if err := unmarshalJSON("history", history, &f.History); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("attachments", attachments, &f.Attachments); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("form data", data, &f.Data); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetCase returns a case with its index rows.
func (s *Store) GetCase(ctx context.Context, domain, caseID string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE domain = ? AND case_id = ?`, domain, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get case %s: %w", caseID, repo.ErrCaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}

	indices, err := s.queryIndices(ctx, `
		SELECT domain, case_id, identifier, referenced_id, referenced_type, relationship
		FROM case_indices
		WHERE domain = ? AND case_id = ?
		ORDER BY identifier COLLATE BINARY ASC
	`, domain, caseID)
	if err != nil {
		return nil, err
	}
	if len(indices) > 0 {
		c.Indices = indices
	}
	return c, nil
}

// GetCases returns the cases among ids that exist, in ids order.
func (s *Store) GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error) {
	cases := make([]*model.Case, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCase(ctx, domain, id)
		if errors.Is(err, repo.ErrCaseNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

// GetCaseByExternalID returns the first non-deleted case, by case_id, with externalID.
func (s *Store) GetCaseByExternalID(ctx context.Context, domain, externalID string) (*model.Case, error) {
	if externalID == "" {
		return nil, fmt.Errorf("get case by external id: %w", repo.ErrCaseNotFound)
	}
	var caseID string
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id FROM cases
		WHERE domain = ? AND external_id = ? AND deleted = 0
		ORDER BY case_id COLLATE BINARY ASC
		LIMIT 1
	`, domain, externalID).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get case by external id %s: %w", externalID, repo.ErrCaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case by external id %s: %w", externalID, err)
	}
	return s.GetCase(ctx, domain, caseID)
}

func scanCase(row scanner) (*model.Case, error) {
	var c model.Case
	var props, attachments string
	var openedOn, modifiedOn, serverModifiedOn, closedOn int64
	var closed, deleted int

	err := row.Scan(&c.Domain, &c.CaseID, &c.CaseType, &c.OwnerID, &c.Name, &c.ExternalID, &props,
		&openedOn, &c.OpenedBy, &modifiedOn, &c.ModifiedBy, &serverModifiedOn,
		&closed, &closedOn, &c.ClosedBy, &deleted, &attachments)
	if err != nil {
		return nil, err
	}

	c.OpenedOn = fromNanos(openedOn)
	c.ModifiedOn = fromNanos(modifiedOn)
	c.ServerModifiedOn = fromNanos(serverModifiedOn)
	c.ClosedOn = fromNanos(closedOn)
	c.Closed = closed != 0
	c.Deleted = deleted != 0
	if err := unmarshalJSON("properties", props, &c.Properties); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("case attachments", attachments, &c.Attachments); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetExtensionIndices returns live extension rows of non-deleted cases pointing at hostIDs.
func (s *Store) GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error) {
	if len(hostIDs) == 0 {
		return []model.CaseIndex{}, nil
	}
	args := []any{domain, int(model.RelationshipExtension)}
	for _, id := range hostIDs {
		args = append(args, id)
	}
	return s.queryIndices(ctx, `
		SELECT i.domain, i.case_id, i.identifier, i.referenced_id, i.referenced_type, i.relationship
		FROM case_indices i
		JOIN cases c ON c.domain = i.domain AND c.case_id = i.case_id
		WHERE i.domain = ? AND i.relationship = ? AND c.deleted = 0
		  AND i.referenced_id IN (`+placeholders(len(hostIDs))+`)
		ORDER BY i.case_id COLLATE BINARY ASC, i.identifier COLLATE BINARY ASC
	`, args...)
}

// GetReverseIndices returns live rows of non-deleted cases pointing at caseID.
func (s *Store) GetReverseIndices(ctx context.Context, domain, caseID string) ([]model.CaseIndex, error) {
	if caseID == "" {
		return []model.CaseIndex{}, nil
	}
	return s.queryIndices(ctx, `
		SELECT i.domain, i.case_id, i.identifier, i.referenced_id, i.referenced_type, i.relationship
		FROM case_indices i
		JOIN cases c ON c.domain = i.domain AND c.case_id = i.case_id
		WHERE i.domain = ? AND i.referenced_id = ? AND c.deleted = 0
		ORDER BY i.case_id COLLATE BINARY ASC, i.identifier COLLATE BINARY ASC
	`, domain, caseID)
}

func (s *Store) queryIndices(ctx context.Context, query string, args ...any) ([]model.CaseIndex, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query indices: %w", err)
	}
	defer rows.Close()

	indices := []model.CaseIndex{}
	for rows.Next() {
		var idx model.CaseIndex
		var rel int
		if err := rows.Scan(&idx.Domain, &idx.CaseID, &idx.Identifier, &idx.ReferencedID, &idx.ReferencedType, &rel); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		idx.Relationship = model.Relationship(rel)
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indices: %w", err)
	}
	return indices, nil
}

// GetTransactions returns a case's transactions ordered by server_date, id.
func (s *Store) GetTransactions(ctx context.Context, domain, caseID string) ([]model.CaseTransaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE domain = ? AND case_id = ?
		ORDER BY server_date ASC, id COLLATE BINARY ASC
	`, domain, caseID)
}

// GetTransactionsForForm returns every transaction a form produced.
func (s *Store) GetTransactionsForForm(ctx context.Context, domain, formID string) ([]model.CaseTransaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE domain = ? AND form_id = ?
		ORDER BY server_date ASC, id COLLATE BINARY ASC
	`, domain, formID)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]model.CaseTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []model.CaseTransaction{}
	for rows.Next() {
		var t model.CaseTransaction
		var typ, revoked int
		var serverDate, dateModified int64
		var details string
		if err := rows.Scan(&t.ID, &t.Domain, &t.CaseID, &t.FormID, &typ, &revoked, &serverDate,
			&t.UserID, &dateModified, &details); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		t.Revoked = revoked != 0
		t.ServerDate = fromNanos(serverDate)
		t.DateModified = fromNanos(dateModified)
		if err := unmarshalJSON("transaction details", details, &t.Actions); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// ListUnfinished returns stubs created before olderThan, oldest first.
func (s *Store) ListUnfinished(ctx context.Context, olderThan time.Time) ([]model.UnfinishedSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, form_id, content_hash, created_on
		FROM unfinished_submissions
		WHERE created_on < ?
		ORDER BY created_on ASC, id COLLATE BINARY ASC
	`, toNanos(olderThan))
	if err != nil {
		return nil, fmt.Errorf("query unfinished submissions: %w", err)
	}
	defer rows.Close()

	out := []model.UnfinishedSubmission{}
	for rows.Next() {
		var u model.UnfinishedSubmission
		var created int64
		if err := rows.Scan(&u.ID, &u.Domain, &u.FormID, &u.ContentHash, &created); err != nil {
			return nil, fmt.Errorf("scan unfinished submission: %w", err)
		}
		u.CreatedOn = fromNanos(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished submissions: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

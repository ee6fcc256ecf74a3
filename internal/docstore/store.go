package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// Store is the badger implementation of repo.Store.
type Store struct {
	db     *badger.DB
	ownsDB bool
}

// Open opens a badger database per cfg and wraps it.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, ownsDB: true}, nil
}

// New wraps an existing database. Close leaves db open.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

// scanKeys returns every key under p in byte order.
func scanKeys(txn *badger.Txn, p []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// scanValues returns every value under p in key order.
func scanValues(txn *badger.Txn, p []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var values [][]byte
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CommitBatch applies b in one badger transaction.
func (s *Store) CommitBatch(ctx context.Context, b repo.Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, f := range b.Forms {
			if err := putForm(txn, f); err != nil {
				return fmt.Errorf("upsert form %s: %w", f.FormID, err)
			}
		}
		for _, c := range b.Cases {
			if err := putCase(txn, c); err != nil {
				return fmt.Errorf("upsert case %s: %w", c.CaseID, err)
			}
		}
		for _, t := range b.Transactions {
			if err := putTransaction(txn, t); err != nil {
				return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
			}
		}
		for _, id := range b.ClearUnfinished {
			if err := deleteUnfinished(txn, id); err != nil {
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

func putForm(txn *badger.Txn, f *model.Form) error {
	var old model.Form
	err := getJSON(txn, formKey(f.Domain, f.FormID), &old)
	switch {
	case err == nil:
		if err := txn.Delete(formStateKey(&old)); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	if err := setJSON(txn, formKey(f.Domain, f.FormID), f); err != nil {
		return err
	}
	return txn.Set(formStateKey(f), nil)
}

func putCase(txn *badger.Txn, c *model.Case) error {
	var old model.Case
	err := getJSON(txn, caseKey(c.Domain, c.CaseID), &old)
	switch {
	case err == nil:
		if old.ExternalID != "" {
			if err := txn.Delete(externalIDKey(old.Domain, old.ExternalID, old.CaseID)); err != nil {
				return err
			}
		}
		for _, idx := range old.Indices {
			if !idx.IsRemoved() {
				if err := txn.Delete(reverseIndexKey(idx)); err != nil {
					return err
				}
			}
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	doc := c.Clone()
	for i := range doc.Indices {
		doc.Indices[i].CaseID = doc.CaseID
		doc.Indices[i].Domain = doc.Domain
	}
	sort.Slice(doc.Indices, func(i, j int) bool {
		return doc.Indices[i].Identifier < doc.Indices[j].Identifier
	})

	if err := setJSON(txn, caseKey(doc.Domain, doc.CaseID), doc); err != nil {
		return err
	}
	if doc.ExternalID != "" {
		if err := txn.Set(externalIDKey(doc.Domain, doc.ExternalID, doc.CaseID), nil); err != nil {
			return err
		}
	}
	for _, idx := range doc.Indices {
		if idx.IsRemoved() {
			continue
		}
		if err := setJSON(txn, reverseIndexKey(idx), idx); err != nil {
			return err
		}
	}
	return nil
}

func putTransaction(txn *badger.Txn, t model.CaseTransaction) error {
	var primary []byte
	item, err := txn.Get(transactionIDKey(t.ID))
	switch {
	case err == nil:
		if primary, err = item.ValueCopy(nil); err != nil {
			return err
		}
		var old model.CaseTransaction
		if err := getJSON(txn, primary, &old); err != nil {
			return err
		}
		if err := txn.Delete(transactionFormKey(old)); err != nil {
			return err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
		primary = transactionKey(t)
	default:
		return err
	}

	if err := setJSON(txn, primary, t); err != nil {
		return err
	}
	if err := txn.Set(transactionIDKey(t.ID), primary); err != nil {
		return err
	}
	return txn.Set(transactionFormKey(t), primary)
}

// GetForm returns the form stored under formID in domain.
func (s *Store) GetForm(ctx context.Context, domain, formID string) (*model.Form, error) {
	var f model.Form
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, formKey(domain, formID), &f)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get form %s: %w", formID, repo.ErrFormNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", formID, err)
	}
	return &f, nil
}

// GetFormsByState returns forms in state ordered by received_on, form_id.
func (s *Store) GetFormsByState(ctx context.Context, domain string, state model.FormState, limit int) ([]*model.Form, error) {
	forms := []*model.Form{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range scanKeys(txn, formStatePrefix(domain, state)) {
			if limit > 0 && len(forms) >= limit {
				break
			}
			formID := lastPart(k)
			var f model.Form
			if err := getJSON(txn, formKey(domain, formID), &f); err != nil {
				return fmt.Errorf("load form %s: %w", formID, err)
			}
			forms = append(forms, &f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query forms by state: %w", err)
	}
	return forms, nil
}

// GetCase returns a case with its index rows.
func (s *Store) GetCase(ctx context.Context, domain, caseID string) (*model.Case, error) {
	var c model.Case
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, caseKey(domain, caseID), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get case %s: %w", caseID, repo.ErrCaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return &c, nil
}

// GetCases returns the cases among ids that exist, in ids order.
func (s *Store) GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error) {
	cases := make([]*model.Case, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			var c model.Case
			err := getJSON(txn, caseKey(domain, id), &c)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load case %s: %w", id, err)
			}
			cases = append(cases, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get cases: %w", err)
	}
	return cases, nil
}

// GetCaseByExternalID returns the first non-deleted case, by case_id, with externalID.
func (s *Store) GetCaseByExternalID(ctx context.Context, domain, externalID string) (*model.Case, error) {
	if externalID == "" {
		return nil, fmt.Errorf("get case by external id: %w", repo.ErrCaseNotFound)
	}
	var found *model.Case
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range scanKeys(txn, prefix("cx", domain, externalID)) {
			var c model.Case
			if err := getJSON(txn, caseKey(domain, lastPart(k)), &c); err != nil {
				return err
			}
			if !c.Deleted {
				found = &c
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get case by external id %s: %w", externalID, err)
	}
	if found == nil {
		return nil, fmt.Errorf("get case by external id %s: %w", externalID, repo.ErrCaseNotFound)
	}
	return found, nil
}

// GetExtensionIndices returns live extension rows of non-deleted cases pointing at hostIDs.
func (s *Store) GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error) {
	out := []model.CaseIndex{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, host := range hostIDs {
			rows, err := liveReverseIndices(txn, domain, host)
			if err != nil {
				return err
			}
			for _, idx := range rows {
				if idx.Relationship == model.RelationshipExtension {
					out = append(out, idx)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get extension indices: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CaseID != out[j].CaseID {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

// GetReverseIndices returns live rows of non-deleted cases pointing at caseID.
func (s *Store) GetReverseIndices(ctx context.Context, domain, caseID string) ([]model.CaseIndex, error) {
	var out []model.CaseIndex
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = liveReverseIndices(txn, domain, caseID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get reverse indices: %w", err)
	}
	return out, nil
}

func liveReverseIndices(txn *badger.Txn, domain, referencedID string) ([]model.CaseIndex, error) {
	out := []model.CaseIndex{}
	if referencedID == "" {
		return out, nil
	}
	values, err := scanValues(txn, prefix("ci", domain, referencedID))
	if err != nil {
		return nil, err
	}
	deleted := map[string]bool{}
	for _, v := range values {
		var idx model.CaseIndex
		if err := json.Unmarshal(v, &idx); err != nil {
			return nil, err
		}
		isDeleted, seen := deleted[idx.CaseID]
		if !seen {
			var owner model.Case
			if err := getJSON(txn, caseKey(domain, idx.CaseID), &owner); err != nil {
				return nil, fmt.Errorf("load case %s: %w", idx.CaseID, err)
			}
			isDeleted = owner.Deleted
			deleted[idx.CaseID] = isDeleted
		}
		if !isDeleted {
			out = append(out, idx)
		}
	}
	return out, nil
}

// GetTransactions returns a case's transactions ordered by server date, id.
func (s *Store) GetTransactions(ctx context.Context, domain, caseID string) ([]model.CaseTransaction, error) {
	txs := []model.CaseTransaction{}
	err := s.db.View(func(txn *badger.Txn) error {
		values, err := scanValues(txn, prefix("t", domain, caseID))
		if err != nil {
			return err
		}
		for _, v := range values {
			var t model.CaseTransaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			txs = append(txs, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return txs, nil
}

// GetTransactionsForForm returns every transaction a form produced.
func (s *Store) GetTransactionsForForm(ctx context.Context, domain, formID string) ([]model.CaseTransaction, error) {
	txs := []model.CaseTransaction{}
	err := s.db.View(func(txn *badger.Txn) error {
		pointers, err := scanValues(txn, prefix("tf", domain, formID))
		if err != nil {
			return err
		}
		for _, primary := range pointers {
			var t model.CaseTransaction
			if err := getJSON(txn, primary, &t); err != nil {
				return err
			}
			txs = append(txs, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get transactions for form: %w", err)
	}
	return txs, nil
}

// SoftDeleteCases marks cases deleted. Missing ids are ignored.
func (s *Store) SoftDeleteCases(ctx context.Context, domain string, caseIDs []string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		for _, id := range caseIDs {
			var c model.Case
			err := getJSON(txn, caseKey(domain, id), &c)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			c.Deleted = true
			c.ServerModifiedOn = now
			if err := setJSON(txn, caseKey(domain, id), &c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("soft delete cases: %w", err)
	}
	return nil
}

// HardDeleteForms removes forms permanently.
func (s *Store) HardDeleteForms(ctx context.Context, domain string, formIDs []string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range formIDs {
			var f model.Form
			err := getJSON(txn, formKey(domain, id), &f)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(formStateKey(&f)); err != nil {
				return err
			}
			if err := txn.Delete(formKey(domain, id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hard delete forms: %w", err)
	}
	return nil
}

// SaveUnfinished records a submission whose commit is about to be attempted.
func (s *Store) SaveUnfinished(ctx context.Context, u model.UnfinishedSubmission) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(unfinishedIDKey(u.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, unfinishedKey(u), u); err != nil {
			return err
		}
		return txn.Set(unfinishedIDKey(u.ID), unfinishedKey(u))
	})
	if err != nil {
		return fmt.Errorf("save unfinished submission: %w", err)
	}
	return nil
}

// ListUnfinished returns stubs created before olderThan, oldest first.
func (s *Store) ListUnfinished(ctx context.Context, olderThan time.Time) ([]model.UnfinishedSubmission, error) {
	out := []model.UnfinishedSubmission{}
	err := s.db.View(func(txn *badger.Txn) error {
		values, err := scanValues(txn, prefix("u"))
		if err != nil {
			return err
		}
		for _, v := range values {
			var u model.UnfinishedSubmission
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if !u.CreatedOn.Before(olderThan) {
				break
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list unfinished submissions: %w", err)
	}
	return out, nil
}

// DeleteUnfinished removes an unfinished-submission stub. Missing ids are ignored.
func (s *Store) DeleteUnfinished(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return deleteUnfinished(txn, id)
	})
	if err != nil {
		return fmt.Errorf("delete unfinished submission: %w", err)
	}
	return nil
}

func deleteUnfinished(txn *badger.Txn, id string) error {
	item, err := txn.Get(unfinishedIDKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	primary, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := txn.Delete(primary); err != nil {
		return err
	}
	return txn.Delete(unfinishedIDKey(id))
}

func lastPart(k []byte) string {
	s := string(k)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep[0] {
			return s[i+1:]
		}
	}
	return s
}

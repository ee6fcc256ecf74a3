package harness

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// evaluate checks every assertion and returns one message per failure.
func (h *Harness) evaluate(ctx context.Context, result *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := h.check(ctx, result, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return msgs
}

func (h *Harness) check(ctx context.Context, result *Result, a Assertion) error {
	store := h.stores.For(h.domain)
	switch a.Type {
	case AssertCaseState:
		c, err := store.GetCase(ctx, h.domain, a.Case)
		if err != nil {
			return err
		}
		return matchFields(a.Expect, func(key string) (string, bool) { return caseField(c, key) })

	case AssertCaseAbsent:
		_, err := store.GetCase(ctx, h.domain, a.Case)
		if errors.Is(err, repo.ErrCaseNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("case %s exists", a.Case)

	case AssertFormState:
		f, err := store.GetForm(ctx, h.domain, a.Form)
		if err != nil {
			return err
		}
		return matchFields(a.Expect, func(key string) (string, bool) { return formField(f, key) })

	case AssertTransactions:
		txs, err := store.GetTransactions(ctx, h.domain, a.Case)
		if err != nil {
			return err
		}
		if a.Count != nil && len(txs) != *a.Count {
			return fmt.Errorf("expected %d transactions, got %d", *a.Count, len(txs))
		}
		if a.Types == nil {
			return nil
		}
		got := make([]string, len(txs))
		for i, tx := range txs {
			got[i] = tx.Type.String()
			if tx.Revoked {
				got[i] += " (revoked)"
			}
		}
		if strings.Join(got, ",") != strings.Join(a.Types, ",") {
			return fmt.Errorf("expected transaction types %v, got %v", a.Types, got)
		}
		return nil

	case AssertTraceCount:
		n := 0
		for _, ev := range result.Trace {
			if a.Outcome == "" || ev.Outcome == a.Outcome {
				n++
			}
		}
		if n != *a.Count {
			return fmt.Errorf("expected %d trace events, got %d", *a.Count, n)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matchFields compares each expected value with the field lookup. Expected
// values are compared in their YAML string form, so `closed: true` matches
// the field "true".
func matchFields(expect map[string]any, lookup func(string) (string, bool)) error {
	var problems []string
	for _, key := range sortedKeys(expect) {
		want := fmt.Sprint(expect[key])
		got, ok := lookup(key)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s: unknown field", key))
		case key == "problem":
			if !strings.Contains(got, want) {
				problems = append(problems, fmt.Sprintf("%s: expected %q in %q", key, want, got))
			}
		case got != want:
			problems = append(problems, fmt.Sprintf("%s: expected %q, got %q", key, want, got))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func caseField(c *model.Case, key string) (string, bool) {
	if name, ok := strings.CutPrefix(key, "properties."); ok {
		return c.Properties[name], true
	}
	if id, ok := strings.CutPrefix(key, "indices."); ok {
		idx, found := c.Index(id)
		if !found || idx.ReferencedID == "" {
			return "", true
		}
		return idx.ReferencedID, true
	}
	switch key {
	case "case_type":
		return c.CaseType, true
	case "owner_id":
		return c.OwnerID, true
	case "name":
		return c.Name, true
	case "external_id":
		return c.ExternalID, true
	case "closed":
		return strconv.FormatBool(c.Closed), true
	case "closed_by":
		return c.ClosedBy, true
	case "deleted":
		return strconv.FormatBool(c.Deleted), true
	case "opened_by":
		return c.OpenedBy, true
	}
	return "", false
}

func formField(f *model.Form, key string) (string, bool) {
	switch key {
	case "state":
		return f.State.String(), true
	case "xmlns":
		return f.XMLNS, true
	case "user_id":
		return f.UserID, true
	case "orig_id":
		return f.OrigID, true
	case "deprecated_form_id":
		return f.DeprecatedFormID, true
	case "problem":
		return f.Problem, true
	case "history":
		ops := make([]string, len(f.History))
		for i, h := range f.History {
			ops[i] = string(h.Operation)
		}
		return strings.Join(ops, ","), true
	}
	return "", false
}

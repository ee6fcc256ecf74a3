package docstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/formcore/internal/model"
)

const sep = "\x00"

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

// prefix returns the key prefix matching every key that starts with parts.
func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

// stamp renders t so that byte order matches chronological order.
func stamp(t time.Time) string {
	if t.IsZero() {
		return fmt.Sprintf("%020d", 0)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

func formKey(domain, formID string) []byte { return key("f", domain, formID) }

func formStateKey(f *model.Form) []byte {
	return key("fs", f.Domain, fmt.Sprintf("%02d", int(f.State)), stamp(f.ReceivedOn), f.FormID)
}

func formStatePrefix(domain string, state model.FormState) []byte {
	return prefix("fs", domain, fmt.Sprintf("%02d", int(state)))
}

func caseKey(domain, caseID string) []byte { return key("c", domain, caseID) }

func externalIDKey(domain, externalID, caseID string) []byte {
	return key("cx", domain, externalID, caseID)
}

func reverseIndexKey(idx model.CaseIndex) []byte {
	return key("ci", idx.Domain, idx.ReferencedID, idx.CaseID, idx.Identifier)
}

func transactionKey(t model.CaseTransaction) []byte {
	return key("t", t.Domain, t.CaseID, stamp(t.ServerDate), t.ID)
}

func transactionFormKey(t model.CaseTransaction) []byte {
	return key("tf", t.Domain, t.FormID, stamp(t.ServerDate), t.ID)
}

func transactionIDKey(id string) []byte { return key("ti", id) }

func unfinishedKey(u model.UnfinishedSubmission) []byte {
	return key("u", stamp(u.CreatedOn), u.ID)
}

func unfinishedIDKey(id string) []byte { return key("ui", id) }

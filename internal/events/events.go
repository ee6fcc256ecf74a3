// Package events publishes change notifications for forms and cases.
//
// Downstream consumers (search indexing, reports) subscribe to these events;
// the pipeline publishes after a commit succeeds and never blocks a commit on
// delivery.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names what happened.
type Type string

const (
	FormCreated    Type = "form.created"
	FormDuplicate  Type = "form.duplicate"
	FormDeprecated Type = "form.deprecated"
	FormError      Type = "form.error"
	FormArchived   Type = "form.archived"
	FormUnarchived Type = "form.unarchived"
	CaseChanged    Type = "case.changed"
)

// Event is one change notification.
type Event struct {
	Type       Type      `json:"type"`
	Domain     string    `json:"domain"`
	FormID     string    `json:"form_id,omitempty"`
	CaseID     string    `json:"case_id,omitempty"`
	CaseIDs    []string  `json:"case_ids,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key returns the partitioning key. Events about the same form or case keep
// their relative order.
func (e Event) Key() string {
	if e.CaseID != "" {
		return e.Domain + "/case/" + e.CaseID
	}
	return e.Domain + "/form/" + e.FormID
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

func (Nop) Close() error { return nil }

// Recorder keeps published events in memory. Used by tests and the scenario harness.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

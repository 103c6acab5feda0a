// Package audit records who changed what in the ledger: charge edits,
// payments, replays and voids. Events are written asynchronously by a Worker
// so a slow event table never holds up a settlement.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypePaymentRegistered  = "payment.registered"
	TypePaymentReplayed    = "payment.replayed"
	TypeEntryVoided        = "entry.voided"
	TypeChargeChanged      = "charge.changed"
	TypeSettlementConflict = "settlement.conflict"
	TypeRosterApplied      = "roster.applied"
	TypeSnapshotDrift      = "snapshot.drift"
)

type Event struct {
	ID        uuid.UUID         `json:"id,omitempty"`
	Type      string            `json:"event_type,omitempty"`
	Data      map[string]any    `json:"event_data,omitempty"`
	Metadata  map[string]string `json:"event_metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type EventOption func(*Event)

func WithType(eventType string) EventOption {
	return func(e *Event) {
		e.Type = eventType
	}
}

func WithData(data map[string]any) EventOption {
	return func(e *Event) {
		e.Data = data
	}
}

func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		e.Metadata = metadata
	}
}

// WithActor records the operator in the metadata.
func WithActor(actor string) EventOption {
	return func(e *Event) {
		if actor != "" {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata["actor"] = actor
		}
	}
}

func NewEvent(opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// EventLogger persists events.
type EventLogger interface {
	Save(ctx context.Context, e Event) error
	GetByType(ctx context.Context, eventType string) ([]Event, error)
	// Recent returns the newest events first, at most limit.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Log(e Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Log(Event) {}

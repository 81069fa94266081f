package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType is returned when a type outside the closed catalog is
	// presented for append or decode.
	ErrUnknownType = errors.New("events: type not in catalog")
	// ErrMissingTrace is returned when the trace quartet is incomplete.
	ErrMissingTrace = errors.New("events: trace metadata incomplete")
)

// ActorType classifies the actor recorded on an event.
type ActorType string

const (
	ActorStaff  ActorType = "STAFF"
	ActorClinic ActorType = "CLINIC"
	ActorOwner  ActorType = "OWNER"
	ActorSystem ActorType = "SYSTEM"
)

// Trace is the causal metadata carried by every event. CausationID is nil
// only for initiating events.
type Trace struct {
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
	ActorID       uuid.UUID
	ActorType     ActorType
}

// Validate checks that the required trace fields are present.
func (t Trace) Validate() error {
	if t.CorrelationID == uuid.Nil || t.ActorID == uuid.Nil || t.ActorType == "" {
		return ErrMissingTrace
	}
	if t.CausationID != nil && *t.CausationID == uuid.Nil {
		return ErrMissingTrace
	}
	return nil
}

// Event is the append-only unit of truth. OccurredAt is the client-asserted
// business timestamp and is informational only; IngestedAt is stamped by
// the log at append and drives all ordering, watermarks and deadlines.
type Event struct {
	EventID       uuid.UUID
	AggregateType AggregateType
	AggregateID   uuid.UUID
	Type          Type
	Data          json.RawMessage
	OccurredAt    time.Time
	IngestedAt    time.Time
	GrantCycleID  uuid.UUID
	Trace         Trace
}

// New assembles an event envelope around a typed payload. The payload is
// marshalled immediately so reducers always see the persisted form.
func New(aggType AggregateType, aggID uuid.UUID, eventType Type, payload any, occurredAt time.Time, cycleID uuid.UUID, trace Trace) (Event, error) {
	if !Known(eventType) {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}
	if !ValidAggregateType(aggType) {
		return Event{}, fmt.Errorf("events: invalid aggregate type %q", aggType)
	}
	if aggID == uuid.Nil {
		return Event{}, errors.New("events: aggregate id is required")
	}
	if cycleID == uuid.Nil {
		return Event{}, errors.New("events: grant cycle id is required")
	}
	if err := trace.Validate(); err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          eventType,
		Data:          data,
		OccurredAt:    occurredAt.UTC(),
		GrantCycleID:  cycleID,
		Trace:         trace,
	}, nil
}

// Watermark is the (ingestedAt, eventId) pair identifying a position in the
// log's total order. Comparison is lexicographic on the tuple; UUIDv7 text
// order matches its byte order, so string comparison on EventID is exact.
type Watermark struct {
	IngestedAt time.Time
	EventID    uuid.UUID
}

// ZeroWatermark is the rebuild origin: epoch time, all-zero UUID.
func ZeroWatermark() Watermark {
	return Watermark{IngestedAt: time.Unix(0, 0).UTC(), EventID: uuid.Nil}
}

// Less reports whether w sorts strictly before other.
func (w Watermark) Less(other Watermark) bool {
	if !w.IngestedAt.Equal(other.IngestedAt) {
		return w.IngestedAt.Before(other.IngestedAt)
	}
	return w.EventID.String() < other.EventID.String()
}

// Covers reports whether the position of e is at or before the watermark,
// i.e. whether a reader at w has already observed e.
func (w Watermark) Covers(e Event) bool {
	pos := Watermark{IngestedAt: e.IngestedAt, EventID: e.EventID}
	return !w.Less(pos)
}

// Position returns the event's own watermark.
func (e Event) Position() Watermark {
	return Watermark{IngestedAt: e.IngestedAt, EventID: e.EventID}
}

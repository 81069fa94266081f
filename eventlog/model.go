package eventlog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantledger/core/events"
)

// ErrImmutable is returned whenever anything attempts to update or delete a
// stored event. The same rule is enforced twice: by gorm hooks for ORM
// paths and by a database trigger for raw SQL.
var ErrImmutable = errors.New("eventlog: event log is append-only")

// Record is the persisted shape of one event. Timestamps are stored as UTC
// microseconds so tuple comparisons behave identically on Postgres and the
// sqlite test driver. Event ids are stored in canonical lowercase text,
// which for UUIDv7 sorts exactly like the underlying bytes.
type Record struct {
	EventID        string  `gorm:"primaryKey;size:36"`
	AggregateType  string  `gorm:"size:16;index:idx_event_log_aggregate,priority:1"`
	AggregateID    string  `gorm:"size:36;index:idx_event_log_aggregate,priority:2"`
	EventType      string  `gorm:"size:64;index"`
	EventData      string  `gorm:"type:text"`
	OccurredAtUnix int64   `gorm:"not null"`
	IngestedAtUnix int64   `gorm:"not null;index:idx_event_log_order,priority:1"`
	GrantCycleID   string  `gorm:"size:36;index"`
	CorrelationID  string  `gorm:"size:36;index"`
	CausationID    *string `gorm:"size:36"`
	ActorID        string  `gorm:"size:36"`
	ActorType      string  `gorm:"size:16"`
}

// TableName pins the storage table.
func (Record) TableName() string { return "event_log" }

// BeforeUpdate rejects mutation through any ORM path.
func (Record) BeforeUpdate(*gorm.DB) error { return ErrImmutable }

// BeforeDelete rejects deletion through any ORM path.
func (Record) BeforeDelete(*gorm.DB) error { return ErrImmutable }

func toRecord(e events.Event) Record {
	var causation *string
	if e.Trace.CausationID != nil {
		s := e.Trace.CausationID.String()
		causation = &s
	}
	return Record{
		EventID:        e.EventID.String(),
		AggregateType:  string(e.AggregateType),
		AggregateID:    e.AggregateID.String(),
		EventType:      string(e.Type),
		EventData:      string(e.Data),
		OccurredAtUnix: e.OccurredAt.UTC().UnixMicro(),
		IngestedAtUnix: e.IngestedAt.UTC().UnixMicro(),
		GrantCycleID:   e.GrantCycleID.String(),
		CorrelationID:  e.Trace.CorrelationID.String(),
		CausationID:    causation,
		ActorID:        e.Trace.ActorID.String(),
		ActorType:      string(e.Trace.ActorType),
	}
}

func fromRecord(r Record) (events.Event, error) {
	eventID, err := uuid.Parse(r.EventID)
	if err != nil {
		return events.Event{}, err
	}
	aggID, err := uuid.Parse(r.AggregateID)
	if err != nil {
		return events.Event{}, err
	}
	cycleID, err := uuid.Parse(r.GrantCycleID)
	if err != nil {
		return events.Event{}, err
	}
	corrID, err := uuid.Parse(r.CorrelationID)
	if err != nil {
		return events.Event{}, err
	}
	actorID, err := uuid.Parse(r.ActorID)
	if err != nil {
		return events.Event{}, err
	}
	var causation *uuid.UUID
	if r.CausationID != nil {
		parsed, err := uuid.Parse(*r.CausationID)
		if err != nil {
			return events.Event{}, err
		}
		causation = &parsed
	}
	return events.Event{
		EventID:       eventID,
		AggregateType: events.AggregateType(r.AggregateType),
		AggregateID:   aggID,
		Type:          events.Type(r.EventType),
		Data:          []byte(r.EventData),
		OccurredAt:    time.UnixMicro(r.OccurredAtUnix).UTC(),
		IngestedAt:    time.UnixMicro(r.IngestedAtUnix).UTC(),
		GrantCycleID:  cycleID,
		Trace: events.Trace{
			CorrelationID: corrID,
			CausationID:   causation,
			ActorID:       actorID,
			ActorType:     events.ActorType(r.ActorType),
		},
	}, nil
}

package eventlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantledger/core/events"
	"grantledger/core/identity"
)

var (
	// ErrBadEventType is returned when the type fails the catalog check.
	ErrBadEventType = errors.New("eventlog: event type not in catalog")
	// ErrBadEventID is returned when the event id is missing or not a UUIDv7.
	ErrBadEventID = errors.New("eventlog: event id must be a UUIDv7")
	// ErrDuplicateEventID is returned on primary-key collision at append.
	ErrDuplicateEventID = errors.New("eventlog: duplicate event id")
)

// Log is the append-only event store. All appends run inside the caller's
// transaction so a command's events and projection writes commit
// atomically. The log owns the server clock: IngestedAt never moves
// backwards even if the wall clock does.
type Log struct {
	ids *identity.EventIDSource
	now func() time.Time

	mu            sync.Mutex
	lastIngestedU int64
}

// New constructs a log around the given clock. A nil clock uses time.Now.
// The same clock feeds both IngestedAt stamps and UUIDv7 generation so the
// two stay mutually ordered.
func New(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{ids: identity.NewEventIDSource(now), now: now}
}

// Migrate creates the event log table and installs the immutability
// trigger for the connected dialect. The trigger is the non-bypassable
// enforcement; the gorm hooks on Record cover ORM paths before SQL is
// ever issued.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return installImmutabilityTrigger(db)
}

func installImmutabilityTrigger(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "postgres":
		const fn = `
CREATE OR REPLACE FUNCTION event_log_reject_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'event log is append-only';
END;
$$ LANGUAGE plpgsql;`
		if err := db.Exec(fn).Error; err != nil {
			return fmt.Errorf("eventlog: create trigger function: %w", err)
		}
		const trig = `
DROP TRIGGER IF EXISTS event_log_immutable ON event_log;
CREATE TRIGGER event_log_immutable
    BEFORE UPDATE OR DELETE ON event_log
    FOR EACH ROW EXECUTE FUNCTION event_log_reject_mutation();`
		if err := db.Exec(trig).Error; err != nil {
			return fmt.Errorf("eventlog: create trigger: %w", err)
		}
	case "sqlite":
		statements := []string{
			`CREATE TRIGGER IF NOT EXISTS event_log_no_update
                         BEFORE UPDATE ON event_log
                         BEGIN SELECT RAISE(ABORT, 'event log is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS event_log_no_delete
                         BEFORE DELETE ON event_log
                         BEGIN SELECT RAISE(ABORT, 'event log is append-only'); END;`,
		}
		for _, stmt := range statements {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("eventlog: create trigger: %w", err)
			}
		}
	default:
		return fmt.Errorf("eventlog: unsupported dialect %q", db.Dialector.Name())
	}
	return nil
}

// Append validates, stamps and writes one event inside tx, returning the
// stored envelope with EventID and IngestedAt populated.
func (l *Log) Append(tx *gorm.DB, e events.Event) (events.Event, error) {
	if !events.ValidTypeName(e.Type) || !events.Known(e.Type) {
		return events.Event{}, fmt.Errorf("%w: %q", ErrBadEventType, e.Type)
	}
	if !events.ValidAggregateType(e.AggregateType) || e.AggregateID == uuid.Nil {
		return events.Event{}, fmt.Errorf("eventlog: invalid aggregate reference %s/%s", e.AggregateType, e.AggregateID)
	}
	if e.GrantCycleID == uuid.Nil {
		return events.Event{}, errors.New("eventlog: grant cycle id is required")
	}
	if err := e.Trace.Validate(); err != nil {
		return events.Event{}, err
	}

	if e.EventID == uuid.Nil {
		id, err := l.ids.Next()
		if err != nil {
			return events.Event{}, err
		}
		e.EventID = id
	} else if !identity.IsEventID(e.EventID) {
		return events.Event{}, fmt.Errorf("%w: %s", ErrBadEventID, e.EventID)
	}

	e.IngestedAt = l.stamp()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.IngestedAt
	}

	record := toRecord(e)
	if err := tx.Create(&record).Error; err != nil {
		if isDuplicateKey(err) {
			return events.Event{}, fmt.Errorf("%w: %s", ErrDuplicateEventID, e.EventID)
		}
		return events.Event{}, fmt.Errorf("eventlog: append: %w", err)
	}
	return e, nil
}

// stamp returns the next IngestedAt value, clamped so the sequence of
// stamps from this log never decreases. Ties are broken by the UUIDv7
// event id, which is strictly monotonic from the shared sequencer.
func (l *Log) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.now().UTC().UnixMicro()
	if u < l.lastIngestedU {
		u = l.lastIngestedU
	}
	l.lastIngestedU = u
	return time.UnixMicro(u).UTC()
}

// FetchSince returns up to limit events strictly after the watermark in
// (ingestedAt, eventId) order. Repeated pagination starting from the ZERO
// watermark covers every event exactly once.
func FetchSince(db *gorm.DB, w events.Watermark, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	wmUnix := w.IngestedAt.UTC().UnixMicro()
	var records []Record
	err := db.
		Where("ingested_at_unix > ? OR (ingested_at_unix = ? AND event_id > ?)", wmUnix, wmUnix, w.EventID.String()).
		Order("ingested_at_unix ASC, event_id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: fetch since: %w", err)
	}
	out := make([]events.Event, 0, len(records))
	for _, r := range records {
		e, err := fromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("eventlog: corrupt record %s: %w", r.EventID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// FetchAggregate returns the full event stream of one aggregate in append
// order, for folding inside a command transaction.
func FetchAggregate(db *gorm.DB, aggType events.AggregateType, aggID uuid.UUID) ([]events.Event, error) {
	var records []Record
	err := db.
		Where("aggregate_type = ? AND aggregate_id = ?", string(aggType), aggID.String()).
		Order("ingested_at_unix ASC, event_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: fetch aggregate: %w", err)
	}
	out := make([]events.Event, 0, len(records))
	for _, r := range records {
		e, err := fromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("eventlog: corrupt record %s: %w", r.EventID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CountByType returns the number of stored events of one type, a helper
// for audits and tests.
func CountByType(db *gorm.DB, t events.Type) (int64, error) {
	var n int64
	if err := db.Model(&Record{}).Where("event_type = ?", string(t)).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kernelerrors "grantledger/core/errors"
)

// Status values for a reservation.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// DefaultTTL bounds how long a completed or failed record is honoured.
const DefaultTTL = 24 * time.Hour

// Key is the reservation row for one idempotency key. This is an
// operational cache, not business state, so its only time columns are
// RecordedAt and ExpiresAt.
type Key struct {
	Key           string `gorm:"primaryKey;size:128"`
	OperationType string `gorm:"size:64;not null"`
	RequestHash   string `gorm:"size:64;not null"`
	Status        string `gorm:"size:16;index;not null"`
	Response      string `gorm:"type:text"`
	RecordedAt    time.Time
	ExpiresAt     time.Time
}

// TableName pins the storage table.
func (Key) TableName() string { return "idempotency_keys" }

// Disposition is the outcome of CheckAndReserve.
type Disposition int

const (
	// DispositionNew means the caller holds the reservation and must run
	// the command.
	DispositionNew Disposition = iota
	// DispositionReplay means a completed response was found and must be
	// returned verbatim without re-executing.
	DispositionReplay
)

// Reservation is the result of a successful CheckAndReserve call.
type Reservation struct {
	Disposition Disposition
	// Response holds the recorded response body when Disposition is
	// DispositionReplay.
	Response string
}

// Store manages idempotency reservations. Every transition runs in its own
// short transaction and takes the row lock before touching the row, so the
// reservation survives rollback of the enclosing command and concurrent
// reservers serialize instead of deadlocking.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore constructs a store. Zero ttl selects DefaultTTL; nil now selects
// time.Now.
func NewStore(db *gorm.DB, ttl time.Duration, now func() time.Time) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, ttl: ttl, now: now}
}

// Migrate creates the reservation table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Key{}); err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// CheckAndReserve resolves the key to one of: a fresh reservation
// (DispositionNew), a verbatim replay (DispositionReplay), or an
// OPERATION_IN_PROGRESS concurrency error while another holder is
// processing. A FAILED record transitions back to PROCESSING so the caller
// may retry; an expired record is treated as absent.
func (s *Store) CheckAndReserve(ctx context.Context, key, operationType, requestHash string) (Reservation, error) {
	if key == "" {
		return Reservation{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "idempotency key is required")
	}
	if operationType == "" {
		return Reservation{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "operation type is required")
	}

	var result Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		var record Key
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fresh := Key{
				Key:           key,
				OperationType: operationType,
				RequestHash:   requestHash,
				Status:        StatusProcessing,
				RecordedAt:    now,
				ExpiresAt:     now.Add(s.ttl),
			}
			create := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
			if create.Error != nil {
				return create.Error
			}
			if create.RowsAffected == 0 {
				// Lost the insert race after our locked read saw nothing.
				return kernelerrors.Concurrency(kernelerrors.CodeOperationInProgress, "operation %s already in flight", operationType)
			}
			result = Reservation{Disposition: DispositionNew}
			return nil
		case err != nil:
			return err
		}

		if now.After(record.ExpiresAt) {
			return s.takeOver(tx, &record, operationType, requestHash, now, &result)
		}
		if record.OperationType != operationType || record.RequestHash != requestHash {
			return kernelerrors.Validation(kernelerrors.CodeInvalidInput,
				"idempotency key %s reused with a different request", key)
		}
		switch record.Status {
		case StatusProcessing:
			return kernelerrors.Concurrency(kernelerrors.CodeOperationInProgress, "operation %s already in flight", operationType)
		case StatusCompleted:
			result = Reservation{Disposition: DispositionReplay, Response: record.Response}
			return nil
		case StatusFailed:
			return s.takeOver(tx, &record, operationType, requestHash, now, &result)
		default:
			return fmt.Errorf("idempotency: unknown status %q for key %s", record.Status, key)
		}
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *Store) takeOver(tx *gorm.DB, record *Key, operationType, requestHash string, now time.Time, result *Reservation) error {
	updates := map[string]any{
		"operation_type": operationType,
		"request_hash":   requestHash,
		"status":         StatusProcessing,
		"response":       "",
		"recorded_at":    now,
		"expires_at":     now.Add(s.ttl),
	}
	if err := tx.Model(&Key{}).Where("key = ?", record.Key).Updates(updates).Error; err != nil {
		return err
	}
	*result = Reservation{Disposition: DispositionNew}
	return nil
}

// MarkCompleted records the response for replay and releases the
// reservation as COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, key, response string) error {
	return s.transition(ctx, key, StatusCompleted, response)
}

// MarkFailed releases the reservation as FAILED, allowing a later retry to
// re-reserve.
func (s *Store) MarkFailed(ctx context.Context, key string) error {
	return s.transition(ctx, key, StatusFailed, "")
}

func (s *Store) transition(ctx context.Context, key, status, response string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Key
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("idempotency: key %s not reserved", key)
			}
			return err
		}
		updates := map[string]any{
			"status":      status,
			"recorded_at": s.now().UTC(),
		}
		if status == StatusCompleted {
			updates["response"] = response
		}
		return tx.Model(&Key{}).Where("key = ?", key).Updates(updates).Error
	})
}

// PurgeExpired removes records past their TTL. The sweeper calls this
// opportunistically; correctness never depends on it.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now().UTC()).Delete(&Key{})
	return res.RowsAffected, res.Error
}

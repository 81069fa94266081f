// Package kernel is the transactional heart of the grant ledger: the
// command handlers, the query facade and the monthly invoice engine. Every
// command follows the same discipline: validate, reserve idempotency, lock
// rows in the canonical order, fold the affected aggregates from the event
// log, run business rules, emit events, write the projections through, and
// record the idempotent response.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/domain"
	"grantledger/eventlog"
	"grantledger/idempotency"
	"grantledger/observability/metrics"
	"grantledger/projection"
)

// Command carries the envelope shared by every command: identity,
// idempotency and the trace quartet.
type Command struct {
	CommandID      uuid.UUID
	IdempotencyKey string
	OccurredAt     time.Time
	Trace          events.Trace
}

// Validate checks the envelope.
func (c Command) Validate() error {
	if c.CommandID == uuid.Nil {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "command id is required")
	}
	if c.IdempotencyKey == "" {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "idempotency key is required")
	}
	if err := c.Trace.Validate(); err != nil {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "trace metadata incomplete")
	}
	return nil
}

// Kernel wires the event log, idempotency store and projections behind the
// command surface. It is safe for concurrent use; commands against
// disjoint aggregates do not serialize.
type Kernel struct {
	db     *gorm.DB
	log    *eventlog.Log
	idem   *idempotency.Store
	now    func() time.Time
	logger *slog.Logger
}

// Config assembles a Kernel.
type Config struct {
	DB     *gorm.DB
	Log    *eventlog.Log
	Idem   *idempotency.Store
	Now    func() time.Time
	Logger *slog.Logger
}

// New constructs the kernel. Nil optional fields get defaults.
func New(cfg Config) (*Kernel, error) {
	if cfg.DB == nil {
		return nil, errors.New("kernel: database is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lg := cfg.Log
	if lg == nil {
		lg = eventlog.New(now)
	}
	idem := cfg.Idem
	if idem == nil {
		idem = idempotency.NewStore(cfg.DB, 0, now)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{db: cfg.DB, log: lg, idem: idem, now: now, logger: logger}, nil
}

// DB exposes the kernel's handle for read-only callers such as the
// sweeper's candidate selection.
func (k *Kernel) DB() *gorm.DB { return k.db }

// Migrate prepares every table the kernel depends on.
func Migrate(db *gorm.DB) error {
	if err := eventlog.Migrate(db); err != nil {
		return err
	}
	if err := idempotency.Migrate(db); err != nil {
		return err
	}
	return projection.Migrate(db)
}

// execute runs one command under the standard discipline. The payload is
// hashed together with the operation type to police idempotency-key reuse;
// fn runs inside the command transaction and fills out; out is also the
// replay target for a completed reservation.
func (k *Kernel) execute(ctx context.Context, cmd Command, operationType string, payload any, out any, fn func(tx *gorm.DB) error) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	reservation, err := k.idem.CheckAndReserve(ctx, cmd.IdempotencyKey, operationType, requestHash(operationType, payload))
	if err != nil {
		metrics.Kernel().CommandObserved(operationType, "rejected")
		return err
	}
	if reservation.Disposition == idempotency.DispositionReplay {
		metrics.Kernel().CommandObserved(operationType, "replayed")
		if err := json.Unmarshal([]byte(reservation.Response), out); err != nil {
			return fmt.Errorf("kernel: replay %s response: %w", operationType, err)
		}
		return nil
	}

	err = k.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		if markErr := k.idem.MarkFailed(ctx, cmd.IdempotencyKey); markErr != nil {
			k.logger.Error("mark idempotency failed", "key", cmd.IdempotencyKey, "error", markErr)
		}
		category := kernelerrors.CategoryOf(err)
		if category == kernelerrors.CategoryInvariant {
			k.logger.Error("command aborted on invariant violation", "operation", operationType, "command_id", cmd.CommandID, "error", err)
		}
		metrics.Kernel().CommandObserved(operationType, "failed")
		return err
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("kernel: marshal %s response: %w", operationType, err)
	}
	if err := k.idem.MarkCompleted(ctx, cmd.IdempotencyKey, string(body)); err != nil {
		k.logger.Error("mark idempotency completed", "key", cmd.IdempotencyKey, "error", err)
	}
	metrics.Kernel().CommandObserved(operationType, "completed")
	return nil
}

// requestHash fingerprints the business payload of a command. The envelope
// fields identify the attempt, not the request: a client retry regenerates
// CommandID and trace ids but must still replay under the same key.
func requestHash(operationType string, payload any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", payload))
	} else {
		var fields map[string]json.RawMessage
		if json.Unmarshal(body, &fields) == nil {
			delete(fields, "CommandID")
			delete(fields, "IdempotencyKey")
			delete(fields, "OccurredAt")
			delete(fields, "Trace")
			if stripped, err := json.Marshal(fields); err == nil {
				body = stripped
			}
		}
	}
	sum := sha256.Sum256(append([]byte(operationType+"\n"), body...))
	return fmt.Sprintf("%x", sum)
}

// emitter threads causation through a command's event group: the first
// event carries the command's own causation, every later event is caused
// by the first.
type emitter struct {
	log   *eventlog.Log
	tx    *gorm.DB
	cmd   Command
	first *uuid.UUID
}

func (k *Kernel) emitter(tx *gorm.DB, cmd Command) *emitter {
	return &emitter{log: k.log, tx: tx, cmd: cmd}
}

func (em *emitter) emit(aggType events.AggregateType, aggID uuid.UUID, t events.Type, payload any, cycleID uuid.UUID) (events.Event, error) {
	trace := em.cmd.Trace
	if em.first != nil {
		cause := *em.first
		trace.CausationID = &cause
	}
	e, err := events.New(aggType, aggID, t, payload, em.cmd.OccurredAt, cycleID, trace)
	if err != nil {
		return events.Event{}, err
	}
	stored, err := em.log.Append(em.tx, e)
	if err != nil {
		return events.Event{}, err
	}
	metrics.Kernel().EventAppended(string(t))
	if em.first == nil {
		id := stored.EventID
		em.first = &id
	}
	return stored, nil
}

// foldGrant replays a grant aggregate inside the command transaction.
func foldGrant(tx *gorm.DB, grantID uuid.UUID) (*domain.Grant, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateGrant, grantID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, kernelerrors.NotFound("grant %s not found", grantID)
	}
	return domain.FoldGrant(stream)
}

func foldVoucher(tx *gorm.DB, voucherID uuid.UUID) (*domain.Voucher, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateVoucher, voucherID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, kernelerrors.NotFound("voucher %s not found", voucherID)
	}
	return domain.FoldVoucher(stream)
}

func foldAllocator(tx *gorm.DB, allocatorID, cycleID uuid.UUID) (*domain.Allocator, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateAllocator, allocatorID)
	if err != nil {
		return nil, err
	}
	return domain.FoldAllocator(allocatorID, cycleID, stream)
}

func foldClaim(tx *gorm.DB, claimID uuid.UUID) (*domain.Claim, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateClaim, claimID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, kernelerrors.NotFound("claim %s not found", claimID)
	}
	return domain.FoldClaim(stream)
}

func foldInvoice(tx *gorm.DB, invoiceID uuid.UUID) (*domain.Invoice, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateInvoice, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, kernelerrors.NotFound("invoice %s not found", invoiceID)
	}
	return domain.FoldInvoice(stream)
}

func foldAdjustment(tx *gorm.DB, adjustmentID uuid.UUID) (*domain.Adjustment, error) {
	stream, err := eventlog.FetchAggregate(tx, events.AggregateAdjustment, adjustmentID)
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, kernelerrors.NotFound("adjustment %s not found", adjustmentID)
	}
	return domain.FoldAdjustment(stream)
}

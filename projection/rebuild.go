package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantledger/core/events"
	"grantledger/domain"
	"grantledger/eventlog"
)

// Rebuilder reconstructs every projection table from the event log alone.
// A rebuild truncates the tables and folds the log forward from the ZERO
// watermark in pages, holding each aggregate's running state in memory.
// An event the rebuilder does not recognise is a configuration bug and
// aborts the rebuild.
type Rebuilder struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

// NewRebuilder constructs a rebuilder. A pageSize of zero selects 500.
func NewRebuilder(db *gorm.DB, pageSize int, now func() time.Time) *Rebuilder {
	if pageSize <= 0 {
		pageSize = 500
	}
	if now == nil {
		now = time.Now
	}
	return &Rebuilder{db: db, pageSize: pageSize, now: now}
}

type rebuildState struct {
	grants      map[uuid.UUID]*domain.Grant
	vouchers    map[uuid.UUID]*domain.Voucher
	allocators  map[uuid.UUID]*domain.Allocator
	counties    map[uuid.UUID]string
	claims      map[uuid.UUID]*domain.Claim
	invoices    map[uuid.UUID]*domain.Invoice
	payments    map[uuid.UUID]*domain.Payment
	adjustments map[uuid.UUID]*domain.Adjustment
}

// Run truncates and rebuilds all projections in a single transaction,
// returning the number of events folded and the final watermark.
func (r *Rebuilder) Run(ctx context.Context) (int, events.Watermark, error) {
	folded := 0
	last := events.ZeroWatermark()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Tables() {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return fmt.Errorf("projection: truncate: %w", err)
			}
		}
		state := &rebuildState{
			grants:      make(map[uuid.UUID]*domain.Grant),
			vouchers:    make(map[uuid.UUID]*domain.Voucher),
			allocators:  make(map[uuid.UUID]*domain.Allocator),
			counties:    make(map[uuid.UUID]string),
			claims:      make(map[uuid.UUID]*domain.Claim),
			invoices:    make(map[uuid.UUID]*domain.Invoice),
			payments:    make(map[uuid.UUID]*domain.Payment),
			adjustments: make(map[uuid.UUID]*domain.Adjustment),
		}
		cursor := events.ZeroWatermark()
		for {
			page, err := eventlog.FetchSince(tx, cursor, r.pageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			for _, e := range page {
				if err := r.apply(tx, state, e); err != nil {
					return err
				}
				folded++
				last = e.Position()
				cursor = last
			}
		}
	})
	if err != nil {
		return 0, events.Watermark{}, err
	}
	return folded, last, nil
}

func (r *Rebuilder) apply(tx *gorm.DB, state *rebuildState, e events.Event) error {
	if !events.Known(e.Type) {
		return fmt.Errorf("projection: event %s carries uncatalogued type %s", e.EventID, e.Type)
	}
	now := r.now()
	wm := e.Position()
	switch e.AggregateType {
	case events.AggregateApplication:
		// Application intake events are catalogued but have no projection
		// in the kernel.
		return nil
	case events.AggregateGrant:
		g, err := domain.ReduceGrant(state.grants[e.AggregateID], e)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(g); err != nil {
			return err
		}
		state.grants[e.AggregateID] = g
		return UpsertGrant(tx, g, wm, now)
	case events.AggregateVoucher:
		v, err := domain.ReduceVoucher(state.vouchers[e.AggregateID], e)
		if err != nil {
			return err
		}
		if err := domain.VoucherInvariant(v); err != nil {
			return err
		}
		state.vouchers[e.AggregateID] = v
		return UpsertVoucher(tx, v, wm, now)
	case events.AggregateAllocator:
		a, err := domain.ReduceAllocator(state.allocators[e.AggregateID], e)
		if err != nil {
			return err
		}
		state.allocators[e.AggregateID] = a
		payload, err := events.Decode(e)
		if err != nil {
			return err
		}
		alloc := payload.(*events.VoucherCodeAllocated)
		state.counties[e.AggregateID] = alloc.CountyCode
		if err := UpsertAllocator(tx, a, alloc.CountyCode, wm, now); err != nil {
			return err
		}
		return SetVoucherCode(tx, alloc.VoucherID, alloc.Code, wm, now)
	case events.AggregateClaim:
		c, err := domain.ReduceClaim(state.claims[e.AggregateID], e)
		if err != nil {
			return err
		}
		if err := domain.ClaimInvariant(c); err != nil {
			return err
		}
		state.claims[e.AggregateID] = c
		return UpsertClaim(tx, c, wm, now)
	case events.AggregateInvoice:
		inv, err := domain.ReduceInvoice(state.invoices[e.AggregateID], e)
		if err != nil {
			return err
		}
		if err := domain.InvoiceInvariant(inv); err != nil {
			return err
		}
		state.invoices[e.AggregateID] = inv
		return UpsertInvoice(tx, inv, wm, now)
	case events.AggregatePayment:
		p, err := domain.ReducePayment(state.payments[e.AggregateID], e)
		if err != nil {
			return err
		}
		state.payments[e.AggregateID] = p
		return InsertPayment(tx, p, wm, now)
	case events.AggregateAdjustment:
		a, err := domain.ReduceAdjustment(state.adjustments[e.AggregateID], e)
		if err != nil {
			return err
		}
		state.adjustments[e.AggregateID] = a
		return UpsertAdjustment(tx, a, wm, now)
	default:
		return fmt.Errorf("projection: event %s carries unknown aggregate type %s", e.EventID, e.AggregateType)
	}
}

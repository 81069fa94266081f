package kernel

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/identity"
	"grantledger/core/money"
	"grantledger/domain"
	"grantledger/projection"
)

// RecordPaymentInput records one immutable payment against an invoice.
type RecordPaymentInput struct {
	Command
	InvoiceID uuid.UUID
	Amount    money.Amount
	Channel   string
	Reference string
}

// PaymentResult reports the recorded payment and the invoice's derived
// payment position afterwards.
type PaymentResult struct {
	PaymentID     uuid.UUID `json:"paymentId"`
	InvoiceID     uuid.UUID `json:"invoiceId"`
	PaymentStatus string    `json:"paymentStatus"`
}

// RecordPayment emits PAYMENT_RECORDED and refreshes the invoice's derived
// PAID / PARTIALLY_PAID position. There is no event that updates invoice
// status; the position is recomputed from the payments sum.
func (k *Kernel) RecordPayment(ctx context.Context, in RecordPaymentInput) (PaymentResult, error) {
	if in.InvoiceID == uuid.Nil {
		return PaymentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "invoice id is required")
	}
	if in.Amount.Sign() <= 0 {
		return PaymentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "payment amount must be positive")
	}
	if in.Channel == "" {
		return PaymentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "payment channel is required")
	}
	var result PaymentResult
	err := k.execute(ctx, in.Command, "RecordPayment", in, &result, func(tx *gorm.DB) error {
		if _, err := lockInvoiceRow(tx, in.InvoiceID); err != nil {
			return err
		}
		inv, err := foldInvoice(tx, in.InvoiceID)
		if err != nil {
			return err
		}
		paymentID := identity.NewAggregateID()
		em := k.emitter(tx, in.Command)
		recorded, err := em.emit(events.AggregatePayment, paymentID, events.TypePaymentRecorded, events.PaymentRecorded{
			InvoiceID: in.InvoiceID,
			Amount:    in.Amount.String(),
			Channel:   in.Channel,
			Reference: in.Reference,
		}, inv.GrantCycleID)
		if err != nil {
			return err
		}
		p, err := domain.ReducePayment(nil, recorded)
		if err != nil {
			return err
		}
		if err := projection.InsertPayment(tx, p, recorded.Position(), k.now()); err != nil {
			return err
		}
		var row projection.InvoiceRow
		if err := tx.First(&row, "invoice_id = ?", in.InvoiceID.String()).Error; err != nil {
			return err
		}
		result = PaymentResult{PaymentID: paymentID, InvoiceID: in.InvoiceID, PaymentStatus: row.PaymentStatus}
		return nil
	})
	return result, err
}

// CreateAdjustmentInput creates a carry-forward adjustment against a source
// invoice. A nil ClinicID scopes it cycle-wide; the amount may be negative
// for credits.
type CreateAdjustmentInput struct {
	Command
	SourceInvoiceID uuid.UUID
	ClinicID        *uuid.UUID
	Amount          money.Amount
	Reason          string
}

// AdjustmentResult is the response of CreateAdjustment.
type AdjustmentResult struct {
	AdjustmentID uuid.UUID `json:"adjustmentId"`
	Status       string    `json:"status"`
}

// CreateAdjustment emits INVOICE_ADJUSTMENT_CREATED; the adjustment stays
// AVAILABLE until an invoicing run consumes it.
func (k *Kernel) CreateAdjustment(ctx context.Context, in CreateAdjustmentInput) (AdjustmentResult, error) {
	if in.SourceInvoiceID == uuid.Nil {
		return AdjustmentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "source invoice id is required")
	}
	if in.ClinicID != nil && *in.ClinicID == uuid.Nil {
		return AdjustmentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "clinic id must be set or omitted")
	}
	if in.Amount.IsZero() {
		return AdjustmentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "adjustment amount must be non-zero")
	}
	if in.Reason == "" {
		return AdjustmentResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "adjustment reason is required")
	}
	var result AdjustmentResult
	err := k.execute(ctx, in.Command, "CreateAdjustment", in, &result, func(tx *gorm.DB) error {
		if _, err := lockInvoiceRow(tx, in.SourceInvoiceID); err != nil {
			return err
		}
		inv, err := foldInvoice(tx, in.SourceInvoiceID)
		if err != nil {
			return err
		}
		adjustmentID := identity.NewAggregateID()
		em := k.emitter(tx, in.Command)
		created, err := em.emit(events.AggregateAdjustment, adjustmentID, events.TypeInvoiceAdjustmentCreated, events.InvoiceAdjustmentCreated{
			SourceInvoiceID: in.SourceInvoiceID,
			ClinicID:        in.ClinicID,
			Amount:          in.Amount.String(),
			Reason:          in.Reason,
		}, inv.GrantCycleID)
		if err != nil {
			return err
		}
		a, err := domain.ReduceAdjustment(nil, created)
		if err != nil {
			return err
		}
		if err := projection.UpsertAdjustment(tx, a, created.Position(), k.now()); err != nil {
			return err
		}
		result = AdjustmentResult{AdjustmentID: adjustmentID, Status: string(a.Status)}
		return nil
	})
	return result, err
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// Payment is the folded state of one payment aggregate. Payments are
// single-event aggregates: recorded once, never changed.
type Payment struct {
	ID           uuid.UUID
	InvoiceID    uuid.UUID
	GrantCycleID uuid.UUID
	Amount       money.Amount
	Channel      string
	Reference    string
	ReceivedAt   time.Time
}

// ReducePayment folds one event into the payment state.
func ReducePayment(p *Payment, e events.Event) (*Payment, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	rec, ok := payload.(*events.PaymentRecorded)
	if !ok {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "payment: unexpected event %s", e.Type)
	}
	if p != nil {
		return nil, kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "payment: re-recorded aggregate %s", e.AggregateID)
	}
	amount, err := money.FromString(rec.Amount)
	if err != nil {
		return nil, err
	}
	return &Payment{
		ID:           e.AggregateID,
		InvoiceID:    rec.InvoiceID,
		GrantCycleID: e.GrantCycleID,
		Amount:       amount,
		Channel:      rec.Channel,
		Reference:    rec.Reference,
		ReceivedAt:   e.IngestedAt,
	}, nil
}

// FoldPayment replays an aggregate stream into its current state.
func FoldPayment(stream []events.Event) (*Payment, error) {
	var p *Payment
	var err error
	for _, e := range stream {
		if p, err = ReducePayment(p, e); err != nil {
			return nil, fmt.Errorf("fold payment at event %s: %w", e.EventID, err)
		}
	}
	return p, nil
}

// DerivePaymentStatus computes the projection-derived payment position of
// an invoice from its lifecycle status, frozen total and the sum of
// recorded payments. There is no event behind this value.
func DerivePaymentStatus(status InvoiceStatus, total, paid money.Amount) string {
	if paid.Sign() > 0 {
		if paid.Cmp(total) >= 0 {
			return "PAID"
		}
		return "PARTIALLY_PAID"
	}
	return string(status)
}

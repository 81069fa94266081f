package domain

import (
	"fmt"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// InvoiceStatus is the invoice lifecycle position persisted on events.
// Payment progress (PAID, PARTIALLY_PAID) is projection-derived from the
// sum of payments and never event-sourced.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceSubmitted InvoiceStatus = "SUBMITTED"
)

// Invoice is the folded state of one invoice aggregate. The claim and
// adjustment lists and the total are frozen at generation.
type Invoice struct {
	ID              uuid.UUID
	ClinicID        uuid.UUID
	GrantCycleID    uuid.UUID
	Year            int
	Month           int
	ClaimIDs        []uuid.UUID
	AdjustmentIDs   []uuid.UUID
	ClaimsTotal     money.Amount
	AdjustmentTotal money.Amount
	Total           money.Amount
	Status          InvoiceStatus
}

// ReduceInvoice folds one event into the invoice state. Once SUBMITTED the
// invoice is locked and refuses every further event.
func ReduceInvoice(inv *Invoice, e events.Event) (*Invoice, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	switch p := payload.(type) {
	case *events.InvoiceGenerated:
		if inv != nil {
			return nil, kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "invoice: regenerated aggregate %s", e.AggregateID)
		}
		claimsTotal, err := money.FromString(p.ClaimsTotal)
		if err != nil {
			return nil, err
		}
		adjTotal, err := money.FromString(p.AdjustmentTotal)
		if err != nil {
			return nil, err
		}
		total, err := money.FromString(p.Total)
		if err != nil {
			return nil, err
		}
		return &Invoice{
			ID:              e.AggregateID,
			ClinicID:        p.ClinicID,
			GrantCycleID:    e.GrantCycleID,
			Year:            p.Year,
			Month:           p.Month,
			ClaimIDs:        append([]uuid.UUID(nil), p.ClaimIDs...),
			AdjustmentIDs:   append([]uuid.UUID(nil), p.AdjustmentIDs...),
			ClaimsTotal:     claimsTotal,
			AdjustmentTotal: adjTotal,
			Total:           total,
			Status:          InvoiceDraft,
		}, nil
	case *events.InvoiceSubmitted:
		if inv == nil {
			return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "invoice: submit before generation")
		}
		if inv.Status != InvoiceDraft {
			return nil, kernelerrors.Invariant(kernelerrors.CodeInvoiceLocked, "invoice %s: already submitted", inv.ID)
		}
		inv.Status = InvoiceSubmitted
		return inv, nil
	default:
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "invoice: unexpected event %s", e.Type)
	}
}

// InvoiceInvariant checks that the frozen totals agree.
func InvoiceInvariant(inv *Invoice) error {
	if inv == nil {
		return nil
	}
	if inv.Total.Cmp(inv.ClaimsTotal.Add(inv.AdjustmentTotal)) != 0 {
		return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken,
			"invoice %s: total %s does not equal claims %s + adjustments %s",
			inv.ID, inv.Total, inv.ClaimsTotal, inv.AdjustmentTotal)
	}
	return nil
}

// FoldInvoice replays an aggregate stream into its current state.
func FoldInvoice(stream []events.Event) (*Invoice, error) {
	var inv *Invoice
	var err error
	for _, e := range stream {
		if inv, err = ReduceInvoice(inv, e); err != nil {
			return nil, fmt.Errorf("fold invoice at event %s: %w", e.EventID, err)
		}
	}
	if err := InvoiceInvariant(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

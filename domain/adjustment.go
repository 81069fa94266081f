package domain

import (
	"fmt"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// AdjustmentStatus is the carry-forward adjustment position.
type AdjustmentStatus string

const (
	AdjustmentAvailable AdjustmentStatus = "AVAILABLE"
	AdjustmentApplied   AdjustmentStatus = "APPLIED"
)

// Adjustment is the folded state of one carry-forward adjustment. A nil
// ClinicID scopes it cycle-wide; otherwise it only ever applies to
// invoices of that clinic.
type Adjustment struct {
	ID              uuid.UUID
	SourceInvoiceID uuid.UUID
	ClinicID        *uuid.UUID
	GrantCycleID    uuid.UUID
	Amount          money.Amount
	Reason          string
	Status          AdjustmentStatus
	AppliedToID     uuid.UUID
}

// ReduceAdjustment folds one event into the adjustment state.
func ReduceAdjustment(a *Adjustment, e events.Event) (*Adjustment, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	switch p := payload.(type) {
	case *events.InvoiceAdjustmentCreated:
		if a != nil {
			return nil, kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "adjustment: re-created aggregate %s", e.AggregateID)
		}
		amount, err := money.FromString(p.Amount)
		if err != nil {
			return nil, err
		}
		var clinic *uuid.UUID
		if p.ClinicID != nil {
			c := *p.ClinicID
			clinic = &c
		}
		return &Adjustment{
			ID:              e.AggregateID,
			SourceInvoiceID: p.SourceInvoiceID,
			ClinicID:        clinic,
			GrantCycleID:    e.GrantCycleID,
			Amount:          amount,
			Reason:          p.Reason,
			Status:          AdjustmentAvailable,
		}, nil
	case *events.InvoiceAdjustmentApplied:
		if a == nil {
			return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "adjustment: applied before creation")
		}
		if a.Status != AdjustmentAvailable {
			return nil, kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "adjustment %s: applied twice", a.ID)
		}
		a.Status = AdjustmentApplied
		a.AppliedToID = p.TargetInvoiceID
		return a, nil
	default:
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "adjustment: unexpected event %s", e.Type)
	}
}

// EligibleFor reports whether the adjustment may be applied to an invoice
// of the given clinic and cycle. Adjustments never cross clinics unless
// cycle-wide, and never cross cycles at all.
func (a *Adjustment) EligibleFor(clinicID, cycleID uuid.UUID) bool {
	if a == nil || a.Status != AdjustmentAvailable {
		return false
	}
	if a.GrantCycleID != cycleID {
		return false
	}
	return a.ClinicID == nil || *a.ClinicID == clinicID
}

// FoldAdjustment replays an aggregate stream into its current state.
func FoldAdjustment(stream []events.Event) (*Adjustment, error) {
	var a *Adjustment
	var err error
	for _, e := range stream {
		if a, err = ReduceAdjustment(a, e); err != nil {
			return nil, fmt.Errorf("fold adjustment at event %s: %w", e.EventID, err)
		}
	}
	return a, nil
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// ClaimStatus is the claim decision position.
type ClaimStatus string

const (
	ClaimSubmitted ClaimStatus = "SUBMITTED"
	ClaimApproved  ClaimStatus = "APPROVED"
	ClaimDenied    ClaimStatus = "DENIED"
	ClaimAdjusted  ClaimStatus = "ADJUSTED"
	ClaimInvoiced  ClaimStatus = "INVOICED"
)

// Decided reports whether a terminal decision has been recorded. A decided
// claim refuses further Approve/Deny commands; the loser is preserved as a
// CLAIM_DECISION_CONFLICT_RECORDED event with no state change.
func (s ClaimStatus) Decided() bool {
	switch s {
	case ClaimApproved, ClaimDenied, ClaimAdjusted, ClaimInvoiced:
		return true
	default:
		return false
	}
}

// Claim is the folded state of one claim aggregate.
type Claim struct {
	ID              uuid.UUID
	VoucherID       uuid.UUID
	ClinicID        uuid.UUID
	GrantCycleID    uuid.UUID
	ProcedureCode   string
	DateOfService   string
	Charged         money.Amount
	CoPay           money.Amount
	Rabies          bool
	Fingerprint     string
	Status          ClaimStatus
	ApprovedAmount  money.Amount
	// Liquidated is the amount the most recent approval settled against the
	// grant. Adjustment alone moves no funds, so this can trail
	// ApprovedAmount until the claim is re-approved.
	Liquidated      money.Amount
	ApprovedEventID uuid.UUID
	ApprovedAt      time.Time
	InvoiceID       uuid.UUID
	Basis           *events.DecisionBasis
}

func illegalClaim(from ClaimStatus, t events.Type) error {
	return kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "claim: %s not allowed in status %s", t, from)
}

// ReduceClaim folds one event into the claim state. On approval the reducer
// captures the approving event's UUIDv7 and its ingested timestamp; both
// feed the invoice selection watermark.
func ReduceClaim(c *Claim, e events.Event) (*Claim, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	if p, ok := payload.(*events.ClaimSubmitted); ok {
		if c != nil {
			return nil, illegalClaim(c.Status, e.Type)
		}
		charged, err := money.FromString(p.ChargedAmount)
		if err != nil {
			return nil, err
		}
		coPay, err := money.FromString(p.CoPay)
		if err != nil {
			return nil, err
		}
		return &Claim{
			ID:            e.AggregateID,
			VoucherID:     p.VoucherID,
			ClinicID:      p.ClinicID,
			GrantCycleID:  e.GrantCycleID,
			ProcedureCode: p.ProcedureCode,
			DateOfService: p.DateOfService,
			Charged:       charged,
			CoPay:         coPay,
			Rabies:        p.Rabies,
			Fingerprint:   p.Fingerprint,
			Status:        ClaimSubmitted,
		}, nil
	}

	if c == nil {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "claim: %s before CLAIM_SUBMITTED", e.Type)
	}

	switch p := payload.(type) {
	case *events.ClaimApproved:
		if c.Status != ClaimSubmitted && c.Status != ClaimAdjusted {
			return nil, illegalClaim(c.Status, e.Type)
		}
		amount, err := money.FromString(p.ApprovedAmount)
		if err != nil {
			return nil, err
		}
		c.Status = ClaimApproved
		c.ApprovedAmount = amount
		c.Liquidated = amount
		c.ApprovedEventID = e.EventID
		c.ApprovedAt = e.IngestedAt
		basis := p.Basis
		c.Basis = &basis
	case *events.ClaimDenied:
		if c.Status != ClaimSubmitted {
			return nil, illegalClaim(c.Status, e.Type)
		}
		c.Status = ClaimDenied
		basis := p.Basis
		c.Basis = &basis
	case *events.ClaimAdjusted:
		// Re-adjustment is permitted any number of times before invoicing;
		// the latest adjusted amount wins.
		if c.Status != ClaimSubmitted && c.Status != ClaimApproved && c.Status != ClaimAdjusted {
			return nil, illegalClaim(c.Status, e.Type)
		}
		amount, err := money.FromString(p.ApprovedAmount)
		if err != nil {
			return nil, err
		}
		c.Status = ClaimAdjusted
		c.ApprovedAmount = amount
		basis := p.Basis
		c.Basis = &basis
	case *events.ClaimInvoiced:
		if c.Status != ClaimApproved {
			return nil, illegalClaim(c.Status, e.Type)
		}
		c.Status = ClaimInvoiced
		c.InvoiceID = p.InvoiceID
	case *events.ClaimDecisionConflictRecorded:
		// Recorded for audit; first decision wins, state unchanged.
	default:
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "claim: unexpected event %s", e.Type)
	}
	return c, nil
}

// ClaimInvariant checks structural properties of the folded state.
func ClaimInvariant(c *Claim) error {
	if c == nil {
		return nil
	}
	if c.Charged.IsNegative() || c.CoPay.IsNegative() || c.ApprovedAmount.IsNegative() {
		return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "claim %s: negative amount", c.ID)
	}
	if c.Status == ClaimApproved || c.Status == ClaimInvoiced {
		if c.ApprovedEventID == uuid.Nil || c.ApprovedAt.IsZero() {
			return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "claim %s: approval missing watermark fields", c.ID)
		}
		if c.Basis == nil {
			return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "claim %s: approval missing decision basis", c.ID)
		}
	}
	return nil
}

// FoldClaim replays an aggregate stream into its current state.
func FoldClaim(stream []events.Event) (*Claim, error) {
	var c *Claim
	var err error
	for _, e := range stream {
		if c, err = ReduceClaim(c, e); err != nil {
			return nil, fmt.Errorf("fold claim at event %s: %w", e.EventID, err)
		}
	}
	if err := ClaimInvariant(c); err != nil {
		return nil, err
	}
	return c, nil
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// VoucherStatus is the voucher state-machine position. REDEEMED, EXPIRED
// and VOIDED are terminal.
type VoucherStatus string

const (
	VoucherTentative VoucherStatus = "TENTATIVE"
	VoucherIssued    VoucherStatus = "ISSUED"
	VoucherRedeemed  VoucherStatus = "REDEEMED"
	VoucherExpired   VoucherStatus = "EXPIRED"
	VoucherVoided    VoucherStatus = "VOIDED"
)

// Terminal reports whether the status admits no further transitions.
func (s VoucherStatus) Terminal() bool {
	switch s {
	case VoucherRedeemed, VoucherExpired, VoucherVoided:
		return true
	default:
		return false
	}
}

// Voucher is the folded state of one voucher aggregate.
type Voucher struct {
	ID                 uuid.UUID
	GrantID            uuid.UUID
	GrantCycleID       uuid.UUID
	OwnerID            uuid.UUID
	Bucket             BucketName
	MaxReimbursement   money.Amount
	IsLIRP             bool
	CountyCode         string
	Status             VoucherStatus
	ValidFrom          time.Time
	ExpiresAt          time.Time
	TentativeExpiresAt time.Time
	RedeemedByClaimID  uuid.UUID
	VoidReason         string
}

func illegalVoucher(from VoucherStatus, t events.Type) error {
	return kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "voucher: %s not allowed in status %s", t, from)
}

// ReduceVoucher folds one event into the voucher state. Only legal
// state-machine transitions are accepted; anything else is an invariant
// violation, never a business outcome.
func ReduceVoucher(v *Voucher, e events.Event) (*Voucher, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	switch p := payload.(type) {
	case *events.VoucherIssued:
		if v != nil {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		maxReimb, err := money.FromString(p.MaxReimbursement)
		if err != nil {
			return nil, err
		}
		return &Voucher{
			ID:               e.AggregateID,
			GrantID:          p.GrantID,
			GrantCycleID:     e.GrantCycleID,
			OwnerID:          p.OwnerID,
			Bucket:           BucketName(p.Bucket),
			MaxReimbursement: maxReimb,
			IsLIRP:           p.IsLIRP,
			CountyCode:       p.CountyCode,
			Status:           VoucherIssued,
			ValidFrom:        p.ValidFrom.UTC(),
			ExpiresAt:        p.ExpiresAt.UTC(),
		}, nil
	case *events.VoucherIssuedTentative:
		if v != nil {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		maxReimb, err := money.FromString(p.MaxReimbursement)
		if err != nil {
			return nil, err
		}
		return &Voucher{
			ID:                 e.AggregateID,
			GrantID:            p.GrantID,
			GrantCycleID:       e.GrantCycleID,
			OwnerID:            p.OwnerID,
			Bucket:             BucketName(p.Bucket),
			MaxReimbursement:   maxReimb,
			IsLIRP:             p.IsLIRP,
			CountyCode:         p.CountyCode,
			Status:             VoucherTentative,
			ValidFrom:          p.ValidFrom.UTC(),
			ExpiresAt:          p.ExpiresAt.UTC(),
			TentativeExpiresAt: p.TentativeExpiresAt.UTC(),
		}, nil
	}

	if v == nil {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "voucher: %s before issuance", e.Type)
	}

	switch p := payload.(type) {
	case *events.VoucherIssuedConfirmed:
		if v.Status != VoucherTentative {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		v.Status = VoucherIssued
	case *events.VoucherIssuedRejected:
		if v.Status != VoucherTentative {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		v.Status = VoucherVoided
		v.VoidReason = p.Reason
	case *events.VoucherRedeemed:
		if v.Status != VoucherIssued {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		v.Status = VoucherRedeemed
		v.RedeemedByClaimID = p.ClaimID
	case *events.VoucherExpired:
		if v.Status != VoucherIssued {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		v.Status = VoucherExpired
	case *events.VoucherVoided:
		if v.Status != VoucherIssued {
			return nil, illegalVoucher(v.Status, e.Type)
		}
		v.Status = VoucherVoided
		v.VoidReason = p.Reason
	default:
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "voucher: unexpected event %s", e.Type)
	}
	return v, nil
}

// VoucherInvariant checks structural properties of the folded state.
func VoucherInvariant(v *Voucher) error {
	if v == nil {
		return nil
	}
	if v.MaxReimbursement.IsNegative() {
		return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "voucher %s: negative max reimbursement", v.ID)
	}
	if !ValidBucket(v.Bucket) {
		return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "voucher %s: unknown bucket %q", v.ID, v.Bucket)
	}
	if v.IsLIRP && v.Bucket != BucketLIRP {
		return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "voucher %s: LIRP voucher funded from %s", v.ID, v.Bucket)
	}
	return nil
}

// FoldVoucher replays an aggregate stream into its current state.
func FoldVoucher(stream []events.Event) (*Voucher, error) {
	var v *Voucher
	var err error
	for _, e := range stream {
		if v, err = ReduceVoucher(v, e); err != nil {
			return nil, fmt.Errorf("fold voucher at event %s: %w", e.EventID, err)
		}
	}
	if err := VoucherInvariant(v); err != nil {
		return nil, err
	}
	return v, nil
}

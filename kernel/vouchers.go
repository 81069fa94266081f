package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/identity"
	"grantledger/core/money"
	"grantledger/domain"
	"grantledger/projection"
)

// IssueVoucherInput issues a voucher against a grant bucket. CoPay is the
// co-pay the issuance carries; a LIRP voucher refuses any non-zero co-pay.
type IssueVoucherInput struct {
	Command
	GrantID            uuid.UUID
	OwnerID            uuid.UUID
	Bucket             domain.BucketName
	MaxReimbursement   money.Amount
	IsLIRP             bool
	CoPay              money.Amount
	ValidFrom          time.Time
	ExpiresAt          time.Time
	TentativeExpiresAt time.Time // tentative issuance only
}

// VoucherResult is the response of every voucher command.
type VoucherResult struct {
	VoucherID   uuid.UUID `json:"voucherId"`
	VoucherCode string    `json:"voucherCode,omitempty"`
	Status      string    `json:"status"`
}

func (in IssueVoucherInput) validate(tentative bool) error {
	if in.GrantID == uuid.Nil || in.OwnerID == uuid.Nil {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant id and owner id are required")
	}
	if !domain.ValidBucket(in.Bucket) {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "unknown bucket %q", in.Bucket)
	}
	if in.IsLIRP && in.Bucket != domain.BucketLIRP {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "LIRP vouchers draw from the LIRP bucket")
	}
	if in.MaxReimbursement.Sign() <= 0 {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "max reimbursement must be positive")
	}
	if in.CoPay.IsNegative() {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "co-pay must be non-negative")
	}
	if !in.ExpiresAt.After(in.ValidFrom) {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher expiry must follow valid-from")
	}
	if tentative && in.TentativeExpiresAt.IsZero() {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "tentative expiry is required")
	}
	return nil
}

// issuanceRules runs the business checks shared by both issuance paths.
func issuanceRules(g *domain.Grant, in IssueVoucherInput, now time.Time) (*domain.Bucket, error) {
	if g.Status != domain.GrantActive {
		return nil, kernelerrors.BusinessRule(kernelerrors.CodeGrantNotActive, "grant %s is %s", g.ID, g.Status)
	}
	if g.PeriodEnded || !now.Before(g.PeriodEnd) {
		return nil, kernelerrors.BusinessRule(kernelerrors.CodeGrantPeriodEnded, "grant %s period has ended", g.ID)
	}
	if in.IsLIRP && in.CoPay.Sign() > 0 {
		return nil, kernelerrors.BusinessRule(kernelerrors.CodeLIRPCopayForbidden, "LIRP voucher cannot carry a co-pay")
	}
	bucket := g.Bucket(in.Bucket)
	if bucket == nil {
		return nil, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant %s has no %s bucket", g.ID, in.Bucket)
	}
	if bucket.Available.Cmp(in.MaxReimbursement) < 0 {
		return nil, kernelerrors.BusinessRule(kernelerrors.CodeInsufficientFunds,
			"bucket %s available %s below reservation %s", in.Bucket, bucket.Available, in.MaxReimbursement)
	}
	return bucket, nil
}

// IssueVoucherOnline issues a voucher with its code allocated immediately:
// VOUCHER_ISSUED + GRANT_FUNDS_ENCUMBERED + VOUCHER_CODE_ALLOCATED.
func (k *Kernel) IssueVoucherOnline(ctx context.Context, in IssueVoucherInput) (VoucherResult, error) {
	if err := in.validate(false); err != nil {
		return VoucherResult{}, err
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "IssueVoucherOnline", in, &result, func(tx *gorm.DB) error {
		if _, err := lockGrantBucketRows(tx, in.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, in.GrantID)
		if err != nil {
			return err
		}
		if _, err := issuanceRules(g, in, k.now().UTC()); err != nil {
			return err
		}

		allocatorID := identity.AllocatorID(g.GrantCycleID, g.CountyCode)
		if _, err := lockAllocatorRow(tx, allocatorID); err != nil {
			return err
		}
		alloc, err := foldAllocator(tx, allocatorID, g.GrantCycleID)
		if err != nil {
			return err
		}

		voucherID := identity.NewAggregateID()
		em := k.emitter(tx, in.Command)
		issued, err := em.emit(events.AggregateVoucher, voucherID, events.TypeVoucherIssued, events.VoucherIssued{
			GrantID:          in.GrantID,
			Bucket:           string(in.Bucket),
			MaxReimbursement: in.MaxReimbursement.String(),
			IsLIRP:           in.IsLIRP,
			CountyCode:       g.CountyCode,
			OwnerID:          in.OwnerID,
			ValidFrom:        in.ValidFrom.UTC(),
			ExpiresAt:        in.ExpiresAt.UTC(),
		}, g.GrantCycleID)
		if err != nil {
			return err
		}
		encumbered, err := em.emit(events.AggregateGrant, in.GrantID, events.TypeGrantFundsEncumbered, events.GrantFundsEncumbered{
			Bucket:    string(in.Bucket),
			Amount:    in.MaxReimbursement.String(),
			VoucherID: voucherID,
		}, g.GrantCycleID)
		if err != nil {
			return err
		}
		code := identity.VoucherCode(g.CountyCode, issued.IngestedAt, alloc.NextSequence)
		allocated, err := em.emit(events.AggregateAllocator, allocatorID, events.TypeVoucherCodeAllocated, events.VoucherCodeAllocated{
			VoucherID:  voucherID,
			CountyCode: g.CountyCode,
			Code:       code,
			Sequence:   alloc.NextSequence,
		}, g.GrantCycleID)
		if err != nil {
			return err
		}

		v, err := domain.ReduceVoucher(nil, issued)
		if err != nil {
			return err
		}
		if err := domain.VoucherInvariant(v); err != nil {
			return err
		}
		nextGrant, err := domain.ReduceGrant(g, encumbered)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(nextGrant); err != nil {
			return err
		}
		nextAlloc, err := domain.ReduceAllocator(alloc, allocated)
		if err != nil {
			return err
		}

		now := k.now()
		if err := projection.UpsertVoucher(tx, v, issued.Position(), now); err != nil {
			return err
		}
		if err := projection.UpsertGrant(tx, nextGrant, encumbered.Position(), now); err != nil {
			return err
		}
		if err := projection.UpsertAllocator(tx, nextAlloc, g.CountyCode, allocated.Position(), now); err != nil {
			return err
		}
		if err := projection.SetVoucherCode(tx, voucherID, code, allocated.Position(), now); err != nil {
			return err
		}
		result = VoucherResult{VoucherID: voucherID, VoucherCode: code, Status: string(v.Status)}
		return nil
	})
	return result, err
}

// IssueVoucherTentative reserves funds without allocating a code:
// VOUCHER_ISSUED_TENTATIVE + GRANT_FUNDS_ENCUMBERED. The reservation
// expires at TentativeExpiresAt unless confirmed.
func (k *Kernel) IssueVoucherTentative(ctx context.Context, in IssueVoucherInput) (VoucherResult, error) {
	if err := in.validate(true); err != nil {
		return VoucherResult{}, err
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "IssueVoucherTentative", in, &result, func(tx *gorm.DB) error {
		if _, err := lockGrantBucketRows(tx, in.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, in.GrantID)
		if err != nil {
			return err
		}
		if _, err := issuanceRules(g, in, k.now().UTC()); err != nil {
			return err
		}

		voucherID := identity.NewAggregateID()
		em := k.emitter(tx, in.Command)
		issued, err := em.emit(events.AggregateVoucher, voucherID, events.TypeVoucherIssuedTentative, events.VoucherIssuedTentative{
			GrantID:            in.GrantID,
			Bucket:             string(in.Bucket),
			MaxReimbursement:   in.MaxReimbursement.String(),
			IsLIRP:             in.IsLIRP,
			CountyCode:         g.CountyCode,
			OwnerID:            in.OwnerID,
			ValidFrom:          in.ValidFrom.UTC(),
			ExpiresAt:          in.ExpiresAt.UTC(),
			TentativeExpiresAt: in.TentativeExpiresAt.UTC(),
		}, g.GrantCycleID)
		if err != nil {
			return err
		}
		encumbered, err := em.emit(events.AggregateGrant, in.GrantID, events.TypeGrantFundsEncumbered, events.GrantFundsEncumbered{
			Bucket:    string(in.Bucket),
			Amount:    in.MaxReimbursement.String(),
			VoucherID: voucherID,
		}, g.GrantCycleID)
		if err != nil {
			return err
		}

		v, err := domain.ReduceVoucher(nil, issued)
		if err != nil {
			return err
		}
		if err := domain.VoucherInvariant(v); err != nil {
			return err
		}
		nextGrant, err := domain.ReduceGrant(g, encumbered)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(nextGrant); err != nil {
			return err
		}

		now := k.now()
		if err := projection.UpsertVoucher(tx, v, issued.Position(), now); err != nil {
			return err
		}
		if err := projection.UpsertGrant(tx, nextGrant, encumbered.Position(), now); err != nil {
			return err
		}
		result = VoucherResult{VoucherID: voucherID, Status: string(v.Status)}
		return nil
	})
	return result, err
}

// VoucherRefInput addresses one existing voucher.
type VoucherRefInput struct {
	Command
	VoucherID uuid.UUID
	Reason    string
}

// ConfirmTentativeVoucher promotes a tentative reservation to an issued
// voucher and allocates its code: VOUCHER_ISSUED_CONFIRMED +
// VOUCHER_CODE_ALLOCATED. Funds stay encumbered from the reservation;
// expiry and grant state are re-checked under the lock.
func (k *Kernel) ConfirmTentativeVoucher(ctx context.Context, in VoucherRefInput) (VoucherResult, error) {
	if in.VoucherID == uuid.Nil {
		return VoucherResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher id is required")
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "ConfirmTentativeVoucher", in, &result, func(tx *gorm.DB) error {
		if _, err := lockVoucherRow(tx, in.VoucherID); err != nil {
			return err
		}
		v, err := foldVoucher(tx, in.VoucherID)
		if err != nil {
			return err
		}
		if v.Status != domain.VoucherTentative {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotTentative, "voucher %s is %s", v.ID, v.Status)
		}
		now := k.now().UTC()
		if !now.Before(v.TentativeExpiresAt) {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherExpired, "tentative reservation %s expired", v.ID)
		}
		if !now.Before(v.ExpiresAt) {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherExpired, "voucher %s expired", v.ID)
		}
		if _, err := lockGrantBucketRows(tx, v.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, v.GrantID)
		if err != nil {
			return err
		}
		if g.Status != domain.GrantActive {
			return kernelerrors.BusinessRule(kernelerrors.CodeGrantNotActive, "grant %s is %s", g.ID, g.Status)
		}

		allocatorID := identity.AllocatorID(v.GrantCycleID, v.CountyCode)
		if _, err := lockAllocatorRow(tx, allocatorID); err != nil {
			return err
		}
		alloc, err := foldAllocator(tx, allocatorID, v.GrantCycleID)
		if err != nil {
			return err
		}

		em := k.emitter(tx, in.Command)
		confirmed, err := em.emit(events.AggregateVoucher, v.ID, events.TypeVoucherIssuedConfirmed, events.VoucherIssuedConfirmed{}, v.GrantCycleID)
		if err != nil {
			return err
		}
		code := identity.VoucherCode(v.CountyCode, confirmed.IngestedAt, alloc.NextSequence)
		allocated, err := em.emit(events.AggregateAllocator, allocatorID, events.TypeVoucherCodeAllocated, events.VoucherCodeAllocated{
			VoucherID:  v.ID,
			CountyCode: v.CountyCode,
			Code:       code,
			Sequence:   alloc.NextSequence,
		}, v.GrantCycleID)
		if err != nil {
			return err
		}

		next, err := domain.ReduceVoucher(v, confirmed)
		if err != nil {
			return err
		}
		nextAlloc, err := domain.ReduceAllocator(alloc, allocated)
		if err != nil {
			return err
		}
		stamp := k.now()
		if err := projection.UpsertVoucher(tx, next, confirmed.Position(), stamp); err != nil {
			return err
		}
		if err := projection.UpsertAllocator(tx, nextAlloc, v.CountyCode, allocated.Position(), stamp); err != nil {
			return err
		}
		if err := projection.SetVoucherCode(tx, v.ID, code, allocated.Position(), stamp); err != nil {
			return err
		}
		result = VoucherResult{VoucherID: v.ID, VoucherCode: code, Status: string(next.Status)}
		return nil
	})
	return result, err
}

// RejectTentativeVoucher voids a tentative reservation and returns its
// funds: VOUCHER_ISSUED_REJECTED + GRANT_FUNDS_RELEASED. The sweeper uses
// the same path under the system actor.
func (k *Kernel) RejectTentativeVoucher(ctx context.Context, in VoucherRefInput) (VoucherResult, error) {
	if in.VoucherID == uuid.Nil {
		return VoucherResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher id is required")
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "RejectTentativeVoucher", in, &result, func(tx *gorm.DB) error {
		if _, err := lockVoucherRow(tx, in.VoucherID); err != nil {
			return err
		}
		v, err := foldVoucher(tx, in.VoucherID)
		if err != nil {
			return err
		}
		if v.Status != domain.VoucherTentative {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotTentative, "voucher %s is %s", v.ID, v.Status)
		}
		return k.terminateVoucher(tx, in, v, events.TypeVoucherIssuedRejected,
			events.VoucherIssuedRejected{Reason: in.Reason}, &result)
	})
	return result, err
}

// VoidVoucher terminates an issued voucher administratively and returns its
// funds: VOUCHER_VOIDED + GRANT_FUNDS_RELEASED.
func (k *Kernel) VoidVoucher(ctx context.Context, in VoucherRefInput) (VoucherResult, error) {
	if in.VoucherID == uuid.Nil {
		return VoucherResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher id is required")
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "VoidVoucher", in, &result, func(tx *gorm.DB) error {
		if _, err := lockVoucherRow(tx, in.VoucherID); err != nil {
			return err
		}
		v, err := foldVoucher(tx, in.VoucherID)
		if err != nil {
			return err
		}
		if v.Status != domain.VoucherIssued {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotRedeemable, "voucher %s is %s", v.ID, v.Status)
		}
		return k.terminateVoucher(tx, in, v, events.TypeVoucherVoided,
			events.VoucherVoided{Reason: in.Reason}, &result)
	})
	return result, err
}

// ExpireVoucher terminates an issued voucher past its expiry and returns
// its funds: VOUCHER_EXPIRED + GRANT_FUNDS_RELEASED.
func (k *Kernel) ExpireVoucher(ctx context.Context, in VoucherRefInput) (VoucherResult, error) {
	if in.VoucherID == uuid.Nil {
		return VoucherResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher id is required")
	}
	var result VoucherResult
	err := k.execute(ctx, in.Command, "ExpireVoucher", in, &result, func(tx *gorm.DB) error {
		if _, err := lockVoucherRow(tx, in.VoucherID); err != nil {
			return err
		}
		v, err := foldVoucher(tx, in.VoucherID)
		if err != nil {
			return err
		}
		if v.Status != domain.VoucherIssued {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotRedeemable, "voucher %s is %s", v.ID, v.Status)
		}
		if k.now().UTC().Before(v.ExpiresAt) {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotRedeemable, "voucher %s has not reached its expiry", v.ID)
		}
		return k.terminateVoucher(tx, in, v, events.TypeVoucherExpired, events.VoucherExpired{}, &result)
	})
	return result, err
}

// terminateVoucher emits the terminal voucher event plus the matching
// GRANT_FUNDS_RELEASED and writes both projections through.
func (k *Kernel) terminateVoucher(tx *gorm.DB, in VoucherRefInput, v *domain.Voucher, t events.Type, payload any, result *VoucherResult) error {
	if _, err := lockGrantBucketRows(tx, v.GrantID); err != nil {
		return err
	}
	g, err := foldGrant(tx, v.GrantID)
	if err != nil {
		return err
	}
	em := k.emitter(tx, in.Command)
	terminal, err := em.emit(events.AggregateVoucher, v.ID, t, payload, v.GrantCycleID)
	if err != nil {
		return err
	}
	released, err := em.emit(events.AggregateGrant, v.GrantID, events.TypeGrantFundsReleased, events.GrantFundsReleased{
		Bucket:    string(v.Bucket),
		Amount:    v.MaxReimbursement.String(),
		VoucherID: v.ID,
		Reason:    in.Reason,
	}, v.GrantCycleID)
	if err != nil {
		return err
	}
	next, err := domain.ReduceVoucher(v, terminal)
	if err != nil {
		return err
	}
	nextGrant, err := domain.ReduceGrant(g, released)
	if err != nil {
		return err
	}
	if err := domain.GrantInvariant(nextGrant); err != nil {
		return err
	}
	now := k.now()
	if err := projection.UpsertVoucher(tx, next, terminal.Position(), now); err != nil {
		return err
	}
	if err := projection.UpsertGrant(tx, nextGrant, released.Position(), now); err != nil {
		return err
	}
	*result = VoucherResult{VoucherID: v.ID, Status: string(next.Status)}
	return nil
}

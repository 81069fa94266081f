package kernel

import (
	"context"
	"errors"
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

// SubmitClaimInput submits a clinic claim against an issued voucher. The
// claim id is client-generated and must be a UUIDv4, never an event id.
type SubmitClaimInput struct {
	Command
	ClaimID       uuid.UUID
	VoucherID     uuid.UUID
	ClinicID      uuid.UUID
	ProcedureCode string
	DateOfService string // ISO-8601 day
	ChargedAmount money.Amount
	CoPay         money.Amount
	Rabies        bool
}

// SubmitClaimResult reports the claim the submission resolved to. Duplicate
// is set when the fingerprint matched an existing claim; the existing claim
// id is returned and no events are emitted.
type SubmitClaimResult struct {
	ClaimID   uuid.UUID `json:"claimId"`
	Duplicate bool      `json:"duplicateDetected"`
	Status    string    `json:"status"`
}

// SubmitClaim emits CLAIM_SUBMITTED + VOUCHER_REDEEMED after the full rule
// chain: clinic registry, LIRP co-pay prohibition, and the four-layer date
// validation against voucher validity, grant period and the claim
// submission deadline.
func (k *Kernel) SubmitClaim(ctx context.Context, in SubmitClaimInput) (SubmitClaimResult, error) {
	if in.ClaimID == uuid.Nil || identity.IsEventID(in.ClaimID) {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "claim id must be a client-generated UUIDv4")
	}
	if in.VoucherID == uuid.Nil || in.ClinicID == uuid.Nil {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "voucher id and clinic id are required")
	}
	if in.ProcedureCode == "" {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "procedure code is required")
	}
	dos, err := time.Parse("2006-01-02", in.DateOfService)
	if err != nil {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "date of service %q is not an ISO day", in.DateOfService)
	}
	if in.ChargedAmount.Sign() <= 0 {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "charged amount must be positive")
	}
	if in.CoPay.IsNegative() {
		return SubmitClaimResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "co-pay must be non-negative")
	}

	fingerprint := identity.ClaimFingerprint(in.VoucherID, in.ClinicID, in.ProcedureCode, in.DateOfService, in.Rabies)
	var result SubmitClaimResult
	err = k.execute(ctx, in.Command, "SubmitClaim", in, &result, func(tx *gorm.DB) error {
		if _, err := lockVoucherRow(tx, in.VoucherID); err != nil {
			return err
		}
		v, err := foldVoucher(tx, in.VoucherID)
		if err != nil {
			return err
		}
		if _, err := lockGrantBucketRows(tx, v.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, v.GrantID)
		if err != nil {
			return err
		}

		// Business-key de-duplication: an identical fingerprint resolves to
		// the existing claim without a second CLAIM_SUBMITTED.
		existing, err := lockClaimByFingerprint(tx, v.GrantCycleID, in.ClinicID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			claimID, err := uuid.Parse(existing.ClaimID)
			if err != nil {
				return err
			}
			result = SubmitClaimResult{ClaimID: claimID, Duplicate: true, Status: existing.Status}
			return nil
		}

		if err := k.clinicEligible(tx, in.ClinicID); err != nil {
			return err
		}
		switch v.Status {
		case domain.VoucherIssued:
		case domain.VoucherExpired:
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherExpired, "voucher %s expired", v.ID)
		default:
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherNotRedeemable, "voucher %s is %s", v.ID, v.Status)
		}
		if v.IsLIRP && in.CoPay.Sign() > 0 {
			return kernelerrors.BusinessRule(kernelerrors.CodeLIRPCopayForbidden, "LIRP voucher %s cannot carry a co-pay", v.ID)
		}
		if dos.Before(v.ValidFrom) || dos.After(v.ExpiresAt) {
			return kernelerrors.BusinessRule(kernelerrors.CodeVoucherExpired,
				"date of service %s outside voucher validity", in.DateOfService)
		}
		if dos.Before(g.PeriodStart) || dos.After(g.PeriodEnd) {
			return kernelerrors.BusinessRule(kernelerrors.CodeGrantPeriodEnded,
				"date of service %s outside grant period", in.DateOfService)
		}
		if g.ClaimsDeadlinePassed || k.now().UTC().After(g.ClaimSubmissionDeadline) {
			return kernelerrors.BusinessRule(kernelerrors.CodeClaimDeadlinePassed,
				"claim submission deadline for grant %s has passed", g.ID)
		}

		em := k.emitter(tx, in.Command)
		submitted, err := em.emit(events.AggregateClaim, in.ClaimID, events.TypeClaimSubmitted, events.ClaimSubmitted{
			VoucherID:     in.VoucherID,
			ClinicID:      in.ClinicID,
			ProcedureCode: in.ProcedureCode,
			DateOfService: in.DateOfService,
			ChargedAmount: in.ChargedAmount.String(),
			CoPay:         in.CoPay.String(),
			Rabies:        in.Rabies,
			Fingerprint:   fingerprint,
		}, v.GrantCycleID)
		if err != nil {
			return err
		}
		redeemed, err := em.emit(events.AggregateVoucher, v.ID, events.TypeVoucherRedeemed, events.VoucherRedeemed{
			ClaimID:       in.ClaimID,
			ClinicID:      in.ClinicID,
			DateOfService: in.DateOfService,
		}, v.GrantCycleID)
		if err != nil {
			return err
		}

		c, err := domain.ReduceClaim(nil, submitted)
		if err != nil {
			return err
		}
		if err := domain.ClaimInvariant(c); err != nil {
			return err
		}
		nextVoucher, err := domain.ReduceVoucher(v, redeemed)
		if err != nil {
			return err
		}
		now := k.now()
		if err := projection.UpsertClaim(tx, c, submitted.Position(), now); err != nil {
			return err
		}
		if err := projection.UpsertVoucher(tx, nextVoucher, redeemed.Position(), now); err != nil {
			return err
		}
		result = SubmitClaimResult{ClaimID: in.ClaimID, Status: string(c.Status)}
		return nil
	})
	return result, err
}

func (k *Kernel) clinicEligible(tx *gorm.DB, clinicID uuid.UUID) error {
	var clinic projection.ClinicRecord
	err := tx.First(&clinic, "clinic_id = ?", clinicID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return kernelerrors.BusinessRule(kernelerrors.CodeClinicNotActive, "clinic %s is not registered", clinicID)
	}
	if err != nil {
		return err
	}
	if !clinic.Active {
		return kernelerrors.BusinessRule(kernelerrors.CodeClinicNotActive, "clinic %s is not active", clinicID)
	}
	if clinic.LicenseValidUntilUnix > 0 && clinic.LicenseValidUntilUnix < k.now().UTC().UnixMicro() {
		return kernelerrors.BusinessRule(kernelerrors.CodeLicenseNotValid, "clinic %s license has lapsed", clinicID)
	}
	return nil
}

// DecisionBasisInput carries the mandatory audit basis of a terminal claim
// decision.
type DecisionBasisInput struct {
	PolicySnapshotID uuid.UUID
	DecidedBy        uuid.UUID
	DecidedAt        time.Time
	Reason           string
}

func (b DecisionBasisInput) validate() error {
	if b.PolicySnapshotID == uuid.Nil || b.DecidedBy == uuid.Nil || b.DecidedAt.IsZero() {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "decision basis requires policy snapshot, decider and time")
	}
	return nil
}

func (b DecisionBasisInput) event() events.DecisionBasis {
	return events.DecisionBasis{
		PolicySnapshotID: b.PolicySnapshotID,
		DecidedBy:        b.DecidedBy,
		DecidedAt:        b.DecidedAt.UTC(),
		Reason:           b.Reason,
	}
}

// DecideClaimInput is the shared input of Approve/Deny/Adjust.
type DecideClaimInput struct {
	Command
	ClaimID        uuid.UUID
	ApprovedAmount money.Amount // approve and adjust only
	Basis          DecisionBasisInput
}

// DecideClaimResult reports the decision outcome. Conflict is set when the
// claim already carried a terminal decision; the attempt is preserved as
// CLAIM_DECISION_CONFLICT_RECORDED and the claim is unchanged.
type DecideClaimResult struct {
	ClaimID        uuid.UUID `json:"claimId"`
	Status         string    `json:"status"`
	ApprovedAmount string    `json:"approvedAmount,omitempty"`
	Conflict       bool      `json:"conflictRecorded"`
}

// ApproveClaim emits CLAIM_APPROVED + GRANT_FUNDS_LIQUIDATED. When the
// approved amount is below the voucher reservation the remainder goes back
// to available via GRANT_FUNDS_RELEASED. First terminal decision wins: a
// later approval attempt is recorded as a conflict, with no second
// liquidation. Re-approval after CLAIM_ADJUSTED settles the grant ledger
// at the new amount, moving only the difference from the earlier
// liquidation.
func (k *Kernel) ApproveClaim(ctx context.Context, in DecideClaimInput) (DecideClaimResult, error) {
	if err := in.prepare(true); err != nil {
		return DecideClaimResult{}, err
	}
	var result DecideClaimResult
	err := k.execute(ctx, in.Command, "ApproveClaim", in, &result, func(tx *gorm.DB) error {
		c, v, g, err := k.lockClaimChain(tx, in.ClaimID)
		if err != nil {
			return err
		}
		if c.Status == domain.ClaimApproved || c.Status == domain.ClaimDenied || c.Status == domain.ClaimInvoiced {
			return k.recordDecisionConflict(tx, in, c, "APPROVE", &result)
		}
		if in.ApprovedAmount.Cmp(v.MaxReimbursement) > 0 {
			return kernelerrors.BusinessRule(kernelerrors.CodeInsufficientFunds,
				"approved amount %s exceeds voucher reservation %s", in.ApprovedAmount, v.MaxReimbursement)
		}

		em := k.emitter(tx, in.Command)
		approved, err := em.emit(events.AggregateClaim, c.ID, events.TypeClaimApproved, events.ClaimApproved{
			ApprovedAmount: in.ApprovedAmount.String(),
			Basis:          in.Basis.event(),
		}, c.GrantCycleID)
		if err != nil {
			return err
		}

		alreadyLiquidated := c.ApprovedEventID != uuid.Nil
		prevLiquidated := c.Liquidated
		next, err := domain.ReduceClaim(c, approved)
		if err != nil {
			return err
		}
		if err := domain.ClaimInvariant(next); err != nil {
			return err
		}
		now := k.now()
		if err := projection.UpsertClaim(tx, next, approved.Position(), now); err != nil {
			return err
		}

		if !alreadyLiquidated {
			liquidated, err := em.emit(events.AggregateGrant, g.ID, events.TypeGrantFundsLiquidated, events.GrantFundsLiquidated{
				Bucket:    string(v.Bucket),
				Amount:    in.ApprovedAmount.String(),
				VoucherID: v.ID,
				ClaimID:   c.ID,
			}, c.GrantCycleID)
			if err != nil {
				return err
			}
			g, err = domain.ReduceGrant(g, liquidated)
			if err != nil {
				return err
			}
			wm := liquidated.Position()
			remainder := v.MaxReimbursement.Sub(in.ApprovedAmount)
			if remainder.Sign() > 0 {
				released, err := em.emit(events.AggregateGrant, g.ID, events.TypeGrantFundsReleased, events.GrantFundsReleased{
					Bucket:    string(v.Bucket),
					Amount:    remainder.String(),
					VoucherID: v.ID,
					Reason:    "claim approved below reservation",
				}, c.GrantCycleID)
				if err != nil {
					return err
				}
				g, err = domain.ReduceGrant(g, released)
				if err != nil {
					return err
				}
				wm = released.Position()
			}
			if err := domain.GrantInvariant(g); err != nil {
				return err
			}
			if err := projection.UpsertGrant(tx, g, wm, now); err != nil {
				return err
			}
		} else if diff := in.ApprovedAmount.Cmp(prevLiquidated); diff != 0 {
			// Re-approval settles at the new amount; the grant ledger moves
			// only the difference from the earlier liquidation.
			var wm events.Watermark
			if diff > 0 {
				delta := in.ApprovedAmount.Sub(prevLiquidated)
				bucket := g.Bucket(v.Bucket)
				if bucket == nil || bucket.Available.Cmp(delta) < 0 {
					return kernelerrors.BusinessRule(kernelerrors.CodeInsufficientFunds,
						"bucket %s cannot cover re-approval increase %s", v.Bucket, delta)
				}
				encumbered, err := em.emit(events.AggregateGrant, g.ID, events.TypeGrantFundsEncumbered, events.GrantFundsEncumbered{
					Bucket:    string(v.Bucket),
					Amount:    delta.String(),
					VoucherID: v.ID,
				}, c.GrantCycleID)
				if err != nil {
					return err
				}
				g, err = domain.ReduceGrant(g, encumbered)
				if err != nil {
					return err
				}
				liquidated, err := em.emit(events.AggregateGrant, g.ID, events.TypeGrantFundsLiquidated, events.GrantFundsLiquidated{
					Bucket:    string(v.Bucket),
					Amount:    delta.String(),
					VoucherID: v.ID,
					ClaimID:   c.ID,
				}, c.GrantCycleID)
				if err != nil {
					return err
				}
				g, err = domain.ReduceGrant(g, liquidated)
				if err != nil {
					return err
				}
				wm = liquidated.Position()
			} else {
				delta := prevLiquidated.Sub(in.ApprovedAmount)
				released, err := em.emit(events.AggregateGrant, g.ID, events.TypeGrantFundsReleased, events.GrantFundsReleased{
					Bucket:    string(v.Bucket),
					Amount:    delta.String(),
					VoucherID: v.ID,
					Reason:    "claim re-approved below prior settlement",
					Source:    events.FundsSourceLiquidated,
				}, c.GrantCycleID)
				if err != nil {
					return err
				}
				g, err = domain.ReduceGrant(g, released)
				if err != nil {
					return err
				}
				wm = released.Position()
			}
			if err := domain.GrantInvariant(g); err != nil {
				return err
			}
			if err := projection.UpsertGrant(tx, g, wm, now); err != nil {
				return err
			}
		}
		result = DecideClaimResult{ClaimID: c.ID, Status: string(next.Status), ApprovedAmount: in.ApprovedAmount.String()}
		return nil
	})
	return result, err
}

// DenyClaim emits CLAIM_DENIED. A second terminal decision is preserved as
// a conflict.
func (k *Kernel) DenyClaim(ctx context.Context, in DecideClaimInput) (DecideClaimResult, error) {
	if err := in.prepare(false); err != nil {
		return DecideClaimResult{}, err
	}
	var result DecideClaimResult
	err := k.execute(ctx, in.Command, "DenyClaim", in, &result, func(tx *gorm.DB) error {
		c, _, _, err := k.lockClaimChain(tx, in.ClaimID)
		if err != nil {
			return err
		}
		if c.Status != domain.ClaimSubmitted {
			return k.recordDecisionConflict(tx, in, c, "DENY", &result)
		}
		em := k.emitter(tx, in.Command)
		denied, err := em.emit(events.AggregateClaim, c.ID, events.TypeClaimDenied, events.ClaimDenied{
			Basis: in.Basis.event(),
		}, c.GrantCycleID)
		if err != nil {
			return err
		}
		next, err := domain.ReduceClaim(c, denied)
		if err != nil {
			return err
		}
		if err := projection.UpsertClaim(tx, next, denied.Position(), k.now()); err != nil {
			return err
		}
		result = DecideClaimResult{ClaimID: c.ID, Status: string(next.Status)}
		return nil
	})
	return result, err
}

// AdjustClaim emits CLAIM_ADJUSTED with a new approved amount. Repeated
// adjustment is allowed any number of times before invoicing; the latest
// amount wins when the claim is re-approved.
func (k *Kernel) AdjustClaim(ctx context.Context, in DecideClaimInput) (DecideClaimResult, error) {
	if err := in.prepare(true); err != nil {
		return DecideClaimResult{}, err
	}
	var result DecideClaimResult
	err := k.execute(ctx, in.Command, "AdjustClaim", in, &result, func(tx *gorm.DB) error {
		c, v, _, err := k.lockClaimChain(tx, in.ClaimID)
		if err != nil {
			return err
		}
		if c.Status == domain.ClaimDenied || c.Status == domain.ClaimInvoiced {
			return kernelerrors.BusinessRule(kernelerrors.CodeClaimAlreadyDecided,
				"claim %s is %s and cannot be adjusted", c.ID, c.Status)
		}
		if in.ApprovedAmount.Cmp(v.MaxReimbursement) > 0 {
			return kernelerrors.BusinessRule(kernelerrors.CodeInsufficientFunds,
				"adjusted amount %s exceeds voucher reservation %s", in.ApprovedAmount, v.MaxReimbursement)
		}
		em := k.emitter(tx, in.Command)
		adjusted, err := em.emit(events.AggregateClaim, c.ID, events.TypeClaimAdjusted, events.ClaimAdjusted{
			ApprovedAmount: in.ApprovedAmount.String(),
			Basis:          in.Basis.event(),
		}, c.GrantCycleID)
		if err != nil {
			return err
		}
		next, err := domain.ReduceClaim(c, adjusted)
		if err != nil {
			return err
		}
		if err := projection.UpsertClaim(tx, next, adjusted.Position(), k.now()); err != nil {
			return err
		}
		result = DecideClaimResult{ClaimID: c.ID, Status: string(next.Status), ApprovedAmount: in.ApprovedAmount.String()}
		return nil
	})
	return result, err
}

func (in *DecideClaimInput) prepare(withAmount bool) error {
	if in.ClaimID == uuid.Nil {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "claim id is required")
	}
	if withAmount && in.ApprovedAmount.Sign() <= 0 {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "approved amount must be positive")
	}
	return in.Basis.validate()
}

// lockClaimChain resolves a claim to its voucher and grant, taking locks in
// the canonical order. The claim's voucher id is read from the projection
// first, then the authoritative states are folded under the locks.
func (k *Kernel) lockClaimChain(tx *gorm.DB, claimID uuid.UUID) (*domain.Claim, *domain.Voucher, *domain.Grant, error) {
	var row projection.ClaimRow
	err := tx.First(&row, "claim_id = ?", claimID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, kernelerrors.NotFound("claim %s not found", claimID)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	voucherID, err := uuid.Parse(row.VoucherID)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := lockVoucherRow(tx, voucherID); err != nil {
		return nil, nil, nil, err
	}
	v, err := foldVoucher(tx, voucherID)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := lockGrantBucketRows(tx, v.GrantID); err != nil {
		return nil, nil, nil, err
	}
	g, err := foldGrant(tx, v.GrantID)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := lockClaimRow(tx, claimID); err != nil {
		return nil, nil, nil, err
	}
	c, err := foldClaim(tx, claimID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, v, g, nil
}

// recordDecisionConflict preserves a losing terminal decision as
// CLAIM_DECISION_CONFLICT_RECORDED. Claim state and projections stay as
// they were.
func (k *Kernel) recordDecisionConflict(tx *gorm.DB, in DecideClaimInput, c *domain.Claim, attempted string, result *DecideClaimResult) error {
	em := k.emitter(tx, in.Command)
	if _, err := em.emit(events.AggregateClaim, c.ID, events.TypeClaimDecisionConflictRecorded, events.ClaimDecisionConflictRecorded{
		AttemptedDecision: attempted,
		Basis:             in.Basis.event(),
	}, c.GrantCycleID); err != nil {
		return err
	}
	*result = DecideClaimResult{ClaimID: c.ID, Status: string(c.Status), Conflict: true}
	return nil
}

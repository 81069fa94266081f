package kernel

import (
	"context"
	"strings"
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

// BucketSeedInput describes one funding bucket at grant creation.
type BucketSeedInput struct {
	Bucket          domain.BucketName
	Awarded         money.Amount
	RateNumerator   int64
	RateDenominator int64
}

// CreateGrantInput creates a grant ledger with one or two buckets.
type CreateGrantInput struct {
	Command
	GrantCycleID            uuid.UUID
	CountyCode              string
	Buckets                 []BucketSeedInput
	PeriodStart             time.Time
	PeriodEnd               time.Time
	ClaimSubmissionDeadline time.Time
}

// GrantResult is the response of every grant lifecycle command.
type GrantResult struct {
	GrantID uuid.UUID `json:"grantId"`
	Status  string    `json:"status"`
}

// CreateGrant seeds a new grant ledger and emits GRANT_CREATED.
func (k *Kernel) CreateGrant(ctx context.Context, in CreateGrantInput) (GrantResult, error) {
	if in.GrantCycleID == uuid.Nil {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant cycle id is required")
	}
	county := strings.ToUpper(strings.TrimSpace(in.CountyCode))
	if county == "" {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "county code is required")
	}
	if len(in.Buckets) == 0 || len(in.Buckets) > 2 {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "a grant carries one or two buckets")
	}
	seeds := make([]events.BucketSeed, 0, len(in.Buckets))
	sawGeneral := false
	for _, b := range in.Buckets {
		if !domain.ValidBucket(b.Bucket) {
			return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "unknown bucket %q", b.Bucket)
		}
		if b.Bucket == domain.BucketGeneral {
			sawGeneral = true
		}
		if b.Awarded.IsNegative() {
			return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "awarded amount must be non-negative")
		}
		if b.RateDenominator <= 0 || b.RateNumerator < 0 {
			return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "invalid reimbursement rate for bucket %s", b.Bucket)
		}
		seeds = append(seeds, events.BucketSeed{
			Bucket:          string(b.Bucket),
			Awarded:         b.Awarded.String(),
			RateNumerator:   b.RateNumerator,
			RateDenominator: b.RateDenominator,
		})
	}
	if !sawGeneral {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "the GENERAL bucket is required")
	}
	if !in.PeriodEnd.After(in.PeriodStart) {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant period end must follow its start")
	}
	if in.ClaimSubmissionDeadline.Before(in.PeriodEnd) {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "claim submission deadline precedes the period end")
	}

	var result GrantResult
	err := k.execute(ctx, in.Command, "CreateGrant", in, &result, func(tx *gorm.DB) error {
		grantID := identity.NewAggregateID()
		em := k.emitter(tx, in.Command)
		stored, err := em.emit(events.AggregateGrant, grantID, events.TypeGrantCreated, events.GrantCreated{
			CountyCode:              county,
			Buckets:                 seeds,
			PeriodStart:             in.PeriodStart.UTC(),
			PeriodEnd:               in.PeriodEnd.UTC(),
			ClaimSubmissionDeadline: in.ClaimSubmissionDeadline.UTC(),
		}, in.GrantCycleID)
		if err != nil {
			return err
		}
		g, err := domain.ReduceGrant(nil, stored)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(g); err != nil {
			return err
		}
		if err := projection.UpsertGrant(tx, g, stored.Position(), k.now()); err != nil {
			return err
		}
		result = GrantResult{GrantID: grantID, Status: string(g.Status)}
		return nil
	})
	return result, err
}

// GrantLifecycleInput addresses one existing grant.
type GrantLifecycleInput struct {
	Command
	GrantID uuid.UUID
	Reason  string
}

// SignGrantAgreement records execution of the grant agreement.
func (k *Kernel) SignGrantAgreement(ctx context.Context, in GrantLifecycleInput) (GrantResult, error) {
	return k.grantTransition(ctx, in, "SignGrantAgreement", events.TypeGrantAgreementSigned,
		events.GrantAgreementSigned{AgreementRef: in.Reason})
}

// ActivateGrant opens the grant for voucher issuance.
func (k *Kernel) ActivateGrant(ctx context.Context, in GrantLifecycleInput) (GrantResult, error) {
	return k.grantTransition(ctx, in, "ActivateGrant", events.TypeGrantActivated, events.GrantActivated{})
}

// SuspendGrant pauses issuance against the grant.
func (k *Kernel) SuspendGrant(ctx context.Context, in GrantLifecycleInput) (GrantResult, error) {
	return k.grantTransition(ctx, in, "SuspendGrant", events.TypeGrantSuspended,
		events.GrantSuspended{Reason: in.Reason})
}

// ReinstateGrant resumes a suspended grant.
func (k *Kernel) ReinstateGrant(ctx context.Context, in GrantLifecycleInput) (GrantResult, error) {
	return k.grantTransition(ctx, in, "ReinstateGrant", events.TypeGrantReinstated, events.GrantReinstated{})
}

// CloseGrant ends the grant lifecycle.
func (k *Kernel) CloseGrant(ctx context.Context, in GrantLifecycleInput) (GrantResult, error) {
	return k.grantTransition(ctx, in, "CloseGrant", events.TypeGrantClosed,
		events.GrantClosed{Reason: in.Reason})
}

func (k *Kernel) grantTransition(ctx context.Context, in GrantLifecycleInput, op string, t events.Type, payload any) (GrantResult, error) {
	if in.GrantID == uuid.Nil {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant id is required")
	}
	var result GrantResult
	err := k.execute(ctx, in.Command, op, in, &result, func(tx *gorm.DB) error {
		if _, err := lockGrantBucketRows(tx, in.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, in.GrantID)
		if err != nil {
			return err
		}
		em := k.emitter(tx, in.Command)
		stored, err := em.emit(events.AggregateGrant, in.GrantID, t, payload, g.GrantCycleID)
		if err != nil {
			return err
		}
		next, err := domain.ReduceGrant(g, stored)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(next); err != nil {
			return err
		}
		if err := projection.UpsertGrant(tx, next, stored.Position(), k.now()); err != nil {
			return err
		}
		result = GrantResult{GrantID: in.GrantID, Status: string(next.Status)}
		return nil
	})
	return result, err
}

// ReportMatchingFundsInput records grantee matching funds against a bucket.
// The amounts are memos and never enter the balance equation.
type ReportMatchingFundsInput struct {
	Command
	GrantID   uuid.UUID
	Bucket    domain.BucketName
	Committed money.Amount
	Reported  money.Amount
}

// ReportMatchingFunds emits MATCHING_FUNDS_REPORTED.
func (k *Kernel) ReportMatchingFunds(ctx context.Context, in ReportMatchingFundsInput) (GrantResult, error) {
	if in.GrantID == uuid.Nil {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant id is required")
	}
	if !domain.ValidBucket(in.Bucket) {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "unknown bucket %q", in.Bucket)
	}
	if in.Committed.IsNegative() || in.Reported.IsNegative() {
		return GrantResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "matching funds must be non-negative")
	}
	var result GrantResult
	err := k.execute(ctx, in.Command, "ReportMatchingFunds", in, &result, func(tx *gorm.DB) error {
		if _, err := lockGrantBucketRows(tx, in.GrantID); err != nil {
			return err
		}
		g, err := foldGrant(tx, in.GrantID)
		if err != nil {
			return err
		}
		if g.Bucket(in.Bucket) == nil {
			return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "grant %s has no %s bucket", in.GrantID, in.Bucket)
		}
		em := k.emitter(tx, in.Command)
		stored, err := em.emit(events.AggregateGrant, in.GrantID, events.TypeMatchingFundsReported, events.MatchingFundsReported{
			Bucket:    string(in.Bucket),
			Committed: in.Committed.String(),
			Reported:  in.Reported.String(),
		}, g.GrantCycleID)
		if err != nil {
			return err
		}
		next, err := domain.ReduceGrant(g, stored)
		if err != nil {
			return err
		}
		if err := domain.GrantInvariant(next); err != nil {
			return err
		}
		if err := projection.UpsertGrant(tx, next, stored.Position(), k.now()); err != nil {
			return err
		}
		result = GrantResult{GrantID: in.GrantID, Status: string(next.Status)}
		return nil
	})
	return result, err
}

// Package domain holds the pure reducers for every aggregate family. A
// reducer folds one event into a state value and never touches I/O; the
// invariant check runs after the fold and is fatal for the enclosing
// command when it fails.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
)

// GrantStatus is the grant lifecycle position.
type GrantStatus string

const (
	GrantCreated         GrantStatus = "CREATED"
	GrantAgreementSigned GrantStatus = "AGREEMENT_SIGNED"
	GrantActive          GrantStatus = "ACTIVE"
	GrantSuspended       GrantStatus = "SUSPENDED"
	GrantClosed          GrantStatus = "CLOSED"
)

// BucketName partitions a grant's funds.
type BucketName string

const (
	BucketGeneral BucketName = "GENERAL"
	BucketLIRP    BucketName = "LIRP"
)

// ValidBucket reports whether the name is a known bucket.
func ValidBucket(b BucketName) bool {
	return b == BucketGeneral || b == BucketLIRP
}

// Bucket carries one independent balance. Released is a cumulative memo and
// never part of the balance equation; the matching-funds fields are memos
// as well.
type Bucket struct {
	Awarded           money.Amount
	Available         money.Amount
	Encumbered        money.Amount
	Liquidated        money.Amount
	Released          money.Amount
	RateNumerator     int64
	RateDenominator   int64
	MatchingCommitted money.Amount
	MatchingReported  money.Amount
}

// Grant is the folded ledger state of one grant aggregate.
type Grant struct {
	ID                      uuid.UUID
	GrantCycleID            uuid.UUID
	CountyCode              string
	Status                  GrantStatus
	Buckets                 map[BucketName]*Bucket
	PeriodStart             time.Time
	PeriodEnd               time.Time
	ClaimSubmissionDeadline time.Time
	PeriodEnded             bool
	ClaimsDeadlinePassed    bool
}

// Bucket returns the named bucket or nil.
func (g *Grant) Bucket(name BucketName) *Bucket {
	if g == nil || g.Buckets == nil {
		return nil
	}
	return g.Buckets[name]
}

func illegalGrant(from GrantStatus, t events.Type) error {
	return kernelerrors.Invariant(kernelerrors.CodeIllegalTransition, "grant: %s not allowed in status %s", t, from)
}

// ReduceGrant folds one event into the grant state.
func ReduceGrant(g *Grant, e events.Event) (*Grant, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	switch p := payload.(type) {
	case *events.GrantCreated:
		if g != nil {
			return nil, illegalGrant(g.Status, e.Type)
		}
		created := &Grant{
			ID:                      e.AggregateID,
			GrantCycleID:            e.GrantCycleID,
			CountyCode:              p.CountyCode,
			Status:                  GrantCreated,
			Buckets:                 make(map[BucketName]*Bucket, len(p.Buckets)),
			PeriodStart:             p.PeriodStart.UTC(),
			PeriodEnd:               p.PeriodEnd.UTC(),
			ClaimSubmissionDeadline: p.ClaimSubmissionDeadline.UTC(),
		}
		for _, seed := range p.Buckets {
			name := BucketName(seed.Bucket)
			if !ValidBucket(name) {
				return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant: unknown bucket %q", seed.Bucket)
			}
			awarded, err := money.FromString(seed.Awarded)
			if err != nil {
				return nil, fmt.Errorf("grant %s: awarded amount: %w", e.AggregateID, err)
			}
			created.Buckets[name] = &Bucket{
				Awarded:           awarded,
				Available:         awarded.Clone(),
				Encumbered:        money.Zero(),
				Liquidated:        money.Zero(),
				Released:          money.Zero(),
				RateNumerator:     seed.RateNumerator,
				RateDenominator:   seed.RateDenominator,
				MatchingCommitted: money.Zero(),
				MatchingReported:  money.Zero(),
			}
		}
		return created, nil
	}

	if g == nil {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant: %s before GRANT_CREATED", e.Type)
	}

	switch p := payload.(type) {
	case *events.GrantAgreementSigned:
		if g.Status != GrantCreated {
			return nil, illegalGrant(g.Status, e.Type)
		}
		g.Status = GrantAgreementSigned
	case *events.GrantActivated:
		if g.Status != GrantAgreementSigned {
			return nil, illegalGrant(g.Status, e.Type)
		}
		g.Status = GrantActive
	case *events.GrantSuspended:
		if g.Status != GrantActive {
			return nil, illegalGrant(g.Status, e.Type)
		}
		g.Status = GrantSuspended
	case *events.GrantReinstated:
		if g.Status != GrantSuspended {
			return nil, illegalGrant(g.Status, e.Type)
		}
		g.Status = GrantActive
	case *events.GrantClosed:
		if g.Status == GrantClosed {
			return nil, illegalGrant(g.Status, e.Type)
		}
		g.Status = GrantClosed
	case *events.GrantPeriodEnded:
		g.PeriodEnded = true
	case *events.GrantClaimsDeadlinePassed:
		g.ClaimsDeadlinePassed = true
	case *events.GrantFundsEncumbered:
		bucket, amount, err := g.bucketAmount(p.Bucket, p.Amount)
		if err != nil {
			return nil, err
		}
		bucket.Available = bucket.Available.Sub(amount)
		bucket.Encumbered = bucket.Encumbered.Add(amount)
	case *events.GrantFundsReleased:
		bucket, amount, err := g.bucketAmount(p.Bucket, p.Amount)
		if err != nil {
			return nil, err
		}
		if p.Source == events.FundsSourceLiquidated {
			bucket.Liquidated = bucket.Liquidated.Sub(amount)
		} else {
			bucket.Encumbered = bucket.Encumbered.Sub(amount)
		}
		bucket.Available = bucket.Available.Add(amount)
		bucket.Released = bucket.Released.Add(amount)
	case *events.GrantFundsLiquidated:
		bucket, amount, err := g.bucketAmount(p.Bucket, p.Amount)
		if err != nil {
			return nil, err
		}
		bucket.Encumbered = bucket.Encumbered.Sub(amount)
		bucket.Liquidated = bucket.Liquidated.Add(amount)
	case *events.MatchingFundsReported:
		bucket := g.Bucket(BucketName(p.Bucket))
		if bucket == nil {
			return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant %s: unknown bucket %q", g.ID, p.Bucket)
		}
		committed, err := money.FromString(p.Committed)
		if err != nil {
			return nil, err
		}
		reported, err := money.FromString(p.Reported)
		if err != nil {
			return nil, err
		}
		bucket.MatchingCommitted = committed
		bucket.MatchingReported = reported
	case *events.LIRPMustHonorEnforced:
		// Advisory marker; no balance effect.
	default:
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant: unexpected event %s", e.Type)
	}
	return g, nil
}

func (g *Grant) bucketAmount(bucketName, amountStr string) (*Bucket, money.Amount, error) {
	bucket := g.Bucket(BucketName(bucketName))
	if bucket == nil {
		return nil, money.Amount{}, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant %s: unknown bucket %q", g.ID, bucketName)
	}
	amount, err := money.FromString(amountStr)
	if err != nil {
		return nil, money.Amount{}, err
	}
	if amount.IsNegative() {
		return nil, money.Amount{}, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "grant %s: negative movement %s", g.ID, amountStr)
	}
	return bucket, amount, nil
}

// GrantInvariant checks the balance equation for every bucket:
// available + encumbered + liquidated = awarded, with no negative balance.
func GrantInvariant(g *Grant) error {
	if g == nil {
		return nil
	}
	for name, bucket := range g.Buckets {
		if bucket.Available.IsNegative() || bucket.Encumbered.IsNegative() || bucket.Liquidated.IsNegative() {
			return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken,
				"grant %s bucket %s: negative balance (available=%s encumbered=%s liquidated=%s)",
				g.ID, name, bucket.Available, bucket.Encumbered, bucket.Liquidated)
		}
		sum := bucket.Available.Add(bucket.Encumbered).Add(bucket.Liquidated)
		if !sum.Equal(bucket.Awarded) {
			return kernelerrors.Invariant(kernelerrors.CodeInvariantBroken,
				"grant %s bucket %s: balance equation broken (%s != awarded %s)",
				g.ID, name, sum, bucket.Awarded)
		}
	}
	return nil
}

// FoldGrant replays an aggregate stream into its current state and runs the
// invariant check.
func FoldGrant(stream []events.Event) (*Grant, error) {
	var g *Grant
	var err error
	for _, e := range stream {
		if g, err = ReduceGrant(g, e); err != nil {
			return nil, fmt.Errorf("fold grant at event %s: %w", e.EventID, err)
		}
	}
	if err := GrantInvariant(g); err != nil {
		return nil, err
	}
	return g, nil
}

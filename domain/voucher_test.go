package domain

import (
	"testing"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
)

func issuedVoucher(t *testing.T) (*Voucher, uuid.UUID, uuid.UUID) {
	t.Helper()
	voucherID, cycleID := uuid.New(), uuid.New()
	e := makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherIssued, events.VoucherIssued{
		GrantID:          uuid.New(),
		Bucket:           "GENERAL",
		MaxReimbursement: "15000",
		CountyCode:       "WAKE",
		OwnerID:          uuid.New(),
		ValidFrom:        testClock,
		ExpiresAt:        testClock.AddDate(0, 3, 0),
	}, cycleID)
	v, err := ReduceVoucher(nil, e)
	if err != nil {
		t.Fatalf("reduce issued: %v", err)
	}
	return v, voucherID, cycleID
}

func TestVoucherIssueAndRedeem(t *testing.T) {
	v, voucherID, cycleID := issuedVoucher(t)
	if v.Status != VoucherIssued || v.MaxReimbursement.String() != "15000" {
		t.Fatalf("issued state: %+v", v)
	}

	claimID := uuid.New()
	v, err := ReduceVoucher(v, makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherRedeemed,
		events.VoucherRedeemed{ClaimID: claimID, ClinicID: uuid.New(), DateOfService: "2026-02-10"}, cycleID))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if v.Status != VoucherRedeemed || v.RedeemedByClaimID != claimID {
		t.Fatalf("redeemed state: %+v", v)
	}
	if !v.Status.Terminal() {
		t.Fatal("redeemed should be terminal")
	}
}

func TestVoucherTerminalStatesRefuseTransitions(t *testing.T) {
	v, voucherID, cycleID := issuedVoucher(t)
	v, err := ReduceVoucher(v, makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherVoided,
		events.VoucherVoided{Reason: "issued in error"}, cycleID))
	if err != nil {
		t.Fatalf("void: %v", err)
	}

	for _, typ := range []events.Type{events.TypeVoucherRedeemed, events.TypeVoucherExpired, events.TypeVoucherVoided} {
		var payload any
		switch typ {
		case events.TypeVoucherRedeemed:
			payload = events.VoucherRedeemed{ClaimID: uuid.New(), ClinicID: uuid.New(), DateOfService: "2026-02-11"}
		case events.TypeVoucherExpired:
			payload = events.VoucherExpired{}
		default:
			payload = events.VoucherVoided{Reason: "again"}
		}
		_, err := ReduceVoucher(v, makeEvent(t, events.AggregateVoucher, voucherID, typ, payload, cycleID))
		if kernelerrors.CodeOf(err) != kernelerrors.CodeIllegalTransition {
			t.Fatalf("%s after void: expected ILLEGAL_TRANSITION, got %v", typ, err)
		}
	}
}

func TestTentativeVoucherConfirmAndReject(t *testing.T) {
	voucherID, cycleID := uuid.New(), uuid.New()
	tentative := makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherIssuedTentative, events.VoucherIssuedTentative{
		GrantID:            uuid.New(),
		Bucket:             "LIRP",
		MaxReimbursement:   "20000",
		IsLIRP:             true,
		CountyCode:         "WAKE",
		OwnerID:            uuid.New(),
		ValidFrom:          testClock,
		ExpiresAt:          testClock.AddDate(0, 3, 0),
		TentativeExpiresAt: testClock.AddDate(0, 0, 14),
	}, cycleID)

	v, err := ReduceVoucher(nil, tentative)
	if err != nil {
		t.Fatalf("reduce tentative: %v", err)
	}
	if v.Status != VoucherTentative {
		t.Fatalf("status = %s", v.Status)
	}

	confirmed, err := ReduceVoucher(v, makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherIssuedConfirmed,
		events.VoucherIssuedConfirmed{}, cycleID))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != VoucherIssued {
		t.Fatalf("confirmed status = %s", confirmed.Status)
	}

	// Confirm only applies to TENTATIVE.
	_, err = ReduceVoucher(confirmed, makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherIssuedConfirmed,
		events.VoucherIssuedConfirmed{}, cycleID))
	if kernelerrors.CodeOf(err) != kernelerrors.CodeIllegalTransition {
		t.Fatalf("double confirm: expected ILLEGAL_TRANSITION, got %v", err)
	}

	fresh, err := ReduceVoucher(nil, tentative)
	if err != nil {
		t.Fatalf("reduce tentative again: %v", err)
	}
	rejected, err := ReduceVoucher(fresh, makeEvent(t, events.AggregateVoucher, voucherID, events.TypeVoucherIssuedRejected,
		events.VoucherIssuedRejected{Reason: "tentative reservation expired"}, cycleID))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != VoucherVoided || rejected.VoidReason != "tentative reservation expired" {
		t.Fatalf("rejected state: %+v", rejected)
	}
}

func TestVoucherInvariantLIRPBucket(t *testing.T) {
	v, _, _ := issuedVoucher(t)
	v.IsLIRP = true
	if err := VoucherInvariant(v); kernelerrors.CodeOf(err) != kernelerrors.CodeInvariantBroken {
		t.Fatalf("LIRP voucher on GENERAL bucket: expected INVARIANT_BROKEN, got %v", err)
	}
}

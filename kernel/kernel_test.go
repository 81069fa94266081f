package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/money"
	"grantledger/domain"
	"grantledger/eventlog"
	"grantledger/projection"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestKernel(t *testing.T) (*Kernel, *gorm.DB, *testClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	k, err := New(Config{DB: db, Now: clock.Now})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, db, clock
}

func cmd() Command {
	return Command{
		CommandID:      uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Trace: events.Trace{
			CorrelationID: uuid.New(),
			ActorID:       uuid.New(),
			ActorType:     events.ActorStaff,
		},
	}
}

// seedActiveGrant creates and activates a grant with a $10,000.00 GENERAL
// bucket and a $2,500.00 LIRP bucket for the 2026 calendar year.
func seedActiveGrant(t *testing.T, k *Kernel) (grantID, cycleID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	cycleID = uuid.New()
	created, err := k.CreateGrant(ctx, CreateGrantInput{
		Command:      cmd(),
		GrantCycleID: cycleID,
		CountyCode:   "WAKE",
		Buckets: []BucketSeedInput{
			{Bucket: domain.BucketGeneral, Awarded: money.FromCents(1_000_000), RateNumerator: 1, RateDenominator: 1},
			{Bucket: domain.BucketLIRP, Awarded: money.FromCents(250_000), RateNumerator: 1, RateDenominator: 1},
		},
		PeriodStart:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:               time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		ClaimSubmissionDeadline: time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	grantID = created.GrantID
	if _, err := k.SignGrantAgreement(ctx, GrantLifecycleInput{Command: cmd(), GrantID: grantID}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := k.ActivateGrant(ctx, GrantLifecycleInput{Command: cmd(), GrantID: grantID}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return grantID, cycleID
}

func registerClinic(t *testing.T, k *Kernel) uuid.UUID {
	t.Helper()
	clinicID := uuid.New()
	err := k.UpsertClinic(context.Background(), ClinicInput{
		ClinicID:          clinicID,
		Name:              "Wake Spay Clinic",
		CountyCode:        "WAKE",
		Active:            true,
		LicenseValidUntil: time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("register clinic: %v", err)
	}
	return clinicID
}

func issueVoucher(t *testing.T, k *Kernel, grantID uuid.UUID) VoucherResult {
	t.Helper()
	res, err := k.IssueVoucherOnline(context.Background(), IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromCents(15_000),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("issue voucher: %v", err)
	}
	return res
}

func bucketRow(t *testing.T, db *gorm.DB, grantID uuid.UUID, bucket string) projection.GrantBucketRow {
	t.Helper()
	var row projection.GrantBucketRow
	if err := db.First(&row, "grant_id = ? AND bucket = ?", grantID.String(), bucket).Error; err != nil {
		t.Fatalf("load bucket: %v", err)
	}
	return row
}

func TestIssueVoucherOnlineEncumbersAndAllocates(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, cycleID := seedActiveGrant(t, k)

	res := issueVoucher(t, k, grantID)
	if res.Status != "ISSUED" {
		t.Fatalf("status = %s", res.Status)
	}
	if res.VoucherCode == "" {
		t.Fatalf("no voucher code allocated")
	}

	row := bucketRow(t, db, grantID, "GENERAL")
	if row.AvailableCents != 985_000 || row.EncumberedCents != 15_000 {
		t.Fatalf("balances: available=%d encumbered=%d", row.AvailableCents, row.EncumberedCents)
	}

	alloc, err := k.Allocator(context.Background(), cycleID, "WAKE")
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	if alloc.NextSequence != 2 {
		t.Fatalf("next sequence = %d", alloc.NextSequence)
	}

	voucher, err := k.Voucher(context.Background(), res.VoucherID)
	if err != nil {
		t.Fatalf("voucher query: %v", err)
	}
	if voucher.VoucherCode != res.VoucherCode || voucher.Status != "ISSUED" {
		t.Fatalf("voucher row: %+v", voucher)
	}
}

func TestIssueVoucherBusinessRules(t *testing.T) {
	k, _, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	// LIRP voucher with a co-pay is refused.
	_, err := k.IssueVoucherOnline(ctx, IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketLIRP,
		IsLIRP:           true,
		MaxReimbursement: money.FromCents(20_000),
		CoPay:            money.FromCents(500),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeLIRPCopayForbidden {
		t.Fatalf("expected LIRP_COPAY_FORBIDDEN, got %v", err)
	}

	// Reservation above the bucket's available funds is refused.
	_, err = k.IssueVoucherOnline(ctx, IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromCents(1_000_001),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}

	// Suspended grant refuses issuance.
	if _, err := k.SuspendGrant(ctx, GrantLifecycleInput{Command: cmd(), GrantID: grantID, Reason: "audit"}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err = k.IssueVoucherOnline(ctx, IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromCents(15_000),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeGrantNotActive {
		t.Fatalf("expected GRANT_NOT_ACTIVE, got %v", err)
	}
}

func TestCommandReplayIsVerbatim(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	in := IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromCents(15_000),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	}
	first, err := k.IssueVoucherOnline(ctx, in)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, err := k.IssueVoucherOnline(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first != second {
		t.Fatalf("replay differs: %+v vs %+v", first, second)
	}

	var vouchers int64
	if err := db.Model(&projection.VoucherRow{}).Count(&vouchers).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if vouchers != 1 {
		t.Fatalf("voucher count = %d after replay", vouchers)
	}

	row := bucketRow(t, db, grantID, "GENERAL")
	if row.EncumberedCents != 15_000 {
		t.Fatalf("replay moved funds twice: encumbered=%d", row.EncumberedCents)
	}
}

func TestRetryWithFreshEnvelopeReplays(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	in := IssueVoucherInput{
		Command:          cmd(),
		GrantID:          grantID,
		OwnerID:          uuid.New(),
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromCents(15_000),
		ValidFrom:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	}
	first, err := k.IssueVoucherOnline(ctx, in)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}

	// A client retry keeps the idempotency key but regenerates the command
	// id and trace. It must replay, not be refused as key reuse.
	retry := in
	retry.Command = cmd()
	retry.Command.IdempotencyKey = in.Command.IdempotencyKey
	second, err := k.IssueVoucherOnline(ctx, retry)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if first != second {
		t.Fatalf("retry differs: %+v vs %+v", first, second)
	}

	var vouchers int64
	if err := db.Model(&projection.VoucherRow{}).Count(&vouchers).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if vouchers != 1 {
		t.Fatalf("voucher count = %d after retry", vouchers)
	}
}

func submitAndApproveClaim(t *testing.T, k *Kernel, db *gorm.DB, grantID uuid.UUID, approved int64) (claimID, voucherID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	clinicID := registerClinic(t, k)
	voucher := issueVoucher(t, k, grantID)
	voucherID = voucher.VoucherID

	claimID = uuid.New()
	sub, err := k.SubmitClaim(ctx, SubmitClaimInput{
		Command:       cmd(),
		ClaimID:       claimID,
		VoucherID:     voucherID,
		ClinicID:      clinicID,
		ProcedureCode: "SPAY",
		DateOfService: "2026-02-05",
		ChargedAmount: money.FromCents(18_000),
		CoPay:         money.Zero(),
	})
	if err != nil {
		t.Fatalf("submit claim: %v", err)
	}
	if sub.Duplicate || sub.Status != "SUBMITTED" {
		t.Fatalf("submit result: %+v", sub)
	}

	dec, err := k.ApproveClaim(ctx, DecideClaimInput{
		Command:        cmd(),
		ClaimID:        claimID,
		ApprovedAmount: money.FromCents(approved),
		Basis: DecisionBasisInput{
			PolicySnapshotID: uuid.New(),
			DecidedBy:        uuid.New(),
			DecidedAt:        time.Date(2026, 2, 10, 11, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("approve claim: %v", err)
	}
	if dec.Conflict || dec.Status != "APPROVED" {
		t.Fatalf("approve result: %+v", dec)
	}
	return claimID, voucherID
}

func claimWatermark(t *testing.T, db *gorm.DB, claimID uuid.UUID) events.Watermark {
	t.Helper()
	var row projection.ClaimRow
	if err := db.First(&row, "claim_id = ?", claimID.String()).Error; err != nil {
		t.Fatalf("load claim: %v", err)
	}
	return events.Watermark{
		IngestedAt: time.UnixMicro(row.ApprovedAtUnix).UTC(),
		EventID:    uuid.MustParse(row.ApprovedEventID),
	}
}

func TestClaimApprovalLiquidatesAndReleasesRemainder(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)

	claimID, voucherID := submitAndApproveClaim(t, k, db, grantID, 12_000)

	// $150 reserved, $120 approved: $120 liquidated, $30 back to available.
	row := bucketRow(t, db, grantID, "GENERAL")
	if row.EncumberedCents != 0 || row.LiquidatedCents != 12_000 || row.AvailableCents != 988_000 {
		t.Fatalf("balances: available=%d encumbered=%d liquidated=%d",
			row.AvailableCents, row.EncumberedCents, row.LiquidatedCents)
	}

	voucher, err := k.Voucher(context.Background(), voucherID)
	if err != nil {
		t.Fatalf("voucher: %v", err)
	}
	if voucher.Status != "REDEEMED" || voucher.RedeemedByClaimID != claimID.String() {
		t.Fatalf("voucher row: %+v", voucher)
	}
}

func TestReapproveAfterAdjustmentReconcilesGrantFunds(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	claimID, _ := submitAndApproveClaim(t, k, db, grantID, 12_000)

	basis := func() DecisionBasisInput {
		return DecisionBasisInput{
			PolicySnapshotID: uuid.New(),
			DecidedBy:        uuid.New(),
			DecidedAt:        time.Date(2026, 2, 10, 11, 30, 0, 0, time.UTC),
		}
	}
	reapprove := func(cents int64) {
		t.Helper()
		if _, err := k.AdjustClaim(ctx, DecideClaimInput{
			Command:        cmd(),
			ClaimID:        claimID,
			ApprovedAmount: money.FromCents(cents),
			Basis:          basis(),
		}); err != nil {
			t.Fatalf("adjust to %d: %v", cents, err)
		}
		dec, err := k.ApproveClaim(ctx, DecideClaimInput{
			Command:        cmd(),
			ClaimID:        claimID,
			ApprovedAmount: money.FromCents(cents),
			Basis:          basis(),
		})
		if err != nil {
			t.Fatalf("re-approve at %d: %v", cents, err)
		}
		if dec.Conflict || dec.Status != "APPROVED" {
			t.Fatalf("re-approve result: %+v", dec)
		}
	}

	// Upward re-approval re-encumbers and liquidates the $30 increase.
	reapprove(15_000)
	row := bucketRow(t, db, grantID, "GENERAL")
	if row.AvailableCents != 985_000 || row.EncumberedCents != 0 || row.LiquidatedCents != 15_000 {
		t.Fatalf("after increase: available=%d encumbered=%d liquidated=%d",
			row.AvailableCents, row.EncumberedCents, row.LiquidatedCents)
	}

	// Downward re-approval returns the $50 decrease from liquidated.
	reapprove(10_000)
	row = bucketRow(t, db, grantID, "GENERAL")
	if row.AvailableCents != 990_000 || row.EncumberedCents != 0 || row.LiquidatedCents != 10_000 {
		t.Fatalf("after decrease: available=%d encumbered=%d liquidated=%d",
			row.AvailableCents, row.EncumberedCents, row.LiquidatedCents)
	}
	if row.AvailableCents+row.EncumberedCents+row.LiquidatedCents != 1_000_000 {
		t.Fatalf("balance equation broken: %+v", row)
	}

	// The invoice bills exactly what the grant liquidated.
	run, err := k.GenerateMonthlyInvoices(ctx, GenerateInvoicesInput{
		Command:   cmd(),
		Year:      2026,
		Month:     2,
		Watermark: claimWatermark(t, db, claimID),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(run.Invoices) != 1 || run.Invoices[0].Total != "10000" {
		t.Fatalf("invoices: %+v", run.Invoices)
	}
}

func TestDuplicateFingerprintResolvesToExistingClaim(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()
	clinicID := registerClinic(t, k)
	voucher := issueVoucher(t, k, grantID)

	in := SubmitClaimInput{
		Command:       cmd(),
		ClaimID:       uuid.New(),
		VoucherID:     voucher.VoucherID,
		ClinicID:      clinicID,
		ProcedureCode: "SPAY",
		DateOfService: "2026-02-05",
		ChargedAmount: money.FromCents(18_000),
		CoPay:         money.Zero(),
	}
	first, err := k.SubmitClaim(ctx, in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Same business key under a fresh command and claim id.
	dup := in
	dup.Command = cmd()
	dup.ClaimID = uuid.New()
	second, err := k.SubmitClaim(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !second.Duplicate || second.ClaimID != first.ClaimID {
		t.Fatalf("duplicate result: %+v", second)
	}

	var claims int64
	if err := db.Model(&projection.ClaimRow{}).Count(&claims).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if claims != 1 {
		t.Fatalf("claim count = %d", claims)
	}
	submitted, err := eventlog.CountByType(db, events.TypeClaimSubmitted)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if submitted != 1 {
		t.Fatalf("CLAIM_SUBMITTED events = %d", submitted)
	}
}

func TestSecondDecisionRecordsConflictWithoutDoubleLiquidation(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	claimID, _ := submitAndApproveClaim(t, k, db, grantID, 12_000)
	before := bucketRow(t, db, grantID, "GENERAL")

	dec, err := k.ApproveClaim(ctx, DecideClaimInput{
		Command:        cmd(),
		ClaimID:        claimID,
		ApprovedAmount: money.FromCents(15_000),
		Basis: DecisionBasisInput{
			PolicySnapshotID: uuid.New(),
			DecidedBy:        uuid.New(),
			DecidedAt:        time.Date(2026, 2, 10, 11, 30, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if !dec.Conflict || dec.Status != "APPROVED" {
		t.Fatalf("conflict result: %+v", dec)
	}

	after := bucketRow(t, db, grantID, "GENERAL")
	if after.LiquidatedCents != before.LiquidatedCents || after.AvailableCents != before.AvailableCents {
		t.Fatalf("conflict moved funds: before=%+v after=%+v", before, after)
	}
	liquidations, err := eventlog.CountByType(db, events.TypeGrantFundsLiquidated)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if liquidations != 1 {
		t.Fatalf("GRANT_FUNDS_LIQUIDATED events = %d", liquidations)
	}
	conflicts, err := eventlog.CountByType(db, events.TypeClaimDecisionConflictRecorded)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if conflicts != 1 {
		t.Fatalf("CLAIM_DECISION_CONFLICT_RECORDED events = %d", conflicts)
	}

	claim, err := k.Claim(ctx, claimID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.ApprovedCents != 12_000 {
		t.Fatalf("first decision did not win: approved=%d", claim.ApprovedCents)
	}
}

func TestMonthlyInvoiceRun(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, cycleID := seedActiveGrant(t, k)
	ctx := context.Background()

	claimID, _ := submitAndApproveClaim(t, k, db, grantID, 15_000)
	wm := claimWatermark(t, db, claimID)

	run, err := k.GenerateMonthlyInvoices(ctx, GenerateInvoicesInput{
		Command:   cmd(),
		Year:      2026,
		Month:     2,
		Watermark: wm,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(run.Invoices) != 1 {
		t.Fatalf("invoices = %d", len(run.Invoices))
	}
	inv := run.Invoices[0]
	if inv.Total != "15000" || len(inv.ClaimIDs) != 1 || inv.ClaimIDs[0] != claimID {
		t.Fatalf("invoice summary: %+v", inv)
	}
	if inv.GrantCycleID != cycleID {
		t.Fatalf("invoice cycle = %s", inv.GrantCycleID)
	}

	claim, err := k.Claim(ctx, claimID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Status != "INVOICED" || claim.InvoiceID == nil || *claim.InvoiceID != inv.InvoiceID.String() {
		t.Fatalf("claim row after invoicing: %+v", claim)
	}

	// A second run over the same period and watermark finds nothing new.
	again, err := k.GenerateMonthlyInvoices(ctx, GenerateInvoicesInput{
		Command:   cmd(),
		Year:      2026,
		Month:     2,
		Watermark: wm,
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again.Invoices) != 0 {
		t.Fatalf("second run produced %d invoices", len(again.Invoices))
	}
}

func TestInvoiceSubmitPaymentAndAdjustmentFlow(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, cycleID := seedActiveGrant(t, k)
	ctx := context.Background()

	claimID, _ := submitAndApproveClaim(t, k, db, grantID, 15_000)
	run, err := k.GenerateMonthlyInvoices(ctx, GenerateInvoicesInput{
		Command:   cmd(),
		Year:      2026,
		Month:     2,
		Watermark: claimWatermark(t, db, claimID),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	invoiceID := run.Invoices[0].InvoiceID

	sub, err := k.SubmitInvoice(ctx, SubmitInvoiceInput{Command: cmd(), InvoiceID: invoiceID})
	if err != nil {
		t.Fatalf("submit invoice: %v", err)
	}
	if sub.Status != "SUBMITTED" || sub.Total != "15000" {
		t.Fatalf("submit result: %+v", sub)
	}
	_, err = k.SubmitInvoice(ctx, SubmitInvoiceInput{Command: cmd(), InvoiceID: invoiceID})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeInvoiceLocked {
		t.Fatalf("resubmit: expected INVOICE_LOCKED, got %v", err)
	}

	partial, err := k.RecordPayment(ctx, RecordPaymentInput{
		Command:   cmd(),
		InvoiceID: invoiceID,
		Amount:    money.FromCents(10_000),
		Channel:   "ACH",
		Reference: "TX-100",
	})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if partial.PaymentStatus != "PARTIALLY_PAID" {
		t.Fatalf("partial status = %s", partial.PaymentStatus)
	}
	full, err := k.RecordPayment(ctx, RecordPaymentInput{
		Command:   cmd(),
		InvoiceID: invoiceID,
		Amount:    money.FromCents(5_000),
		Channel:   "ACH",
		Reference: "TX-101",
	})
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if full.PaymentStatus != "PAID" {
		t.Fatalf("final status = %s", full.PaymentStatus)
	}

	// A credit against this invoice carries forward into the next run.
	adj, err := k.CreateAdjustment(ctx, CreateAdjustmentInput{
		Command:         cmd(),
		SourceInvoiceID: invoiceID,
		Amount:          money.FromCents(-2_000),
		Reason:          "overpayment carry-forward",
	})
	if err != nil {
		t.Fatalf("create adjustment: %v", err)
	}
	if adj.Status != "AVAILABLE" {
		t.Fatalf("adjustment status = %s", adj.Status)
	}

	// Second claim and invoice run in the same month consume the credit.
	clinic2 := registerClinic(t, k)
	voucher2 := issueVoucher(t, k, grantID)
	claim2 := uuid.New()
	if _, err := k.SubmitClaim(ctx, SubmitClaimInput{
		Command:       cmd(),
		ClaimID:       claim2,
		VoucherID:     voucher2.VoucherID,
		ClinicID:      clinic2,
		ProcedureCode: "NEUTER",
		DateOfService: "2026-02-08",
		ChargedAmount: money.FromCents(12_000),
		CoPay:         money.Zero(),
	}); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := k.ApproveClaim(ctx, DecideClaimInput{
		Command:        cmd(),
		ClaimID:        claim2,
		ApprovedAmount: money.FromCents(12_000),
		Basis: DecisionBasisInput{
			PolicySnapshotID: uuid.New(),
			DecidedBy:        uuid.New(),
			DecidedAt:        time.Date(2026, 2, 10, 11, 45, 0, 0, time.UTC),
		},
	}); err != nil {
		t.Fatalf("approve second claim: %v", err)
	}

	run2, err := k.GenerateMonthlyInvoices(ctx, GenerateInvoicesInput{
		Command:   cmd(),
		Year:      2026,
		Month:     2,
		Watermark: claimWatermark(t, db, claim2),
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(run2.Invoices) != 1 {
		t.Fatalf("second run invoices = %d", len(run2.Invoices))
	}
	inv2 := run2.Invoices[0]
	if inv2.Total != "10000" {
		t.Fatalf("credited total = %s, want 10000", inv2.Total)
	}
	if len(inv2.AdjustmentIDs) != 1 || inv2.AdjustmentIDs[0] != adj.AdjustmentID {
		t.Fatalf("adjustment not consumed: %+v", inv2)
	}

	adjs, err := k.Adjustments(ctx, cycleID, clinic2)
	if err != nil {
		t.Fatalf("adjustments: %v", err)
	}
	if len(adjs) != 1 || adjs[0].Status != "APPLIED" || adjs[0].AppliedToInvoiceID != inv2.InvoiceID.String() {
		t.Fatalf("adjustment rows: %+v", adjs)
	}
}

func TestTentativeVoucherConfirmAndRejectFlow(t *testing.T) {
	k, db, clock := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	tentativeIn := IssueVoucherInput{
		Command:            cmd(),
		GrantID:            grantID,
		OwnerID:            uuid.New(),
		Bucket:             domain.BucketGeneral,
		MaxReimbursement:   money.FromCents(15_000),
		ValidFrom:          time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:          time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
		TentativeExpiresAt: time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC),
	}
	tent, err := k.IssueVoucherTentative(ctx, tentativeIn)
	if err != nil {
		t.Fatalf("tentative: %v", err)
	}
	if tent.Status != "TENTATIVE" || tent.VoucherCode != "" {
		t.Fatalf("tentative result: %+v", tent)
	}
	row := bucketRow(t, db, grantID, "GENERAL")
	if row.EncumberedCents != 15_000 {
		t.Fatalf("tentative did not encumber: %d", row.EncumberedCents)
	}

	conf, err := k.ConfirmTentativeVoucher(ctx, VoucherRefInput{Command: cmd(), VoucherID: tent.VoucherID})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Status != "ISSUED" || conf.VoucherCode == "" {
		t.Fatalf("confirm result: %+v", conf)
	}

	// A second tentative reservation left past its expiry refuses
	// confirmation.
	second, err := k.IssueVoucherTentative(ctx, IssueVoucherInput{
		Command:            cmd(),
		GrantID:            tentativeIn.GrantID,
		OwnerID:            uuid.New(),
		Bucket:             domain.BucketGeneral,
		MaxReimbursement:   money.FromCents(15_000),
		ValidFrom:          tentativeIn.ValidFrom,
		ExpiresAt:          tentativeIn.ExpiresAt,
		TentativeExpiresAt: tentativeIn.TentativeExpiresAt,
	})
	if err != nil {
		t.Fatalf("second tentative: %v", err)
	}
	clock.now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = k.ConfirmTentativeVoucher(ctx, VoucherRefInput{Command: cmd(), VoucherID: second.VoucherID})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeVoucherExpired {
		t.Fatalf("late confirm: expected VOUCHER_EXPIRED, got %v", err)
	}

	rej, err := k.RejectTentativeVoucher(ctx, VoucherRefInput{Command: cmd(), VoucherID: second.VoucherID, Reason: "tentative reservation expired"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.Status != "VOIDED" {
		t.Fatalf("reject result: %+v", rej)
	}
	row = bucketRow(t, db, grantID, "GENERAL")
	if row.EncumberedCents != 15_000 {
		t.Fatalf("funds not released on reject: encumbered=%d", row.EncumberedCents)
	}
}

func TestVoidVoucherReleasesFunds(t *testing.T) {
	k, db, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()

	voucher := issueVoucher(t, k, grantID)
	res, err := k.VoidVoucher(ctx, VoucherRefInput{Command: cmd(), VoucherID: voucher.VoucherID, Reason: "issued in error"})
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if res.Status != "VOIDED" {
		t.Fatalf("void result: %+v", res)
	}
	row := bucketRow(t, db, grantID, "GENERAL")
	if row.AvailableCents != 1_000_000 || row.EncumberedCents != 0 {
		t.Fatalf("balances after void: available=%d encumbered=%d", row.AvailableCents, row.EncumberedCents)
	}

	// A terminal voucher refuses a second void.
	_, err = k.VoidVoucher(ctx, VoucherRefInput{Command: cmd(), VoucherID: voucher.VoucherID, Reason: "again"})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeVoucherNotRedeemable {
		t.Fatalf("double void: expected VOUCHER_NOT_REDEEMABLE, got %v", err)
	}
}

func TestSubmitClaimClinicRegistryRules(t *testing.T) {
	k, _, _ := newTestKernel(t)
	grantID, _ := seedActiveGrant(t, k)
	ctx := context.Background()
	voucher := issueVoucher(t, k, grantID)

	clinicID := uuid.New()
	if err := k.UpsertClinic(ctx, ClinicInput{
		ClinicID:          clinicID,
		Name:              "Lapsed Clinic",
		CountyCode:        "WAKE",
		Active:            true,
		LicenseValidUntil: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := k.SubmitClaim(ctx, SubmitClaimInput{
		Command:       cmd(),
		ClaimID:       uuid.New(),
		VoucherID:     voucher.VoucherID,
		ClinicID:      clinicID,
		ProcedureCode: "SPAY",
		DateOfService: "2026-02-05",
		ChargedAmount: money.FromCents(18_000),
		CoPay:         money.Zero(),
	})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeLicenseNotValid {
		t.Fatalf("expected LICENSE_NOT_VALID, got %v", err)
	}

	_, err = k.SubmitClaim(ctx, SubmitClaimInput{
		Command:       cmd(),
		ClaimID:       uuid.New(),
		VoucherID:     voucher.VoucherID,
		ClinicID:      uuid.New(), // never registered
		ProcedureCode: "SPAY",
		DateOfService: "2026-02-05",
		ChargedAmount: money.FromCents(18_000),
		CoPay:         money.Zero(),
	})
	if kernelerrors.CodeOf(err) != kernelerrors.CodeClinicNotActive {
		t.Fatalf("expected CLINIC_NOT_ACTIVE, got %v", err)
	}
}

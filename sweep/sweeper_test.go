package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantledger/core/events"
	"grantledger/core/money"
	"grantledger/domain"
	"grantledger/kernel"
	"grantledger/projection"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestKernel(t *testing.T) (*kernel.Kernel, *testClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := kernel.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	k, err := kernel.New(kernel.Config{DB: db, Now: clock.Now})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, clock
}

func cmd() kernel.Command {
	return kernel.Command{
		CommandID:      uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Trace: events.Trace{
			CorrelationID: uuid.New(),
			ActorID:       uuid.New(),
			ActorType:     events.ActorStaff,
		},
	}
}

func seedTentativeVoucher(t *testing.T, k *kernel.Kernel) (grantID, voucherID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	created, err := k.CreateGrant(ctx, kernel.CreateGrantInput{
		Command:      cmd(),
		GrantCycleID: uuid.New(),
		CountyCode:   "WAKE",
		Buckets: []kernel.BucketSeedInput{
			{Bucket: domain.BucketGeneral, Awarded: money.FromCents(1_000_000), RateNumerator: 1, RateDenominator: 1},
		},
		PeriodStart:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:               time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		ClaimSubmissionDeadline: time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	grantID = created.GrantID
	if _, err := k.SignGrantAgreement(ctx, kernel.GrantLifecycleInput{Command: cmd(), GrantID: grantID}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := k.ActivateGrant(ctx, kernel.GrantLifecycleInput{Command: cmd(), GrantID: grantID}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	tent, err := k.IssueVoucherTentative(ctx, kernel.IssueVoucherInput{
		Command:            cmd(),
		GrantID:            grantID,
		OwnerID:            uuid.New(),
		Bucket:             domain.BucketGeneral,
		MaxReimbursement:   money.FromCents(15_000),
		ValidFrom:          time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		ExpiresAt:          time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
		TentativeExpiresAt: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("tentative issue: %v", err)
	}
	return grantID, tent.VoucherID
}

func TestRunRejectsExpiredReservations(t *testing.T) {
	k, clock := newTestKernel(t)
	grantID, voucherID := seedTentativeVoucher(t, k)
	ctx := context.Background()

	s := New(Config{Kernel: k, Now: clock.Now})

	// The reservation is still live, so the first pass finds nothing.
	swept, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept %d before expiry", swept)
	}

	clock.now = time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)
	swept, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	voucher, err := k.Voucher(ctx, voucherID)
	if err != nil {
		t.Fatalf("voucher: %v", err)
	}
	if voucher.Status != string(domain.VoucherVoided) {
		t.Fatalf("voucher status = %s", voucher.Status)
	}

	buckets, err := k.GrantBuckets(ctx, grantID)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].AvailableCents != 1_000_000 || buckets[0].EncumberedCents != 0 {
		t.Fatalf("funds not released: %+v", buckets)
	}

	// Already swept: nothing left to reject.
	swept, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if swept != 0 {
		t.Fatalf("second run swept %d", swept)
	}
}

func TestRunLeavesLiveReservationsAlone(t *testing.T) {
	k, clock := newTestKernel(t)
	_, voucherID := seedTentativeVoucher(t, k)
	ctx := context.Background()

	// Just before the deadline the reservation survives the sweep and can
	// still be confirmed.
	clock.now = time.Date(2026, 2, 19, 23, 0, 0, 0, time.UTC)
	swept, err := New(Config{Kernel: k, Now: clock.Now}).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept a live reservation")
	}

	conf, err := k.ConfirmTentativeVoucher(ctx, kernel.VoucherRefInput{Command: cmd(), VoucherID: voucherID})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Status != string(domain.VoucherIssued) || conf.VoucherCode == "" {
		t.Fatalf("confirm result: %+v", conf)
	}
}

func TestRunHonoursBatchLimit(t *testing.T) {
	k, clock := newTestKernel(t)
	grantID, _ := seedTentativeVoucher(t, k)
	ctx := context.Background()

	// Two more reservations against the same grant.
	for i := 0; i < 2; i++ {
		_, err := k.IssueVoucherTentative(ctx, kernel.IssueVoucherInput{
			Command:            cmd(),
			GrantID:            grantID,
			OwnerID:            uuid.New(),
			Bucket:             domain.BucketGeneral,
			MaxReimbursement:   money.FromCents(15_000),
			ValidFrom:          time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			ExpiresAt:          time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
			TentativeExpiresAt: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("tentative issue %d: %v", i, err)
		}
	}

	clock.now = time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)
	s := New(Config{Kernel: k, Batch: 2, Now: clock.Now})
	swept, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if swept != 2 {
		t.Fatalf("first batch swept %d, want 2", swept)
	}
	swept, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if swept != 1 {
		t.Fatalf("second batch swept %d, want 1", swept)
	}

	var remaining int64
	err = k.DB().Model(&projection.VoucherRow{}).
		Where("status = ?", string(domain.VoucherTentative)).
		Count(&remaining).Error
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("%d tentative vouchers left", remaining)
	}
}

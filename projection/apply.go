package projection

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"grantledger/core/events"
	"grantledger/core/money"
	"grantledger/domain"
)

func cents(a money.Amount) (int64, error) {
	v, err := a.Int64()
	if err != nil {
		return 0, fmt.Errorf("projection: %w", err)
	}
	return v, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func stamp(wm events.Watermark, now time.Time) Watermark {
	return Watermark{
		WatermarkIngestedAtUnix: wm.IngestedAt.UTC().UnixMicro(),
		WatermarkEventID:        wm.EventID.String(),
		RebuiltAtUnix:           now.UTC().UnixMicro(),
	}
}

func upsert(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// UpsertGrant writes one projection row per bucket from the folded grant.
func UpsertGrant(tx *gorm.DB, g *domain.Grant, wm events.Watermark, now time.Time) error {
	for name, bucket := range g.Buckets {
		awarded, err := cents(bucket.Awarded)
		if err != nil {
			return err
		}
		available, err := cents(bucket.Available)
		if err != nil {
			return err
		}
		encumbered, err := cents(bucket.Encumbered)
		if err != nil {
			return err
		}
		liquidated, err := cents(bucket.Liquidated)
		if err != nil {
			return err
		}
		released, err := cents(bucket.Released)
		if err != nil {
			return err
		}
		committed, err := cents(bucket.MatchingCommitted)
		if err != nil {
			return err
		}
		reported, err := cents(bucket.MatchingReported)
		if err != nil {
			return err
		}
		row := GrantBucketRow{
			GrantID:                g.ID.String(),
			Bucket:                 string(name),
			GrantCycleID:           g.GrantCycleID.String(),
			CountyCode:             g.CountyCode,
			Status:                 string(g.Status),
			AwardedCents:           awarded,
			AvailableCents:         available,
			EncumberedCents:        encumbered,
			LiquidatedCents:        liquidated,
			ReleasedCents:          released,
			RateNumerator:          bucket.RateNumerator,
			RateDenominator:        bucket.RateDenominator,
			MatchingCommittedCents: committed,
			MatchingReportedCents:  reported,
			PeriodStartUnix:        unixOrZero(g.PeriodStart),
			PeriodEndUnix:          unixOrZero(g.PeriodEnd),
			ClaimDeadlineUnix:      unixOrZero(g.ClaimSubmissionDeadline),
			PeriodEnded:            g.PeriodEnded,
			ClaimsDeadlinePassed:   g.ClaimsDeadlinePassed,
			Watermark:              stamp(wm, now),
		}
		if err := upsert(tx, &row); err != nil {
			return fmt.Errorf("projection: upsert grant bucket: %w", err)
		}
	}
	return nil
}

// UpsertVoucher writes the folded voucher, preserving any code already
// bound by a VOUCHER_CODE_ALLOCATED event.
func UpsertVoucher(tx *gorm.DB, v *domain.Voucher, wm events.Watermark, now time.Time) error {
	maxReimb, err := cents(v.MaxReimbursement)
	if err != nil {
		return err
	}
	var existing VoucherRow
	code := ""
	if err := tx.First(&existing, "voucher_id = ?", v.ID.String()).Error; err == nil {
		code = existing.VoucherCode
	}
	redeemed := ""
	if v.RedeemedByClaimID != uuid.Nil {
		redeemed = v.RedeemedByClaimID.String()
	}
	row := VoucherRow{
		VoucherID:              v.ID.String(),
		GrantID:                v.GrantID.String(),
		GrantCycleID:           v.GrantCycleID.String(),
		OwnerID:                v.OwnerID.String(),
		Bucket:                 string(v.Bucket),
		MaxReimbursementCents:  maxReimb,
		IsLIRP:                 v.IsLIRP,
		CountyCode:             v.CountyCode,
		VoucherCode:            code,
		Status:                 string(v.Status),
		ValidFromUnix:          unixOrZero(v.ValidFrom),
		ExpiresAtUnix:          unixOrZero(v.ExpiresAt),
		TentativeExpiresAtUnix: unixOrZero(v.TentativeExpiresAt),
		RedeemedByClaimID:      redeemed,
		VoidReason:             v.VoidReason,
		Watermark:              stamp(wm, now),
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: upsert voucher: %w", err)
	}
	return nil
}

// SetVoucherCode binds an allocated code to the voucher row.
func SetVoucherCode(tx *gorm.DB, voucherID uuid.UUID, code string, wm events.Watermark, now time.Time) error {
	w := stamp(wm, now)
	updates := map[string]any{
		"voucher_code":               code,
		"watermark_ingested_at_unix": w.WatermarkIngestedAtUnix,
		"watermark_event_id":         w.WatermarkEventID,
		"rebuilt_at_unix":            w.RebuiltAtUnix,
	}
	res := tx.Model(&VoucherRow{}).Where("voucher_id = ?", voucherID.String()).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("projection: set voucher code: %w", res.Error)
	}
	return nil
}

// UpsertAllocator writes the folded allocator.
func UpsertAllocator(tx *gorm.DB, a *domain.Allocator, countyCode string, wm events.Watermark, now time.Time) error {
	row := AllocatorRow{
		AllocatorID:  a.ID.String(),
		GrantCycleID: a.GrantCycleID.String(),
		CountyCode:   countyCode,
		NextSequence: a.NextSequence,
		Watermark:    stamp(wm, now),
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: upsert allocator: %w", err)
	}
	return nil
}

// UpsertClaim writes the folded claim.
func UpsertClaim(tx *gorm.DB, c *domain.Claim, wm events.Watermark, now time.Time) error {
	charged, err := cents(c.Charged)
	if err != nil {
		return err
	}
	coPay, err := cents(c.CoPay)
	if err != nil {
		return err
	}
	approved, err := cents(c.ApprovedAmount)
	if err != nil {
		return err
	}
	row := ClaimRow{
		ClaimID:       c.ID.String(),
		VoucherID:     c.VoucherID.String(),
		ClinicID:      c.ClinicID.String(),
		GrantCycleID:  c.GrantCycleID.String(),
		Fingerprint:   c.Fingerprint,
		ProcedureCode: c.ProcedureCode,
		DateOfService: c.DateOfService,
		ChargedCents:  charged,
		CoPayCents:    coPay,
		Rabies:        c.Rabies,
		Status:        string(c.Status),
		ApprovedCents: approved,
		Watermark:     stamp(wm, now),
	}
	if c.ApprovedEventID != uuid.Nil {
		row.ApprovedEventID = c.ApprovedEventID.String()
		row.ApprovedAtUnix = c.ApprovedAt.UTC().UnixMicro()
	}
	if c.InvoiceID != uuid.Nil {
		s := c.InvoiceID.String()
		row.InvoiceID = &s
	}
	if c.Basis != nil {
		row.PolicySnapshotID = c.Basis.PolicySnapshotID.String()
		row.DecidedBy = c.Basis.DecidedBy.String()
		row.DecidedAtUnix = unixOrZero(c.Basis.DecidedAt)
		row.DecisionReason = c.Basis.Reason
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: upsert claim: %w", err)
	}
	return nil
}

// UpsertInvoice writes the folded invoice and refreshes the derived
// payment position from the payments projection.
func UpsertInvoice(tx *gorm.DB, inv *domain.Invoice, wm events.Watermark, now time.Time) error {
	claimsTotal, err := cents(inv.ClaimsTotal)
	if err != nil {
		return err
	}
	adjTotal, err := cents(inv.AdjustmentTotal)
	if err != nil {
		return err
	}
	total, err := cents(inv.Total)
	if err != nil {
		return err
	}
	paid, err := paidSum(tx, inv.ID.String())
	if err != nil {
		return err
	}
	row := InvoiceRow{
		InvoiceID:            inv.ID.String(),
		ClinicID:             inv.ClinicID.String(),
		GrantCycleID:         inv.GrantCycleID.String(),
		Year:                 inv.Year,
		Month:                inv.Month,
		ClaimIDs:             joinIDs(inv.ClaimIDs),
		AdjustmentIDs:        joinIDs(inv.AdjustmentIDs),
		ClaimsTotalCents:     claimsTotal,
		AdjustmentTotalCents: adjTotal,
		TotalCents:           total,
		Status:               string(inv.Status),
		PaidCents:            paid,
		PaymentStatus:        domain.DerivePaymentStatus(inv.Status, inv.Total, money.FromCents(paid)),
		Watermark:            stamp(wm, now),
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: upsert invoice: %w", err)
	}
	return nil
}

// InsertPayment writes the payment fact and refreshes the owning invoice's
// derived payment position.
func InsertPayment(tx *gorm.DB, p *domain.Payment, wm events.Watermark, now time.Time) error {
	amount, err := cents(p.Amount)
	if err != nil {
		return err
	}
	row := PaymentRow{
		PaymentID:      p.ID.String(),
		InvoiceID:      p.InvoiceID.String(),
		GrantCycleID:   p.GrantCycleID.String(),
		AmountCents:    amount,
		Channel:        p.Channel,
		Reference:      p.Reference,
		ReceivedAtUnix: unixOrZero(p.ReceivedAt),
		Watermark:      stamp(wm, now),
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: insert payment: %w", err)
	}
	return refreshInvoicePayments(tx, p.InvoiceID.String(), wm, now)
}

func paidSum(tx *gorm.DB, invoiceID string) (int64, error) {
	var paid int64
	err := tx.Model(&PaymentRow{}).
		Where("invoice_id = ?", invoiceID).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&paid).Error
	if err != nil {
		return 0, fmt.Errorf("projection: sum payments: %w", err)
	}
	return paid, nil
}

func refreshInvoicePayments(tx *gorm.DB, invoiceID string, wm events.Watermark, now time.Time) error {
	var row InvoiceRow
	if err := tx.First(&row, "invoice_id = ?", invoiceID).Error; err != nil {
		return fmt.Errorf("projection: invoice %s for payment refresh: %w", invoiceID, err)
	}
	paid, err := paidSum(tx, invoiceID)
	if err != nil {
		return err
	}
	w := stamp(wm, now)
	updates := map[string]any{
		"paid_cents":                 paid,
		"payment_status":             domain.DerivePaymentStatus(domain.InvoiceStatus(row.Status), money.FromCents(row.TotalCents), money.FromCents(paid)),
		"watermark_ingested_at_unix": w.WatermarkIngestedAtUnix,
		"watermark_event_id":         w.WatermarkEventID,
		"rebuilt_at_unix":            w.RebuiltAtUnix,
	}
	if err := tx.Model(&InvoiceRow{}).Where("invoice_id = ?", invoiceID).Updates(updates).Error; err != nil {
		return fmt.Errorf("projection: refresh invoice payments: %w", err)
	}
	return nil
}

// UpsertAdjustment writes the folded adjustment.
func UpsertAdjustment(tx *gorm.DB, a *domain.Adjustment, wm events.Watermark, now time.Time) error {
	amount, err := cents(a.Amount)
	if err != nil {
		return err
	}
	var clinic *string
	if a.ClinicID != nil {
		s := a.ClinicID.String()
		clinic = &s
	}
	applied := ""
	if a.AppliedToID != uuid.Nil {
		applied = a.AppliedToID.String()
	}
	row := AdjustmentRow{
		AdjustmentID:       a.ID.String(),
		SourceInvoiceID:    a.SourceInvoiceID.String(),
		ClinicID:           clinic,
		GrantCycleID:       a.GrantCycleID.String(),
		AmountCents:        amount,
		Reason:             a.Reason,
		Status:             string(a.Status),
		AppliedToInvoiceID: applied,
		Watermark:          stamp(wm, now),
	}
	if err := upsert(tx, &row); err != nil {
		return fmt.Errorf("projection: upsert adjustment: %w", err)
	}
	return nil
}

func joinIDs(ids []uuid.UUID) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id.String()
	}
	return out
}

package kernel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	kernelerrors "grantledger/core/errors"
	"grantledger/projection"
)

// Snapshot queries read the projections directly. Every row embeds the
// watermark triple (watermarkIngestedAt, watermarkEventId, rebuiltAt), so
// callers can tell how fresh the snapshot is relative to the log.

// GrantBuckets returns the bucket rows of one grant.
func (k *Kernel) GrantBuckets(ctx context.Context, grantID uuid.UUID) ([]projection.GrantBucketRow, error) {
	var rows []projection.GrantBucketRow
	err := k.db.WithContext(ctx).
		Where("grant_id = ?", grantID.String()).
		Order("bucket ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kernelerrors.NotFound("grant %s not found", grantID)
	}
	return rows, nil
}

// Voucher returns one voucher snapshot.
func (k *Kernel) Voucher(ctx context.Context, voucherID uuid.UUID) (*projection.VoucherRow, error) {
	var row projection.VoucherRow
	err := k.db.WithContext(ctx).First(&row, "voucher_id = ?", voucherID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("voucher %s not found", voucherID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Claim returns one claim snapshot.
func (k *Kernel) Claim(ctx context.Context, claimID uuid.UUID) (*projection.ClaimRow, error) {
	var row projection.ClaimRow
	err := k.db.WithContext(ctx).First(&row, "claim_id = ?", claimID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("claim %s not found", claimID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Invoice returns one invoice snapshot together with its payments.
func (k *Kernel) Invoice(ctx context.Context, invoiceID uuid.UUID) (*projection.InvoiceRow, []projection.PaymentRow, error) {
	var row projection.InvoiceRow
	err := k.db.WithContext(ctx).First(&row, "invoice_id = ?", invoiceID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, kernelerrors.NotFound("invoice %s not found", invoiceID)
	}
	if err != nil {
		return nil, nil, err
	}
	var payments []projection.PaymentRow
	err = k.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID.String()).
		Order("received_at_unix ASC, payment_id ASC").
		Find(&payments).Error
	if err != nil {
		return nil, nil, err
	}
	return &row, payments, nil
}

// Adjustments returns the adjustments eligible for one clinic in a cycle:
// clinic-scoped rows plus cycle-wide ones.
func (k *Kernel) Adjustments(ctx context.Context, cycleID, clinicID uuid.UUID) ([]projection.AdjustmentRow, error) {
	var rows []projection.AdjustmentRow
	err := k.db.WithContext(ctx).
		Where("grant_cycle_id = ?", cycleID.String()).
		Where("clinic_id IS NULL OR clinic_id = ?", clinicID.String()).
		Order("adjustment_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Allocator returns the code allocator snapshot for one (cycle, county).
func (k *Kernel) Allocator(ctx context.Context, cycleID uuid.UUID, countyCode string) (*projection.AllocatorRow, error) {
	var row projection.AllocatorRow
	err := k.db.WithContext(ctx).
		Where("grant_cycle_id = ? AND county_code = ?", cycleID.String(), countyCode).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("allocator for cycle %s county %s not found", cycleID, countyCode)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ClinicInput maintains the operational clinic registry. The registry is an
// administrative cache, not an aggregate: no events, recordedAt only.
type ClinicInput struct {
	ClinicID          uuid.UUID
	Name              string
	CountyCode        string
	Active            bool
	LicenseValidUntil time.Time
}

// UpsertClinic registers or refreshes a clinic record.
func (k *Kernel) UpsertClinic(ctx context.Context, in ClinicInput) error {
	if in.ClinicID == uuid.Nil {
		return kernelerrors.Validation(kernelerrors.CodeInvalidInput, "clinic id is required")
	}
	record := projection.ClinicRecord{
		ClinicID:   in.ClinicID.String(),
		Name:       in.Name,
		CountyCode: in.CountyCode,
		Active:     in.Active,
		RecordedAt: k.now().UTC(),
	}
	if !in.LicenseValidUntil.IsZero() {
		record.LicenseValidUntilUnix = in.LicenseValidUntil.UTC().UnixMicro()
	}
	return k.db.WithContext(ctx).Save(&record).Error
}

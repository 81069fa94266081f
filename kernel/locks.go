package kernel

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kernelerrors "grantledger/core/errors"
	"grantledger/projection"
)

// Row locks are always taken in the canonical order
// Voucher -> Grant bucket -> Allocator -> Claim -> Invoice, across every
// handler, so concurrent commands against overlapping aggregates serialize
// without deadlocking. Helpers that may legitimately find nothing return
// (nil, nil); helpers for aggregates the command requires map absence to a
// NotFound error.

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func lockVoucherRow(tx *gorm.DB, voucherID uuid.UUID) (*projection.VoucherRow, error) {
	var row projection.VoucherRow
	err := forUpdate(tx).First(&row, "voucher_id = ?", voucherID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("voucher %s not found", voucherID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func lockGrantBucketRows(tx *gorm.DB, grantID uuid.UUID) ([]projection.GrantBucketRow, error) {
	var rows []projection.GrantBucketRow
	err := forUpdate(tx).
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

func lockAllocatorRow(tx *gorm.DB, allocatorID uuid.UUID) (*projection.AllocatorRow, error) {
	var row projection.AllocatorRow
	err := forUpdate(tx).First(&row, "allocator_id = ?", allocatorID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First allocation for this (cycle, county); the allocator springs
		// into existence with its first event.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func lockClaimRow(tx *gorm.DB, claimID uuid.UUID) (*projection.ClaimRow, error) {
	var row projection.ClaimRow
	err := forUpdate(tx).First(&row, "claim_id = ?", claimID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("claim %s not found", claimID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func lockClaimByFingerprint(tx *gorm.DB, cycleID, clinicID uuid.UUID, fingerprint string) (*projection.ClaimRow, error) {
	var row projection.ClaimRow
	err := forUpdate(tx).
		First(&row, "grant_cycle_id = ? AND clinic_id = ? AND fingerprint = ?",
			cycleID.String(), clinicID.String(), fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func lockInvoiceRow(tx *gorm.DB, invoiceID uuid.UUID) (*projection.InvoiceRow, error) {
	var row projection.InvoiceRow
	err := forUpdate(tx).First(&row, "invoice_id = ?", invoiceID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.NotFound("invoice %s not found", invoiceID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

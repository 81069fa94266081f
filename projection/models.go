// Package projection materialises the event log into queryable rows. Every
// row carries the watermark of the last event folded into it plus the time
// it was (re)built. Projections are disposable: any table can be truncated
// and rebuilt from the ZERO watermark. Unlike the event log they allow
// update and delete; they must, to be rebuilt.
package projection

import (
	"time"

	"gorm.io/gorm"
)

// Watermark columns shared by every projection row. Timestamps are UTC
// microseconds, matching the event log's ordering columns.
type Watermark struct {
	WatermarkIngestedAtUnix int64  `gorm:"not null"`
	WatermarkEventID        string `gorm:"size:36;not null"`
	RebuiltAtUnix           int64  `gorm:"not null"`
}

// GrantBucketRow is one bucket of one grant. Grant-level fields repeat per
// bucket so the fund balances stay one row wide.
type GrantBucketRow struct {
	GrantID                 string `gorm:"primaryKey;size:36"`
	Bucket                  string `gorm:"primaryKey;size:16"`
	GrantCycleID            string `gorm:"size:36;index"`
	CountyCode              string `gorm:"size:8"`
	Status                  string `gorm:"size:32"`
	AwardedCents            int64  `gorm:"not null"`
	AvailableCents          int64  `gorm:"not null"`
	EncumberedCents         int64  `gorm:"not null"`
	LiquidatedCents         int64  `gorm:"not null"`
	ReleasedCents           int64  `gorm:"not null"`
	RateNumerator           int64
	RateDenominator         int64
	MatchingCommittedCents  int64
	MatchingReportedCents   int64
	PeriodStartUnix         int64
	PeriodEndUnix           int64
	ClaimDeadlineUnix       int64
	PeriodEnded             bool
	ClaimsDeadlinePassed    bool
	Watermark
}

// TableName pins the storage table.
func (GrantBucketRow) TableName() string { return "grant_buckets_projection" }

// VoucherRow is the folded voucher plus its allocated code, if any.
type VoucherRow struct {
	VoucherID              string `gorm:"primaryKey;size:36"`
	GrantID                string `gorm:"size:36;index"`
	GrantCycleID           string `gorm:"size:36;index"`
	OwnerID                string `gorm:"size:36;index"`
	Bucket                 string `gorm:"size:16"`
	MaxReimbursementCents  int64  `gorm:"not null"`
	IsLIRP                 bool
	CountyCode             string `gorm:"size:8"`
	VoucherCode            string `gorm:"size:32;index"`
	Status                 string `gorm:"size:16;index"`
	ValidFromUnix          int64
	ExpiresAtUnix          int64
	TentativeExpiresAtUnix int64 `gorm:"index"`
	RedeemedByClaimID      string `gorm:"size:36"`
	VoidReason             string `gorm:"size:255"`
	Watermark
}

// TableName pins the storage table.
func (VoucherRow) TableName() string { return "vouchers_projection" }

// AllocatorRow tracks the next voucher-code sequence per (cycle, county).
type AllocatorRow struct {
	AllocatorID  string `gorm:"primaryKey;size:36"`
	GrantCycleID string `gorm:"size:36;index"`
	CountyCode   string `gorm:"size:8"`
	NextSequence int64  `gorm:"not null"`
	Watermark
}

// TableName pins the storage table.
func (AllocatorRow) TableName() string { return "allocators_projection" }

// ClaimRow is the folded claim. The fingerprint is unique per
// (cycle, clinic) and exists only for de-duplication.
type ClaimRow struct {
	ClaimID          string `gorm:"primaryKey;size:36"`
	VoucherID        string `gorm:"size:36;index"`
	ClinicID         string `gorm:"size:36;uniqueIndex:uq_claim_fingerprint,priority:2"`
	GrantCycleID     string `gorm:"size:36;uniqueIndex:uq_claim_fingerprint,priority:1"`
	Fingerprint      string `gorm:"size:64;uniqueIndex:uq_claim_fingerprint,priority:3"`
	ProcedureCode    string `gorm:"size:16"`
	DateOfService    string `gorm:"size:10"`
	ChargedCents     int64
	CoPayCents       int64
	Rabies           bool
	Status           string `gorm:"size:16;index"`
	ApprovedCents    int64
	ApprovedAtUnix   int64  `gorm:"index:idx_claims_approval,priority:1"`
	ApprovedEventID  string `gorm:"size:36;index:idx_claims_approval,priority:2"`
	InvoiceID        *string `gorm:"size:36;index"`
	PolicySnapshotID string `gorm:"size:36"`
	DecidedBy        string `gorm:"size:36"`
	DecidedAtUnix    int64
	DecisionReason   string `gorm:"size:255"`
	Watermark
}

// TableName pins the storage table.
func (ClaimRow) TableName() string { return "claims_projection" }

// InvoiceRow is the folded invoice plus its projection-derived payment
// position. ClaimIDs and AdjustmentIDs are comma-joined in selection order.
type InvoiceRow struct {
	InvoiceID            string `gorm:"primaryKey;size:36"`
	ClinicID             string `gorm:"size:36;index"`
	GrantCycleID         string `gorm:"size:36;index"`
	Year                 int
	Month                int
	ClaimIDs             string `gorm:"type:text"`
	AdjustmentIDs        string `gorm:"type:text"`
	ClaimsTotalCents     int64
	AdjustmentTotalCents int64
	TotalCents           int64
	Status               string `gorm:"size:16;index"`
	PaidCents            int64
	PaymentStatus        string `gorm:"size:16"`
	Watermark
}

// TableName pins the storage table.
func (InvoiceRow) TableName() string { return "invoices_projection" }

// PaymentRow is an immutable payment fact mirrored for querying.
type PaymentRow struct {
	PaymentID      string `gorm:"primaryKey;size:36"`
	InvoiceID      string `gorm:"size:36;index"`
	GrantCycleID   string `gorm:"size:36;index"`
	AmountCents    int64  `gorm:"not null"`
	Channel        string `gorm:"size:32"`
	Reference      string `gorm:"size:128"`
	ReceivedAtUnix int64
	Watermark
}

// TableName pins the storage table.
func (PaymentRow) TableName() string { return "payments_projection" }

// AdjustmentRow is the folded carry-forward adjustment. A NULL clinic id
// means cycle-wide scope.
type AdjustmentRow struct {
	AdjustmentID       string  `gorm:"primaryKey;size:36"`
	SourceInvoiceID    string  `gorm:"size:36;index"`
	ClinicID           *string `gorm:"size:36;index"`
	GrantCycleID       string  `gorm:"size:36;index"`
	AmountCents        int64   `gorm:"not null"`
	Reason             string  `gorm:"size:255"`
	Status             string  `gorm:"size:16;index"`
	AppliedToInvoiceID string  `gorm:"size:36"`
	Watermark
}

// TableName pins the storage table.
func (AdjustmentRow) TableName() string { return "adjustments_projection" }

// ClinicRecord is an operational registry cache consulted during claim
// submission, not a projection: clinics are maintained administratively,
// outside the event log, so the row carries RecordedAt rather than a
// watermark.
type ClinicRecord struct {
	ClinicID              string `gorm:"primaryKey;size:36"`
	Name                  string `gorm:"size:128"`
	CountyCode            string `gorm:"size:8;index"`
	Active                bool
	LicenseValidUntilUnix int64
	RecordedAt            time.Time
}

// TableName pins the storage table.
func (ClinicRecord) TableName() string { return "clinic_registry" }

// Migrate creates every projection table and the clinic registry.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&GrantBucketRow{},
		&VoucherRow{},
		&AllocatorRow{},
		&ClaimRow{},
		&InvoiceRow{},
		&PaymentRow{},
		&AdjustmentRow{},
		&ClinicRecord{},
	)
}

// Tables lists every projection model, in rebuild truncation order.
func Tables() []any {
	return []any{
		&GrantBucketRow{},
		&VoucherRow{},
		&AllocatorRow{},
		&ClaimRow{},
		&InvoiceRow{},
		&PaymentRow{},
		&AdjustmentRow{},
	}
}

package kernel

import (
	"context"
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

// GenerateInvoicesInput drives one deterministic invoicing run. The
// watermark freezes the claim set: only approvals at or before
// (WatermarkIngestedAt, WatermarkEventID), compared lexicographically on
// the tuple, are eligible. Replaying the same input against the same log
// selects the same claims in the same order.
type GenerateInvoicesInput struct {
	Command
	Year      int
	Month     int
	Watermark events.Watermark
}

// InvoiceSummary is one generated invoice.
type InvoiceSummary struct {
	InvoiceID     uuid.UUID   `json:"invoiceId"`
	ClinicID      uuid.UUID   `json:"clinicId"`
	GrantCycleID  uuid.UUID   `json:"grantCycleId"`
	ClaimIDs      []uuid.UUID `json:"claimIds"`
	AdjustmentIDs []uuid.UUID `json:"adjustmentIds"`
	Total         string      `json:"total"`
}

// GenerateInvoicesResult lists the invoices of one run, in selection order.
type GenerateInvoicesResult struct {
	Invoices []InvoiceSummary `json:"invoices"`
}

// invoiceGroup collects the eligible claims of one (clinic, cycle) pair in
// selection order.
type invoiceGroup struct {
	clinicID uuid.UUID
	cycleID  uuid.UUID
	claims   []projection.ClaimRow
}

// GenerateMonthlyInvoices selects approved, un-invoiced claims whose
// approval falls inside the month and at or before the watermark, groups
// them per (clinic, cycle), applies eligible carry-forward adjustments and
// freezes one invoice per group: INVOICE_GENERATED + per-claim
// CLAIM_INVOICED + per-adjustment INVOICE_ADJUSTMENT_APPLIED.
func (k *Kernel) GenerateMonthlyInvoices(ctx context.Context, in GenerateInvoicesInput) (GenerateInvoicesResult, error) {
	if in.Year < 2000 || in.Month < 1 || in.Month > 12 {
		return GenerateInvoicesResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "invalid invoicing period %d-%d", in.Year, in.Month)
	}
	if in.Watermark.EventID == uuid.Nil && in.Watermark.IngestedAt.IsZero() {
		return GenerateInvoicesResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "selection watermark is required")
	}

	monthStart := time.Date(in.Year, time.Month(in.Month), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var result GenerateInvoicesResult
	err := k.execute(ctx, in.Command, "GenerateMonthlyInvoices", in, &result, func(tx *gorm.DB) error {
		wmUnix := in.Watermark.IngestedAt.UTC().UnixMicro()
		var rows []projection.ClaimRow
		err := forUpdate(tx).
			Where("status = ? AND invoice_id IS NULL", string(domain.ClaimApproved)).
			Where("approved_at_unix >= ? AND approved_at_unix < ?", monthStart.UnixMicro(), monthEnd.UnixMicro()).
			Where("approved_at_unix < ? OR (approved_at_unix = ? AND approved_event_id <= ?)",
				wmUnix, wmUnix, in.Watermark.EventID.String()).
			Order("clinic_id ASC, approved_at_unix ASC, approved_event_id ASC").
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			result = GenerateInvoicesResult{Invoices: []InvoiceSummary{}}
			return nil
		}

		// Group in encounter order so the run is deterministic end to end.
		var groups []*invoiceGroup
		index := map[[2]uuid.UUID]*invoiceGroup{}
		for _, row := range rows {
			clinicID, err := uuid.Parse(row.ClinicID)
			if err != nil {
				return err
			}
			cycleID, err := uuid.Parse(row.GrantCycleID)
			if err != nil {
				return err
			}
			key := [2]uuid.UUID{clinicID, cycleID}
			grp, ok := index[key]
			if !ok {
				grp = &invoiceGroup{clinicID: clinicID, cycleID: cycleID}
				index[key] = grp
				groups = append(groups, grp)
			}
			grp.claims = append(grp.claims, row)
		}

		summaries := make([]InvoiceSummary, 0, len(groups))
		for _, grp := range groups {
			summary, err := k.generateInvoice(tx, in, grp)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		result = GenerateInvoicesResult{Invoices: summaries}
		return nil
	})
	return result, err
}

func (k *Kernel) generateInvoice(tx *gorm.DB, in GenerateInvoicesInput, grp *invoiceGroup) (InvoiceSummary, error) {
	// Eligible adjustments: AVAILABLE, same cycle, this clinic or
	// cycle-wide. Ordered by id so replays consume them identically.
	var adjRows []projection.AdjustmentRow
	err := forUpdate(tx).
		Where("status = ? AND grant_cycle_id = ?", string(domain.AdjustmentAvailable), grp.cycleID.String()).
		Where("clinic_id IS NULL OR clinic_id = ?", grp.clinicID.String()).
		Order("adjustment_id ASC").
		Find(&adjRows).Error
	if err != nil {
		return InvoiceSummary{}, err
	}

	claimIDs := make([]uuid.UUID, 0, len(grp.claims))
	claimsTotal := money.Zero()
	for _, row := range grp.claims {
		id, err := uuid.Parse(row.ClaimID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		claimIDs = append(claimIDs, id)
		claimsTotal = claimsTotal.Add(money.FromCents(row.ApprovedCents))
	}
	adjustmentIDs := make([]uuid.UUID, 0, len(adjRows))
	adjustmentTotal := money.Zero()
	for _, row := range adjRows {
		id, err := uuid.Parse(row.AdjustmentID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		adjustmentIDs = append(adjustmentIDs, id)
		adjustmentTotal = adjustmentTotal.Add(money.FromCents(row.AmountCents))
	}
	total := claimsTotal.Add(adjustmentTotal)

	invoiceID := identity.NewAggregateID()
	em := k.emitter(tx, in.Command)
	generated, err := em.emit(events.AggregateInvoice, invoiceID, events.TypeInvoiceGenerated, events.InvoiceGenerated{
		ClinicID:        grp.clinicID,
		Year:            in.Year,
		Month:           in.Month,
		ClaimIDs:        claimIDs,
		AdjustmentIDs:   adjustmentIDs,
		ClaimsTotal:     claimsTotal.String(),
		AdjustmentTotal: adjustmentTotal.String(),
		Total:           total.String(),
	}, grp.cycleID)
	if err != nil {
		return InvoiceSummary{}, err
	}
	inv, err := domain.ReduceInvoice(nil, generated)
	if err != nil {
		return InvoiceSummary{}, err
	}
	if err := domain.InvoiceInvariant(inv); err != nil {
		return InvoiceSummary{}, err
	}
	now := k.now()
	if err := projection.UpsertInvoice(tx, inv, generated.Position(), now); err != nil {
		return InvoiceSummary{}, err
	}

	for _, claimID := range claimIDs {
		c, err := foldClaim(tx, claimID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		invoiced, err := em.emit(events.AggregateClaim, claimID, events.TypeClaimInvoiced, events.ClaimInvoiced{
			InvoiceID: invoiceID,
		}, grp.cycleID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		next, err := domain.ReduceClaim(c, invoiced)
		if err != nil {
			return InvoiceSummary{}, err
		}
		if err := projection.UpsertClaim(tx, next, invoiced.Position(), now); err != nil {
			return InvoiceSummary{}, err
		}
	}

	for i, adjustmentID := range adjustmentIDs {
		a, err := foldAdjustment(tx, adjustmentID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		if !a.EligibleFor(grp.clinicID, grp.cycleID) {
			return InvoiceSummary{}, kernelerrors.BusinessRule(kernelerrors.CodeAdjustmentUnavailable,
				"adjustment %s is not eligible for clinic %s", a.ID, grp.clinicID)
		}
		applied, err := em.emit(events.AggregateAdjustment, adjustmentID, events.TypeInvoiceAdjustmentApplied, events.InvoiceAdjustmentApplied{
			TargetInvoiceID: invoiceID,
			Amount:          money.FromCents(adjRows[i].AmountCents).String(),
		}, grp.cycleID)
		if err != nil {
			return InvoiceSummary{}, err
		}
		next, err := domain.ReduceAdjustment(a, applied)
		if err != nil {
			return InvoiceSummary{}, err
		}
		if err := projection.UpsertAdjustment(tx, next, applied.Position(), now); err != nil {
			return InvoiceSummary{}, err
		}
	}

	return InvoiceSummary{
		InvoiceID:     invoiceID,
		ClinicID:      grp.clinicID,
		GrantCycleID:  grp.cycleID,
		ClaimIDs:      claimIDs,
		AdjustmentIDs: adjustmentIDs,
		Total:         total.String(),
	}, nil
}

// SubmitInvoiceInput locks one draft invoice.
type SubmitInvoiceInput struct {
	Command
	InvoiceID uuid.UUID
}

// InvoiceResult is the response of SubmitInvoice.
type InvoiceResult struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
	Status    string    `json:"status"`
	Total     string    `json:"total"`
}

// SubmitInvoice emits INVOICE_SUBMITTED; the invoice refuses all further
// lifecycle events afterwards.
func (k *Kernel) SubmitInvoice(ctx context.Context, in SubmitInvoiceInput) (InvoiceResult, error) {
	if in.InvoiceID == uuid.Nil {
		return InvoiceResult{}, kernelerrors.Validation(kernelerrors.CodeInvalidInput, "invoice id is required")
	}
	var result InvoiceResult
	err := k.execute(ctx, in.Command, "SubmitInvoice", in, &result, func(tx *gorm.DB) error {
		if _, err := lockInvoiceRow(tx, in.InvoiceID); err != nil {
			return err
		}
		inv, err := foldInvoice(tx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != domain.InvoiceDraft {
			return kernelerrors.BusinessRule(kernelerrors.CodeInvoiceLocked, "invoice %s is already %s", inv.ID, inv.Status)
		}
		em := k.emitter(tx, in.Command)
		submitted, err := em.emit(events.AggregateInvoice, inv.ID, events.TypeInvoiceSubmitted, events.InvoiceSubmitted{}, inv.GrantCycleID)
		if err != nil {
			return err
		}
		next, err := domain.ReduceInvoice(inv, submitted)
		if err != nil {
			return err
		}
		if err := projection.UpsertInvoice(tx, next, submitted.Position(), k.now()); err != nil {
			return err
		}
		result = InvoiceResult{InvoiceID: inv.ID, Status: string(next.Status), Total: next.Total.String()}
		return nil
	})
	return result, err
}

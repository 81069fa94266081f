package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload structs are the only values marshalled into Event.Data. Money
// fields are decimal strings of cents; dates of service are ISO-8601 day
// strings; everything else uses RFC 3339 timestamps.

// BucketSeed describes one funding bucket at grant creation.
type BucketSeed struct {
	Bucket          string `json:"bucket"`
	Awarded         string `json:"awarded"`
	RateNumerator   int64  `json:"rateNumerator"`
	RateDenominator int64  `json:"rateDenominator"`
}

// GrantCreated seeds a grant ledger.
type GrantCreated struct {
	CountyCode              string       `json:"countyCode"`
	Buckets                 []BucketSeed `json:"buckets"`
	PeriodStart             time.Time    `json:"periodStart"`
	PeriodEnd               time.Time    `json:"periodEnd"`
	ClaimSubmissionDeadline time.Time    `json:"claimSubmissionDeadline"`
}

// GrantAgreementSigned marks execution of the grant agreement.
type GrantAgreementSigned struct {
	AgreementRef string `json:"agreementRef,omitempty"`
}

// GrantActivated opens the grant for voucher issuance.
type GrantActivated struct{}

// GrantSuspended pauses issuance against the grant.
type GrantSuspended struct {
	Reason string `json:"reason"`
}

// GrantReinstated resumes a suspended grant.
type GrantReinstated struct{}

// GrantClosed ends the grant lifecycle.
type GrantClosed struct {
	Reason string `json:"reason,omitempty"`
}

// GrantPeriodEnded records passage of the grant period end.
type GrantPeriodEnded struct{}

// GrantClaimsDeadlinePassed records passage of the claim-submission deadline.
type GrantClaimsDeadlinePassed struct{}

// GrantFundsEncumbered moves bucket funds from available to encumbered.
type GrantFundsEncumbered struct {
	Bucket    string    `json:"bucket"`
	Amount    string    `json:"amount"`
	VoucherID uuid.UUID `json:"voucherId"`
}

// FundsSourceLiquidated marks a release drawn from the liquidated balance
// rather than the default encumbered balance. Emitted when a re-approved
// claim settles below its earlier liquidation.
const FundsSourceLiquidated = "LIQUIDATED"

// GrantFundsReleased returns funds to available. The source balance is
// encumbered unless Source says otherwise.
type GrantFundsReleased struct {
	Bucket    string    `json:"bucket"`
	Amount    string    `json:"amount"`
	VoucherID uuid.UUID `json:"voucherId"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// GrantFundsLiquidated moves encumbered funds to liquidated on claim approval.
type GrantFundsLiquidated struct {
	Bucket    string    `json:"bucket"`
	Amount    string    `json:"amount"`
	VoucherID uuid.UUID `json:"voucherId"`
	ClaimID   uuid.UUID `json:"claimId"`
}

// MatchingFundsReported records grantee matching funds. Memo only; the
// amounts never enter the balance equation.
type MatchingFundsReported struct {
	Bucket    string `json:"bucket"`
	Committed string `json:"committed"`
	Reported  string `json:"reported"`
}

// LIRPMustHonorEnforced records enforcement of the LIRP must-honor rule
// against a clinic refusing a LIRP voucher.
type LIRPMustHonorEnforced struct {
	VoucherID uuid.UUID `json:"voucherId"`
	ClinicID  uuid.UUID `json:"clinicId"`
	Note      string    `json:"note,omitempty"`
}

// VoucherIssued issues a voucher online, funds already verified.
type VoucherIssued struct {
	GrantID          uuid.UUID `json:"grantId"`
	Bucket           string    `json:"bucket"`
	MaxReimbursement string    `json:"maxReimbursement"`
	IsLIRP           bool      `json:"isLirp"`
	CountyCode       string    `json:"countyCode"`
	OwnerID          uuid.UUID `json:"ownerId"`
	ValidFrom        time.Time `json:"validFrom"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// VoucherIssuedTentative reserves funds pending confirmation.
type VoucherIssuedTentative struct {
	GrantID            uuid.UUID `json:"grantId"`
	Bucket             string    `json:"bucket"`
	MaxReimbursement   string    `json:"maxReimbursement"`
	IsLIRP             bool      `json:"isLirp"`
	CountyCode         string    `json:"countyCode"`
	OwnerID            uuid.UUID `json:"ownerId"`
	ValidFrom          time.Time `json:"validFrom"`
	ExpiresAt          time.Time `json:"expiresAt"`
	TentativeExpiresAt time.Time `json:"tentativeExpiresAt"`
}

// VoucherIssuedConfirmed promotes a tentative voucher to issued.
type VoucherIssuedConfirmed struct{}

// VoucherIssuedRejected voids a tentative voucher and releases funds.
type VoucherIssuedRejected struct {
	Reason string `json:"reason"`
}

// VoucherRedeemed marks the voucher consumed by a submitted claim.
type VoucherRedeemed struct {
	ClaimID       uuid.UUID `json:"claimId"`
	ClinicID      uuid.UUID `json:"clinicId"`
	DateOfService string    `json:"dateOfService"`
}

// VoucherExpired terminates a voucher past its expiry date.
type VoucherExpired struct{}

// VoucherVoided terminates an issued voucher administratively.
type VoucherVoided struct {
	Reason string `json:"reason"`
}

// VoucherCodeAllocated advances the allocator and binds a code to a
// voucher. The event belongs to the ALLOCATOR aggregate.
type VoucherCodeAllocated struct {
	VoucherID  uuid.UUID `json:"voucherId"`
	CountyCode string    `json:"countyCode"`
	Code       string    `json:"code"`
	Sequence   int64     `json:"sequence"`
}

// ClaimSubmitted opens a claim against a voucher.
type ClaimSubmitted struct {
	VoucherID     uuid.UUID `json:"voucherId"`
	ClinicID      uuid.UUID `json:"clinicId"`
	ProcedureCode string    `json:"procedureCode"`
	DateOfService string    `json:"dateOfService"`
	ChargedAmount string    `json:"chargedAmount"`
	CoPay         string    `json:"coPay"`
	Rabies        bool      `json:"rabiesVaccination"`
	Fingerprint   string    `json:"claimFingerprint"`
}

// DecisionBasis is mandatory on every terminal claim decision.
type DecisionBasis struct {
	PolicySnapshotID uuid.UUID `json:"policySnapshotId"`
	DecidedBy        uuid.UUID `json:"decidedBy"`
	DecidedAt        time.Time `json:"decidedAt"`
	Reason           string    `json:"reason,omitempty"`
}

// ClaimApproved records the approval decision and amount.
type ClaimApproved struct {
	ApprovedAmount string        `json:"approvedAmount"`
	Basis          DecisionBasis `json:"decisionBasis"`
}

// ClaimDenied records the denial decision.
type ClaimDenied struct {
	Basis DecisionBasis `json:"decisionBasis"`
}

// ClaimAdjusted records a monetary adjustment with a new approved amount.
type ClaimAdjusted struct {
	ApprovedAmount string        `json:"approvedAmount"`
	Basis          DecisionBasis `json:"decisionBasis"`
}

// ClaimInvoiced binds an approved claim to its monthly invoice.
type ClaimInvoiced struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
}

// ClaimDecisionConflictRecorded preserves a rejected second terminal
// decision without changing claim state. First decision wins.
type ClaimDecisionConflictRecorded struct {
	AttemptedDecision string        `json:"attemptedDecision"`
	Basis             DecisionBasis `json:"decisionBasis"`
}

// InvoiceGenerated freezes a monthly per-clinic invoice.
type InvoiceGenerated struct {
	ClinicID        uuid.UUID   `json:"clinicId"`
	Year            int         `json:"year"`
	Month           int         `json:"month"`
	ClaimIDs        []uuid.UUID `json:"claimIds"`
	AdjustmentIDs   []uuid.UUID `json:"adjustmentIds"`
	ClaimsTotal     string      `json:"claimsTotal"`
	AdjustmentTotal string      `json:"adjustmentTotal"`
	Total           string      `json:"total"`
}

// InvoiceSubmitted locks the invoice.
type InvoiceSubmitted struct{}

// PaymentRecorded is the immutable payment record.
type PaymentRecorded struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
	Amount    string    `json:"amount"`
	Channel   string    `json:"channel"`
	Reference string    `json:"reference"`
}

// InvoiceAdjustmentCreated creates a carry-forward adjustment against a
// source invoice. A nil ClinicID scopes the adjustment cycle-wide.
type InvoiceAdjustmentCreated struct {
	SourceInvoiceID uuid.UUID  `json:"sourceInvoiceId"`
	ClinicID        *uuid.UUID `json:"clinicId"`
	Amount          string     `json:"amount"`
	Reason          string     `json:"reason"`
}

// InvoiceAdjustmentApplied consumes an adjustment on a target invoice.
type InvoiceAdjustmentApplied struct {
	TargetInvoiceID uuid.UUID `json:"targetInvoiceId"`
	Amount          string    `json:"amount"`
}

// Decode unmarshals the event payload into its catalogued struct. Events
// outside the kernel's reducer surface (the application intake domain)
// decode into a raw map so projectors can recognise and skip them.
func Decode(e Event) (any, error) {
	decode := func(v any) (any, error) {
		if len(e.Data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(e.Data, v); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", e.Type, err)
		}
		return v, nil
	}
	switch e.Type {
	case TypeGrantCreated:
		return decode(&GrantCreated{})
	case TypeGrantAgreementSigned:
		return decode(&GrantAgreementSigned{})
	case TypeGrantActivated:
		return decode(&GrantActivated{})
	case TypeGrantSuspended:
		return decode(&GrantSuspended{})
	case TypeGrantReinstated:
		return decode(&GrantReinstated{})
	case TypeGrantClosed:
		return decode(&GrantClosed{})
	case TypeGrantPeriodEnded:
		return decode(&GrantPeriodEnded{})
	case TypeGrantClaimsDeadlinePassed:
		return decode(&GrantClaimsDeadlinePassed{})
	case TypeGrantFundsEncumbered:
		return decode(&GrantFundsEncumbered{})
	case TypeGrantFundsReleased:
		return decode(&GrantFundsReleased{})
	case TypeGrantFundsLiquidated:
		return decode(&GrantFundsLiquidated{})
	case TypeMatchingFundsReported:
		return decode(&MatchingFundsReported{})
	case TypeLIRPMustHonorEnforced:
		return decode(&LIRPMustHonorEnforced{})
	case TypeVoucherIssued:
		return decode(&VoucherIssued{})
	case TypeVoucherIssuedTentative:
		return decode(&VoucherIssuedTentative{})
	case TypeVoucherIssuedConfirmed:
		return decode(&VoucherIssuedConfirmed{})
	case TypeVoucherIssuedRejected:
		return decode(&VoucherIssuedRejected{})
	case TypeVoucherRedeemed:
		return decode(&VoucherRedeemed{})
	case TypeVoucherExpired:
		return decode(&VoucherExpired{})
	case TypeVoucherVoided:
		return decode(&VoucherVoided{})
	case TypeVoucherCodeAllocated:
		return decode(&VoucherCodeAllocated{})
	case TypeClaimSubmitted:
		return decode(&ClaimSubmitted{})
	case TypeClaimApproved:
		return decode(&ClaimApproved{})
	case TypeClaimDenied:
		return decode(&ClaimDenied{})
	case TypeClaimAdjusted:
		return decode(&ClaimAdjusted{})
	case TypeClaimInvoiced:
		return decode(&ClaimInvoiced{})
	case TypeClaimDecisionConflictRecorded:
		return decode(&ClaimDecisionConflictRecorded{})
	case TypeInvoiceGenerated:
		return decode(&InvoiceGenerated{})
	case TypeInvoiceSubmitted:
		return decode(&InvoiceSubmitted{})
	case TypePaymentRecorded:
		return decode(&PaymentRecorded{})
	case TypeInvoiceAdjustmentCreated:
		return decode(&InvoiceAdjustmentCreated{})
	case TypeInvoiceAdjustmentApplied:
		return decode(&InvoiceAdjustmentApplied{})
	case TypeApplicationStarted, TypeApplicationSectionCompleted, TypeApplicationSubmitted,
		TypeApplicationScored, TypeApplicationAwarded, TypeApplicationWaitlisted,
		TypeApplicationDenied, TypeApplicationTokenConsumed, TypeAttachmentAdded,
		TypeAttachmentRemoved:
		raw := map[string]any{}
		return decode(&raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
}

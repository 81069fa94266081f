// Package events defines the closed event catalog, the envelope shared by
// every event, and the typed payloads reducers consume. The catalog is an
// allow-list: an event type outside it is rejected at append and fails loud
// at rebuild.
package events

import "regexp"

// Type is a SCREAMING_SNAKE_CASE event name from the closed catalog.
type Type string

// Application domain (intake; catalogued but outside the kernel's reducers).
const (
	TypeApplicationStarted          Type = "APPLICATION_STARTED"
	TypeApplicationSectionCompleted Type = "APPLICATION_SECTION_COMPLETED"
	TypeApplicationSubmitted        Type = "APPLICATION_SUBMITTED"
	TypeApplicationScored           Type = "APPLICATION_SCORED"
	TypeApplicationAwarded          Type = "APPLICATION_AWARDED"
	TypeApplicationWaitlisted       Type = "APPLICATION_WAITLISTED"
	TypeApplicationDenied           Type = "APPLICATION_DENIED"
	TypeApplicationTokenConsumed    Type = "APPLICATION_TOKEN_CONSUMED"
	TypeAttachmentAdded             Type = "ATTACHMENT_ADDED"
	TypeAttachmentRemoved           Type = "ATTACHMENT_REMOVED"
)

// Grant domain.
const (
	TypeGrantCreated              Type = "GRANT_CREATED"
	TypeGrantAgreementSigned      Type = "GRANT_AGREEMENT_SIGNED"
	TypeGrantActivated            Type = "GRANT_ACTIVATED"
	TypeGrantSuspended            Type = "GRANT_SUSPENDED"
	TypeGrantReinstated           Type = "GRANT_REINSTATED"
	TypeGrantClosed               Type = "GRANT_CLOSED"
	TypeGrantPeriodEnded          Type = "GRANT_PERIOD_ENDED"
	TypeGrantClaimsDeadlinePassed Type = "GRANT_CLAIMS_DEADLINE_PASSED"
	TypeGrantFundsEncumbered      Type = "GRANT_FUNDS_ENCUMBERED"
	TypeGrantFundsReleased        Type = "GRANT_FUNDS_RELEASED"
	TypeGrantFundsLiquidated      Type = "GRANT_FUNDS_LIQUIDATED"
	TypeMatchingFundsReported     Type = "MATCHING_FUNDS_REPORTED"
	TypeLIRPMustHonorEnforced     Type = "LIRP_MUST_HONOR_ENFORCED"
)

// Voucher domain.
const (
	TypeVoucherIssued          Type = "VOUCHER_ISSUED"
	TypeVoucherIssuedTentative Type = "VOUCHER_ISSUED_TENTATIVE"
	TypeVoucherIssuedConfirmed Type = "VOUCHER_ISSUED_CONFIRMED"
	TypeVoucherIssuedRejected  Type = "VOUCHER_ISSUED_REJECTED"
	TypeVoucherRedeemed        Type = "VOUCHER_REDEEMED"
	TypeVoucherExpired         Type = "VOUCHER_EXPIRED"
	TypeVoucherVoided          Type = "VOUCHER_VOIDED"
	TypeVoucherCodeAllocated   Type = "VOUCHER_CODE_ALLOCATED"
)

// Claim domain.
const (
	TypeClaimSubmitted                Type = "CLAIM_SUBMITTED"
	TypeClaimApproved                 Type = "CLAIM_APPROVED"
	TypeClaimDenied                   Type = "CLAIM_DENIED"
	TypeClaimAdjusted                 Type = "CLAIM_ADJUSTED"
	TypeClaimInvoiced                 Type = "CLAIM_INVOICED"
	TypeClaimDecisionConflictRecorded Type = "CLAIM_DECISION_CONFLICT_RECORDED"
)

// Invoice, payment and adjustment domain.
const (
	TypeInvoiceGenerated         Type = "INVOICE_GENERATED"
	TypeInvoiceSubmitted         Type = "INVOICE_SUBMITTED"
	TypePaymentRecorded          Type = "PAYMENT_RECORDED"
	TypeInvoiceAdjustmentCreated Type = "INVOICE_ADJUSTMENT_CREATED"
	TypeInvoiceAdjustmentApplied Type = "INVOICE_ADJUSTMENT_APPLIED"
)

var catalog = map[Type]struct{}{
	TypeApplicationStarted:          {},
	TypeApplicationSectionCompleted: {},
	TypeApplicationSubmitted:        {},
	TypeApplicationScored:           {},
	TypeApplicationAwarded:          {},
	TypeApplicationWaitlisted:       {},
	TypeApplicationDenied:           {},
	TypeApplicationTokenConsumed:    {},
	TypeAttachmentAdded:             {},
	TypeAttachmentRemoved:           {},
	TypeGrantCreated:                {},
	TypeGrantAgreementSigned:        {},
	TypeGrantActivated:              {},
	TypeGrantSuspended:              {},
	TypeGrantReinstated:             {},
	TypeGrantClosed:                 {},
	TypeGrantPeriodEnded:            {},
	TypeGrantClaimsDeadlinePassed:   {},
	TypeGrantFundsEncumbered:        {},
	TypeGrantFundsReleased:          {},
	TypeGrantFundsLiquidated:        {},
	TypeMatchingFundsReported:       {},
	TypeLIRPMustHonorEnforced:       {},
	TypeVoucherIssued:               {},
	TypeVoucherIssuedTentative:      {},
	TypeVoucherIssuedConfirmed:      {},
	TypeVoucherIssuedRejected:       {},
	TypeVoucherRedeemed:             {},
	TypeVoucherExpired:              {},
	TypeVoucherVoided:               {},
	TypeVoucherCodeAllocated:        {},
	TypeClaimSubmitted:              {},
	TypeClaimApproved:               {},
	TypeClaimDenied:                 {},
	TypeClaimAdjusted:               {},
	TypeClaimInvoiced:               {},
	TypeClaimDecisionConflictRecorded: {},
	TypeInvoiceGenerated:              {},
	TypeInvoiceSubmitted:              {},
	TypePaymentRecorded:               {},
	TypeInvoiceAdjustmentCreated:      {},
	TypeInvoiceAdjustmentApplied:      {},
}

// Known reports whether the type is in the closed catalog.
func Known(t Type) bool {
	_, ok := catalog[t]
	return ok
}

var typeNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

// ValidTypeName reports whether the name matches the catalog's naming
// regex. Membership is checked separately by Known.
func ValidTypeName(t Type) bool {
	return typeNamePattern.MatchString(string(t))
}

// AggregateType names one aggregate family.
type AggregateType string

const (
	AggregateApplication AggregateType = "APPLICATION"
	AggregateGrant       AggregateType = "GRANT"
	AggregateVoucher     AggregateType = "VOUCHER"
	AggregateAllocator   AggregateType = "ALLOCATOR"
	AggregateClaim       AggregateType = "CLAIM"
	AggregateInvoice     AggregateType = "INVOICE"
	AggregatePayment     AggregateType = "PAYMENT"
	AggregateAdjustment  AggregateType = "ADJUSTMENT"
)

var aggregateTypes = map[AggregateType]struct{}{
	AggregateApplication: {},
	AggregateGrant:       {},
	AggregateVoucher:     {},
	AggregateAllocator:   {},
	AggregateClaim:       {},
	AggregateInvoice:     {},
	AggregatePayment:     {},
	AggregateAdjustment:  {},
}

// ValidAggregateType reports whether the aggregate family is known.
func ValidAggregateType(a AggregateType) bool {
	_, ok := aggregateTypes[a]
	return ok
}

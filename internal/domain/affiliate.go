/**
 * @description
 * This file defines the core domain models for the affiliate-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Commission amounts are stored as `int64` in the invoice's minor currency
 *   unit (cents), which avoids floating-point inaccuracies with financial data.
 * - Referral status transitions are owned exclusively by the payment dispatcher;
 *   `active` is the only terminal "paid" state.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AffiliateStatus enumerates the lifecycle states of an affiliate.
type AffiliateStatus string

const (
	AffiliateStatusPending AffiliateStatus = "pending"
	AffiliateStatusActive  AffiliateStatus = "active"
)

// ReferralStatus enumerates the payout states of a referral.
type ReferralStatus string

const (
	ReferralStatusPending        ReferralStatus = "pending"
	ReferralStatusPendingPayment ReferralStatus = "pending_payment"
	ReferralStatusActive         ReferralStatus = "active"
	ReferralStatusIneligible     ReferralStatus = "ineligible"
	ReferralStatusError          ReferralStatus = "error"
)

// Affiliate represents a user enrolled to earn commission for referred subscribers.
// This struct maps directly to the `affiliates` table in the database.
type Affiliate struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	PaymentAccountID *string         `json:"payment_account_id,omitempty"`
	Status           AffiliateStatus `json:"status"`
	ReferralCode     string          `json:"referral_code"`
	CommissionRate   int             `json:"commission_rate"` // percent of a paid invoice
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Payable reports whether the affiliate has a connected payment account
// that can receive transfers.
func (a *Affiliate) Payable() bool {
	return a.PaymentAccountID != nil && *a.PaymentAccountID != ""
}

// Referral links one affiliate to one referred subscriber and tracks payout status.
// At most one referral exists per (affiliate, referred user) pair; attribution is
// first-touch and permanent.
type Referral struct {
	ID                  uuid.UUID      `json:"id"`
	AffiliateID         uuid.UUID      `json:"affiliate_id"`
	ReferredUserID      uuid.UUID      `json:"referred_user_id"`
	Status              ReferralStatus `json:"status"`
	SourceTransactionID *string        `json:"source_transaction_id,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ResultCode classifies the outcome of a single commission dispatch attempt.
// The sweeper uses the code to decide between silent retry on the next pass
// (NotPayable, NotYetEligible, NoChargeFound) and surfacing for operator
// attention (InvalidCommission, GatewayError).
type ResultCode string

const (
	ResultProcessed         ResultCode = "processed"
	ResultAlreadyProcessed  ResultCode = "already_processed"
	ResultNotPayable        ResultCode = "not_payable"
	ResultNotYetEligible    ResultCode = "not_yet_eligible"
	ResultInvalidCommission ResultCode = "invalid_commission"
	ResultNoChargeFound     ResultCode = "no_charge_found"
	ResultGatewayError      ResultCode = "gateway_error"
)

// Retryable reports whether the outcome is an expected in-between state that
// the next sweep will pick up again without operator intervention.
func (c ResultCode) Retryable() bool {
	switch c {
	case ResultNotPayable, ResultNotYetEligible, ResultNoChargeFound:
		return true
	}
	return false
}

// Success reports whether the commission for the referral has been paid out,
// either by this attempt or a prior one.
func (c ResultCode) Success() bool {
	return c == ResultProcessed || c == ResultAlreadyProcessed
}

// PaymentResult is the per-referral outcome of a dispatch or sweep attempt,
// returned to operators and the control-panel UI.
type PaymentResult struct {
	ReferralID uuid.UUID      `json:"referral_id"`
	Code       ResultCode     `json:"code"`
	Status     ReferralStatus `json:"status"`
	Amount     int64          `json:"amount,omitempty"` // minor units; set when a transfer was issued
	Message    string         `json:"message,omitempty"`
}

// AffiliateSweepResult aggregates the outcome of one affiliate's sweep within
// a system-wide run.
type AffiliateSweepResult struct {
	AffiliateID uuid.UUID       `json:"affiliate_id"`
	Results     []PaymentResult `json:"results"`
	Error       string          `json:"error,omitempty"`
}

// SweepReport summarizes a system-wide reconciliation pass.
type SweepReport struct {
	Success             bool                   `json:"success"`
	AffiliatesProcessed int                    `json:"affiliates_processed"`
	ReferralsProcessed  int                    `json:"referrals_processed"`
	Paid                int                    `json:"paid"`
	Failed              int                    `json:"failed"`
	Details             []AffiliateSweepResult `json:"details"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          time.Time              `json:"finished_at"`
}

// SyncStatus is the read-only operator summary exposed on the sync-status endpoint.
type SyncStatus struct {
	ReferralCounts   map[ReferralStatus]int64 `json:"referral_counts"`
	ActiveAffiliates int64                    `json:"active_affiliates"`
	LastUpdate       *time.Time               `json:"last_update,omitempty"`
}

// BillingIdentity resolves a referred user to their payment-processor objects.
// CustomerID and SubscriptionID are empty until checkout has completed.
type BillingIdentity struct {
	UserID             uuid.UUID `json:"user_id"`
	Email              string    `json:"email"`
	CustomerID         string    `json:"customer_id"`
	SubscriptionID     string    `json:"subscription_id"`
	SubscriptionStatus string    `json:"subscription_status"`
}

// HasActiveSubscription reports whether the referred user currently has an
// active paid subscription and a resolvable customer id.
func (b *BillingIdentity) HasActiveSubscription() bool {
	return b.CustomerID != "" && b.SubscriptionStatus == "active"
}

// EnrollmentResponse is returned after a user enrolls as an affiliate. The
// onboarding URL sends the affiliate to the payment processor to complete
// account verification; the charge capability is confirmed later via webhook.
type EnrollmentResponse struct {
	Affiliate     *Affiliate `json:"affiliate"`
	OnboardingURL string     `json:"onboarding_url"`
}

// ReferralStats is the per-affiliate summary shown on the affiliate dashboard.
type ReferralStats struct {
	TotalReferred int64 `json:"total_referred"`
	TotalPaid     int64 `json:"total_paid"`
	Outstanding   int64 `json:"outstanding"`
}

// AffiliateProfile bundles an affiliate with their referral stats.
type AffiliateProfile struct {
	Affiliate *Affiliate    `json:"affiliate"`
	Stats     ReferralStats `json:"stats"`
}

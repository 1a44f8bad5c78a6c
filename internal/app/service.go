/**
 * @description
 * This file contains the core business logic for the affiliate-service. The `Service`
 * struct orchestrates commission payouts, coordinating between the database
 * repository, the payment processor gateway, and the message broker.
 *
 * Key features:
 * - Implements the payment dispatcher: one referral in, one commission transfer out.
 * - Implements the reconciliation sweeper that re-drives outstanding referrals.
 * - Relies on the gateway's source-transaction deduplication as the sole
 *   concurrency guard; a duplicate-transfer rejection is treated as success.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - github.com/jaevor/go-nanoid: For referral code generation.
 * - internal/domain, internal/store, internal/monitoring: Domain models, data access, metrics.
 * - pkg/paygate, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/jaevor/go-nanoid"
	"github.com/waflow/affiliate-service/internal/domain"
	"github.com/waflow/affiliate-service/internal/monitoring"
	"github.com/waflow/affiliate-service/internal/store"
	"github.com/waflow/affiliate-service/pkg/paygate"
	"github.com/waflow/affiliate-service/pkg/rabbitmq"
)

const (
	referralCodeLength        = 10
	defaultSweepReferralLimit = 30 * time.Second
)

// referralCodeAlphabet excludes lookalike characters so codes survive being
// read over the phone.
const referralCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// PaymentGateway is the subset of the payment processor API the service
// depends on. Satisfied by *paygate.Client.
type PaymentGateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*paygate.Subscription, error)
	LatestInvoice(ctx context.Context, customerID, subscriptionID string) (*paygate.Invoice, error)
	ListCharges(ctx context.Context, customerID string, limit int) ([]paygate.Charge, error)
	CreateTransfer(ctx context.Context, params paygate.TransferParams) (*paygate.Transfer, error)
	CreateAccount(ctx context.Context, email string) (*paygate.Account, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*paygate.AccountLink, error)
}

// Service provides the core business logic for affiliate commissions.
type Service struct {
	repo          store.Repository
	gateway       PaymentGateway
	eventProducer rabbitmq.Publisher

	transferCurrency     string
	defaultRate          int
	sweepReferralTimeout time.Duration
	onboardingReturnURL  string
	onboardingRefreshURL string

	newReferralCode func() string
}

// NewService creates a new affiliate service instance.
func NewService(
	repo store.Repository,
	gateway PaymentGateway,
	producer rabbitmq.Publisher,
	transferCurrency string,
	defaultRate int,
	sweepReferralTimeout time.Duration,
	onboardingReturnURL, onboardingRefreshURL string,
) *Service {
	if sweepReferralTimeout <= 0 {
		sweepReferralTimeout = defaultSweepReferralLimit
	}
	codeGen, err := gonanoid.CustomASCII(referralCodeAlphabet, referralCodeLength)
	if err != nil {
		// CustomASCII only fails on an invalid alphabet or length, both constant here.
		panic(fmt.Sprintf("referral code generator: %v", err))
	}
	return &Service{
		repo:                 repo,
		gateway:              gateway,
		eventProducer:        producer,
		transferCurrency:     transferCurrency,
		defaultRate:          defaultRate,
		sweepReferralTimeout: sweepReferralTimeout,
		onboardingReturnURL:  onboardingReturnURL,
		onboardingRefreshURL: onboardingRefreshURL,
		newReferralCode:      codeGen,
	}
}

// EnrollAffiliate creates an affiliate for the given user, provisions a
// connected account at the payment processor, and returns a one-time
// onboarding link. The affiliate stays `pending` until the processor confirms
// the charge capability via webhook.
func (s *Service) EnrollAffiliate(ctx context.Context, userID uuid.UUID) (*domain.EnrollmentResponse, error) {
	if existing, err := s.repo.FindAffiliateByUserID(ctx, userID); err == nil && existing != nil {
		return nil, store.ErrDuplicateAffiliate
	} else if err != nil && !errors.Is(err, store.ErrAffiliateNotFound) {
		return nil, fmt.Errorf("failed to check existing affiliate: %w", err)
	}

	identity, err := s.repo.FindBillingIdentityByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing identity: %w", err)
	}

	account, err := s.gateway.CreateAccount(ctx, identity.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to create connected account: %w", err)
	}

	accountID := account.ID
	affiliate := &domain.Affiliate{
		ID:               uuid.New(),
		UserID:           userID,
		PaymentAccountID: &accountID,
		Status:           domain.AffiliateStatusPending,
		ReferralCode:     s.newReferralCode(),
		CommissionRate:   s.defaultRate,
	}
	if err := s.repo.CreateAffiliate(ctx, affiliate); err != nil {
		return nil, fmt.Errorf("failed to persist affiliate: %w", err)
	}

	link, err := s.gateway.CreateAccountLink(ctx, account.ID, s.onboardingRefreshURL, s.onboardingReturnURL)
	if err != nil {
		// The affiliate record exists; the panel can request a fresh link later.
		log.Printf("level=warn component=service flow=enroll msg=\"onboarding link creation failed\" affiliate_id=%s err=%v", affiliate.ID, err)
		return &domain.EnrollmentResponse{Affiliate: affiliate}, nil
	}

	monitoring.EnrollmentsTotal.Inc()
	log.Printf("level=info component=service flow=enroll msg=\"affiliate enrolled\" affiliate_id=%s user_id=%s account_id=%s", affiliate.ID, userID, account.ID)
	return &domain.EnrollmentResponse{Affiliate: affiliate, OnboardingURL: link.URL}, nil
}

// GetAffiliateProfile returns the affiliate record and referral stats for a user.
func (s *Service) GetAffiliateProfile(ctx context.Context, userID uuid.UUID) (*domain.AffiliateProfile, error) {
	affiliate, err := s.repo.FindAffiliateByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.GetReferralStats(ctx, affiliate.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral stats: %w", err)
	}
	return &domain.AffiliateProfile{Affiliate: affiliate, Stats: *stats}, nil
}

// RegisterReferral records a referral at signup time. Attribution is
// first-touch and permanent: if the referred user already has a referral, the
// existing one is returned unchanged regardless of which code was presented.
func (s *Service) RegisterReferral(ctx context.Context, referralCode string, referredUserID uuid.UUID) (*domain.Referral, error) {
	affiliate, err := s.repo.FindAffiliateByReferralCode(ctx, referralCode)
	if err != nil {
		return nil, err
	}

	referral := &domain.Referral{
		ID:             uuid.New(),
		AffiliateID:    affiliate.ID,
		ReferredUserID: referredUserID,
		Status:         domain.ReferralStatusPending,
	}
	if err := s.repo.CreateReferral(ctx, referral); err != nil {
		if errors.Is(err, store.ErrDuplicateReferral) {
			existing, findErr := s.repo.FindReferralByReferredUserID(ctx, referredUserID)
			if findErr != nil {
				return nil, fmt.Errorf("failed to load existing referral: %w", findErr)
			}
			log.Printf("level=info component=service flow=register_referral msg=\"referred user already attributed; keeping first touch\" referred_user_id=%s affiliate_id=%s", referredUserID, existing.AffiliateID)
			return existing, nil
		}
		return nil, fmt.Errorf("failed to persist referral: %w", err)
	}

	log.Printf("level=info component=service flow=register_referral msg=\"referral recorded\" referral_id=%s affiliate_id=%s referred_user_id=%s", referral.ID, affiliate.ID, referredUserID)
	return referral, nil
}

// DispatchPayment attempts to pay the commission for a single referral. It
// never returns a Go error: every outcome is a typed PaymentResult so callers
// (sweeper, consumers, handlers) can aggregate without aborting.
//
// The gateway's source-transaction deduplication is the only concurrency
// guard; concurrent dispatches for the same referral converge because at most
// one transfer per charge can succeed and the duplicate rejection is treated
// as success.
func (s *Service) DispatchPayment(ctx context.Context, referralID uuid.UUID) domain.PaymentResult {
	result := s.dispatchPayment(ctx, referralID)
	monitoring.ReferralsProcessedTotal.WithLabelValues(string(result.Code)).Inc()
	if result.Code == domain.ResultProcessed {
		monitoring.CommissionPaidTotal.Add(float64(result.Amount))
	}
	return result
}

func (s *Service) dispatchPayment(ctx context.Context, referralID uuid.UUID) domain.PaymentResult {
	referral, err := s.repo.FindReferralByID(ctx, referralID)
	if err != nil {
		return domain.PaymentResult{
			ReferralID: referralID,
			Code:       domain.ResultGatewayError,
			Message:    fmt.Sprintf("referral lookup failed: %v", err),
		}
	}

	// Paid referrals never regress and never hit the gateway again.
	if referral.Status == domain.ReferralStatusActive {
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultAlreadyProcessed,
			Status:     domain.ReferralStatusActive,
		}
	}

	affiliate, err := s.repo.FindAffiliateByID(ctx, referral.AffiliateID)
	if err != nil {
		return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("affiliate lookup failed: %v", err))
	}

	if affiliate.Status != domain.AffiliateStatusActive || !affiliate.Payable() {
		if err := s.repo.UpdateReferralStatus(ctx, referral.ID, domain.ReferralStatusPendingPayment, nil); err != nil {
			log.Printf("level=warn component=service flow=dispatch msg=\"failed to park referral as pending_payment\" referral_id=%s err=%v", referral.ID, err)
		}
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultNotPayable,
			Status:     domain.ReferralStatusPendingPayment,
			Message:    "affiliate has no active payable account",
		}
	}

	identity, err := s.repo.FindBillingIdentityByUserID(ctx, referral.ReferredUserID)
	if err != nil {
		if errors.Is(err, store.ErrBillingIdentityNotFound) {
			return domain.PaymentResult{
				ReferralID: referral.ID,
				Code:       domain.ResultNotYetEligible,
				Status:     referral.Status,
				Message:    "referred user has no billing identity yet",
			}
		}
		return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("billing identity lookup failed: %v", err))
	}

	// Ineligibility is reported, not persisted: the subscription may be
	// reactivated, so the referral stays in the sweeper's outstanding set.
	if !identity.HasActiveSubscription() {
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultNotYetEligible,
			Status:     domain.ReferralStatusIneligible,
			Message:    "referred user has no active subscription",
		}
	}

	invoice, err := s.gateway.LatestInvoice(ctx, identity.CustomerID, identity.SubscriptionID)
	if err != nil {
		return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("invoice lookup failed: %v", err))
	}
	if invoice == nil || !invoice.Paid() {
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultNotYetEligible,
			Status:     referral.Status,
			Message:    "no paid invoice for referred user yet",
		}
	}

	// Resolve the source transaction: the invoice's charge, falling back to the
	// customer's most recent charge when the invoice omits it.
	chargeID := invoice.ChargeID
	if chargeID == "" {
		charges, chErr := s.gateway.ListCharges(ctx, identity.CustomerID, 1)
		if chErr != nil {
			return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("charge lookup failed: %v", chErr))
		}
		if len(charges) > 0 {
			chargeID = charges[0].ID
		}
	}
	if chargeID == "" {
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultNoChargeFound,
			Status:     referral.Status,
			Message:    fmt.Sprintf("no charge found for invoice %s", invoice.ID),
		}
	}

	commission, err := ComputeCommission(invoice.AmountPaid, affiliate.CommissionRate)
	if err != nil {
		return domain.PaymentResult{
			ReferralID: referral.ID,
			Code:       domain.ResultInvalidCommission,
			Status:     referral.Status,
			Message:    err.Error(),
		}
	}

	transfer, err := s.gateway.CreateTransfer(ctx, paygate.TransferParams{
		Amount:            commission,
		Currency:          s.transferCurrency,
		Destination:       *affiliate.PaymentAccountID,
		SourceTransaction: chargeID,
		TransferGroup:     identity.SubscriptionID,
		Description:       fmt.Sprintf("Affiliate commission for referral %s", referral.ID),
	})
	if err != nil {
		var gwErr *paygate.ErrorResponse
		if errors.As(err, &gwErr) && gwErr.IsDuplicateTransfer() {
			// The charge was already transferred, by this process or another.
			if markErr := s.repo.MarkReferralPaid(ctx, referral.ID, chargeID); markErr != nil {
				log.Printf("level=warn component=service flow=dispatch msg=\"duplicate transfer detected but paid-state persistence failed\" referral_id=%s charge_id=%s err=%v", referral.ID, chargeID, markErr)
			}
			log.Printf("level=info component=service flow=dispatch msg=\"transfer already exists for charge; treating as paid\" referral_id=%s charge_id=%s", referral.ID, chargeID)
			return domain.PaymentResult{
				ReferralID: referral.ID,
				Code:       domain.ResultAlreadyProcessed,
				Status:     domain.ReferralStatusActive,
			}
		}
		return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("transfer failed: %v", err))
	}

	if err := s.repo.MarkReferralPaid(ctx, referral.ID, chargeID); err != nil {
		// The transfer went through; the gateway's dedup on chargeID makes the
		// next sweep converge to AlreadyProcessed instead of double-paying.
		log.Printf("level=error component=service flow=dispatch msg=\"transfer succeeded but paid-state persistence failed\" referral_id=%s transfer_id=%s charge_id=%s err=%v", referral.ID, transfer.ID, chargeID, err)
		return s.failResult(ctx, referral, domain.ResultGatewayError, fmt.Sprintf("transfer %s issued but persistence failed: %v", transfer.ID, err))
	}

	log.Printf("level=info component=service flow=dispatch msg=\"commission paid\" referral_id=%s affiliate_id=%s transfer_id=%s amount=%d charge_id=%s", referral.ID, affiliate.ID, transfer.ID, commission, chargeID)
	return domain.PaymentResult{
		ReferralID: referral.ID,
		Code:       domain.ResultProcessed,
		Status:     domain.ReferralStatusActive,
		Amount:     commission,
	}
}

// failResult reports a failed attempt without mutating the referral: the
// persisted status is left as-is so the next sweep retries from the same
// state, and the message is recorded in last_error for operators.
func (s *Service) failResult(ctx context.Context, referral *domain.Referral, code domain.ResultCode, msg string) domain.PaymentResult {
	if err := s.repo.UpdateReferralStatus(ctx, referral.ID, referral.Status, &msg); err != nil {
		log.Printf("level=warn component=service flow=dispatch msg=\"failed to record referral error detail\" referral_id=%s err=%v", referral.ID, err)
	}
	log.Printf("level=warn component=service flow=dispatch msg=\"dispatch failed\" referral_id=%s code=%s detail=%q", referral.ID, code, msg)
	return domain.PaymentResult{
		ReferralID: referral.ID,
		Code:       code,
		Status:     domain.ReferralStatusError,
		Message:    msg,
	}
}

// SweepAffiliate re-drives every outstanding referral for one affiliate. A
// failure on one referral never aborts the rest; each referral's gateway work
// is bounded by the configured per-referral timeout.
func (s *Service) SweepAffiliate(ctx context.Context, affiliateID uuid.UUID) ([]domain.PaymentResult, error) {
	referrals, err := s.repo.ListOutstandingReferrals(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding referrals: %w", err)
	}

	results := make([]domain.PaymentResult, 0, len(referrals))
	for _, referral := range referrals {
		refCtx, cancel := context.WithTimeout(ctx, s.sweepReferralTimeout)
		result := s.DispatchPayment(refCtx, referral.ID)
		cancel()
		results = append(results, result)
	}

	log.Printf("level=info component=service flow=sweep msg=\"affiliate sweep finished\" affiliate_id=%s referrals=%d", affiliateID, len(results))
	return results, nil
}

// SweepAll runs a system-wide reconciliation pass over every active payable
// affiliate. Failures and panics are isolated per affiliate so one bad actor
// cannot take down the whole sweep.
func (s *Service) SweepAll(ctx context.Context, trigger string) *domain.SweepReport {
	report := &domain.SweepReport{StartedAt: time.Now().UTC()}
	monitoring.SweepsTotal.WithLabelValues(trigger).Inc()
	timer := prometheusTimer()
	defer func() {
		report.FinishedAt = time.Now().UTC()
		timer()
	}()

	affiliates, err := s.repo.ListActivePayableAffiliates(ctx)
	if err != nil {
		log.Printf("level=error component=service flow=sweep msg=\"failed to list affiliates\" err=%v", err)
		report.Success = false
		return report
	}

	report.Success = true
	for _, affiliate := range affiliates {
		detail := s.sweepOneAffiliate(ctx, affiliate.ID)
		report.AffiliatesProcessed++
		report.ReferralsProcessed += len(detail.Results)
		for _, r := range detail.Results {
			if r.Code.Success() {
				report.Paid++
			} else if !r.Code.Retryable() {
				report.Failed++
			}
		}
		if detail.Error != "" {
			report.Failed++
			report.Success = false
		}
		report.Details = append(report.Details, detail)
	}

	log.Printf("level=info component=service flow=sweep trigger=%s msg=\"system sweep finished\" affiliates=%d referrals=%d paid=%d failed=%d", trigger, report.AffiliatesProcessed, report.ReferralsProcessed, report.Paid, report.Failed)
	return report
}

func (s *Service) sweepOneAffiliate(ctx context.Context, affiliateID uuid.UUID) (detail domain.AffiliateSweepResult) {
	detail.AffiliateID = affiliateID
	defer func() {
		if r := recover(); r != nil {
			detail.Error = fmt.Sprintf("panic during sweep: %v", r)
			log.Printf("level=error component=service flow=sweep msg=\"recovered from affiliate sweep panic\" affiliate_id=%s panic=%v", affiliateID, r)
		}
	}()

	results, err := s.SweepAffiliate(ctx, affiliateID)
	if err != nil {
		detail.Error = err.Error()
		return detail
	}
	detail.Results = results
	return detail
}

func prometheusTimer() func() {
	start := time.Now()
	return func() {
		monitoring.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// SyncStatus returns the operator summary of the referral ledger.
func (s *Service) SyncStatus(ctx context.Context) (*domain.SyncStatus, error) {
	counts, err := s.repo.CountReferralsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}
	activeAffiliates, err := s.repo.CountActiveAffiliates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count affiliates: %w", err)
	}
	lastUpdate, err := s.repo.LastReferralUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last referral update: %w", err)
	}
	return &domain.SyncStatus{
		ReferralCounts:   counts,
		ActiveAffiliates: activeAffiliates,
		LastUpdate:       lastUpdate,
	}, nil
}

// ResolveAffiliateByUserID maps an authenticated user to their affiliate record.
func (s *Service) ResolveAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.Affiliate, error) {
	return s.repo.FindAffiliateByUserID(ctx, userID)
}

// HandleInvoicePaid reacts to a paid-invoice event. A customer without a
// referral is the common case (most subscribers are not referred) and is
// acknowledged silently.
func (s *Service) HandleInvoicePaid(ctx context.Context, event domain.InvoicePaidEvent) error {
	userID, err := s.repo.FindUserIDByCustomerID(ctx, event.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.Printf("level=info component=service flow=invoice_paid msg=\"customer not known to panel; dropping\" customer_id=%s", event.CustomerID)
			return nil
		}
		return fmt.Errorf("failed to resolve customer %s: %w", event.CustomerID, err)
	}

	referral, err := s.repo.FindReferralByReferredUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotFound) {
			// Not a referred subscriber; nothing to pay.
			return nil
		}
		return fmt.Errorf("failed to look up referral for user %s: %w", userID, err)
	}

	result := s.DispatchPayment(ctx, referral.ID)
	log.Printf("level=info component=service flow=invoice_paid msg=\"dispatch attempted\" referral_id=%s code=%s", referral.ID, result.Code)
	return nil
}

// HandleAccountUpdated flips affiliate status when the processor reports a
// change in the connected account's charge capability. Activation triggers a
// sweep of the affiliate's parked referrals.
func (s *Service) HandleAccountUpdated(ctx context.Context, event domain.AccountUpdatedEvent) error {
	affiliate, err := s.repo.FindAffiliateByPaymentAccountID(ctx, event.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			log.Printf("level=info component=service flow=account_updated msg=\"account not tied to an affiliate; dropping\" account_id=%s", event.AccountID)
			return nil
		}
		return fmt.Errorf("failed to look up affiliate for account %s: %w", event.AccountID, err)
	}

	target := domain.AffiliateStatusPending
	if event.ChargesEnabled {
		target = domain.AffiliateStatusActive
	}
	if affiliate.Status == target {
		return nil
	}

	if err := s.repo.UpdateAffiliateStatus(ctx, affiliate.ID, target); err != nil {
		return fmt.Errorf("failed to update affiliate status: %w", err)
	}
	log.Printf("level=info component=service flow=account_updated msg=\"affiliate status changed\" affiliate_id=%s status=%s", affiliate.ID, target)

	if target == domain.AffiliateStatusActive {
		if _, err := s.SweepAffiliate(ctx, affiliate.ID); err != nil {
			log.Printf("level=warn component=service flow=account_updated msg=\"post-activation sweep failed\" affiliate_id=%s err=%v", affiliate.ID, err)
		}
	}
	return nil
}

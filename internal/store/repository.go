/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the affiliate-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/waflow/affiliate-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Affiliate methods
	CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error
	FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.Affiliate, error)
	FindAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.Affiliate, error)
	FindAffiliateByPaymentAccountID(ctx context.Context, accountID string) (*domain.Affiliate, error)
	FindAffiliateByReferralCode(ctx context.Context, code string) (*domain.Affiliate, error)
	UpdateAffiliateStatus(ctx context.Context, affiliateID uuid.UUID, status domain.AffiliateStatus) error
	UpdateAffiliatePaymentAccount(ctx context.Context, affiliateID uuid.UUID, accountID string) error
	ListActivePayableAffiliates(ctx context.Context) ([]domain.Affiliate, error)
	CountActiveAffiliates(ctx context.Context) (int64, error)

	// Referral ledger methods. All mutations are single-row updates keyed by
	// referral id; each referral's state machine is independent.
	CreateReferral(ctx context.Context, referral *domain.Referral) error
	FindReferralByID(ctx context.Context, referralID uuid.UUID) (*domain.Referral, error)
	FindReferralByReferredUserID(ctx context.Context, referredUserID uuid.UUID) (*domain.Referral, error)
	ListOutstandingReferrals(ctx context.Context, affiliateID uuid.UUID) ([]domain.Referral, error)
	UpdateReferralStatus(ctx context.Context, referralID uuid.UUID, status domain.ReferralStatus, lastError *string) error
	MarkReferralPaid(ctx context.Context, referralID uuid.UUID, sourceTransactionID string) error
	GetReferralStats(ctx context.Context, affiliateID uuid.UUID) (*domain.ReferralStats, error)
	CountReferralsByStatus(ctx context.Context) (map[domain.ReferralStatus]int64, error)
	LastReferralUpdate(ctx context.Context) (*time.Time, error)

	// Billing identity methods (read-only view over the panel's subscriber data)
	FindBillingIdentityByUserID(ctx context.Context, userID uuid.UUID) (*domain.BillingIdentity, error)
	FindUserIDByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to affiliates, referrals, and subscriber billing identities.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/waflow/affiliate-service/internal/domain"
)

var (
	ErrAffiliateNotFound       = errors.New("affiliate not found")
	ErrReferralNotFound        = errors.New("referral not found")
	ErrDuplicateAffiliate      = errors.New("user is already enrolled as an affiliate")
	ErrDuplicateReferral       = errors.New("referral already exists for this user")
	ErrBillingIdentityNotFound = errors.New("billing identity not found")
	ErrUserNotFound            = errors.New("user not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const affiliateColumns = `id, user_id, payment_account_id, status, referral_code, commission_rate, created_at, updated_at`

func scanAffiliate(row pgx.Row) (*domain.Affiliate, error) {
	var a domain.Affiliate
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.PaymentAccountID,
		&a.Status,
		&a.ReferralCode,
		&a.CommissionRate,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAffiliate inserts a new affiliate row. The referral code carries a
// unique constraint; a conflict on user_id means the user already enrolled.
func (r *PostgresRepository) CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error {
	query := `
		INSERT INTO affiliates (id, user_id, payment_account_id, status, referral_code, commission_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		affiliate.ID,
		affiliate.UserID,
		affiliate.PaymentAccountID,
		affiliate.Status,
		affiliate.ReferralCode,
		affiliate.CommissionRate,
	).Scan(&affiliate.CreatedAt, &affiliate.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAffiliate
		}
		return err
	}
	return nil
}

// FindAffiliateByID retrieves an affiliate by its ID.
func (r *PostgresRepository) FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, affiliateID))
}

// FindAffiliateByUserID retrieves the affiliate owned by a panel user.
func (r *PostgresRepository) FindAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE user_id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, userID))
}

// FindAffiliateByPaymentAccountID retrieves an affiliate by their connected
// payment account id. Used when processing account.updated webhook events.
func (r *PostgresRepository) FindAffiliateByPaymentAccountID(ctx context.Context, accountID string) (*domain.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE payment_account_id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, accountID))
}

// FindAffiliateByReferralCode retrieves an affiliate by their referral code.
func (r *PostgresRepository) FindAffiliateByReferralCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE referral_code = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, code))
}

// UpdateAffiliateStatus sets the affiliate's status.
func (r *PostgresRepository) UpdateAffiliateStatus(ctx context.Context, affiliateID uuid.UUID, status domain.AffiliateStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE affiliates SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, affiliateID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// UpdateAffiliatePaymentAccount records the connected payment account id
// assigned during enrollment.
func (r *PostgresRepository) UpdateAffiliatePaymentAccount(ctx context.Context, affiliateID uuid.UUID, accountID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE affiliates SET payment_account_id = $1, updated_at = NOW() WHERE id = $2`,
		accountID, affiliateID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// ListActivePayableAffiliates returns all affiliates eligible for a sweep:
// status active and a connected payment account present.
func (r *PostgresRepository) ListActivePayableAffiliates(ctx context.Context) ([]domain.Affiliate, error) {
	query := `
		SELECT ` + affiliateColumns + `
		FROM affiliates
		WHERE status = 'active' AND payment_account_id IS NOT NULL AND payment_account_id <> ''
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affiliates []domain.Affiliate
	for rows.Next() {
		var a domain.Affiliate
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.PaymentAccountID,
			&a.Status,
			&a.ReferralCode,
			&a.CommissionRate,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		affiliates = append(affiliates, a)
	}
	return affiliates, rows.Err()
}

// CountActiveAffiliates returns the number of active affiliates.
func (r *PostgresRepository) CountActiveAffiliates(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM affiliates WHERE status = 'active'`).Scan(&count)
	return count, err
}

const referralColumns = `id, affiliate_id, referred_user_id, status, source_transaction_id, last_error, created_at, updated_at`

func scanReferral(row pgx.Row) (*domain.Referral, error) {
	var ref domain.Referral
	err := row.Scan(
		&ref.ID,
		&ref.AffiliateID,
		&ref.ReferredUserID,
		&ref.Status,
		&ref.SourceTransactionID,
		&ref.LastError,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return &ref, nil
}

// CreateReferral inserts a referral row. Attribution is first-touch: the
// unique constraint on referred_user_id rejects re-attribution to a different
// affiliate.
func (r *PostgresRepository) CreateReferral(ctx context.Context, referral *domain.Referral) error {
	query := `
		INSERT INTO referrals (id, affiliate_id, referred_user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		referral.ID,
		referral.AffiliateID,
		referral.ReferredUserID,
		referral.Status,
	).Scan(&referral.CreatedAt, &referral.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReferral
		}
		return err
	}
	return nil
}

// FindReferralByID retrieves a referral by its ID.
func (r *PostgresRepository) FindReferralByID(ctx context.Context, referralID uuid.UUID) (*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1`
	return scanReferral(r.db.QueryRow(ctx, query, referralID))
}

// FindReferralByReferredUserID retrieves the referral linked to a referred user.
func (r *PostgresRepository) FindReferralByReferredUserID(ctx context.Context, referredUserID uuid.UUID) (*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE referred_user_id = $1`
	return scanReferral(r.db.QueryRow(ctx, query, referredUserID))
}

// ListOutstandingReferrals returns every referral of the affiliate that has
// not reached the terminal paid state. Ineligible and errored referrals are
// included so the next sweep retries them.
func (r *PostgresRepository) ListOutstandingReferrals(ctx context.Context, affiliateID uuid.UUID) ([]domain.Referral, error) {
	query := `
		SELECT ` + referralColumns + `
		FROM referrals
		WHERE affiliate_id = $1 AND status <> 'active'
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var referrals []domain.Referral
	for rows.Next() {
		var ref domain.Referral
		if err := rows.Scan(
			&ref.ID,
			&ref.AffiliateID,
			&ref.ReferredUserID,
			&ref.Status,
			&ref.SourceTransactionID,
			&ref.LastError,
			&ref.CreatedAt,
			&ref.UpdatedAt,
		); err != nil {
			return nil, err
		}
		referrals = append(referrals, ref)
	}
	return referrals, rows.Err()
}

// UpdateReferralStatus sets a referral's status. The terminal paid state is
// never overwritten: dispatch outcomes must not regress an already-paid
// referral that a concurrent attempt completed first.
func (r *PostgresRepository) UpdateReferralStatus(ctx context.Context, referralID uuid.UUID, status domain.ReferralStatus, lastError *string) error {
	query := `
		UPDATE referrals
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND status <> 'active'
	`
	tag, err := r.db.Exec(ctx, query, status, lastError, referralID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already paid; distinguish for callers.
		var exists bool
		if checkErr := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM referrals WHERE id = $1)`, referralID).Scan(&exists); checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrReferralNotFound
		}
	}
	return nil
}

// MarkReferralPaid transitions a referral to the terminal paid state and
// records the source transaction that the commission transfer drew on.
func (r *PostgresRepository) MarkReferralPaid(ctx context.Context, referralID uuid.UUID, sourceTransactionID string) error {
	query := `
		UPDATE referrals
		SET status = 'active', source_transaction_id = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2
	`
	tag, err := r.db.Exec(ctx, query, sourceTransactionID, referralID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReferralNotFound
	}
	return nil
}

// GetReferralStats aggregates referral counts for an affiliate's dashboard.
func (r *PostgresRepository) GetReferralStats(ctx context.Context, affiliateID uuid.UUID) (*domain.ReferralStats, error) {
	var stats domain.ReferralStats
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status <> 'active')
		FROM referrals
		WHERE affiliate_id = $1
	`
	err := r.db.QueryRow(ctx, query, affiliateID).Scan(&stats.TotalReferred, &stats.TotalPaid, &stats.Outstanding)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CountReferralsByStatus returns referral counts grouped by status for the
// sync-status endpoint.
func (r *PostgresRepository) CountReferralsByStatus(ctx context.Context) (map[domain.ReferralStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM referrals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ReferralStatus]int64)
	for rows.Next() {
		var status domain.ReferralStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// LastReferralUpdate returns the most recent referral mutation timestamp, or
// nil when the ledger is empty.
func (r *PostgresRepository) LastReferralUpdate(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	err := r.db.QueryRow(ctx, `SELECT MAX(updated_at) FROM referrals`).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}

// FindBillingIdentityByUserID resolves a referred user's payment-processor
// customer and subscription from the panel's subscriber tables.
func (r *PostgresRepository) FindBillingIdentityByUserID(ctx context.Context, userID uuid.UUID) (*domain.BillingIdentity, error) {
	var identity domain.BillingIdentity
	query := `
		SELECT u.id, u.email, COALESCE(u.payment_customer_id, ''),
		       COALESCE(s.payment_subscription_id, ''), COALESCE(s.status, '')
		FROM users u
		LEFT JOIN subscriptions s ON s.user_id = u.id AND s.status IN ('active', 'past_due')
		WHERE u.id = $1
		ORDER BY s.created_at DESC NULLS LAST
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&identity.UserID,
		&identity.Email,
		&identity.CustomerID,
		&identity.SubscriptionID,
		&identity.SubscriptionStatus,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBillingIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

// FindUserIDByCustomerID resolves the panel user linked to a payment-processor
// customer id. Used when an invoice-paid event arrives keyed by customer.
func (r *PostgresRepository) FindUserIDByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT id FROM users WHERE payment_customer_id = $1`, customerID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

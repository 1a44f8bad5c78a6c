package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/waflow/affiliate-service/internal/domain"
	"github.com/waflow/affiliate-service/internal/store"
	"github.com/waflow/affiliate-service/pkg/paygate"
)

type sweepRepoStub struct {
	store.Repository

	affiliates  map[uuid.UUID]*domain.Affiliate
	referrals   map[uuid.UUID]*domain.Referral
	identities  map[uuid.UUID]*domain.BillingIdentity
	outstanding map[uuid.UUID][]uuid.UUID
	panicFor    map[uuid.UUID]bool

	statusChanges map[uuid.UUID][]domain.ReferralStatus
}

func newSweepRepoStub() *sweepRepoStub {
	return &sweepRepoStub{
		affiliates:    make(map[uuid.UUID]*domain.Affiliate),
		referrals:     make(map[uuid.UUID]*domain.Referral),
		identities:    make(map[uuid.UUID]*domain.BillingIdentity),
		outstanding:   make(map[uuid.UUID][]uuid.UUID),
		panicFor:      make(map[uuid.UUID]bool),
		statusChanges: make(map[uuid.UUID][]domain.ReferralStatus),
	}
}

func (s *sweepRepoStub) addAffiliate(a *domain.Affiliate) {
	s.affiliates[a.ID] = a
}

func (s *sweepRepoStub) addReferral(ref *domain.Referral, identity *domain.BillingIdentity) {
	s.referrals[ref.ID] = ref
	s.outstanding[ref.AffiliateID] = append(s.outstanding[ref.AffiliateID], ref.ID)
	if identity != nil {
		s.identities[ref.ReferredUserID] = identity
	}
}

func (s *sweepRepoStub) ListActivePayableAffiliates(ctx context.Context) ([]domain.Affiliate, error) {
	out := make([]domain.Affiliate, 0, len(s.affiliates))
	for _, a := range s.affiliates {
		if a.Status == domain.AffiliateStatusActive && a.Payable() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *sweepRepoStub) ListOutstandingReferrals(ctx context.Context, affiliateID uuid.UUID) ([]domain.Referral, error) {
	if s.panicFor[affiliateID] {
		panic("ledger corrupted for affiliate " + affiliateID.String())
	}
	var out []domain.Referral
	for _, refID := range s.outstanding[affiliateID] {
		ref := s.referrals[refID]
		if ref.Status != domain.ReferralStatusActive {
			out = append(out, *ref)
		}
	}
	return out, nil
}

func (s *sweepRepoStub) FindReferralByID(ctx context.Context, referralID uuid.UUID) (*domain.Referral, error) {
	ref, ok := s.referrals[referralID]
	if !ok {
		return nil, store.ErrReferralNotFound
	}
	copy := *ref
	return &copy, nil
}

func (s *sweepRepoStub) FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.Affiliate, error) {
	a, ok := s.affiliates[affiliateID]
	if !ok {
		return nil, store.ErrAffiliateNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *sweepRepoStub) FindBillingIdentityByUserID(ctx context.Context, userID uuid.UUID) (*domain.BillingIdentity, error) {
	identity, ok := s.identities[userID]
	if !ok {
		return nil, store.ErrBillingIdentityNotFound
	}
	copy := *identity
	return &copy, nil
}

func (s *sweepRepoStub) UpdateReferralStatus(ctx context.Context, referralID uuid.UUID, status domain.ReferralStatus, lastError *string) error {
	ref, ok := s.referrals[referralID]
	if !ok {
		return store.ErrReferralNotFound
	}
	if ref.Status != status {
		s.statusChanges[referralID] = append(s.statusChanges[referralID], status)
	}
	if ref.Status != domain.ReferralStatusActive {
		ref.Status = status
		ref.LastError = lastError
	}
	return nil
}

func (s *sweepRepoStub) MarkReferralPaid(ctx context.Context, referralID uuid.UUID, sourceTransactionID string) error {
	ref, ok := s.referrals[referralID]
	if !ok {
		return store.ErrReferralNotFound
	}
	s.statusChanges[referralID] = append(s.statusChanges[referralID], domain.ReferralStatusActive)
	ref.Status = domain.ReferralStatusActive
	ref.SourceTransactionID = &sourceTransactionID
	return nil
}

// multiGateway serves per-customer invoices so one sweep can exercise mixed outcomes.
type multiGateway struct {
	fakeGateway
	invoices map[string]*paygate.Invoice
}

func (g *multiGateway) LatestInvoice(ctx context.Context, customerID, subscriptionID string) (*paygate.Invoice, error) {
	return g.invoices[customerID], nil
}

func TestSweepAffiliate_MixedOutcomes(t *testing.T) {
	affiliate := payableAffiliate()
	repo := newSweepRepoStub()
	repo.addAffiliate(affiliate)

	// Referral 1: referred user's subscription lapsed.
	lapsed := pendingReferral(affiliate.ID)
	repo.addReferral(lapsed, &domain.BillingIdentity{
		UserID:             lapsed.ReferredUserID,
		CustomerID:         "cus_lapsed",
		SubscriptionID:     "sub_lapsed",
		SubscriptionStatus: "canceled",
	})

	// Referral 2: latest invoice not yet paid.
	unpaid := pendingReferral(affiliate.ID)
	repo.addReferral(unpaid, &domain.BillingIdentity{
		UserID:             unpaid.ReferredUserID,
		CustomerID:         "cus_unpaid",
		SubscriptionID:     "sub_unpaid",
		SubscriptionStatus: "active",
	})

	// Referral 3: fully eligible.
	eligible := pendingReferral(affiliate.ID)
	repo.addReferral(eligible, &domain.BillingIdentity{
		UserID:             eligible.ReferredUserID,
		CustomerID:         "cus_eligible",
		SubscriptionID:     "sub_eligible",
		SubscriptionStatus: "active",
	})

	gateway := &multiGateway{invoices: map[string]*paygate.Invoice{
		"cus_unpaid": {ID: "in_open", CustomerID: "cus_unpaid", Status: "open", AmountPaid: 0},
		"cus_eligible": {
			ID: "in_paid", CustomerID: "cus_eligible", SubscriptionID: "sub_eligible",
			Status: "paid", AmountPaid: 10000, Currency: "usd", ChargeID: "ch_eligible",
		},
	}}
	service := newTestService(repo, gateway)

	results, err := service.SweepAffiliate(context.Background(), affiliate.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byReferral := make(map[uuid.UUID]domain.PaymentResult)
	for _, r := range results {
		byReferral[r.ReferralID] = r
	}

	if got := byReferral[lapsed.ID]; got.Code != domain.ResultNotYetEligible || got.Status != domain.ReferralStatusIneligible {
		t.Fatalf("expected lapsed referral ineligible, got code=%s status=%s", got.Code, got.Status)
	}
	if got := byReferral[unpaid.ID]; got.Code != domain.ResultNotYetEligible || got.Status != domain.ReferralStatusPending {
		t.Fatalf("expected unpaid referral still pending, got code=%s status=%s", got.Code, got.Status)
	}
	if got := byReferral[eligible.ID]; got.Code != domain.ResultProcessed || got.Status != domain.ReferralStatusActive {
		t.Fatalf("expected eligible referral processed, got code=%s status=%s", got.Code, got.Status)
	}

	// Only the eligible referral's persisted status may change.
	if len(repo.statusChanges[lapsed.ID]) != 0 {
		t.Fatalf("expected no persisted change for lapsed referral, got %v", repo.statusChanges[lapsed.ID])
	}
	if len(repo.statusChanges[unpaid.ID]) != 0 {
		t.Fatalf("expected no persisted change for unpaid referral, got %v", repo.statusChanges[unpaid.ID])
	}
	if repo.referrals[eligible.ID].Status != domain.ReferralStatusActive {
		t.Fatalf("expected eligible referral persisted active, got %s", repo.referrals[eligible.ID].Status)
	}
}

func TestSweepAll_IsolatesPanickingAffiliate(t *testing.T) {
	repo := newSweepRepoStub()

	bad := payableAffiliate()
	repo.addAffiliate(bad)
	repo.panicFor[bad.ID] = true

	good := payableAffiliate()
	repo.addAffiliate(good)
	ref := pendingReferral(good.ID)
	repo.addReferral(ref, &domain.BillingIdentity{
		UserID:             ref.ReferredUserID,
		CustomerID:         "cus_good",
		SubscriptionID:     "sub_good",
		SubscriptionStatus: "active",
	})

	gateway := &multiGateway{invoices: map[string]*paygate.Invoice{
		"cus_good": {
			ID: "in_good", CustomerID: "cus_good", SubscriptionID: "sub_good",
			Status: "paid", AmountPaid: 2000, Currency: "usd", ChargeID: "ch_good",
		},
	}}
	service := newTestService(repo, gateway)

	report := service.SweepAll(context.Background(), "test")

	if report.AffiliatesProcessed != 2 {
		t.Fatalf("expected both affiliates processed, got %d", report.AffiliatesProcessed)
	}
	if len(report.Details) != 2 {
		t.Fatalf("expected 2 detail entries, got %d", len(report.Details))
	}

	var badDetail, goodDetail *domain.AffiliateSweepResult
	for i := range report.Details {
		switch report.Details[i].AffiliateID {
		case bad.ID:
			badDetail = &report.Details[i]
		case good.ID:
			goodDetail = &report.Details[i]
		}
	}
	if badDetail == nil || badDetail.Error == "" {
		t.Fatal("expected the panicking affiliate to surface an error")
	}
	if goodDetail == nil || goodDetail.Error != "" {
		t.Fatal("expected the healthy affiliate to sweep cleanly")
	}
	if repo.referrals[ref.ID].Status != domain.ReferralStatusActive {
		t.Fatalf("expected healthy affiliate's referral paid, got %s", repo.referrals[ref.ID].Status)
	}
	if report.Paid != 1 {
		t.Fatalf("expected 1 paid referral, got %d", report.Paid)
	}
	if report.Success {
		t.Fatal("expected report marked unsuccessful after a panic")
	}
}

package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/waflow/affiliate-service/internal/domain"
	"github.com/waflow/affiliate-service/internal/store"
	"github.com/waflow/affiliate-service/pkg/paygate"
)

type consumerRepoStub struct {
	*sweepRepoStub

	customerToUser map[string]uuid.UUID
	userToReferral map[uuid.UUID]*domain.Referral

	affiliateStatusUpdates []domain.AffiliateStatus
	listOutstandingCalls   int
}

func newConsumerRepoStub() *consumerRepoStub {
	return &consumerRepoStub{
		sweepRepoStub:  newSweepRepoStub(),
		customerToUser: make(map[string]uuid.UUID),
		userToReferral: make(map[uuid.UUID]*domain.Referral),
	}
}

func (s *consumerRepoStub) FindUserIDByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	userID, ok := s.customerToUser[customerID]
	if !ok {
		return uuid.Nil, store.ErrUserNotFound
	}
	return userID, nil
}

func (s *consumerRepoStub) FindReferralByReferredUserID(ctx context.Context, referredUserID uuid.UUID) (*domain.Referral, error) {
	ref, ok := s.userToReferral[referredUserID]
	if !ok {
		return nil, store.ErrReferralNotFound
	}
	copy := *ref
	return &copy, nil
}

func (s *consumerRepoStub) FindAffiliateByPaymentAccountID(ctx context.Context, accountID string) (*domain.Affiliate, error) {
	for _, a := range s.affiliates {
		if a.PaymentAccountID != nil && *a.PaymentAccountID == accountID {
			copy := *a
			return &copy, nil
		}
	}
	return nil, store.ErrAffiliateNotFound
}

func (s *consumerRepoStub) UpdateAffiliateStatus(ctx context.Context, affiliateID uuid.UUID, status domain.AffiliateStatus) error {
	s.affiliateStatusUpdates = append(s.affiliateStatusUpdates, status)
	if a, ok := s.affiliates[affiliateID]; ok {
		a.Status = status
	}
	return nil
}

func (s *consumerRepoStub) ListOutstandingReferrals(ctx context.Context, affiliateID uuid.UUID) ([]domain.Referral, error) {
	s.listOutstandingCalls++
	return s.sweepRepoStub.ListOutstandingReferrals(ctx, affiliateID)
}

func TestHandleInvoicePaid_NoReferralAcksSilently(t *testing.T) {
	repo := newConsumerRepoStub()
	userID := uuid.New()
	repo.customerToUser["cus_unreferred"] = userID

	gateway := &fakeGateway{}
	service := newTestService(repo, gateway)
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.InvoicePaidEvent{
		EventID:    "evt_1",
		CustomerID: "cus_unreferred",
		InvoiceID:  "in_1",
		AmountPaid: 10000,
	})

	if !consumer.HandleInvoicePaid(body) {
		t.Fatal("expected ack for a customer without a referral")
	}
	if len(gateway.transferCalls) != 0 {
		t.Fatal("expected no dispatch without a referral")
	}
}

func TestHandleInvoicePaid_UnknownCustomerAcksSilently(t *testing.T) {
	repo := newConsumerRepoStub()
	service := newTestService(repo, &fakeGateway{})
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.InvoicePaidEvent{EventID: "evt_2", CustomerID: "cus_ghost"})

	if !consumer.HandleInvoicePaid(body) {
		t.Fatal("expected ack for an unknown customer")
	}
}

func TestHandleInvoicePaid_MalformedPayloadAcks(t *testing.T) {
	repo := newConsumerRepoStub()
	service := newTestService(repo, &fakeGateway{})
	consumer := NewBillingEventConsumer(service)

	if !consumer.HandleInvoicePaid([]byte("{not json")) {
		t.Fatal("expected malformed payloads to be dropped with an ack")
	}
}

func TestHandleInvoicePaid_DispatchesReferredCustomer(t *testing.T) {
	repo := newConsumerRepoStub()
	affiliate := payableAffiliate()
	repo.addAffiliate(affiliate)

	referral := pendingReferral(affiliate.ID)
	repo.addReferral(referral, &domain.BillingIdentity{
		UserID:             referral.ReferredUserID,
		CustomerID:         "cus_referred",
		SubscriptionID:     "sub_referred",
		SubscriptionStatus: "active",
	})
	repo.customerToUser["cus_referred"] = referral.ReferredUserID
	repo.userToReferral[referral.ReferredUserID] = referral

	gateway := &multiGateway{invoices: map[string]*paygate.Invoice{
		"cus_referred": {
			ID: "in_ref", CustomerID: "cus_referred", SubscriptionID: "sub_referred",
			Status: "paid", AmountPaid: 10000, Currency: "usd", ChargeID: "ch_ref",
		},
	}}
	service := newTestService(repo, gateway)
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.InvoicePaidEvent{
		EventID:    "evt_3",
		CustomerID: "cus_referred",
		InvoiceID:  "in_ref",
		AmountPaid: 10000,
	})

	if !consumer.HandleInvoicePaid(body) {
		t.Fatal("expected ack after dispatch")
	}
	if len(gateway.transferCalls) != 1 {
		t.Fatalf("expected one transfer call, got %d", len(gateway.transferCalls))
	}
	if repo.referrals[referral.ID].Status != domain.ReferralStatusActive {
		t.Fatalf("expected referral paid, got %s", repo.referrals[referral.ID].Status)
	}
}

func TestHandleAccountUpdated_ActivationTriggersSweep(t *testing.T) {
	repo := newConsumerRepoStub()
	affiliate := payableAffiliate()
	affiliate.Status = domain.AffiliateStatusPending
	repo.addAffiliate(affiliate)

	service := newTestService(repo, &fakeGateway{})
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.AccountUpdatedEvent{
		EventID:        "evt_4",
		AccountID:      *affiliate.PaymentAccountID,
		ChargesEnabled: true,
	})

	if !consumer.HandleAccountUpdated(body) {
		t.Fatal("expected ack for account activation")
	}
	if len(repo.affiliateStatusUpdates) != 1 || repo.affiliateStatusUpdates[0] != domain.AffiliateStatusActive {
		t.Fatalf("expected affiliate activated, got %v", repo.affiliateStatusUpdates)
	}
	if repo.listOutstandingCalls != 1 {
		t.Fatalf("expected activation to trigger a sweep, got %d list calls", repo.listOutstandingCalls)
	}
}

func TestHandleAccountUpdated_DeactivationDoesNotSweep(t *testing.T) {
	repo := newConsumerRepoStub()
	affiliate := payableAffiliate()
	repo.addAffiliate(affiliate)

	service := newTestService(repo, &fakeGateway{})
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.AccountUpdatedEvent{
		EventID:        "evt_5",
		AccountID:      *affiliate.PaymentAccountID,
		ChargesEnabled: false,
	})

	if !consumer.HandleAccountUpdated(body) {
		t.Fatal("expected ack for account deactivation")
	}
	if len(repo.affiliateStatusUpdates) != 1 || repo.affiliateStatusUpdates[0] != domain.AffiliateStatusPending {
		t.Fatalf("expected affiliate demoted to pending, got %v", repo.affiliateStatusUpdates)
	}
	if repo.listOutstandingCalls != 0 {
		t.Fatal("expected no sweep on deactivation")
	}
}

func TestHandleAccountUpdated_UnknownAccountAcks(t *testing.T) {
	repo := newConsumerRepoStub()
	service := newTestService(repo, &fakeGateway{})
	consumer := NewBillingEventConsumer(service)

	body, _ := json.Marshal(domain.AccountUpdatedEvent{EventID: "evt_6", AccountID: "acct_ghost", ChargesEnabled: true})

	if !consumer.HandleAccountUpdated(body) {
		t.Fatal("expected ack for an account not tied to an affiliate")
	}
}

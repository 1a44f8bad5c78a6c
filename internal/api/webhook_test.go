package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/waflow/affiliate-service/internal/domain"
)

type capturingPublisher struct {
	exchange   string
	routingKey string
	body       interface{}
	publishErr error
	calls      int
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.calls++
	p.exchange = exchange
	p.routingKey = routingKey
	p.body = body
	return p.publishErr
}

func (p *capturingPublisher) Close() {}

const testWebhookSecret = "whsec_test_secret"

func signBody(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, handler *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("x-paygate-signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1","customer":"cus_1"}}}`)
	rec := postWebhook(t, handler, body, "deadbeef")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if publisher.calls != 0 {
		t.Fatal("expected no publish on signature failure")
	}
}

func TestWebhook_RejectsInvalidJSON(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{not json`)
	rec := postWebhook(t, handler, body, signBody(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_UnknownEventTypeIsAccepted(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{"id":"cus_2"}}}`)
	rec := postWebhook(t, handler, body, signBody(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if publisher.calls != 0 {
		t.Fatal("expected no publish for an unhandled event type")
	}
}

func TestWebhook_InvoicePaidIsPublished(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_3","type":"invoice.paid","created":1700000000,"data":{"object":{"id":"in_3","customer":"cus_3","subscription":"sub_3","amount_paid":10000,"currency":"usd","charge":"ch_3"}}}`)
	rec := postWebhook(t, handler, body, signBody(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if publisher.calls != 1 {
		t.Fatalf("expected one publish, got %d", publisher.calls)
	}
	if publisher.exchange != "billing_events" || publisher.routingKey != "invoice.paid" {
		t.Fatalf("unexpected publish target: exchange=%s key=%s", publisher.exchange, publisher.routingKey)
	}
	event, ok := publisher.body.(domain.InvoicePaidEvent)
	if !ok {
		t.Fatalf("expected InvoicePaidEvent payload, got %T", publisher.body)
	}
	if event.CustomerID != "cus_3" || event.AmountPaid != 10000 || event.ChargeID != "ch_3" {
		t.Fatalf("unexpected event payload: %+v", event)
	}
}

func TestWebhook_AccountUpdatedIsPublished(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_4","type":"account.updated","data":{"object":{"id":"acct_4","charges_enabled":true}}}`)
	rec := postWebhook(t, handler, body, signBody(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	event, ok := publisher.body.(domain.AccountUpdatedEvent)
	if !ok {
		t.Fatalf("expected AccountUpdatedEvent payload, got %T", publisher.body)
	}
	if event.AccountID != "acct_4" || !event.ChargesEnabled {
		t.Fatalf("unexpected event payload: %+v", event)
	}
}

func TestWebhook_PublishFailureStillReturnsOK(t *testing.T) {
	publisher := &capturingPublisher{publishErr: context.DeadlineExceeded}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_5","type":"invoice.paid","data":{"object":{"id":"in_5","customer":"cus_5","amount_paid":5000,"charge":"ch_5"}}}`)
	rec := postWebhook(t, handler, body, signBody(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite publish failure, got %d", rec.Code)
	}
}

func TestWebhook_DuplicateDeliveryIsIgnored(t *testing.T) {
	publisher := &capturingPublisher{}
	handler := NewWebhookHandler(publisher, testWebhookSecret, "billing_events")

	body := []byte(`{"id":"evt_6","type":"invoice.paid","data":{"object":{"id":"in_6","customer":"cus_6","amount_paid":5000,"charge":"ch_6"}}}`)
	signature := signBody(t, body)

	if rec := postWebhook(t, handler, body, signature); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first delivery, got %d", rec.Code)
	}
	if rec := postWebhook(t, handler, body, signature); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate delivery, got %d", rec.Code)
	}
	if publisher.calls != 1 {
		t.Fatalf("expected duplicate delivery to be dropped, got %d publishes", publisher.calls)
	}
}

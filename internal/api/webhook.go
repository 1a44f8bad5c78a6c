/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from the
 * payment processor. It acts as the entry point for all real-time billing
 * notifications.
 *
 * Key features:
 * - Security: Validates the HMAC signature of incoming webhooks to ensure authenticity.
 * - Parsing: Decodes the JSON payload into strongly-typed Go structs.
 * - Routing: Inspects the event type to decide what action to take.
 * - Event Publishing: Publishes internal events to a RabbitMQ exchange for
 *   decoupled processing by the billing consumer.
 *
 * A delivery that verifies and parses always gets a 200, even when downstream
 * processing fails; the processor must not retry business failures the sweeper
 * will recover on its own.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha1, crypto/sha256, encoding/base64, encoding/hex: For signature validation.
 * - encoding/json, net/http: For payload handling and HTTP serving.
 * - The service's internal packages for domain models and RabbitMQ integration.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/waflow/affiliate-service/internal/domain"
	"github.com/waflow/affiliate-service/internal/monitoring"
	"github.com/waflow/affiliate-service/pkg/rabbitmq"
)

// paymentWebhookEvent is the envelope the payment processor posts.
type paymentWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	Created int64 `json:"created"`
}

type webhookInvoiceObject struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer"`
	SubscriptionID string `json:"subscription"`
	AmountPaid     int64  `json:"amount_paid"`
	Currency       string `json:"currency"`
	ChargeID       string `json:"charge"`
}

type webhookAccountObject struct {
	ID             string `json:"id"`
	ChargesEnabled bool   `json:"charges_enabled"`
}

// WebhookHandler processes incoming webhooks from the payment processor.
type WebhookHandler struct {
	producer        rabbitmq.Publisher
	secret          string
	exchange        string
	processedEvents map[string]time.Time
	mutex           sync.Mutex
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(producer rabbitmq.Publisher, secret, exchange string) *WebhookHandler {
	return &WebhookHandler{
		producer:        producer,
		secret:          secret,
		exchange:        exchange,
		processedEvents: make(map[string]time.Time),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[%s] Error reading webhook body: %v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("x-paygate-signature"), body) {
		log.Printf("[%s] Error: Invalid webhook signature", requestID)
		monitoring.WebhookRejectedTotal.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event paymentWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[%s] Error decoding webhook JSON: %v", requestID, err)
		monitoring.WebhookRejectedTotal.WithLabelValues("bad_json").Inc()
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event.Type == "" {
		log.Printf("[%s] Webhook missing event type. Raw payload: %s", requestID, string(body))
		http.Error(w, "Missing event type", http.StatusBadRequest)
		return
	}

	log.Printf("[%s] Received webhook event: %s id=%s", requestID, event.Type, event.ID)

	if h.isDuplicateEvent(event.ID, event.Type) {
		log.Printf("[%s] Duplicate event detected and ignored: %s id=%s", requestID, event.Type, event.ID)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	}

	ctx := r.Context()
	occurredAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		occurredAt = time.Now().UTC()
	}

	var (
		routingKey string
		message    any
	)
	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		var invoice webhookInvoiceObject
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			log.Printf("[%s] Error decoding invoice object: %v", requestID, err)
			http.Error(w, "Invalid invoice payload", http.StatusBadRequest)
			return
		}
		routingKey = "invoice.paid"
		message = domain.InvoicePaidEvent{
			EventID:        event.ID,
			CustomerID:     invoice.CustomerID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceID:      invoice.ID,
			AmountPaid:     invoice.AmountPaid,
			Currency:       invoice.Currency,
			ChargeID:       invoice.ChargeID,
			OccurredAt:     occurredAt,
		}
	case "account.updated":
		var account webhookAccountObject
		if err := json.Unmarshal(event.Data.Object, &account); err != nil {
			log.Printf("[%s] Error decoding account object: %v", requestID, err)
			http.Error(w, "Invalid account payload", http.StatusBadRequest)
			return
		}
		routingKey = "account.updated"
		message = domain.AccountUpdatedEvent{
			EventID:        event.ID,
			AccountID:      account.ID,
			ChargesEnabled: account.ChargesEnabled,
			OccurredAt:     occurredAt,
		}
	default:
		log.Printf("[%s] Unhandled webhook event type: %s", requestID, event.Type)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	}

	monitoring.WebhookEventsTotal.WithLabelValues(routingKey).Inc()

	if err := h.producer.Publish(ctx, h.exchange, routingKey, message); err != nil {
		// Still a 200: the sweeper reconciles anything this delivery would have
		// triggered, and a non-200 would make the processor hammer the endpoint.
		log.Printf("[%s] Failed to publish %s: %v", requestID, routingKey, err)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	}

	log.Printf("[%s] Published message to exchange '%s' with routing key '%s'", requestID, h.exchange, routingKey)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// isValidSignature validates the HMAC signature of the webhook. The processor
// signs the raw body with the shared secret; both sha256 (hex or base64) and
// legacy sha1 (base64) encodings are accepted, bare or comma-separated with a
// scheme prefix.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("Warning: PAYGATE_WEBHOOK_SECRET is not set. Skipping signature validation.")
		return true
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		log.Println("Missing x-paygate-signature header")
		return false
	}

	sha1Mac := hmac.New(sha1.New, []byte(h.secret))
	sha1Mac.Write(body)
	sha1Expected := sha1Mac.Sum(nil)
	sha1Base64 := base64.StdEncoding.EncodeToString(sha1Expected)

	sha256Mac := hmac.New(sha256.New, []byte(h.secret))
	sha256Mac.Write(body)
	sha256Expected := sha256Mac.Sum(nil)
	sha256Base64 := base64.StdEncoding.EncodeToString(sha256Expected)
	sha256Hex := hex.EncodeToString(sha256Expected)

	if header == sha1Base64 || header == sha256Hex || header == sha256Base64 {
		return true
	}

	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		if hmac.Equal(decoded, sha1Expected) || hmac.Equal(decoded, sha256Expected) {
			return true
		}
	}
	if decoded, err := hex.DecodeString(header); err == nil {
		if hmac.Equal(decoded, sha1Expected) || hmac.Equal(decoded, sha256Expected) {
			return true
		}
	}

	for _, part := range strings.Split(header, ",") {
		sig := strings.TrimSpace(part)
		lower := strings.ToLower(sig)

		if strings.HasPrefix(lower, "sha256=") {
			if providedBytes, err := hex.DecodeString(strings.TrimSpace(sig[7:])); err == nil {
				if hmac.Equal(providedBytes, sha256Expected) {
					return true
				}
			}
			continue
		}
		if strings.HasPrefix(lower, "sha1=") {
			candidate := strings.TrimSpace(sig[5:])
			if strings.EqualFold(candidate, sha1Base64) {
				return true
			}
			if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil {
				if hmac.Equal(decoded, sha1Expected) {
					return true
				}
			}
			continue
		}

		if strings.EqualFold(sig, sha1Base64) || strings.EqualFold(sig, sha256Hex) || strings.EqualFold(sig, sha256Base64) {
			return true
		}
	}

	log.Printf("Signature mismatch. Provided header: %s", header)
	return false
}

// isDuplicateEvent checks if we've already processed this event recently.
// This prevents duplicate processing of the same webhook deliveries.
func (h *WebhookHandler) isDuplicateEvent(eventID, eventType string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// Clean up old entries (older than 1 hour) to prevent memory leaks
	cutoff := time.Now().Add(-1 * time.Hour)
	for id, timestamp := range h.processedEvents {
		if timestamp.Before(cutoff) {
			delete(h.processedEvents, id)
		}
	}

	eventKey := fmt.Sprintf("%s:%s", eventID, eventType)
	if timestamp, exists := h.processedEvents[eventKey]; exists {
		if time.Since(timestamp) < 5*time.Minute {
			return true
		}
	}

	h.processedEvents[eventKey] = time.Now()
	return false
}

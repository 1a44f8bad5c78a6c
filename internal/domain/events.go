package domain

import "time"

// InvoicePaidEvent is the message re-published to RabbitMQ when the payment
// processor reports a paid invoice. Consumed by the commission dispatcher.
type InvoicePaidEvent struct {
	EventID        string    `json:"event_id"`
	CustomerID     string    `json:"customer_id"`
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	AmountPaid     int64     `json:"amount_paid"` // minor units
	Currency       string    `json:"currency"`
	ChargeID       string    `json:"charge_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AccountUpdatedEvent is the message re-published to RabbitMQ when a connected
// account's capabilities change. Consumed to flip affiliate status and, on
// activation, trigger a sweep of the affiliate's outstanding referrals.
type AccountUpdatedEvent struct {
	EventID        string    `json:"event_id"`
	AccountID      string    `json:"account_id"`
	ChargesEnabled bool      `json:"charges_enabled"`
	OccurredAt     time.Time `json:"occurred_at"`
}

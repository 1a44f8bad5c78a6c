package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/waflow/affiliate-service/internal/domain"
)

// BillingEventConsumer processes billing events re-published from the
// payments webhook. Handlers return true to ack; false nacks with requeue,
// so only infrastructure failures return false. Business outcomes are final
// for a given delivery because the sweeper re-drives anything unpaid.
type BillingEventConsumer struct {
	service *Service
}

func NewBillingEventConsumer(service *Service) *BillingEventConsumer {
	return &BillingEventConsumer{service: service}
}

// HandleInvoicePaid consumes `invoice.paid` deliveries.
func (c *BillingEventConsumer) HandleInvoicePaid(body []byte) bool {
	var event domain.InvoicePaidEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("billing-consumer: failed to unmarshal invoice.paid payload: %v", err)
		return true
	}

	if event.CustomerID == "" {
		log.Printf("billing-consumer: missing customer id in invoice.paid event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.service.HandleInvoicePaid(ctx, event); err != nil {
		log.Printf("billing-consumer: processing error for customer %s: %v", event.CustomerID, err)
		return false
	}
	return true
}

// HandleAccountUpdated consumes `account.updated` deliveries.
func (c *BillingEventConsumer) HandleAccountUpdated(body []byte) bool {
	var event domain.AccountUpdatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("billing-consumer: failed to unmarshal account.updated payload: %v", err)
		return true
	}

	if event.AccountID == "" {
		log.Printf("billing-consumer: missing account id in account.updated event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.service.HandleAccountUpdated(ctx, event); err != nil {
		log.Printf("billing-consumer: processing error for account %s: %v", event.AccountID, err)
		return false
	}
	return true
}

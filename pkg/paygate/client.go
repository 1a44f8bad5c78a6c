/**
 * @description
 * This package provides a client for interacting with the payment processor API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * processor's endpoints, handling request body construction, and parsing responses.
 *
 * The processor deduplicates transfers natively on the source transaction id:
 * issuing a second transfer against a charge that was already transferred fails
 * with a `duplicate_transaction` error code. Callers treat that code as
 * success-already-occurred; it is the service's idempotency backstop.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 */
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrCodeDuplicateTransaction is the processor's error code for a transfer
// whose source transaction has already been transferred.
const ErrCodeDuplicateTransaction = "duplicate_transaction"

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Subscription represents a subscription object at the payment processor.
type Subscription struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer"`
	Status     string `json:"status"`
}

// Invoice represents an invoice object at the payment processor. AmountPaid is
// in the invoice's minor currency unit.
type Invoice struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer"`
	SubscriptionID string `json:"subscription"`
	Status         string `json:"status"`
	AmountPaid     int64  `json:"amount_paid"`
	Currency       string `json:"currency"`
	ChargeID       string `json:"charge"`
}

// Paid reports whether the invoice has been settled.
func (i *Invoice) Paid() bool {
	return i.Status == "paid"
}

// Charge represents a charge object at the payment processor.
type Charge struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Created    int64  `json:"created"`
}

// TransferParams is the payload for creating a transfer to a connected account.
type TransferParams struct {
	Amount            int64  `json:"amount"` // minor units
	Currency          string `json:"currency"`
	Destination       string `json:"destination"`
	SourceTransaction string `json:"source_transaction"`
	TransferGroup     string `json:"transfer_group"`
	Description       string `json:"description"`
}

// Transfer represents a created transfer at the payment processor.
type Transfer struct {
	ID                string `json:"id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Destination       string `json:"destination"`
	SourceTransaction string `json:"source_transaction"`
	TransferGroup     string `json:"transfer_group"`
}

// Account represents a connected account at the payment processor.
type Account struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

// AccountLink is a one-time onboarding URL for a connected account.
type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

// ErrorResponse represents an error from the payment processor API.
type ErrorResponse struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("paygate api error: %s - %s", e.Err.Code, e.Err.Message)
	}
	return "unknown paygate api error"
}

// IsDuplicateTransfer reports whether the error indicates the source
// transaction has already been transferred. Callers must treat this as
// success-already-occurred, not as a failure.
func (e *ErrorResponse) IsDuplicateTransfer() bool {
	return e.Err.Code == ErrCodeDuplicateTransaction
}

// GetSubscription retrieves a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// LatestInvoice returns the most recent invoice for a customer's subscription,
// or nil when the customer has no invoices yet.
func (c *Client) LatestInvoice(ctx context.Context, customerID, subscriptionID string) (*Invoice, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	if subscriptionID != "" {
		params.Set("subscription", subscriptionID)
	}
	params.Set("limit", "1")

	var list listResponse[Invoice]
	if err := c.doGet(ctx, "/v1/invoices", params, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return &list.Data[0], nil
}

// ListCharges returns the most recent charges for a customer, newest first.
func (c *Client) ListCharges(ctx context.Context, customerID string, limit int) ([]Charge, error) {
	if limit <= 0 {
		limit = 1
	}
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("limit", strconv.Itoa(limit))

	var list listResponse[Charge]
	if err := c.doGet(ctx, "/v1/charges", params, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// CreateTransfer issues a transfer to a connected account. The processor uses
// SourceTransaction to reject duplicate transfers for the same charge.
func (c *Client) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	var transfer Transfer
	if err := c.doPost(ctx, "/v1/transfers", params, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// CreateAccount creates a connected account able to receive transfers once
// onboarding completes.
func (c *Client) CreateAccount(ctx context.Context, email string) (*Account, error) {
	payload := map[string]string{
		"type":  "express",
		"email": email,
	}
	var account Account
	if err := c.doPost(ctx, "/v1/accounts", payload, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount retrieves a connected account by id.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.doGet(ctx, "/v1/accounts/"+url.PathEscape(accountID), nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccountLink creates a one-time onboarding link for a connected account.
func (c *Client) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*AccountLink, error) {
	payload := map[string]string{
		"account":     accountID,
		"refresh_url": refreshURL,
		"return_url":  returnURL,
		"type":        "account_onboarding",
	}
	var link AccountLink
	if err := c.doPost(ctx, "/v1/account_links", payload, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=paygate_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", req.URL.Path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=paygate_client path=%s status=%d code=%q msg=%q", req.URL.Path, resp.StatusCode, errResp.Err.Code, errResp.Err.Message)
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode success response: %w", err)
	}
	return nil
}

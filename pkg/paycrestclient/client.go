/**
 * @description
 * This package provides a client for the Paycrest sender API. Orders are created
 * with a client reference, read back by Paycrest order id, and can be listed by
 * reference when the local record of an accepted order is missing.
 */
package paycrestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when Paycrest has no order for the given reference.
var ErrNotFound = errors.New("paycrest order not found")

// Client is a client for the Paycrest sender API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Paycrest API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Recipient identifies the payout destination. Institution is a Paycrest
// institution code (a mobile-money operator or a bank).
type Recipient struct {
	Institution       string `json:"institution"`
	AccountIdentifier string `json:"accountIdentifier"`
	AccountName       string `json:"accountName"`
	Currency          string `json:"currency"`
	Memo              string `json:"memo,omitempty"`
}

// CreateOrderRequest is the payload for POST /v1/sender/orders. Amount is the
// stablecoin amount and Rate the quoted local units per token.
type CreateOrderRequest struct {
	Amount        string    `json:"amount"`
	Token         string    `json:"token"`
	Rate          string    `json:"rate"`
	Network       string    `json:"network"`
	LocalAmount   int64     `json:"localAmount"`
	SenderFee     int64     `json:"senderFee"`
	Recipient     Recipient `json:"recipient"`
	Reference     string    `json:"reference"`
	ReturnAddress string    `json:"returnAddress"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
}

// Order is Paycrest's view of a payment order.
type Order struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Amount    string `json:"amount,omitempty"`
	Reference string `json:"reference,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type orderList struct {
	Total  int     `json:"total"`
	Orders []Order `json:"orders"`
}

// WebhookPayload is the body Paycrest posts for payment order events.
type WebhookPayload struct {
	Event string `json:"event"`
	Data  Order  `json:"data"`
}

// APIError represents a non-2xx response from Paycrest.
type APIError struct {
	StatusCode int
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paycrest api error: status %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("paycrest api error: status %d", e.StatusCode)
}

// CreateOrder creates a payment order.
func (c *Client) CreateOrder(ctx context.Context, payload CreateOrderRequest) (*Order, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create order request: %w", err)
	}
	var order Order
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/sender/orders", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder reads a payment order by its Paycrest id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, "get_order", http.MethodGet, "/v1/sender/orders/"+url.PathEscape(orderID), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByReference returns the order created with the given client reference.
func (c *Client) FindByReference(ctx context.Context, reference string) (*Order, error) {
	var list orderList
	path := "/v1/sender/orders?reference=" + url.QueryEscape(reference)
	if err := c.do(ctx, "find_order", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Orders {
		if list.Orders[i].Reference == reference {
			return &list.Orders[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("API-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=paycrest_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return apiErr
		}
		log.Printf("level=warn component=paycrest_client op=%s status=%d message=%q", op, resp.StatusCode, apiErr.Message)
		return apiErr
	}

	var envelope response
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%s response has no data: %s", op, envelope.Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", op, err)
	}
	return nil
}

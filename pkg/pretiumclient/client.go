/**
 * @description
 * This package provides a client for the Pretium disbursement API. It covers the
 * three calls the off-ramp needs: initiating a payout, reading a payout by its
 * transaction code, and finding a payout by the client-supplied transaction hash.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package pretiumclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when Pretium has no transaction for the given reference.
var ErrNotFound = errors.New("pretium transaction not found")

// Payout types accepted by Pretium.
const (
	TypeMobile       = "MOBILE"
	TypeBuyGoods     = "BUY_GOODS"
	TypePaybill      = "PAYBILL"
	TypeBankTransfer = "BANK_TRANSFER"
)

// Client is a client for the Pretium API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Pretium API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayRequest is the payload for POST /v1/pay/{currency}. Amount is the full local
// amount the recipient and the platform fee are paid from.
type PayRequest struct {
	TransactionHash string `json:"transaction_hash"`
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
	Type            string `json:"type"`
	Shortcode       string `json:"shortcode"`
	AccountNumber   string `json:"account_number,omitempty"`
	BankCode        string `json:"bank_code,omitempty"`
	AccountName     string `json:"account_name,omitempty"`
	MobileNetwork   string `json:"mobile_network,omitempty"`
	CallbackURL     string `json:"callback_url"`
}

// Transaction is Pretium's view of a single payout.
type Transaction struct {
	TransactionCode string `json:"transaction_code"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount,omitempty"`
	ReceiptNumber   string `json:"receipt_number,omitempty"`
	Message         string `json:"message,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// WebhookPayload is the body Pretium posts to the callback URL.
type WebhookPayload struct {
	TransactionCode string `json:"transaction_code"`
	Status          string `json:"status"`
	ReceiptNumber   string `json:"receipt_number"`
	PublicName      string `json:"public_name"`
	Message         string `json:"message"`
	TransactionHash string `json:"transaction_hash"`
}

// APIError represents a non-2xx response from Pretium.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pretium api error: status %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pretium api error: status %d", e.StatusCode)
}

// Pay initiates a payout in the given currency.
func (c *Client) Pay(ctx context.Context, currency string, payload PayRequest) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, "pay", "/v1/pay/"+strings.ToUpper(currency), payload, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetStatus reads a payout by its Pretium transaction code.
func (c *Client) GetStatus(ctx context.Context, transactionCode string) (*Transaction, error) {
	var tx Transaction
	body := map[string]string{"transaction_code": transactionCode}
	if err := c.do(ctx, "status", "/v1/status", body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// FindByTransactionHash looks a payout up by the hash supplied when it was initiated.
func (c *Client) FindByTransactionHash(ctx context.Context, transactionHash string) (*Transaction, error) {
	var tx Transaction
	body := map[string]string{"transaction_hash": transactionHash}
	if err := c.do(ctx, "lookup", "/v1/transactions/lookup", body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, op, path string, payload interface{}, out *Transaction) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

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
			log.Printf("level=warn component=pretium_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return apiErr
		}
		log.Printf("level=warn component=pretium_client op=%s status=%d message=%q", op, resp.StatusCode, apiErr.Message)
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s response has no data: %s", op, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", op, err)
	}
	return nil
}

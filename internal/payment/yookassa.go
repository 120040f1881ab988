package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const defaultAPIURL = "https://api.yookassa.ru/v3"

// Gateway is the part of the YooKassa API the service uses.
type Gateway interface {
	CreatePayment(ctx context.Context, amount string, currency string, description string, returnURL string, metadata map[string]string) (*PaymentResponse, error)
	GetPayment(ctx context.Context, id string) (*PaymentResponse, error)
}

// APIError is the error body YooKassa returns with 4xx/5xx answers.
type APIError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("yookassa %d %s", e.StatusCode, e.Code)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Parameter != "" {
		msg += " (" + e.Parameter + ")"
	}
	return msg
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
}

func NewClient(shopID, secretKey string) *Client {
	return &Client{
		ShopID:     shopID,
		SecretKey:  secretKey,
		APIURL:     defaultAPIURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreatePayment starts an auto-captured payment with a redirect confirmation.
// Every call carries a fresh Idempotence-Key.
func (c *Client) CreatePayment(ctx context.Context, amount string, currency string, description string, returnURL string, metadata map[string]string) (*PaymentResponse, error) {
	body := CreatePaymentRequest{
		Amount:       Amount{Value: amount, Currency: currency},
		Capture:      true,
		Confirmation: Confirmation{Type: "redirect", ReturnURL: returnURL},
		Description:  description,
		Metadata:     metadata,
	}
	var out PaymentResponse
	if err := c.call(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return &out, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*PaymentResponse, error) {
	var out PaymentResponse
	if err := c.call(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", id, err)
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

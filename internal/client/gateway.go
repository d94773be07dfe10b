package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"assistant-billing/internal/config"
)

// ErrDeclined is a permanent refusal by the gateway (insufficient funds,
// blocked card). Retrying the same charge will not help.
var ErrDeclined = errors.New("payment declined by gateway")

// TransportError is a network failure, timeout or gateway-side 5xx. The
// outcome of the charge is unknown; callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type ChargeRequest struct {
	Amount    int64  `json:"amount"` // minor units, tax included
	Currency  string `json:"currency"`
	MethodRef string `json:"method_ref"`
	Reference string `json:"reference"` // our intent id, for gateway-side idempotency
}

type ChargeResult struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
}

type MethodRequest struct {
	CustomerID string `json:"customer_id"`
	Type       string `json:"type"`
	Token      string `json:"token"` // one-time token from the gateway's client SDK
}

type MethodResult struct {
	Ref   string `json:"ref"`
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// GatewayClient talks to the external payment gateway. The API key is
// supplied per call so it only lives in memory for the duration of the
// request.
type GatewayClient interface {
	Charge(ctx context.Context, apiKey string, req *ChargeRequest) (*ChargeResult, error)
	CreateMethod(ctx context.Context, apiKey string, req *MethodRequest) (*MethodResult, error)
	DeleteMethod(ctx context.Context, apiKey, ref string) error
	ListMethods(ctx context.Context, apiKey, customerID string) ([]*MethodResult, error)
}

type gatewayClientImpl struct {
	httpClient *http.Client
	baseApiURL string
}

func NewGatewayClient(cfg *config.Gateway) GatewayClient {
	return &gatewayClientImpl{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseApiURL: cfg.BaseApiURL,
	}
}

func (c *gatewayClientImpl) Charge(ctx context.Context, apiKey string, req *ChargeRequest) (*ChargeResult, error) {
	var result ChargeResult
	err := c.do(ctx, apiKey, http.MethodPost, "/v1/charges", req, &result)
	if err != nil {
		return nil, err
	}
	if result.Status == "declined" {
		return nil, ErrDeclined
	}
	return &result, nil
}

func (c *gatewayClientImpl) CreateMethod(ctx context.Context, apiKey string, req *MethodRequest) (*MethodResult, error) {
	var result MethodResult
	if err := c.do(ctx, apiKey, http.MethodPost, "/v1/payment-methods", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *gatewayClientImpl) DeleteMethod(ctx context.Context, apiKey, ref string) error {
	return c.do(ctx, apiKey, http.MethodDelete, "/v1/payment-methods/"+ref, nil, nil)
}

func (c *gatewayClientImpl) ListMethods(ctx context.Context, apiKey, customerID string) ([]*MethodResult, error) {
	var result struct {
		Methods []*MethodResult `json:"methods"`
	}
	path := "/v1/payment-methods?customer_id=" + customerID
	if err := c.do(ctx, apiKey, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Methods, nil
}

func (c *gatewayClientImpl) do(ctx context.Context, apiKey, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrDeclined
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(resp.Body)
		return &TransportError{Op: method + " " + path, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

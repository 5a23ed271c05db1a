package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sunbelt/shop/internal/config"
	"go.uber.org/zap"
)

// Client talks to the mobile-money processor. Auth tokens are cached
// process-wide; refresh happens lazily under the mutex so only one caller
// fetches a new token at a time.
type Client struct {
	baseURL      string
	appName      string
	clientID     string
	clientSecret string
	provider     string
	httpClient   *http.Client
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// tokenSkew renews the token slightly before the gateway expires it.
const tokenSkew = 30 * time.Second

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:      cfg.GatewayAddress,
		appName:      cfg.GatewayAppName,
		clientID:     cfg.GatewayClientID,
		clientSecret: cfg.GatewayClientSecret,
		provider:     cfg.GatewayProvider,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       cfg.Logger,
	}
}

type SubmitRequest struct {
	Amount     decimal.Decimal
	Mobile     string
	ExternalID int64
	Reference  string
}

type SubmitResult struct {
	Success       bool
	TransactionID string
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Add(tokenSkew).Before(c.tokenExp) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"appName":      c.appName,
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth request status: %d", resp.StatusCode)
	}

	var response struct {
		Token      string `json:"token"`
		ExpiryDate string `json:"expiryDate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if response.Token == "" {
		return "", fmt.Errorf("auth response without token")
	}

	expiry, err := time.Parse(time.RFC3339, response.ExpiryDate)
	if err != nil {
		return "", fmt.Errorf("parse token expiry: %w", err)
	}

	c.token = response.Token
	c.tokenExp = expiry

	return c.token, nil
}

// Submit initiates a mobile checkout. A transport error or malformed body
// is returned as an error; a declined checkout comes back as Success=false.
func (c *Client) Submit(ctx context.Context, sr SubmitRequest) (SubmitResult, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("gateway auth: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"amount":     sr.Amount,
		"mobile":     sr.Mobile,
		"provider":   c.provider,
		"externalId": sr.ExternalID,
		"reference":  sr.Reference,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/checkout/submit", bytes.NewReader(payload))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("send submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SubmitResult{}, fmt.Errorf("submit request status: %d", resp.StatusCode)
	}

	var response struct {
		Success       *bool  `json:"success"`
		TransactionID string `json:"transactionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
	}
	if response.Success == nil {
		return SubmitResult{}, fmt.Errorf("submit response without success flag")
	}

	return SubmitResult{Success: *response.Success, TransactionID: response.TransactionID}, nil
}

// CheckStatus asks the gateway for the current transaction status of a
// checkout identified by the order it was submitted for.
func (c *Client) CheckStatus(ctx context.Context, externalID int64) (string, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return "", fmt.Errorf("gateway auth: %w", err)
	}

	url := c.baseURL + "/api/checkout/status?externalId=" + strconv.FormatInt(externalID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status request status: %d", resp.StatusCode)
	}

	var response struct {
		TransactionStatus string `json:"transactionStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}

	return response.TransactionStatus, nil
}

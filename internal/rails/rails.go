// Package rails is the HTTP client for the financial rails service: wallet
// balances, escrow funding, settlement, and refunds. Amounts cross this
// boundary as decimal strings and are converted to minor units at the edge.
package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/shared"
)

// ErrUnavailable marks transport failures and 5xx replies. Callers treat
// these as retryable; a balance lookup degrades to zero instead of failing
// the heartbeat.
var ErrUnavailable = errors.New("rails: service unavailable")

// Client talks to one rails deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	metrics *otelPkg.Metrics
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SetMetrics attaches optional metric instruments; every call records its
// duration by operation.
func (c *Client) SetMetrics(m *otelPkg.Metrics) { c.metrics = m }

// BalanceOf returns the wallet's settled balance in minor units.
func (c *Client) BalanceOf(ctx context.Context, walletRef string) (int64, error) {
	var out struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := c.do(ctx, "balance_of", http.MethodGet, "/v1/wallets/"+walletRef+"/balance", nil, &out); err != nil {
		return 0, err
	}
	cents, err := shared.DecimalToCents(out.Amount)
	if err != nil {
		return 0, fmt.Errorf("balance for %s: %w", walletRef, err)
	}
	return cents, nil
}

// FundRequest opens an escrow hold on the rails side.
type FundRequest struct {
	BuyerWallet  string
	SellerWallet string
	Amount       int64
	Currency     string
	Reference    string
}

// FundEscrow asks rails to hold the buyer's funds and returns the rails
// escrow reference. The hold confirms asynchronously; the escrow row stays
// PENDING until then.
func (c *Client) FundEscrow(ctx context.Context, req FundRequest) (string, error) {
	payload := map[string]string{
		"buyer_wallet":  req.BuyerWallet,
		"seller_wallet": req.SellerWallet,
		"amount":        shared.CentsToDecimal(req.Amount),
		"currency":      req.Currency,
		"reference":     req.Reference,
	}
	var out struct {
		EscrowRef string `json:"escrow_ref"`
	}
	if err := c.do(ctx, "fund_escrow", http.MethodPost, "/v1/escrows", payload, &out); err != nil {
		return "", err
	}
	if out.EscrowRef == "" {
		return "", fmt.Errorf("fund escrow: rails returned no escrow_ref")
	}
	return out.EscrowRef, nil
}

// Settle pays the held funds out to the seller. A non-empty txHash means
// custody already signed and broadcast the release; rails must record that
// hash against the escrow, not issue a second payout. An empty txHash asks
// rails to sign internally, which is the external-wallet path.
func (c *Client) Settle(ctx context.Context, escrowRef, txHash string) (string, error) {
	var payload any
	if txHash != "" {
		payload = map[string]string{"tx_hash": txHash}
	}
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.do(ctx, "settle", http.MethodPost, "/v1/escrows/"+escrowRef+"/settle", payload, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// Refund returns the held funds to the buyer.
func (c *Client) Refund(ctx context.Context, escrowRef, reason string) error {
	payload := map[string]string{"reason": reason}
	return c.do(ctx, "refund", http.MethodPost, "/v1/escrows/"+escrowRef+"/refund", payload, nil)
}

// Healthy probes the rails health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, "healthz", http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.RailsDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otelPkg.AttrRailsOp.String(op)))
		}()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode rails request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build rails request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("rails server error", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%s %s returned %d: %s: %w", method, path, resp.StatusCode, string(snippet), ErrUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read rails response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse rails response: %w", err)
	}
	return nil
}

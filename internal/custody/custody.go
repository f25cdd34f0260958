// Package custody is the HTTP client for the wallet signing service. It
// signs and broadcasts release transactions on behalf of hosted wallets.
package custody

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
)

// ErrUnavailable marks transport failures and 5xx replies. Signing is
// retried on these; 4xx rejections are permanent.
var ErrUnavailable = errors.New("custody: service unavailable")

// Client talks to one custody deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
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

// SignAndBroadcast signs the calldata with the hosted wallet's key and
// broadcasts it, returning the transaction hash. May fail transiently.
func (c *Client) SignAndBroadcast(ctx context.Context, walletRef, contractAddress, calldata string) (string, error) {
	payload := map[string]string{
		"wallet_ref":       walletRef,
		"contract_address": contractAddress,
		"calldata":         calldata,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode signing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign-and-broadcast", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build signing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign and broadcast: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("custody server error", "status", resp.StatusCode, "wallet_ref", walletRef)
		return "", fmt.Errorf("custody returned %d: %s: %w", resp.StatusCode, string(snippet), ErrUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("custody rejected signing with %d: %s", resp.StatusCode, string(snippet))
	}

	var out struct {
		TxHash string `json:"tx_hash"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read custody response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("parse custody response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("custody returned no tx_hash")
	}
	return out.TxHash, nil
}

// Healthy probes the custody health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("custody health: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custody health returned %d", resp.StatusCode)
	}
	return nil
}

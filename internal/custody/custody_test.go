package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignAndBroadcast_ReturnsTxHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sign-and-broadcast" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req["wallet_ref"] != "wallet-1" || req["contract_address"] != "0xescrow" {
			t.Fatalf("request fields not forwarded: %+v", req)
		}
		if req["calldata"] == "" {
			t.Fatalf("expected calldata")
		}
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xdeadbeef"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", nil)
	hash, err := c.SignAndBroadcast(context.Background(), "wallet-1", "0xescrow", "release:esc-42")
	if err != nil {
		t.Fatalf("sign and broadcast: %v", err)
	}
	if hash != "0xdeadbeef" {
		t.Fatalf("hash = %q, want 0xdeadbeef", hash)
	}
}

func TestSignAndBroadcast_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signer overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.SignAndBroadcast(context.Background(), "wallet-1", "0xescrow", "release:esc-42")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSignAndBroadcast_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown wallet", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.SignAndBroadcast(context.Background(), "wallet-x", "0xescrow", "release:esc-42")
	if err == nil {
		t.Fatalf("expected error for 422")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("4xx must not be ErrUnavailable: %v", err)
	}
}

func TestSignAndBroadcast_EmptyHashRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	if _, err := c.SignAndBroadcast(context.Background(), "wallet-1", "0xescrow", "x"); err == nil {
		t.Fatalf("expected error for missing tx_hash")
	}
}

package mining

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()

	client := NewExchangeClient("key", "secret", "")
	req := &privateRequest{
		ID:     42,
		Method: "private/get-account-summary",
		APIKey: "key",
		Params: map[string]any{"currency": "BTC"},
		Nonce:  1700000000000,
	}
	client.sign(req)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("private/get-account-summary42keycurrencyBTC1700000000000"))
	want := hex.EncodeToString(mac.Sum(nil))
	if req.Signature != want {
		t.Fatalf("signature mismatch: got %s want %s", req.Signature, want)
	}
}

func TestBalanceParsesAccountSummary(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/private/get-account-summary" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req privateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.APIKey != "key" || req.Signature == "" {
			t.Errorf("request not signed: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"result":{"accounts":[{"currency":"BTC","available":0.025}]}}`))
	}))
	defer srv.Close()

	client := NewExchangeClient("key", "secret", srv.URL)
	client.now = func() time.Time { return time.Unix(1700000000, 0) }

	balance, err := client.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0.025 {
		t.Fatalf("unexpected balance: %v", balance)
	}
}

func TestBalanceWithoutCredentials(t *testing.T) {
	t.Parallel()

	client := NewExchangeClient("", "", "")
	if _, err := client.Balance(context.Background()); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestTickerPriceReportsHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewExchangeClient("", "", srv.URL)
	_, err := client.TickerPrice(context.Background())
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status code in error, got: %v", err)
	}
}

func TestConvertRejectedByExchange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":10004}`))
	}))
	defer srv.Close()

	client := NewExchangeClient("key", "secret", srv.URL)
	if err := client.Convert(context.Background(), 0.01, "USDT"); err == nil {
		t.Fatal("expected error for non-zero exchange code")
	}
}

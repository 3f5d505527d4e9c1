package mining

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/internal/config"
	"Transformers-Daemon/internal/task"
)

type captureSubmitter struct {
	requests []agent.DirectiveRequest
}

func (c *captureSubmitter) Submit(_ context.Context, req agent.DirectiveRequest) (*task.Task, error) {
	c.requests = append(c.requests, req)
	return &task.Task{ID: "stub", Action: req.Action}, nil
}

func TestPollPoolUpdatesStatsAndEmitsDirective(t *testing.T) {
	t.Parallel()

	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("wallet"); got != "bc1qtest" {
			t.Errorf("wallet query = %q", got)
		}
		if got := r.URL.Query().Get("worker"); got != "rig-0" {
			t.Errorf("worker query = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hashrate":"120 TH/s","workers":3,"last_share":"2025-06-01T08:00:00Z","pending_balance":0.0042}`))
	}))
	defer pool.Close()

	submitter := &captureSubmitter{}
	monitor := NewMonitor(config.MiningConfig{
		Enabled:       true,
		PoolURL:       pool.URL,
		WalletAddress: "bc1qtest",
		WorkerName:    "rig-0",
	}, submitter, NewExchangeClient("", "", ""))

	if err := monitor.pollPool(context.Background()); err != nil {
		t.Fatalf("poll pool: %v", err)
	}

	stats := monitor.Stats()
	if stats.CurrentHashrate != "120 TH/s" || stats.WorkersOnline != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(submitter.requests) != 1 || submitter.requests[0].Action != "mining_update" {
		t.Fatalf("unexpected directives: %+v", submitter.requests)
	}
	if submitter.requests[0].Metadata["pending_balance"] != 0.0042 {
		t.Fatalf("pending balance metadata: %v", submitter.requests[0].Metadata["pending_balance"])
	}
}

func TestPollPoolWithoutURLIsNoop(t *testing.T) {
	t.Parallel()

	submitter := &captureSubmitter{}
	monitor := NewMonitor(config.MiningConfig{Enabled: true}, submitter, NewExchangeClient("", "", ""))
	if err := monitor.pollPool(context.Background()); err != nil {
		t.Fatalf("poll pool: %v", err)
	}
	if len(submitter.requests) != 0 {
		t.Fatalf("unexpected directives: %+v", submitter.requests)
	}
}

func TestPollStrategyDerivesRecommendation(t *testing.T) {
	t.Parallel()

	exchangeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"result":{"data":[{"a":61234.5}]}}`))
	}))
	defer exchangeSrv.Close()

	difficultySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("21434395961348.92"))
	}))
	defer difficultySrv.Close()

	submitter := &captureSubmitter{}
	monitor := NewMonitor(config.MiningConfig{Enabled: true}, submitter,
		NewExchangeClient("", "", exchangeSrv.URL),
		WithDifficultyURL(difficultySrv.URL),
	)

	if err := monitor.pollStrategy(context.Background()); err != nil {
		t.Fatalf("poll strategy: %v", err)
	}

	stats := monitor.Stats()
	if stats.BTCPriceUSD != 61234.5 {
		t.Fatalf("unexpected price: %v", stats.BTCPriceUSD)
	}
	if stats.Recommendation != "Favorable mining conditions - consider increasing operations" {
		t.Fatalf("unexpected recommendation: %q", stats.Recommendation)
	}
	if len(submitter.requests) != 1 || submitter.requests[0].Action != "mining_ai_analysis" {
		t.Fatalf("unexpected directives: %+v", submitter.requests)
	}
}

func TestRecommendHeuristic(t *testing.T) {
	t.Parallel()

	if got := recommend(60000, 1e13); got != "Favorable mining conditions - consider increasing operations" {
		t.Fatalf("favorable: %q", got)
	}
	if got := recommend(25000, 1e13); got != "Lower BTC price - consider hodling mined coins" {
		t.Fatalf("hodl: %q", got)
	}
	if got := recommend(40000, 5e13); got != "Normal conditions - maintain current strategy" {
		t.Fatalf("maintain: %q", got)
	}
}

func TestWalletLoopSkipsWithoutCredentials(t *testing.T) {
	t.Parallel()

	submitter := &captureSubmitter{}
	monitor := NewMonitor(config.MiningConfig{Enabled: true, AutoConvert: true}, submitter, NewExchangeClient("", "", ""))
	if err := monitor.pollWallet(context.Background()); err != nil {
		t.Fatalf("wallet loop should degrade quietly: %v", err)
	}
	if len(submitter.requests) != 0 {
		t.Fatalf("unexpected directives: %+v", submitter.requests)
	}
}

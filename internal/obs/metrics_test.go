package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"tesoro.app/internal/ledger"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                        "/",
		"/metrics":                                "/metrics",
		"/v1/workspaces/12":                       "/v1/workspaces/:id",
		"/v1/workspaces/12/accounts/7":            "/v1/workspaces/:id/accounts/:id",
		"/v1/workspaces/12/transactions?limit=10": "/v1/workspaces/:id/transactions",
		"/v1/info":                                "/v1/info",
		"/v1/workspaces/3/transfers/0b7c3c62-5a1f-4f55-8d88-1f1b2a5d6e70/reconcile": "/v1/workspaces/:id/transfers/:group/reconcile",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestOutcome(t *testing.T) {
	cases := map[error]string{
		nil:                                     "ok",
		ledger.ErrAccountNotFound:               "not_found",
		fmt.Errorf("x: %w", ledger.ErrConflict): "conflict",
		ledger.ErrHasSettledInstallments:        "has_settled_installments",
		errors.New("boom"):                      "error",
	}
	for err, want := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v)=%q, want %q", err, got, want)
		}
	}
}

func TestLedgerObserverCountsRetries(t *testing.T) {
	Init()
	before := counterValue(t, ledgerConflictRetries.WithLabelValues("test.op"))
	LedgerObserver()("test.op", nil, 3)
	if got := counterValue(t, ledgerConflictRetries.WithLabelValues("test.op")) - before; got != 2 {
		t.Fatalf("retries delta = %v, want 2", got)
	}
	if got := counterValue(t, ledgerOpsTotal.WithLabelValues("test.op", "ok")); got < 1 {
		t.Fatalf("ops total = %v", got)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := counterValue(t, httpRequestsTotal.WithLabelValues("GET", "/v1/workspaces/:id", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/workspaces/99", nil))
	if got := counterValue(t, httpRequestsTotal.WithLabelValues("GET", "/v1/workspaces/:id", "418")) - before; got != 1 {
		t.Fatalf("requests delta = %v", got)
	}
}

func TestLogWritesJSON(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Warn("slow unit", map[string]any{"op": "transfer", "error": errors.New("lock wait")})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "slow unit" || entry["error"] != "lock wait" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

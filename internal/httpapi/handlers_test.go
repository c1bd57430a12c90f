package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"tesoro.app/internal/auth"
	"tesoro.app/internal/ledger"
	"tesoro.app/internal/obs"
	"tesoro.app/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokens("test-secret", "")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	events := stream.New(16)
	svc := ledger.NewService(
		ledger.NewMemory(ledger.WithLockWait(time.Second)),
		ledger.WithNotifier(events),
		ledger.WithBackoff(time.Millisecond),
	)
	api := New(Options{
		Service:    svc,
		Tokens:     tokens,
		Stream:     events,
		Build:      obs.Build{Version: "test", Commit: "abc123"},
		DevTokens:  true,
		RateBurst:  1000,
		RatePerSec: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		tokens:  tokens,
		t:       t,
	}
}

func (c *apiClient) auth(user string) map[string]string {
	c.t.Helper()
	token, _, err := c.tokens.Generate(user, time.Minute)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		t.Fatalf("unexpected status: got %d want %d (%s)", resp.StatusCode, want, body.String())
	}
	if want == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	return decode[map[string]any](t, resp)
}

func (c *apiClient) workspace(h map[string]string, currency string) string {
	c.t.Helper()
	ws := expectStatus(c.t, c.post("/v1/workspaces", map[string]any{"name": "home", "currency": currency}, h), http.StatusCreated)
	return fmt.Sprintf("/v1/workspaces/%d", int64(ws["id"].(float64)))
}

func (c *apiClient) account(h map[string]string, ws, name, opening string) int64 {
	c.t.Helper()
	body := map[string]any{"name": name}
	if opening != "" {
		body["opening_balance"] = opening
	}
	acc := expectStatus(c.t, c.post(ws+"/accounts", body, h), http.StatusCreated)
	return int64(acc["id"].(float64))
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)

	health := expectStatus(t, api.get("/healthz", nil, nil), http.StatusOK)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health: %v", health)
	}
	expectStatus(t, api.get("/readyz", nil, nil), http.StatusOK)
	info := expectStatus(t, api.get("/v1/info", nil, nil), http.StatusOK)
	if info["commit"] != "abc123" {
		t.Fatalf("unexpected info: %v", info)
	}

	resp := api.post("/v1/workspaces", map[string]any{"name": "x", "currency": "USD"}, nil)
	body := expectStatus(t, resp, http.StatusUnauthorized)
	if body["request_id"] == "" || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected request id and challenge: %v", body)
	}
}

func TestAPITransferFlow(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")

	idA := api.account(h, ws, "checking", "100.00")
	idB := api.account(h, ws, "savings", "")

	headers := map[string]string{"Idempotency-Key": "rent-1"}
	for k, v := range h {
		headers[k] = v
	}
	req := map[string]any{
		"from_account_id": idA,
		"to_account_id":   idB,
		"amount":          "25.50",
		"description":     "rent",
	}
	resp := api.post(ws+"/transfers", req, headers)
	if resp.Header.Get("Idempotency-Key") != "rent-1" {
		t.Fatalf("missing idempotency header echo")
	}
	tr := expectStatus(t, resp, http.StatusCreated)
	if tr["amount_decimal"] != "25.50" || tr["transfer_group"] == "" {
		t.Fatalf("unexpected transfer: %v", tr)
	}

	// Same key: same transfer, no second movement.
	again := expectStatus(t, api.post(ws+"/transfers", req, headers), http.StatusCreated)
	if again["transfer_group"] != tr["transfer_group"] {
		t.Fatalf("replay returned a different transfer")
	}

	balA := expectStatus(t, api.get(fmt.Sprintf("%s/accounts/%d/balance", ws, idA), nil, h), http.StatusOK)
	if balA["amount"] != "74.50" || balA["balance"].(float64) != 7450 || balA["currency"] != "USD" {
		t.Fatalf("unexpected balance for account A: %v", balA)
	}
	accB := expectStatus(t, api.get(fmt.Sprintf("%s/accounts/%d", ws, idB), nil, h), http.StatusOK)
	if accB["balance_decimal"] != "25.50" {
		t.Fatalf("unexpected account B: %v", accB)
	}

	// Body and header keys must agree.
	req["idempotency_key"] = "other"
	expectStatus(t, api.post(ws+"/transfers", req, headers), http.StatusBadRequest)

	// Overdraw.
	body := expectStatus(t, api.post(ws+"/transfers", map[string]any{
		"from_account_id": idB,
		"to_account_id":   idA,
		"amount":          "1000",
	}, h), http.StatusConflict)
	if !strings.Contains(body["error"].(string), "insufficient funds") {
		t.Fatalf("unexpected error: %v", body)
	}

	// Too many decimals for USD.
	expectStatus(t, api.post(ws+"/transfers", map[string]any{
		"from_account_id": idA,
		"to_account_id":   idB,
		"amount":          "1.001",
	}, h), http.StatusBadRequest)

	// Reconcile locks the pair.
	group := tr["transfer_group"].(string)
	expectStatus(t, api.post(ws+"/transfers/"+group+"/reconcile", nil, h), http.StatusOK)
	out := tr["out"].(map[string]any)
	resp = api.do(http.MethodDelete, fmt.Sprintf("%s/transactions/%d", ws, int64(out["id"].(float64))), nil, h)
	expectStatus(t, resp, http.StatusConflict)
}

func TestAPIRejectsBalanceOverflowAndBadGroup(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")
	acc := api.account(h, ws, "vault", "")
	accPath := fmt.Sprintf("%s/accounts/%d", ws, acc)

	income := map[string]any{"kind": "income", "amount": "92233720368547758.07", "account_id": acc}
	expectStatus(t, api.post(ws+"/transactions", income, h), http.StatusCreated)
	expectStatus(t, api.post(ws+"/transactions", income, h), http.StatusBadRequest)
	bal := decode[balanceResponse](t, api.get(accPath+"/balance", nil, h))
	if bal.Amount != "92233720368547758.07" {
		t.Fatalf("balance after rejected income = %s", bal.Amount)
	}

	expectStatus(t, api.post(ws+"/transfers/abc/reconcile", nil, h), http.StatusBadRequest)
	expectStatus(t, api.post(ws+"/transfers/"+uuid.NewString()+"/reconcile", nil, h), http.StatusNotFound)
}

func TestAPICardWithEntriesCannotBeDeleted(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")
	card := expectStatus(t, api.post(ws+"/cards", map[string]any{"name": "visa", "last4": "4242"}, h), http.StatusCreated)
	cardPath := fmt.Sprintf("%s/cards/%d", ws, int64(card["id"].(float64)))

	expectStatus(t, api.post(ws+"/transactions", map[string]any{
		"kind": "expense", "amount": "9.99", "card_id": card["id"],
	}, h), http.StatusCreated)
	expectStatus(t, api.do(http.MethodDelete, cardPath, nil, h), http.StatusConflict)
}

func TestAPIWorkspaceIsolation(t *testing.T) {
	api := newTestAPI(t)
	owner := api.auth("owner")
	stranger := api.auth("stranger")
	ws := api.workspace(owner, "EUR")
	id := api.account(owner, ws, "main", "10")

	expectStatus(t, api.get(ws, nil, stranger), http.StatusForbidden)
	expectStatus(t, api.get(fmt.Sprintf("%s/accounts/%d", ws, id), nil, stranger), http.StatusForbidden)
	expectStatus(t, api.get("/v1/workspaces/999999", nil, owner), http.StatusNotFound)

	expectStatus(t, api.post(ws+"/members", map[string]any{"user_id": "stranger"}, owner), http.StatusNoContent)
	acc := expectStatus(t, api.get(fmt.Sprintf("%s/accounts/%d", ws, id), nil, stranger), http.StatusOK)
	if acc["balance_decimal"] != "10.00" {
		t.Fatalf("unexpected account: %v", acc)
	}

	// Members cannot delete the workspace; the owner can.
	expectStatus(t, api.do(http.MethodDelete, ws, nil, stranger), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodDelete, ws, nil, owner), http.StatusNoContent)
	expectStatus(t, api.get(ws, nil, owner), http.StatusNotFound)
}

func TestAPIRecordAndListTransactions(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")
	acc := api.account(h, ws, "checking", "50")

	cat := expectStatus(t, api.post(ws+"/categories", map[string]any{"name": "food"}, h), http.StatusCreated)
	for i, amount := range []string{"1.25", "2.50", "3.75"} {
		expectStatus(t, api.post(ws+"/transactions", map[string]any{
			"kind":        "expense",
			"amount":      amount,
			"account_id":  acc,
			"category_id": cat["id"],
			"occurred_at": fmt.Sprintf("2024-05-0%dT10:00:00Z", i+1),
		}, h), http.StatusCreated)
	}

	// Workflow kinds cannot be recorded directly.
	expectStatus(t, api.post(ws+"/transactions", map[string]any{
		"kind": "transfer_in", "amount": "1", "account_id": acc,
	}, h), http.StatusBadRequest)
	// Unknown fields are rejected.
	expectStatus(t, api.post(ws+"/transactions", map[string]any{
		"kind": "income", "amount": "1", "account_id": acc, "bogus": true,
	}, h), http.StatusBadRequest)

	var seen []string
	cursor := ""
	for page := 0; page < 10; page++ {
		params := url.Values{"limit": []string{"2"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp := decode[listTransactionsResponse](t, api.get(ws+"/transactions", params, h))
		for _, item := range resp.Items {
			seen = append(seen, item.AmountDecimal)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	// Opening balance income is dated now, so it sorts first.
	want := []string{"50.00", "3.75", "2.50", "1.25"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order: %v", seen)
	}

	bal := expectStatus(t, api.get(fmt.Sprintf("%s/accounts/%d/balance", ws, acc), nil, h), http.StatusOK)
	if bal["amount"] != "42.50" {
		t.Fatalf("unexpected balance: %v", bal)
	}

	expectStatus(t, api.get(ws+"/transactions", url.Values{"limit": []string{"0"}}, h), http.StatusBadRequest)
	expectStatus(t, api.get(ws+"/transactions", url.Values{"cursor": []string{"garbage"}}, h), http.StatusBadRequest)
}

func TestAPICreditPurchaseLifecycle(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")

	card := expectStatus(t, api.post(ws+"/cards", map[string]any{"name": "visa", "last4": "4242"}, h), http.StatusCreated)
	plan := expectStatus(t, api.post(ws+"/credit-purchases", map[string]any{
		"card_id":      card["id"],
		"total":        "10.00",
		"installments": 3,
		"start_date":   "2024-01-31",
		"description":  "laptop",
	}, h), http.StatusCreated)

	items := plan["installments"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(items))
	}
	wantAmounts := []string{"3.33", "3.33", "3.34"}
	wantDates := []string{"2024-01-31", "2024-02-29", "2024-03-31"}
	for i, raw := range items {
		it := raw.(map[string]any)
		if it["amount_decimal"] != wantAmounts[i] {
			t.Fatalf("installment %d amount = %v", i+1, it["amount_decimal"])
		}
		if !strings.HasPrefix(it["occurred_at"].(string), wantDates[i]) {
			t.Fatalf("installment %d date = %v", i+1, it["occurred_at"])
		}
	}

	first := int64(items[0].(map[string]any)["id"].(float64))
	settled := expectStatus(t, api.post(fmt.Sprintf("%s/transactions/%d/settle", ws, first), nil, h), http.StatusOK)
	if settled["settled"] != true {
		t.Fatalf("expected settled installment: %v", settled)
	}

	purchaseID := int64(plan["purchase"].(map[string]any)["id"].(float64))
	body := expectStatus(t, api.do(http.MethodDelete, fmt.Sprintf("%s/credit-purchases/%d", ws, purchaseID), nil, h), http.StatusConflict)
	if !strings.Contains(body["error"].(string), "settled") {
		t.Fatalf("unexpected error: %v", body)
	}
	got := expectStatus(t, api.get(fmt.Sprintf("%s/credit-purchases/%d", ws, purchaseID), nil, h), http.StatusOK)
	if got["total_decimal"] != "10.00" {
		t.Fatalf("unexpected purchase: %v", got)
	}

	expectStatus(t, api.post(ws+"/credit-purchases", map[string]any{
		"card_id": card["id"], "total": "10.00", "installments": 0, "start_date": "2024-01-31",
	}, h), http.StatusBadRequest)
}

func TestAPIEventStream(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	ws := api.workspace(h, "USD")
	idA := api.account(h, ws, "a", "20")
	idB := api.account(h, ws, "b", "0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+ws+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range h {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	expectStatus(t, api.post(ws+"/transfers", map[string]any{
		"from_account_id": idA, "to_account_id": idB, "amount": "5",
	}, h), http.StatusCreated)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt ledger.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Type != "transfer.executed" || evt.Amount != 500 || len(evt.TransactionIDs) != 2 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
}

func TestDevTokenEndpoint(t *testing.T) {
	api := newTestAPI(t)
	tok := decode[tokenResponse](t, api.post("/v1/auth/token", map[string]any{"user": "alice"}, nil))
	if tok.Token == "" || tok.ExpiresAt.IsZero() {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	h := map[string]string{"Authorization": "Bearer " + tok.Token}
	ws := expectStatus(t, api.post("/v1/workspaces", map[string]any{"name": "alice", "currency": "jpy"}, h), http.StatusCreated)
	if ws["owner_id"] != "alice" || ws["currency"] != "JPY" {
		t.Fatalf("unexpected workspace: %v", ws)
	}

	expectStatus(t, api.post("/v1/auth/token", map[string]any{"user": " "}, nil), http.StatusBadRequest)
}

func TestRoutingErrorsAreJSON(t *testing.T) {
	api := newTestAPI(t)
	h := api.auth("owner")
	body := expectStatus(t, api.get("/v1/nothing-here", nil, h), http.StatusNotFound)
	if body["error"] == "" {
		t.Fatalf("expected JSON error: %v", body)
	}
	expectStatus(t, api.do(http.MethodPut, "/v1/workspaces", nil, h), http.StatusMethodNotAllowed)
	expectStatus(t, api.get("/v1/workspaces/abc", nil, h), http.StatusNotFound)
}

func TestHandleLedgerErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		code       int
		retryAfter bool
	}{
		{ledger.ErrAccessDenied, http.StatusForbidden, false},
		{ledger.ErrAccountNotFound, http.StatusNotFound, false},
		{fmt.Errorf("%w: bad", ledger.ErrInvalidInput), http.StatusBadRequest, false},
		{ledger.ErrInsufficientFunds, http.StatusConflict, false},
		{ledger.ErrImmutableRecord, http.StatusConflict, false},
		{ledger.ErrHasSettledInstallments, http.StatusConflict, false},
		{ledger.ErrAlreadyExists, http.StatusConflict, false},
		{ledger.ErrInUse, http.StatusConflict, false},
		{ledger.ErrConflict, http.StatusConflict, true},
		{fmt.Errorf("%w: %w", ledger.ErrSchedulingFailed, ledger.ErrConflict), http.StatusConflict, true},
		{fmt.Errorf("%w: disk full", ledger.ErrSchedulingFailed), http.StatusInternalServerError, false},
		{context.Canceled, http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		handleLedgerError(rr, req, tc.err)
		if rr.Code != tc.code {
			t.Fatalf("%v: status %d, want %d", tc.err, rr.Code, tc.code)
		}
		if got := rr.Header().Get("Retry-After") != ""; got != tc.retryAfter {
			t.Fatalf("%v: Retry-After present=%v", tc.err, got)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := ledger.Cursor{OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC), ID: 42}
	got, err := parseCursor(formatCursor(c))
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if !got.OccurredAt.Equal(c.OccurredAt) || got.ID != c.ID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	for _, bad := range []string{"", "1", "x.1", "1.x", "1.0"} {
		if _, err := parseCursor(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tesoro.app/internal/auth"
)

const transfers = 10

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	base := os.Getenv("TESORO_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tokens, err := auth.TokensFromEnv()
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	token, _, err := tokens.Generate("smoke-"+uuid.NewString(), 5*time.Minute)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	c := &client{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var ws struct {
		ID int64 `json:"id"`
	}
	c.must(ctx, http.MethodPost, "/v1/workspaces", map[string]any{"name": "smoke", "currency": "USD"}, "", &ws)
	prefix := fmt.Sprintf("/v1/workspaces/%d", ws.ID)

	var accA, accB struct {
		ID int64 `json:"id"`
	}
	c.must(ctx, http.MethodPost, prefix+"/accounts", map[string]any{"name": "a", "opening_balance": "10.00"}, "", &accA)
	c.must(ctx, http.MethodPost, prefix+"/accounts", map[string]any{"name": "b", "opening_balance": "10.00"}, "", &accB)

	// Concurrent transfers in both directions must never lose or create money.
	g, gctx := errgroup.WithContext(ctx)
	for i := range transfers {
		from, to := accA.ID, accB.ID
		if i%2 == 1 {
			from, to = accB.ID, accA.ID
		}
		key := fmt.Sprintf("smoke-%d-%s", i, uuid.NewString())
		g.Go(func() error {
			return c.do(gctx, http.MethodPost, prefix+"/transfers", map[string]any{
				"from_account_id": from,
				"to_account_id":   to,
				"amount":          "0.42",
			}, key, nil)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("transfers: %v", err)
	}

	var balA, balB struct {
		Balance int64 `json:"balance"`
	}
	c.must(ctx, http.MethodGet, fmt.Sprintf("%s/accounts/%d/balance", prefix, accA.ID), nil, "", &balA)
	c.must(ctx, http.MethodGet, fmt.Sprintf("%s/accounts/%d/balance", prefix, accB.ID), nil, "", &balB)

	if balA.Balance+balB.Balance != 2_000 {
		log.Fatalf("ledger conservation failed: %d + %d", balA.Balance, balB.Balance)
	}
	if balA.Balance != 1_000 || balB.Balance != 1_000 {
		log.Fatalf("unexpected balances: A=%d B=%d", balA.Balance, balB.Balance)
	}

	c.must(ctx, http.MethodDelete, prefix, nil, "", nil)
	fmt.Printf("ledger smoke test passed: workspace=%d transfers=%d\n", ws.ID, transfers)
}

func (c *client) must(ctx context.Context, method, path string, body any, idem string, out any) {
	if err := c.do(ctx, method, path, body, idem, out); err != nil {
		log.Fatal(err)
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, idem string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

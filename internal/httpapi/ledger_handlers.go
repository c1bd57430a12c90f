package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tesoro.app/internal/audit"
	"tesoro.app/internal/ledger"
)

const idempotencyHeader = "Idempotency-Key"

type transferRequest struct {
	FromAccountID  int64       `json:"from_account_id"`
	ToAccountID    int64       `json:"to_account_id"`
	Amount         json.Number `json:"amount"`
	Description    string      `json:"description"`
	OccurredAt     string      `json:"occurred_at"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type recordRequest struct {
	Kind           ledger.Kind `json:"kind"`
	Amount         json.Number `json:"amount"`
	AccountID      *int64      `json:"account_id"`
	CardID         *int64      `json:"card_id"`
	CategoryID     *int64      `json:"category_id"`
	ContactID      *int64      `json:"contact_id"`
	Description    string      `json:"description"`
	OccurredAt     string      `json:"occurred_at"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type creditPurchaseRequest struct {
	CardID         int64       `json:"card_id"`
	Total          json.Number `json:"total"`
	Installments   int         `json:"installments"`
	StartDate      string      `json:"start_date"`
	Description    string      `json:"description"`
	CategoryID     *int64      `json:"category_id"`
	ContactID      *int64      `json:"contact_id"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type transactionView struct {
	ledger.Transaction
	AmountDecimal string `json:"amount_decimal"`
}

type transferView struct {
	Group         string          `json:"transfer_group"`
	AmountDecimal string          `json:"amount_decimal"`
	Out           transactionView `json:"out"`
	In            transactionView `json:"in"`
}

type purchaseView struct {
	Purchase     ledger.CreditPurchase `json:"purchase"`
	TotalDecimal string                `json:"total_decimal"`
	Installments []transactionView    `json:"installments"`
}

type listTransactionsResponse struct {
	Items      []transactionView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
	AsOf       time.Time         `json:"as_of"`
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	amount, err := parseAmount(req.Amount, ws.Currency, true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	occurred, err := parseTime(req.OccurredAt, "occurred_at")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now().UTC()
	res, err := a.svc.Transfer(r.Context(), ledger.TransferRequest{
		WorkspaceID:    ws.ID,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		Description:    req.Description,
		OccurredAt:     occurred,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	meta := map[string]any{
		"from_account": req.FromAccountID,
		"to_account":   req.ToAccountID,
		"amount":       ledger.FormatAmount(amount, ws.Currency),
	}
	event := "ledger.transfer.execute"
	if replayed(idem, res.Out.CreatedAt, start) {
		event = "ledger.transfer.idempotent_replay"
	}
	if idem != "" {
		w.Header().Set(idempotencyHeader, idem)
		meta["idempotency_key"] = idem
	}
	a.audit(r.Context(), event, "transfer", res.Group, meta)

	writeJSON(w, http.StatusCreated, newTransferView(res, ws.Currency))
}

func (a *API) reconcileTransfer(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	group := chi.URLParam(r, "group")
	res, err := a.svc.ReconcileTransfer(r.Context(), ws.ID, group)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.transfer.reconcile", "transfer", res.Group, nil)
	writeJSON(w, http.StatusOK, newTransferView(res, ws.Currency))
}

func (a *API) record(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	amount, err := parseAmount(req.Amount, ws.Currency, true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	occurred, err := parseTime(req.OccurredAt, "occurred_at")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now().UTC()
	t, err := a.svc.Record(r.Context(), ledger.RecordRequest{
		WorkspaceID:    ws.ID,
		Kind:           req.Kind,
		Amount:         amount,
		AccountID:      req.AccountID,
		CardID:         req.CardID,
		CategoryID:     req.CategoryID,
		ContactID:      req.ContactID,
		Description:    req.Description,
		OccurredAt:     occurred,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	event := "ledger.transaction.record"
	if replayed(idem, t.CreatedAt, start) {
		event = "ledger.transaction.idempotent_replay"
	}
	if idem != "" {
		w.Header().Set(idempotencyHeader, idem)
	}
	a.audit(r.Context(), event, "transaction", t.ID, map[string]any{
		"kind":   t.Kind.String(),
		"amount": ledger.FormatAmount(t.Amount, ws.Currency),
	})

	w.Header().Set("Location", fmt.Sprintf("/v1/workspaces/%d/transactions/%d", ws.ID, t.ID))
	writeJSON(w, http.StatusCreated, newTransactionView(t, ws.Currency))
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := a.svc.GetTransaction(r.Context(), ws.ID, id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t, ws.Currency))
}

func (a *API) removeTransaction(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.Remove(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.transaction.remove", "transaction", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after *ledger.Cursor
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		c, err := parseCursor(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		after = &c
	}

	items, next, err := a.svc.RecentPage(r.Context(), ws.ID, limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	resp := listTransactionsResponse{
		Items: make([]transactionView, 0, len(items)),
		AsOf:  time.Now().UTC(),
	}
	for _, t := range items {
		resp.Items = append(resp.Items, newTransactionView(t, ws.Currency))
	}
	if next != nil {
		resp.NextCursor = formatCursor(*next)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) createCreditPurchase(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req creditPurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	total, err := parseAmount(req.Total, ws.Currency, true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	startDate, err := parseTime(req.StartDate, "start_date")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if startDate.IsZero() {
		writeError(w, r, http.StatusBadRequest, "start_date is required")
		return
	}

	plan, err := a.svc.CreateCreditPurchase(r.Context(), ledger.CreditPurchaseRequest{
		WorkspaceID:    ws.ID,
		CardID:         req.CardID,
		Total:          total,
		Installments:   req.Installments,
		StartDate:      startDate,
		Description:    req.Description,
		CategoryID:     req.CategoryID,
		ContactID:      req.ContactID,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set(idempotencyHeader, idem)
	}
	a.audit(r.Context(), "ledger.purchase.create", "credit_purchase", plan.Purchase.ID, map[string]any{
		"card_id":      plan.Purchase.CardID,
		"total":        ledger.FormatAmount(plan.Purchase.Total, ws.Currency),
		"installments": plan.Purchase.InstallmentCount,
	})

	w.Header().Set("Location", fmt.Sprintf("/v1/workspaces/%d/credit-purchases/%d", ws.ID, plan.Purchase.ID))
	writeJSON(w, http.StatusCreated, newPurchaseView(plan, ws.Currency))
}

func (a *API) getCreditPurchase(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	plan, err := a.svc.GetCreditPurchase(r.Context(), ws.ID, id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPurchaseView(plan, ws.Currency))
}

func (a *API) listCreditPurchases(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	items, err := a.svc.ListCreditPurchases(r.Context(), ws.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (a *API) deleteCreditPurchase(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteCreditPurchase(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.purchase.delete", "credit_purchase", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) settleInstallment(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := a.svc.SettleInstallment(r.Context(), ws.ID, id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.installment.settle", "transaction", t.ID, map[string]any{
		"amount": ledger.FormatAmount(t.Amount, ws.Currency),
	})
	writeJSON(w, http.StatusOK, newTransactionView(t, ws.Currency))
}

// --- views ---

func newTransactionView(t ledger.Transaction, currency string) transactionView {
	return transactionView{Transaction: t, AmountDecimal: ledger.FormatAmount(t.Amount, currency)}
}

func newTransferView(res ledger.TransferResult, currency string) transferView {
	return transferView{
		Group:         res.Group,
		AmountDecimal: ledger.FormatAmount(res.Out.Amount, currency),
		Out:           newTransactionView(res.Out, currency),
		In:            newTransactionView(res.In, currency),
	}
}

func newPurchaseView(plan ledger.PurchasePlan, currency string) purchaseView {
	v := purchaseView{
		Purchase:     plan.Purchase,
		TotalDecimal: ledger.FormatAmount(plan.Purchase.Total, currency),
		Installments: make([]transactionView, 0, len(plan.Installments)),
	}
	for _, t := range plan.Installments {
		v.Installments = append(v.Installments, newTransactionView(t, currency))
	}
	return v
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event, resource string, id any, meta map[string]any) {
	fields := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		fields[k] = v
	}
	fields["resource"] = resource
	fields["resource_id"] = id
	_ = audit.LogEvent(ctx, event, fields)
}

// idempotencyKey reconciles the header and body keys. On mismatch it writes the error and
// reports false.
func idempotencyKey(w http.ResponseWriter, r *http.Request, body string) (string, bool) {
	idem := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if bodyKey := strings.TrimSpace(body); bodyKey != "" {
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return "", false
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return "", false
	}
	return idem, true
}

func replayed(idem string, createdAt, start time.Time) bool {
	return idem != "" && createdAt.Before(start)
}

func parseAmount(n json.Number, currency string, required bool) (int64, error) {
	raw := strings.TrimSpace(n.String())
	if raw == "" {
		if required {
			return 0, errors.New("amount is required")
		}
		return 0, nil
	}
	return ledger.ParseAmount(raw, currency)
}

// parseTime accepts RFC 3339 timestamps and plain dates. Empty input yields the zero time.
func parseTime(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", field)
}

func formatCursor(c ledger.Cursor) string {
	return strconv.FormatInt(c.OccurredAt.UnixNano(), 10) + "." + strconv.FormatInt(c.ID, 10)
}

func parseCursor(raw string) (ledger.Cursor, error) {
	ts, id, ok := strings.Cut(raw, ".")
	if !ok {
		return ledger.Cursor{}, errors.New("malformed cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ledger.Cursor{}, errors.New("malformed cursor")
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return ledger.Cursor{}, errors.New("malformed cursor")
	}
	return ledger.Cursor{OccurredAt: time.Unix(0, nanos).UTC(), ID: n}, nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return 0, false
	}
	return id, true
}

func writeItems[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrImmutableRecord),
		errors.Is(err, ledger.ErrHasSettledInstallments),
		errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInUse):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, ledger.ErrConflict.Error())
	case errors.Is(err, ledger.ErrSchedulingFailed):
		writeError(w, r, http.StatusInternalServerError, ledger.ErrSchedulingFailed.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

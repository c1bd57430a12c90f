package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tesoro.app/internal/audit"
	"tesoro.app/internal/ledger"
)

type workspaceKey struct{}

type createWorkspaceRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

type createAccountRequest struct {
	Name           string      `json:"name"`
	ExternalRef    string      `json:"external_ref"`
	OpeningBalance json.Number `json:"opening_balance"`
	AllowOverdraft bool        `json:"allow_overdraft"`
}

type updateAccountRequest struct {
	Name           *string `json:"name"`
	ExternalRef    *string `json:"external_ref"`
	AllowOverdraft *bool   `json:"allow_overdraft"`
	Active         *bool   `json:"active"`
}

type createCardRequest struct {
	Name      string `json:"name"`
	Last4     string `json:"last4"`
	AccountID *int64 `json:"account_id"`
}

type contactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type categoryRequest struct {
	Name string `json:"name"`
}

type accountView struct {
	ledger.Account
	Currency       string `json:"currency"`
	BalanceDecimal string `json:"balance_decimal"`
}

type balanceResponse struct {
	AccountID int64  `json:"account_id"`
	Balance   int64  `json:"balance"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// workspaceCtx resolves {ws} and checks membership before any nested handler runs.
func (a *API) workspaceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "ws"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusNotFound, "workspace not found")
			return
		}
		ws, err := a.svc.GetWorkspace(r.Context(), id)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), workspaceKey{}, ws)
		ctx = audit.WithWorkspace(ctx, ws.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func workspaceFrom(ctx context.Context) ledger.Workspace {
	ws, _ := ctx.Value(workspaceKey{}).(ledger.Workspace)
	return ws
}

func (a *API) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := a.svc.CreateWorkspace(r.Context(), req.Name, req.Currency)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(audit.WithWorkspace(r.Context(), ws.ID), "ledger.workspace.create", "workspace", ws.ID, map[string]any{
		"currency": ws.Currency,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/workspaces/%d", ws.ID))
	writeJSON(w, http.StatusCreated, ws)
}

func (a *API) getWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workspaceFrom(r.Context()))
}

func (a *API) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	if err := a.svc.DeleteWorkspace(r.Context(), ws.ID); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.workspace.delete", "workspace", ws.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AddMember(r.Context(), ws.ID, req.UserID); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.workspace.member_add", "workspace", ws.ID, map[string]any{
		"member": strings.TrimSpace(req.UserID),
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- accounts ---

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opening, err := parseAmount(req.OpeningBalance, ws.Currency, false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.svc.CreateAccount(r.Context(), ws.ID, ledger.NewAccount{
		Name:           req.Name,
		ExternalRef:    req.ExternalRef,
		OpeningBalance: opening,
		AllowOverdraft: req.AllowOverdraft,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.account.create", "account", acc.ID, map[string]any{
		"opening_balance": ledger.FormatAmount(opening, ws.Currency),
		"allow_overdraft": acc.AllowOverdraft,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/workspaces/%d/accounts/%d", ws.ID, acc.ID))
	writeJSON(w, http.StatusCreated, newAccountView(acc, ws.Currency))
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	items, err := a.svc.ListAccounts(r.Context(), ws.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	views := make([]accountView, 0, len(items))
	for _, acc := range items {
		views = append(views, newAccountView(acc, ws.Currency))
	}
	writeItems(w, views)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := a.svc.GetAccount(r.Context(), ws.ID, id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc, ws.Currency))
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	bal, err := a.svc.Balance(r.Context(), ws.ID, id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: id,
		Balance:   bal,
		Amount:    ledger.FormatAmount(bal, ws.Currency),
		Currency:  ws.Currency,
	})
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.svc.UpdateAccount(r.Context(), ws.ID, id, ledger.AccountPatch{
		Name:           req.Name,
		ExternalRef:    req.ExternalRef,
		AllowOverdraft: req.AllowOverdraft,
		Active:         req.Active,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.account.update", "account", acc.ID, nil)
	writeJSON(w, http.StatusOK, newAccountView(acc, ws.Currency))
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteAccount(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.account.delete", "account", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func newAccountView(acc ledger.Account, currency string) accountView {
	return accountView{
		Account:        acc,
		Currency:       currency,
		BalanceDecimal: ledger.FormatAmount(acc.Balance, currency),
	}
}

// --- cards ---

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req createCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	card, err := a.svc.CreateCard(r.Context(), ws.ID, ledger.NewCard{
		Name:      req.Name,
		Last4:     req.Last4,
		AccountID: req.AccountID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.card.create", "card", card.ID, nil)
	writeJSON(w, http.StatusCreated, card)
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListCards(r.Context(), workspaceFrom(r.Context()).ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteCard(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.card.delete", "card", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- contacts ---

func (a *API) createContact(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.CreateContact(r.Context(), ws.ID, req.Name, req.Email)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.contact.create", "contact", c.ID, nil)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listContacts(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListContacts(r.Context(), workspaceFrom(r.Context()).ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (a *API) updateContact(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.UpdateContact(r.Context(), ws.ID, id, req.Name, req.Email)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.contact.update", "contact", c.ID, nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteContact(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteContact(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.contact.delete", "contact", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- categories ---

func (a *API) createCategory(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	var req categoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.CreateCategory(r.Context(), ws.ID, req.Name)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.category.create", "category", c.ID, nil)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listCategories(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListCategories(r.Context(), workspaceFrom(r.Context()).ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (a *API) renameCategory(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req categoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.RenameCategory(r.Context(), ws.ID, id, req.Name)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.category.rename", "category", c.ID, nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteCategory(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteCategory(r.Context(), ws.ID, id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.category.delete", "category", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

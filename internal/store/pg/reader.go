package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tesoro.app/internal/ledger"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// reader implements ledger.Reader against either the pool or an open transaction.
type reader struct {
	q queryer
}

const (
	accountColumns  = `id, workspace_id, name, coalesce(external_ref, ''), balance, allow_overdraft, active, version, created_at`
	cardColumns     = `id, workspace_id, account_id, name, coalesce(last4, ''), created_at`
	contactColumns  = `id, workspace_id, name, coalesce(email, ''), created_at`
	categoryColumns = `id, workspace_id, name, created_at`
	txColumns       = `id, workspace_id, kind, amount, account_id, card_id, category_id, contact_id,
		coalesce(transfer_group::text, ''), credit_purchase_id, coalesce(installment_number, 0), description,
		occurred_at, created_at, settled, settled_at, coalesce(idempotency_key, '')`
	purchaseColumns = `id, workspace_id, card_id, description, total, installment_count, start_date,
		category_id, contact_id, coalesce(idempotency_key, ''), created_at`
)

func notFound(what string, id int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ledger.ErrNotFound)
	}
	return err
}

func (r reader) Workspace(ctx context.Context, id int64) (ledger.Workspace, error) {
	var ws ledger.Workspace
	err := r.q.QueryRowContext(ctx, `
		select id, name, currency, owner_id, created_at from workspaces where id = $1
	`, id).Scan(&ws.ID, &ws.Name, &ws.Currency, &ws.OwnerID, &ws.CreatedAt)
	if err != nil {
		return ledger.Workspace{}, notFound("workspace", id, err)
	}
	rows, err := r.q.QueryContext(ctx, `
		select user_id from workspace_members where workspace_id = $1 order by added_at, user_id
	`, id)
	if err != nil {
		return ledger.Workspace{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return ledger.Workspace{}, err
		}
		ws.Members = append(ws.Members, u)
	}
	return ws, rows.Err()
}

func (r reader) IsMember(ctx context.Context, workspaceID int64, userID string) (bool, error) {
	var exists, member bool
	err := r.q.QueryRowContext(ctx, `
		select true, exists(select 1 from workspace_members where workspace_id = w.id and user_id = $2)
		from workspaces w where w.id = $1
	`, workspaceID, userID).Scan(&exists, &member)
	if err != nil {
		return false, notFound("workspace", workspaceID, err)
	}
	return member, nil
}

func scanAccount(s scanner) (ledger.Account, error) {
	var a ledger.Account
	err := s.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.ExternalRef, &a.Balance, &a.AllowOverdraft, &a.Active, &a.Version, &a.CreatedAt)
	return a, err
}

func (r reader) Account(ctx context.Context, id int64) (ledger.Account, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
	if err != nil {
		return ledger.Account{}, notFound("account", id, err)
	}
	return a, nil
}

func (r reader) Accounts(ctx context.Context, workspaceID int64) ([]ledger.Account, error) {
	return queryAll(ctx, r.q, scanAccount, `select `+accountColumns+` from accounts where workspace_id = $1 order by id`, workspaceID)
}

func scanCard(s scanner) (ledger.Card, error) {
	var (
		c   ledger.Card
		acc sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.WorkspaceID, &acc, &c.Name, &c.Last4, &c.CreatedAt)
	c.AccountID = ptrInt(acc)
	return c, err
}

func (r reader) Card(ctx context.Context, id int64) (ledger.Card, error) {
	c, err := scanCard(r.q.QueryRowContext(ctx, `select `+cardColumns+` from cards where id = $1`, id))
	if err != nil {
		return ledger.Card{}, notFound("card", id, err)
	}
	return c, nil
}

func (r reader) Cards(ctx context.Context, workspaceID int64) ([]ledger.Card, error) {
	return queryAll(ctx, r.q, scanCard, `select `+cardColumns+` from cards where workspace_id = $1 order by id`, workspaceID)
}

func scanContact(s scanner) (ledger.Contact, error) {
	var c ledger.Contact
	err := s.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Email, &c.CreatedAt)
	return c, err
}

func (r reader) Contact(ctx context.Context, id int64) (ledger.Contact, error) {
	c, err := scanContact(r.q.QueryRowContext(ctx, `select `+contactColumns+` from contacts where id = $1`, id))
	if err != nil {
		return ledger.Contact{}, notFound("contact", id, err)
	}
	return c, nil
}

func (r reader) Contacts(ctx context.Context, workspaceID int64) ([]ledger.Contact, error) {
	return queryAll(ctx, r.q, scanContact, `select `+contactColumns+` from contacts where workspace_id = $1 order by id`, workspaceID)
}

func scanCategory(s scanner) (ledger.Category, error) {
	var c ledger.Category
	err := s.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.CreatedAt)
	return c, err
}

func (r reader) Category(ctx context.Context, id int64) (ledger.Category, error) {
	c, err := scanCategory(r.q.QueryRowContext(ctx, `select `+categoryColumns+` from categories where id = $1`, id))
	if err != nil {
		return ledger.Category{}, notFound("category", id, err)
	}
	return c, nil
}

func (r reader) Categories(ctx context.Context, workspaceID int64) ([]ledger.Category, error) {
	return queryAll(ctx, r.q, scanCategory, `select `+categoryColumns+` from categories where workspace_id = $1 order by id`, workspaceID)
}

func scanTransaction(s scanner) (ledger.Transaction, error) {
	var (
		t                                 ledger.Transaction
		kind                              string
		acc, card, cat, contact, purchase sql.NullInt64
		settledAt                         sql.NullTime
	)
	err := s.Scan(&t.ID, &t.WorkspaceID, &kind, &t.Amount, &acc, &card, &cat, &contact,
		&t.TransferGroup, &purchase, &t.InstallmentNumber, &t.Description,
		&t.OccurredAt, &t.CreatedAt, &t.Settled, &settledAt, &t.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Kind, err = ledger.ParseKind(kind); err != nil {
		return ledger.Transaction{}, err
	}
	t.AccountID, t.CardID, t.CategoryID, t.ContactID = ptrInt(acc), ptrInt(card), ptrInt(cat), ptrInt(contact)
	t.CreditPurchaseID = ptrInt(purchase)
	if settledAt.Valid {
		at := settledAt.Time
		t.SettledAt = &at
	}
	return t, nil
}

func (r reader) Transaction(ctx context.Context, id int64) (ledger.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRowContext(ctx, `select `+txColumns+` from transactions where id = $1`, id))
	if err != nil {
		return ledger.Transaction{}, notFound("transaction", id, err)
	}
	return t, nil
}

func (r reader) TransactionsPage(ctx context.Context, workspaceID int64, after *ledger.Cursor, n int) ([]ledger.Transaction, error) {
	var limit any
	if n > 0 {
		limit = n
	}
	if after == nil {
		return queryAll(ctx, r.q, scanTransaction, `
			select `+txColumns+` from transactions
			where workspace_id = $1
			order by occurred_at desc, id desc
			limit $2
		`, workspaceID, limit)
	}
	return queryAll(ctx, r.q, scanTransaction, `
		select `+txColumns+` from transactions
		where workspace_id = $1 and (occurred_at, id) < ($2, $3)
		order by occurred_at desc, id desc
		limit $4
	`, workspaceID, after.OccurredAt, after.ID, limit)
}

func (r reader) TransferLegs(ctx context.Context, group string) ([]ledger.Transaction, error) {
	if group == "" {
		return nil, nil
	}
	return queryAll(ctx, r.q, scanTransaction, `
		select `+txColumns+` from transactions where transfer_group = $1::uuid order by id
	`, group)
}

func (r reader) TransactionsByKey(ctx context.Context, workspaceID int64, key string) ([]ledger.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	return queryAll(ctx, r.q, scanTransaction, `
		select `+txColumns+` from transactions where workspace_id = $1 and idempotency_key = $2 order by id
	`, workspaceID, key)
}

func (r reader) CountAccountUsage(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		select (select count(*) from transactions where account_id = $1)
		     + (select count(*) from cards where account_id = $1)
	`, accountID).Scan(&n)
	return n, err
}

func (r reader) CountCardUsage(ctx context.Context, cardID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		select (select count(*) from transactions where card_id = $1)
		     + (select count(*) from credit_purchases where card_id = $1)
	`, cardID).Scan(&n)
	return n, err
}

func scanPurchase(s scanner) (ledger.CreditPurchase, error) {
	var (
		p            ledger.CreditPurchase
		cat, contact sql.NullInt64
	)
	err := s.Scan(&p.ID, &p.WorkspaceID, &p.CardID, &p.Description, &p.Total, &p.InstallmentCount, &p.StartDate,
		&cat, &contact, &p.IdempotencyKey, &p.CreatedAt)
	p.CategoryID, p.ContactID = ptrInt(cat), ptrInt(contact)
	return p, err
}

func (r reader) CreditPurchase(ctx context.Context, id int64) (ledger.CreditPurchase, error) {
	p, err := scanPurchase(r.q.QueryRowContext(ctx, `select `+purchaseColumns+` from credit_purchases where id = $1`, id))
	if err != nil {
		return ledger.CreditPurchase{}, notFound("credit purchase", id, err)
	}
	return p, nil
}

func (r reader) CreditPurchases(ctx context.Context, workspaceID int64) ([]ledger.CreditPurchase, error) {
	return queryAll(ctx, r.q, scanPurchase, `select `+purchaseColumns+` from credit_purchases where workspace_id = $1 order by id`, workspaceID)
}

func (r reader) CreditPurchaseByKey(ctx context.Context, workspaceID int64, key string) (ledger.CreditPurchase, error) {
	if key == "" {
		return ledger.CreditPurchase{}, ledger.ErrNotFound
	}
	p, err := scanPurchase(r.q.QueryRowContext(ctx, `
		select `+purchaseColumns+` from credit_purchases where workspace_id = $1 and idempotency_key = $2
	`, workspaceID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CreditPurchase{}, ledger.ErrNotFound
	}
	return p, err
}

func (r reader) Installments(ctx context.Context, purchaseID int64) ([]ledger.Transaction, error) {
	return queryAll(ctx, r.q, scanTransaction, `
		select `+txColumns+` from transactions where credit_purchase_id = $1 order by installment_number, id
	`, purchaseID)
}

func queryAll[T any](ctx context.Context, q queryer, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapErr(rows.Err())
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tesoro.app/internal/ledger"
)

// pgTx is the ledger.Tx handed to Atomic callbacks.
type pgTx struct {
	reader
	tx *sql.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) InsertAccount(ctx context.Context, a *ledger.Account) error {
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into accounts(workspace_id, name, external_ref, balance, allow_overdraft, active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id
	`, a.WorkspaceID, a.Name, nullIfEmpty(a.ExternalRef), a.Balance, a.AllowOverdraft, a.Active, a.CreatedAt).Scan(&a.ID))
}

func (t *pgTx) UpdateAccount(ctx context.Context, a ledger.Account) error {
	res, err := t.tx.ExecContext(ctx, `
		update accounts set name = $2, external_ref = $3, allow_overdraft = $4, active = $5
		where id = $1
	`, a.ID, a.Name, nullIfEmpty(a.ExternalRef), a.AllowOverdraft, a.Active)
	return affected(res, err, "account", a.ID)
}

func (t *pgTx) DeleteAccount(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from accounts where id = $1`, id)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return ledger.ErrInUse
	}
	return affected(res, err, "account", id)
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, `
		update accounts set balance = balance + $2, version = version + 1
		where id = $1
		returning balance
	`, accountID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	return balance, mapErr(err)
}

func (t *pgTx) InsertCard(ctx context.Context, c *ledger.Card) error {
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into cards(workspace_id, account_id, name, last4, created_at)
		values ($1, $2, $3, $4, $5)
		returning id
	`, c.WorkspaceID, nullInt(c.AccountID), c.Name, nullIfEmpty(c.Last4), c.CreatedAt).Scan(&c.ID))
}

func (t *pgTx) DeleteCard(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from cards where id = $1`, id)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return ledger.ErrInUse
	}
	return affected(res, err, "card", id)
}

func (t *pgTx) InsertContact(ctx context.Context, c *ledger.Contact) error {
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into contacts(workspace_id, name, email, created_at)
		values ($1, $2, $3, $4)
		returning id
	`, c.WorkspaceID, c.Name, nullIfEmpty(c.Email), c.CreatedAt).Scan(&c.ID))
}

func (t *pgTx) UpdateContact(ctx context.Context, c ledger.Contact) error {
	res, err := t.tx.ExecContext(ctx, `update contacts set name = $2, email = $3 where id = $1`,
		c.ID, c.Name, nullIfEmpty(c.Email))
	return affected(res, err, "contact", c.ID)
}

// DeleteContact relies on "on delete set null" to clear references.
func (t *pgTx) DeleteContact(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from contacts where id = $1`, id)
	return affected(res, err, "contact", id)
}

func (t *pgTx) InsertCategory(ctx context.Context, c *ledger.Category) error {
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into categories(workspace_id, name, created_at)
		values ($1, $2, $3)
		returning id
	`, c.WorkspaceID, c.Name, c.CreatedAt).Scan(&c.ID))
}

func (t *pgTx) UpdateCategory(ctx context.Context, c ledger.Category) error {
	res, err := t.tx.ExecContext(ctx, `update categories set name = $2 where id = $1`, c.ID, c.Name)
	return affected(res, err, "category", c.ID)
}

func (t *pgTx) DeleteCategory(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from categories where id = $1`, id)
	return affected(res, err, "category", id)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *ledger.Transaction) error {
	var installment sql.NullInt32
	if tr.InstallmentNumber > 0 {
		installment = sql.NullInt32{Int32: int32(tr.InstallmentNumber), Valid: true}
	}
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into transactions(workspace_id, kind, amount, account_id, card_id, category_id, contact_id,
			transfer_group, credit_purchase_id, installment_number, description, occurred_at, created_at, idempotency_key)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, '')::uuid, $9, $10, $11, $12, $13, $14)
		returning id
	`, tr.WorkspaceID, tr.Kind.String(), tr.Amount, nullInt(tr.AccountID), nullInt(tr.CardID), nullInt(tr.CategoryID),
		nullInt(tr.ContactID), tr.TransferGroup, nullInt(tr.CreditPurchaseID), installment, tr.Description,
		tr.OccurredAt, tr.CreatedAt, nullIfEmpty(tr.IdempotencyKey)).Scan(&tr.ID))
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from transactions where id = $1`, id)
	return affected(res, err, "transaction", id)
}

func (t *pgTx) SettleTransaction(ctx context.Context, id int64, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update transactions set settled = true, settled_at = $2
		where id = $1 and not settled
	`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := t.Transaction(ctx, id); err != nil {
		return err
	}
	return ledger.ErrImmutableRecord
}

func (t *pgTx) InsertCreditPurchase(ctx context.Context, p *ledger.CreditPurchase) error {
	return mapErr(t.tx.QueryRowContext(ctx, `
		insert into credit_purchases(workspace_id, card_id, description, total, installment_count, start_date,
			category_id, contact_id, idempotency_key, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning id
	`, p.WorkspaceID, p.CardID, p.Description, p.Total, p.InstallmentCount, p.StartDate,
		nullInt(p.CategoryID), nullInt(p.ContactID), nullIfEmpty(p.IdempotencyKey), p.CreatedAt).Scan(&p.ID))
}

func (t *pgTx) DeleteCreditPurchase(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from credit_purchases where id = $1`, id)
	return affected(res, err, "credit purchase", id)
}

// DeleteWorkspace cascades to every owned row through foreign keys.
func (t *pgTx) DeleteWorkspace(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from workspaces where id = $1`, id)
	return affected(res, err, "workspace", id)
}

func affected(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ledger.ErrNotFound)
	}
	return nil
}

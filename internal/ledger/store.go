package ledger

import (
	"context"
	"sort"
	"time"
)

// Reader exposes committed ledger state. Point reads return ErrNotFound for missing rows;
// workspace scoping is enforced by the Service, not here.
type Reader interface {
	Workspace(ctx context.Context, id int64) (Workspace, error)
	IsMember(ctx context.Context, workspaceID int64, userID string) (bool, error)

	Account(ctx context.Context, id int64) (Account, error)
	Accounts(ctx context.Context, workspaceID int64) ([]Account, error)
	Card(ctx context.Context, id int64) (Card, error)
	Cards(ctx context.Context, workspaceID int64) ([]Card, error)
	Contact(ctx context.Context, id int64) (Contact, error)
	Contacts(ctx context.Context, workspaceID int64) ([]Contact, error)
	Category(ctx context.Context, id int64) (Category, error)
	Categories(ctx context.Context, workspaceID int64) ([]Category, error)

	Transaction(ctx context.Context, id int64) (Transaction, error)
	// TransactionsPage returns up to n entries of the workspace ordered by (occurred_at desc, id desc)
	// strictly after the cursor, or from the top when after is nil.
	TransactionsPage(ctx context.Context, workspaceID int64, after *Cursor, n int) ([]Transaction, error)
	TransferLegs(ctx context.Context, group string) ([]Transaction, error)
	// TransactionsByKey returns the entries written under an idempotency key, ordered by id.
	TransactionsByKey(ctx context.Context, workspaceID int64, key string) ([]Transaction, error)
	CountAccountUsage(ctx context.Context, accountID int64) (int, error)
	// CountCardUsage counts entries and credit purchases charged to the card.
	CountCardUsage(ctx context.Context, cardID int64) (int, error)

	CreditPurchase(ctx context.Context, id int64) (CreditPurchase, error)
	CreditPurchases(ctx context.Context, workspaceID int64) ([]CreditPurchase, error)
	CreditPurchaseByKey(ctx context.Context, workspaceID int64, key string) (CreditPurchase, error)
	Installments(ctx context.Context, purchaseID int64) ([]Transaction, error)
}

// Tx is one atomic unit of work. Writes become visible to other readers only after commit.
type Tx interface {
	Reader

	InsertAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, a Account) error
	DeleteAccount(ctx context.Context, id int64) error
	// AdjustBalance adds delta to the account balance, bumps its version and returns the new balance.
	AdjustBalance(ctx context.Context, accountID, delta int64) (int64, error)

	InsertCard(ctx context.Context, c *Card) error
	DeleteCard(ctx context.Context, id int64) error
	InsertContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c Contact) error
	// DeleteContact removes the contact and clears it from every transaction and purchase.
	DeleteContact(ctx context.Context, id int64) error
	InsertCategory(ctx context.Context, c *Category) error
	UpdateCategory(ctx context.Context, c Category) error
	// DeleteCategory removes the category and clears it from every transaction and purchase.
	DeleteCategory(ctx context.Context, id int64) error

	InsertTransaction(ctx context.Context, t *Transaction) error
	DeleteTransaction(ctx context.Context, id int64) error
	SettleTransaction(ctx context.Context, id int64, at time.Time) error

	InsertCreditPurchase(ctx context.Context, p *CreditPurchase) error
	DeleteCreditPurchase(ctx context.Context, id int64) error

	DeleteWorkspace(ctx context.Context, id int64) error
}

// Scope lists what an atomic unit locks. Workspace is always locked first (shared unless
// Exclusive), then accounts ascending, then cards ascending.
type Scope struct {
	Workspace int64
	Exclusive bool
	Accounts  []int64
	Cards     []int64
}

// Normalized returns a copy with sorted, de-duplicated id lists.
func (s Scope) Normalized() Scope {
	return Scope{
		Workspace: s.Workspace,
		Exclusive: s.Exclusive,
		Accounts:  sortedUnique(s.Accounts),
		Cards:     sortedUnique(s.Cards),
	}
}

// Store is the durable ledger state.
type Store interface {
	Reader

	CreateWorkspace(ctx context.Context, ws *Workspace) error
	AddMember(ctx context.Context, workspaceID int64, userID string) error

	// Atomic runs fn holding the locks named by scope. Either every write made through the Tx
	// is committed or none is. Lock waits are bounded; a timeout yields ErrConflict.
	Atomic(ctx context.Context, scope Scope, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

func sortedUnique(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLockWait bounds how long an atomic unit waits for its locks.
const DefaultLockWait = 2 * time.Second

// Memory implements Store in process. Atomic units lock rows through a lockTable and
// apply their journal under a short write lock, so readers never see half of a unit.
type Memory struct {
	locks    *lockTable
	lockWait time.Duration

	ids struct {
		workspace, account, card, contact, category, tx, purchase atomic.Int64
	}

	mu sync.RWMutex
	st state
}

type state struct {
	workspaces map[int64]Workspace
	accounts   map[int64]Account
	cards      map[int64]Card
	contacts   map[int64]Contact
	categories map[int64]Category
	txs        map[int64]Transaction
	purchases  map[int64]CreditPurchase
}

var _ Store = (*Memory)(nil)

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithLockWait overrides DefaultLockWait.
func WithLockWait(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.lockWait = d
		}
	}
}

// NewMemory creates an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		locks:    newLockTable(),
		lockWait: DefaultLockWait,
		st: state{
			workspaces: make(map[int64]Workspace),
			accounts:   make(map[int64]Account),
			cards:      make(map[int64]Card),
			contacts:   make(map[int64]Contact),
			categories: make(map[int64]Category),
			txs:        make(map[int64]Transaction),
			purchases:  make(map[int64]CreditPurchase),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	ws.ID = m.ids.workspace.Add(1)
	cp := *ws
	cp.Members = append([]string(nil), ws.Members...)
	m.mu.Lock()
	m.st.workspaces[ws.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) AddMember(ctx context.Context, workspaceID int64, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.st.workspaces[workspaceID]
	if !ok {
		return notFound("workspace", workspaceID)
	}
	for _, u := range ws.Members {
		if u == userID {
			return nil
		}
	}
	ws.Members = append(append([]string(nil), ws.Members...), userID)
	m.st.workspaces[workspaceID] = ws
	return nil
}

func (m *Memory) Atomic(ctx context.Context, scope Scope, fn func(Tx) error) error {
	release, err := m.locks.acquire(ctx, scope.Normalized(), m.lockWait)
	if err != nil {
		return err
	}
	defer release()

	tx := &memTx{Memory: m, accounts: make(map[int64]Account), deltas: make(map[int64]int64)}
	if err := fn(tx); err != nil {
		return err
	}
	// Cancellation observed before commit discards the unit.
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx.ops)
}

func (m *Memory) commit(ops []memOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	undo := make([]func(), 0, len(ops))
	for _, op := range ops {
		u, err := op(&m.st)
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			return err
		}
		if u != nil {
			undo = append(undo, u)
		}
	}
	return nil
}

// --- reads ---

func (m *Memory) Workspace(ctx context.Context, id int64) (Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.st.workspaces[id]
	if !ok {
		return Workspace{}, notFound("workspace", id)
	}
	ws.Members = append([]string(nil), ws.Members...)
	return ws, nil
}

func (m *Memory) IsMember(ctx context.Context, workspaceID int64, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.st.workspaces[workspaceID]
	if !ok {
		return false, notFound("workspace", workspaceID)
	}
	for _, u := range ws.Members {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Account(ctx context.Context, id int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.st.accounts[id]
	if !ok {
		return Account{}, notFound("account", id)
	}
	return a, nil
}

func (m *Memory) Accounts(ctx context.Context, workspaceID int64) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.accounts, func(a Account) bool { return a.WorkspaceID == workspaceID },
		func(a Account) int64 { return a.ID }), nil
}

func (m *Memory) Card(ctx context.Context, id int64) (Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.cards[id]
	if !ok {
		return Card{}, notFound("card", id)
	}
	return c, nil
}

func (m *Memory) Cards(ctx context.Context, workspaceID int64) ([]Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.cards, func(c Card) bool { return c.WorkspaceID == workspaceID },
		func(c Card) int64 { return c.ID }), nil
}

func (m *Memory) Contact(ctx context.Context, id int64) (Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.contacts[id]
	if !ok {
		return Contact{}, notFound("contact", id)
	}
	return c, nil
}

func (m *Memory) Contacts(ctx context.Context, workspaceID int64) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.contacts, func(c Contact) bool { return c.WorkspaceID == workspaceID },
		func(c Contact) int64 { return c.ID }), nil
}

func (m *Memory) Category(ctx context.Context, id int64) (Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.categories[id]
	if !ok {
		return Category{}, notFound("category", id)
	}
	return c, nil
}

func (m *Memory) Categories(ctx context.Context, workspaceID int64) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.categories, func(c Category) bool { return c.WorkspaceID == workspaceID },
		func(c Category) int64 { return c.ID }), nil
}

func (m *Memory) Transaction(ctx context.Context, id int64) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.txs[id]
	if !ok {
		return Transaction{}, notFound("transaction", id)
	}
	return t, nil
}

func (m *Memory) TransactionsPage(ctx context.Context, workspaceID int64, after *Cursor, n int) ([]Transaction, error) {
	m.mu.RLock()
	var res []Transaction
	for _, t := range m.st.txs {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if after != nil && !after.Before(t) {
			continue
		}
		res = append(res, t)
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].OccurredAt.Equal(res[j].OccurredAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].OccurredAt.After(res[j].OccurredAt)
	})
	if n > 0 && len(res) > n {
		res = res[:n]
	}
	return res, nil
}

func (m *Memory) TransferLegs(ctx context.Context, group string) ([]Transaction, error) {
	if group == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.txs, func(t Transaction) bool { return t.TransferGroup == group },
		func(t Transaction) int64 { return t.ID }), nil
}

func (m *Memory) TransactionsByKey(ctx context.Context, workspaceID int64, key string) ([]Transaction, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.txs, func(t Transaction) bool {
		return t.WorkspaceID == workspaceID && t.IdempotencyKey == key
	}, func(t Transaction) int64 { return t.ID }), nil
}

func (m *Memory) CountAccountUsage(ctx context.Context, accountID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.st.txs {
		if t.AccountID != nil && *t.AccountID == accountID {
			n++
		}
	}
	for _, c := range m.st.cards {
		if c.AccountID != nil && *c.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountCardUsage(ctx context.Context, cardID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.st.txs {
		if t.CardID != nil && *t.CardID == cardID {
			n++
		}
	}
	for _, p := range m.st.purchases {
		if p.CardID == cardID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreditPurchase(ctx context.Context, id int64) (CreditPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.purchases[id]
	if !ok {
		return CreditPurchase{}, notFound("credit purchase", id)
	}
	return p, nil
}

func (m *Memory) CreditPurchases(ctx context.Context, workspaceID int64) ([]CreditPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.st.purchases, func(p CreditPurchase) bool { return p.WorkspaceID == workspaceID },
		func(p CreditPurchase) int64 { return p.ID }), nil
}

func (m *Memory) CreditPurchaseByKey(ctx context.Context, workspaceID int64, key string) (CreditPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key != "" {
		for _, p := range m.st.purchases {
			if p.WorkspaceID == workspaceID && p.IdempotencyKey == key {
				return p, nil
			}
		}
	}
	return CreditPurchase{}, ErrNotFound
}

func (m *Memory) Installments(ctx context.Context, purchaseID int64) ([]Transaction, error) {
	m.mu.RLock()
	res := collect(m.st.txs, func(t Transaction) bool {
		return t.CreditPurchaseID != nil && *t.CreditPurchaseID == purchaseID
	}, func(t Transaction) int64 { return t.ID })
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].InstallmentNumber < res[j].InstallmentNumber })
	return res, nil
}

func collect[T any](src map[int64]T, keep func(T) bool, id func(T) int64) []T {
	var out []T
	for _, v := range src {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

// --- transactional writes ---

// memOp mutates state and returns how to undo it.
type memOp func(st *state) (undo func(), err error)

type memTx struct {
	*Memory
	ops      []memOp
	accounts map[int64]Account // inserted in this unit
	deltas   map[int64]int64
}

func (tx *memTx) add(op memOp) { tx.ops = append(tx.ops, op) }

func (tx *memTx) Account(ctx context.Context, id int64) (Account, error) {
	if a, ok := tx.accounts[id]; ok {
		a.Balance += tx.deltas[id]
		return a, nil
	}
	a, err := tx.Memory.Account(ctx, id)
	if err != nil {
		return Account{}, err
	}
	a.Balance += tx.deltas[id]
	return a, nil
}

func (tx *memTx) InsertAccount(ctx context.Context, a *Account) error {
	a.ID = tx.ids.account.Add(1)
	cp := *a
	tx.accounts[a.ID] = cp
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		if cp.ExternalRef != "" {
			for _, other := range st.accounts {
				if other.WorkspaceID == cp.WorkspaceID && other.ExternalRef == cp.ExternalRef {
					return nil, ErrAlreadyExists
				}
			}
		}
		st.accounts[cp.ID] = cp
		return func() { delete(st.accounts, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) UpdateAccount(ctx context.Context, a Account) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.accounts[a.ID]
		if !ok {
			return nil, notFound("account", a.ID)
		}
		if a.ExternalRef != "" && a.ExternalRef != prev.ExternalRef {
			for _, other := range st.accounts {
				if other.ID != a.ID && other.WorkspaceID == prev.WorkspaceID && other.ExternalRef == a.ExternalRef {
					return nil, ErrAlreadyExists
				}
			}
		}
		next := prev
		next.Name = a.Name
		next.ExternalRef = a.ExternalRef
		next.AllowOverdraft = a.AllowOverdraft
		next.Active = a.Active
		st.accounts[a.ID] = next
		return func() { st.accounts[a.ID] = prev }, nil
	})
	return nil
}

func (tx *memTx) DeleteAccount(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.accounts[id]
		if !ok {
			return nil, notFound("account", id)
		}
		delete(st.accounts, id)
		return func() { st.accounts[id] = prev }, nil
	})
	return nil
}

func (tx *memTx) AdjustBalance(ctx context.Context, accountID, delta int64) (int64, error) {
	cur, err := tx.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if sum := cur.Balance + delta; (delta > 0 && sum < cur.Balance) || (delta < 0 && sum > cur.Balance) {
		return 0, invalid("balance of account %d out of range", accountID)
	}
	tx.deltas[accountID] += delta
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.accounts[accountID]
		if !ok {
			return nil, notFound("account", accountID)
		}
		next := prev
		next.Balance += delta
		next.Version++
		st.accounts[accountID] = next
		return func() { st.accounts[accountID] = prev }, nil
	})
	return cur.Balance + delta, nil
}

func (tx *memTx) InsertCard(ctx context.Context, c *Card) error {
	c.ID = tx.ids.card.Add(1)
	cp := *c
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		if cp.AccountID != nil {
			if _, ok := st.accounts[*cp.AccountID]; !ok {
				return nil, ErrAccountNotFound
			}
		}
		st.cards[cp.ID] = cp
		return func() { delete(st.cards, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) DeleteCard(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.cards[id]
		if !ok {
			return nil, notFound("card", id)
		}
		delete(st.cards, id)
		return func() { st.cards[id] = prev }, nil
	})
	return nil
}

func (tx *memTx) InsertContact(ctx context.Context, c *Contact) error {
	c.ID = tx.ids.contact.Add(1)
	cp := *c
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		st.contacts[cp.ID] = cp
		return func() { delete(st.contacts, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) UpdateContact(ctx context.Context, c Contact) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.contacts[c.ID]
		if !ok {
			return nil, notFound("contact", c.ID)
		}
		next := prev
		next.Name, next.Email = c.Name, c.Email
		st.contacts[c.ID] = next
		return func() { st.contacts[c.ID] = prev }, nil
	})
	return nil
}

func (tx *memTx) DeleteContact(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.contacts[id]
		if !ok {
			return nil, notFound("contact", id)
		}
		delete(st.contacts, id)
		restore := clearRefs(st, func(t *Transaction) **int64 { return &t.ContactID },
			func(p *CreditPurchase) **int64 { return &p.ContactID }, id)
		return func() {
			restore()
			st.contacts[id] = prev
		}, nil
	})
	return nil
}

func (tx *memTx) InsertCategory(ctx context.Context, c *Category) error {
	c.ID = tx.ids.category.Add(1)
	cp := *c
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		st.categories[cp.ID] = cp
		return func() { delete(st.categories, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) UpdateCategory(ctx context.Context, c Category) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.categories[c.ID]
		if !ok {
			return nil, notFound("category", c.ID)
		}
		next := prev
		next.Name = c.Name
		st.categories[c.ID] = next
		return func() { st.categories[c.ID] = prev }, nil
	})
	return nil
}

func (tx *memTx) DeleteCategory(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.categories[id]
		if !ok {
			return nil, notFound("category", id)
		}
		delete(st.categories, id)
		restore := clearRefs(st, func(t *Transaction) **int64 { return &t.CategoryID },
			func(p *CreditPurchase) **int64 { return &p.CategoryID }, id)
		return func() {
			restore()
			st.categories[id] = prev
		}, nil
	})
	return nil
}

// clearRefs nulls a reference on transactions and purchases and returns the undo.
func clearRefs(st *state, txRef func(*Transaction) **int64, pRef func(*CreditPurchase) **int64, id int64) func() {
	var txs []Transaction
	var ps []CreditPurchase
	for k, t := range st.txs {
		if ref := txRef(&t); *ref != nil && **ref == id {
			txs = append(txs, st.txs[k])
			*ref = nil
			st.txs[k] = t
		}
	}
	for k, p := range st.purchases {
		if ref := pRef(&p); *ref != nil && **ref == id {
			ps = append(ps, st.purchases[k])
			*ref = nil
			st.purchases[k] = p
		}
	}
	return func() {
		for _, t := range txs {
			st.txs[t.ID] = t
		}
		for _, p := range ps {
			st.purchases[p.ID] = p
		}
	}
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *Transaction) error {
	t.ID = tx.ids.tx.Add(1)
	cp := *t
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		if cp.AccountID != nil {
			if _, ok := st.accounts[*cp.AccountID]; !ok {
				return nil, ErrAccountNotFound
			}
		}
		if cp.CreditPurchaseID != nil {
			if _, ok := st.purchases[*cp.CreditPurchaseID]; !ok {
				return nil, notFound("credit purchase", *cp.CreditPurchaseID)
			}
		}
		// Concurrently deleted labels are cleared, matching DeleteCategory/DeleteContact.
		if cp.CategoryID != nil {
			if _, ok := st.categories[*cp.CategoryID]; !ok {
				cp.CategoryID = nil
			}
		}
		if cp.ContactID != nil {
			if _, ok := st.contacts[*cp.ContactID]; !ok {
				cp.ContactID = nil
			}
		}
		if cp.IdempotencyKey != "" && cp.Kind != KindTransferIn {
			for _, other := range st.txs {
				if other.WorkspaceID == cp.WorkspaceID && other.IdempotencyKey == cp.IdempotencyKey &&
					other.Kind != KindTransferIn {
					return nil, ErrAlreadyExists
				}
			}
		}
		st.txs[cp.ID] = cp
		return func() { delete(st.txs, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) DeleteTransaction(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.txs[id]
		if !ok {
			return nil, notFound("transaction", id)
		}
		delete(st.txs, id)
		return func() { st.txs[id] = prev }, nil
	})
	return nil
}

func (tx *memTx) SettleTransaction(ctx context.Context, id int64, at time.Time) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.txs[id]
		if !ok {
			return nil, notFound("transaction", id)
		}
		if prev.Settled {
			return nil, ErrImmutableRecord
		}
		next := prev
		next.Settled = true
		settledAt := at
		next.SettledAt = &settledAt
		st.txs[id] = next
		return func() { st.txs[id] = prev }, nil
	})
	return nil
}

func (tx *memTx) InsertCreditPurchase(ctx context.Context, p *CreditPurchase) error {
	p.ID = tx.ids.purchase.Add(1)
	cp := *p
	tx.add(func(st *state) (func(), error) {
		if _, ok := st.workspaces[cp.WorkspaceID]; !ok {
			return nil, notFound("workspace", cp.WorkspaceID)
		}
		if _, ok := st.cards[cp.CardID]; !ok {
			return nil, notFound("card", cp.CardID)
		}
		if cp.IdempotencyKey != "" {
			for _, other := range st.purchases {
				if other.WorkspaceID == cp.WorkspaceID && other.IdempotencyKey == cp.IdempotencyKey {
					return nil, ErrAlreadyExists
				}
			}
		}
		st.purchases[cp.ID] = cp
		return func() { delete(st.purchases, cp.ID) }, nil
	})
	return nil
}

func (tx *memTx) DeleteCreditPurchase(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		prev, ok := st.purchases[id]
		if !ok {
			return nil, notFound("credit purchase", id)
		}
		for _, t := range st.txs {
			if t.CreditPurchaseID != nil && *t.CreditPurchaseID == id {
				return nil, errors.New("credit purchase still has installments")
			}
		}
		delete(st.purchases, id)
		return func() { st.purchases[id] = prev }, nil
	})
	return nil
}

func (tx *memTx) DeleteWorkspace(ctx context.Context, id int64) error {
	tx.add(func(st *state) (func(), error) {
		ws, ok := st.workspaces[id]
		if !ok {
			return nil, notFound("workspace", id)
		}
		delete(st.workspaces, id)
		restore := []func(){
			func() { st.workspaces[id] = ws },
			purge(st.accounts, func(a Account) bool { return a.WorkspaceID == id }),
			purge(st.cards, func(c Card) bool { return c.WorkspaceID == id }),
			purge(st.contacts, func(c Contact) bool { return c.WorkspaceID == id }),
			purge(st.categories, func(c Category) bool { return c.WorkspaceID == id }),
			purge(st.txs, func(t Transaction) bool { return t.WorkspaceID == id }),
			purge(st.purchases, func(p CreditPurchase) bool { return p.WorkspaceID == id }),
		}
		return func() {
			for _, r := range restore {
				r()
			}
		}, nil
	})
	return nil
}

func purge[T any](m map[int64]T, match func(T) bool) func() {
	removed := make(map[int64]T)
	for k, v := range m {
		if match(v) {
			removed[k] = v
			delete(m, k)
		}
	}
	return func() {
		for k, v := range removed {
			m[k] = v
		}
	}
}

package ledger

import (
	"fmt"
	"time"
)

// Kind classifies a ledger entry. The set is closed; Effect must handle every value.
type Kind uint8

const (
	KindIncome Kind = iota + 1
	KindExpense
	KindTransferOut
	KindTransferIn
	KindInstallment
)

var kindNames = map[Kind]string{
	KindIncome:      "income",
	KindExpense:     "expense",
	KindTransferOut: "transfer_out",
	KindTransferIn:  "transfer_in",
	KindInstallment: "installment",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidInput, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Effect returns the signed delta a transaction of this kind applies to its account balance.
// Installments are card debt and never touch an account balance.
func (k Kind) Effect(amount int64) int64 {
	switch k {
	case KindIncome, KindTransferIn:
		return amount
	case KindExpense, KindTransferOut:
		return -amount
	case KindInstallment:
		return 0
	default:
		panic(fmt.Sprintf("ledger: effect of unknown kind %d", uint8(k)))
	}
}

// Recordable reports whether callers may create this kind directly through Record.
// Transfer legs and installments are produced only by their own workflows.
func (k Kind) Recordable() bool {
	return k == KindIncome || k == KindExpense
}

// Workspace is the isolation boundary for every other entity.
type Workspace struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	OwnerID   string    `json:"owner_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is a bank account. Balance is in minor units of the workspace currency.
type Account struct {
	ID             int64     `json:"id"`
	WorkspaceID    int64     `json:"workspace_id"`
	Name           string    `json:"name"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	Balance        int64     `json:"balance"`
	AllowOverdraft bool      `json:"allow_overdraft"`
	Active         bool      `json:"active"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// CanApply checks that adding delta to the balance neither overflows int64 nor breaks the
// overdraft policy.
func (a Account) CanApply(delta int64) error {
	next := a.Balance + delta
	if (delta > 0 && next < a.Balance) || (delta < 0 && next > a.Balance) {
		return invalid("balance of account %d out of range", a.ID)
	}
	if delta < 0 && !a.AllowOverdraft && next < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Card is a payment instrument, optionally linked to an account.
type Card struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	AccountID   *int64    `json:"account_id,omitempty"`
	Name        string    `json:"name"`
	Last4       string    `json:"last4,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contact is a payee or payer.
type Contact struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category labels transactions for reporting.
type Category struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transaction is a single ledger entry. Amount is a positive magnitude; Kind decides the sign.
type Transaction struct {
	ID                int64      `json:"id"`
	WorkspaceID       int64      `json:"workspace_id"`
	Kind              Kind       `json:"kind"`
	Amount            int64      `json:"amount"`
	AccountID         *int64     `json:"account_id,omitempty"`
	CardID            *int64     `json:"card_id,omitempty"`
	CategoryID        *int64     `json:"category_id,omitempty"`
	ContactID         *int64     `json:"contact_id,omitempty"`
	TransferGroup     string     `json:"transfer_group,omitempty"`
	CreditPurchaseID  *int64     `json:"credit_purchase_id,omitempty"`
	InstallmentNumber int        `json:"installment_number,omitempty"`
	Description       string     `json:"description,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
	CreatedAt         time.Time  `json:"created_at"`
	Settled           bool       `json:"settled"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
}

// Effect is the signed balance delta this entry applied to its account.
func (t Transaction) Effect() int64 { return t.Kind.Effect(t.Amount) }

// CreditPurchase is an expense on a card paid in installments.
type CreditPurchase struct {
	ID               int64     `json:"id"`
	WorkspaceID      int64     `json:"workspace_id"`
	CardID           int64     `json:"card_id"`
	Description      string    `json:"description,omitempty"`
	Total            int64     `json:"total"`
	InstallmentCount int       `json:"installment_count"`
	StartDate        time.Time `json:"start_date"`
	CategoryID       *int64    `json:"category_id,omitempty"`
	ContactID        *int64    `json:"contact_id,omitempty"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TransferResult holds both legs of one transfer.
type TransferResult struct {
	Group string      `json:"transfer_group"`
	Out   Transaction `json:"out"`
	In    Transaction `json:"in"`
}

// PurchasePlan is a credit purchase together with its installment entries, ordered by number.
type PurchasePlan struct {
	Purchase     CreditPurchase `json:"purchase"`
	Installments []Transaction  `json:"installments"`
}

// Cursor is a keyset position in the (occurred_at desc, id desc) order.
type Cursor struct {
	OccurredAt time.Time `json:"occurred_at"`
	ID         int64     `json:"id"`
}

// CursorOf returns the position just after t.
func CursorOf(t Transaction) Cursor { return Cursor{OccurredAt: t.OccurredAt, ID: t.ID} }

// Before reports whether t sorts strictly after the cursor position.
func (c Cursor) Before(t Transaction) bool {
	if t.OccurredAt.Equal(c.OccurredAt) {
		return t.ID < c.ID
	}
	return t.OccurredAt.Before(c.OccurredAt)
}

func int64Ptr(v int64) *int64 { return &v }

package ledger

import (
	"context"
	"iter"
	"strings"
	"time"
)

// RecordRequest describes an income or expense entry. AccountID is the balance owner; an expense
// may instead name a card, in which case the card's linked account (if any) is charged.
type RecordRequest struct {
	WorkspaceID    int64
	Kind           Kind
	Amount         int64
	AccountID      *int64
	CardID         *int64
	CategoryID     *int64
	ContactID      *int64
	Description    string
	OccurredAt     time.Time
	IdempotencyKey string
}

func (r RecordRequest) validate() error {
	if !r.Kind.Valid() {
		return invalid("unknown transaction kind")
	}
	if !r.Kind.Recordable() {
		return invalid("%s entries are created by their own workflow", r.Kind)
	}
	if r.Amount <= 0 {
		return invalid("amount must be > 0")
	}
	if r.AccountID == nil && r.CardID == nil {
		return invalid("account_id or card_id is required")
	}
	if r.CardID != nil && r.Kind != KindExpense {
		return invalid("only expenses can be charged to a card")
	}
	if len(r.IdempotencyKey) > 128 {
		return invalid("idempotency key too long")
	}
	return nil
}

// Record writes one entry and applies its balance effect in the same unit.
func (s *Service) Record(ctx context.Context, req RecordRequest) (Transaction, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.validate(); err != nil {
		return Transaction{}, err
	}
	if _, err := s.authorize(ctx, req.WorkspaceID); err != nil {
		return Transaction{}, err
	}

	accountID := req.AccountID
	scope := Scope{Workspace: req.WorkspaceID}
	if req.CardID != nil {
		card, err := s.store.Card(ctx, *req.CardID)
		if err != nil {
			return Transaction{}, err
		}
		if err := owned(req.WorkspaceID, card.WorkspaceID); err != nil {
			return Transaction{}, err
		}
		if accountID == nil {
			accountID = card.AccountID
		} else if card.AccountID != nil && *card.AccountID != *accountID {
			return Transaction{}, invalid("card is linked to a different account")
		}
		scope.Cards = []int64{*req.CardID}
	}
	if accountID != nil {
		scope.Accounts = []int64{*accountID}
	}

	var (
		rec      Transaction
		replayed bool
	)
	err := s.atomic(ctx, "transaction.record", scope, func(tx Tx) error {
		replayed = false
		if req.IdempotencyKey != "" {
			prior, err := tx.TransactionsByKey(ctx, req.WorkspaceID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if len(prior) > 0 {
				if len(prior) != 1 || !prior[0].Kind.Recordable() {
					return invalid("idempotency key already used by another operation")
				}
				rec, replayed = prior[0], true
				return nil
			}
		}
		if req.CardID != nil {
			if _, err := tx.Card(ctx, *req.CardID); err != nil {
				return err
			}
		}
		if err := checkLabels(ctx, tx, req.WorkspaceID, req.CategoryID, req.ContactID); err != nil {
			return err
		}

		now := s.clock()
		occurred := req.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		rec = Transaction{
			WorkspaceID:    req.WorkspaceID,
			Kind:           req.Kind,
			Amount:         req.Amount,
			AccountID:      accountID,
			CardID:         req.CardID,
			CategoryID:     req.CategoryID,
			ContactID:      req.ContactID,
			Description:    req.Description,
			OccurredAt:     occurred.UTC(),
			CreatedAt:      now,
			IdempotencyKey: req.IdempotencyKey,
		}
		if accountID != nil {
			acc, err := loadAccount(ctx, tx, req.WorkspaceID, *accountID)
			if err != nil {
				return err
			}
			delta := rec.Effect()
			if err := acc.CanApply(delta); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, acc.ID, delta); err != nil {
				return err
			}
		}
		return tx.InsertTransaction(ctx, &rec)
	})
	if err != nil {
		return Transaction{}, err
	}
	if !replayed {
		s.publish(Event{Type: "transaction.recorded", WorkspaceID: req.WorkspaceID, TransactionIDs: []int64{rec.ID}, Amount: rec.Amount})
	}
	return rec, nil
}

// Remove deletes an entry and reverses its balance effect in the same unit. Removing either
// leg of a transfer removes both. Settled entries are immutable.
func (s *Service) Remove(ctx context.Context, workspaceID, transactionID int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	t, err := s.store.Transaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := owned(workspaceID, t.WorkspaceID); err != nil {
		return err
	}
	if t.Kind == KindInstallment {
		if t.Settled {
			return ErrImmutableRecord
		}
		return invalid("installments are removed by deleting their credit purchase")
	}

	scope := Scope{Workspace: workspaceID}
	if t.TransferGroup != "" {
		legs, err := s.store.TransferLegs(ctx, t.TransferGroup)
		if err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.AccountID != nil {
				scope.Accounts = append(scope.Accounts, *leg.AccountID)
			}
		}
	} else if t.AccountID != nil {
		scope.Accounts = []int64{*t.AccountID}
	}

	var removed []int64
	err = s.atomic(ctx, "transaction.remove", scope, func(tx Tx) error {
		removed = removed[:0]
		cur, err := tx.Transaction(ctx, transactionID)
		if err != nil {
			return err
		}
		entries := []Transaction{cur}
		if cur.TransferGroup != "" {
			legs, err := tx.TransferLegs(ctx, cur.TransferGroup)
			if err != nil {
				return err
			}
			if _, err := transferFromLegs(legs); err != nil {
				return ErrImmutableRecord
			}
			entries = legs
		}
		for _, e := range entries {
			if e.Settled {
				return ErrImmutableRecord
			}
		}
		for _, e := range entries {
			if e.AccountID != nil {
				acc, err := tx.Account(ctx, *e.AccountID)
				if err != nil {
					return err
				}
				delta := -e.Effect()
				if err := acc.CanApply(delta); err != nil {
					return err
				}
				if _, err := tx.AdjustBalance(ctx, acc.ID, delta); err != nil {
					return err
				}
			}
			if err := tx.DeleteTransaction(ctx, e.ID); err != nil {
				return err
			}
			removed = append(removed, e.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(Event{Type: "transaction.removed", WorkspaceID: workspaceID, TransactionIDs: removed})
	return nil
}

// GetTransaction returns one entry of the workspace.
func (s *Service) GetTransaction(ctx context.Context, workspaceID, id int64) (Transaction, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Transaction{}, err
	}
	t, err := s.store.Transaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := owned(workspaceID, t.WorkspaceID); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// ListRecent yields at most limit entries, newest first (ties broken by id descending).
// Rows are fetched page by page as the caller ranges; ranging again starts over from the top.
// Each page is its own snapshot. The keyset cursor never repeats or skips a surviving row, but a
// transfer removed between two pages can leave one leg already yielded and its pair gone.
func (s *Service) ListRecent(ctx context.Context, workspaceID int64, limit int) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		if limit <= 0 {
			yield(Transaction{}, invalid("limit must be > 0"))
			return
		}
		if _, err := s.authorize(ctx, workspaceID); err != nil {
			yield(Transaction{}, err)
			return
		}
		var after *Cursor
		remaining := limit
		for remaining > 0 {
			n := min(remaining, s.pageSize)
			page, err := s.store.TransactionsPage(ctx, workspaceID, after, n)
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			remaining -= len(page)
			if len(page) < n {
				return
			}
			c := CursorOf(page[len(page)-1])
			after = &c
		}
	}
}

// RecentPage returns one page in ListRecent order plus the cursor for the next page, which is
// nil when there are no more rows.
// Consistency holds within a page only, as for ListRecent.
func (s *Service) RecentPage(ctx context.Context, workspaceID int64, limit int, after *Cursor) ([]Transaction, *Cursor, error) {
	if limit <= 0 {
		return nil, nil, invalid("limit must be > 0")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, nil, err
	}
	page, err := s.store.TransactionsPage(ctx, workspaceID, after, limit+1)
	if err != nil {
		return nil, nil, err
	}
	if len(page) <= limit {
		return page, nil, nil
	}
	page = page[:limit]
	next := CursorOf(page[len(page)-1])
	return page, &next, nil
}

// CollectRecent drains ListRecent into a slice.
func (s *Service) CollectRecent(ctx context.Context, workspaceID int64, limit int) ([]Transaction, error) {
	var out []Transaction
	for t, err := range s.ListRecent(ctx, workspaceID, limit) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}


package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreditPurchaseRequest plans a card purchase paid in Installments monthly parts.
type CreditPurchaseRequest struct {
	WorkspaceID    int64
	CardID         int64
	Total          int64
	Installments   int
	StartDate      time.Time
	Description    string
	CategoryID     *int64
	ContactID      *int64
	IdempotencyKey string
}

func (r CreditPurchaseRequest) validate() error {
	if r.Total <= 0 {
		return invalid("total amount must be > 0")
	}
	if r.Installments < 1 {
		return invalid("installment count must be >= 1")
	}
	if r.Installments > MaxInstallments {
		return invalid("installment count must be <= %d", MaxInstallments)
	}
	if r.StartDate.IsZero() {
		return invalid("start date is required")
	}
	if len(r.IdempotencyKey) > 128 {
		return invalid("idempotency key too long")
	}
	return nil
}

// CreateCreditPurchase persists the purchase and all of its installment entries in one unit.
// If the unit cannot commit, nothing is persisted and the error matches ErrSchedulingFailed.
func (s *Service) CreateCreditPurchase(ctx context.Context, req CreditPurchaseRequest) (PurchasePlan, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.validate(); err != nil {
		return PurchasePlan{}, err
	}
	if _, err := s.authorize(ctx, req.WorkspaceID); err != nil {
		return PurchasePlan{}, err
	}
	card, err := s.store.Card(ctx, req.CardID)
	if err != nil {
		return PurchasePlan{}, err
	}
	if err := owned(req.WorkspaceID, card.WorkspaceID); err != nil {
		return PurchasePlan{}, err
	}

	amounts := SplitInstallments(req.Total, req.Installments)
	dates := InstallmentDates(req.StartDate.UTC(), req.Installments)

	var (
		plan     PurchasePlan
		replayed bool
	)
	scope := Scope{Workspace: req.WorkspaceID, Cards: []int64{req.CardID}}
	err = s.atomic(ctx, "purchase.create", scope, func(tx Tx) error {
		replayed = false
		if req.IdempotencyKey != "" {
			prior, err := tx.CreditPurchaseByKey(ctx, req.WorkspaceID, req.IdempotencyKey)
			switch {
			case err == nil:
				items, err := tx.Installments(ctx, prior.ID)
				if err != nil {
					return err
				}
				plan, replayed = PurchasePlan{Purchase: prior, Installments: items}, true
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		if _, err := tx.Card(ctx, req.CardID); err != nil {
			return err
		}
		if err := checkLabels(ctx, tx, req.WorkspaceID, req.CategoryID, req.ContactID); err != nil {
			return err
		}

		now := s.clock()
		p := CreditPurchase{
			WorkspaceID:      req.WorkspaceID,
			CardID:           req.CardID,
			Description:      req.Description,
			Total:            req.Total,
			InstallmentCount: req.Installments,
			StartDate:        req.StartDate.UTC(),
			CategoryID:       req.CategoryID,
			ContactID:        req.ContactID,
			IdempotencyKey:   req.IdempotencyKey,
			CreatedAt:        now,
		}
		if err := tx.InsertCreditPurchase(ctx, &p); err != nil {
			return err
		}
		items := make([]Transaction, 0, req.Installments)
		for k := range amounts {
			t := Transaction{
				WorkspaceID:       req.WorkspaceID,
				Kind:              KindInstallment,
				Amount:            amounts[k],
				CardID:            int64Ptr(req.CardID),
				CategoryID:        req.CategoryID,
				ContactID:         req.ContactID,
				CreditPurchaseID:  int64Ptr(p.ID),
				InstallmentNumber: k + 1,
				Description:       installmentLabel(req.Description, k+1, req.Installments),
				OccurredAt:        dates[k],
				CreatedAt:         now,
			}
			if err := tx.InsertTransaction(ctx, &t); err != nil {
				return err
			}
			items = append(items, t)
		}
		plan = PurchasePlan{Purchase: p, Installments: items}
		return nil
	})
	if err != nil {
		if isCallerError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return PurchasePlan{}, err
		}
		return PurchasePlan{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	if !replayed {
		ids := make([]int64, len(plan.Installments))
		for i, t := range plan.Installments {
			ids[i] = t.ID
		}
		s.publish(Event{Type: "purchase.created", WorkspaceID: req.WorkspaceID, TransactionIDs: ids, Amount: req.Total})
	}
	return plan, nil
}

func installmentLabel(desc string, k, n int) string {
	if desc == "" {
		return fmt.Sprintf("installment %d/%d", k, n)
	}
	return fmt.Sprintf("%s (%d/%d)", desc, k, n)
}

// isCallerError reports errors caused by the request itself rather than by the store.
func isCallerError(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
}

// GetCreditPurchase returns a purchase with its installments.
func (s *Service) GetCreditPurchase(ctx context.Context, workspaceID, id int64) (PurchasePlan, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return PurchasePlan{}, err
	}
	p, err := s.store.CreditPurchase(ctx, id)
	if err != nil {
		return PurchasePlan{}, err
	}
	if err := owned(workspaceID, p.WorkspaceID); err != nil {
		return PurchasePlan{}, err
	}
	items, err := s.store.Installments(ctx, id)
	if err != nil {
		return PurchasePlan{}, err
	}
	return PurchasePlan{Purchase: p, Installments: items}, nil
}

func (s *Service) ListCreditPurchases(ctx context.Context, workspaceID int64) ([]CreditPurchase, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.CreditPurchases(ctx, workspaceID)
}

// SettleInstallment marks an installment settled. Settled installments are immutable.
func (s *Service) SettleInstallment(ctx context.Context, workspaceID, transactionID int64) (Transaction, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Transaction{}, err
	}
	t, err := s.store.Transaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if err := owned(workspaceID, t.WorkspaceID); err != nil {
		return Transaction{}, err
	}
	if t.Kind != KindInstallment || t.CardID == nil {
		return Transaction{}, invalid("transaction %d is not an installment", transactionID)
	}

	var settled Transaction
	scope := Scope{Workspace: workspaceID, Cards: []int64{*t.CardID}}
	err = s.atomic(ctx, "installment.settle", scope, func(tx Tx) error {
		cur, err := tx.Transaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if cur.Settled {
			return ErrImmutableRecord
		}
		now := s.clock()
		if err := tx.SettleTransaction(ctx, cur.ID, now); err != nil {
			return err
		}
		cur.Settled = true
		cur.SettledAt = &now
		settled = cur
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.publish(Event{Type: "installment.settled", WorkspaceID: workspaceID, TransactionIDs: []int64{settled.ID}, Amount: settled.Amount})
	return settled, nil
}

// DeleteCreditPurchase removes a purchase and its installments. It fails with
// ErrHasSettledInstallments, changing nothing, if any installment is settled.
func (s *Service) DeleteCreditPurchase(ctx context.Context, workspaceID, id int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	p, err := s.store.CreditPurchase(ctx, id)
	if err != nil {
		return err
	}
	if err := owned(workspaceID, p.WorkspaceID); err != nil {
		return err
	}

	var removed []int64
	scope := Scope{Workspace: workspaceID, Cards: []int64{p.CardID}}
	err = s.atomic(ctx, "purchase.delete", scope, func(tx Tx) error {
		removed = removed[:0]
		if _, err := tx.CreditPurchase(ctx, id); err != nil {
			return err
		}
		items, err := tx.Installments(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range items {
			if t.Settled {
				return ErrHasSettledInstallments
			}
		}
		for _, t := range items {
			if err := tx.DeleteTransaction(ctx, t.ID); err != nil {
				return err
			}
			removed = append(removed, t.ID)
		}
		return tx.DeleteCreditPurchase(ctx, id)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Type: "purchase.deleted", WorkspaceID: workspaceID, TransactionIDs: removed})
	return nil
}

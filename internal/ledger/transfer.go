package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransferRequest moves Amount minor units from one account to another in the same workspace.
type TransferRequest struct {
	WorkspaceID    int64
	FromAccountID  int64
	ToAccountID    int64
	Amount         int64
	Description    string
	OccurredAt     time.Time
	IdempotencyKey string
}

func (r TransferRequest) validate() error {
	if r.Amount <= 0 {
		return invalid("amount must be > 0")
	}
	if r.FromAccountID == r.ToAccountID {
		return invalid("source and destination accounts must differ")
	}
	if len(r.IdempotencyKey) > 128 {
		return invalid("idempotency key too long")
	}
	return nil
}

// Transfer debits the source and credits the destination in one unit, writing a transfer-out
// and a transfer-in entry that share a transfer group. On any failure nothing changes.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.validate(); err != nil {
		return TransferResult{}, err
	}
	if _, err := s.authorize(ctx, req.WorkspaceID); err != nil {
		return TransferResult{}, err
	}

	scope := Scope{Workspace: req.WorkspaceID, Accounts: []int64{req.FromAccountID, req.ToAccountID}}
	var (
		res      TransferResult
		replayed bool
	)
	err := s.atomic(ctx, "transfer", scope, func(tx Tx) error {
		replayed = false
		if req.IdempotencyKey != "" {
			prior, err := tx.TransactionsByKey(ctx, req.WorkspaceID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if len(prior) > 0 {
				r, err := transferFromLegs(prior)
				if err != nil {
					return err
				}
				res, replayed = r, true
				return nil
			}
		}

		src, err := loadAccount(ctx, tx, req.WorkspaceID, req.FromAccountID)
		if err != nil {
			return err
		}
		dst, err := loadAccount(ctx, tx, req.WorkspaceID, req.ToAccountID)
		if err != nil {
			return err
		}
		if err := src.CanApply(-req.Amount); err != nil {
			return err
		}
		if err := dst.CanApply(req.Amount); err != nil {
			return err
		}

		if _, err := tx.AdjustBalance(ctx, req.FromAccountID, -req.Amount); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, req.ToAccountID, req.Amount); err != nil {
			return err
		}

		now := s.clock()
		occurred := req.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		group := uuid.NewString()
		out := Transaction{
			WorkspaceID:    req.WorkspaceID,
			Kind:           KindTransferOut,
			Amount:         req.Amount,
			AccountID:      int64Ptr(req.FromAccountID),
			TransferGroup:  group,
			Description:    req.Description,
			OccurredAt:     occurred.UTC(),
			CreatedAt:      now,
			IdempotencyKey: req.IdempotencyKey,
		}
		in := out
		in.Kind = KindTransferIn
		in.AccountID = int64Ptr(req.ToAccountID)
		if err := tx.InsertTransaction(ctx, &out); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &in); err != nil {
			return err
		}
		res = TransferResult{Group: group, Out: out, In: in}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	if !replayed {
		s.publish(Event{
			Type:           "transfer.executed",
			WorkspaceID:    req.WorkspaceID,
			TransactionIDs: []int64{res.Out.ID, res.In.ID},
			Amount:         req.Amount,
		})
	}
	return res, nil
}

// transferFromLegs rebuilds a TransferResult from the entries stored under an idempotency key.
func transferFromLegs(legs []Transaction) (TransferResult, error) {
	var res TransferResult
	for _, leg := range legs {
		switch leg.Kind {
		case KindTransferOut:
			res.Out = leg
		case KindTransferIn:
			res.In = leg
		default:
			return TransferResult{}, invalid("idempotency key already used by another operation")
		}
	}
	if res.Out.ID == 0 || res.In.ID == 0 || res.Out.TransferGroup != res.In.TransferGroup {
		return TransferResult{}, ErrImmutableRecord
	}
	res.Group = res.Out.TransferGroup
	return res, nil
}

// ReconcileTransfer marks both legs of a transfer settled. Settled legs can no longer be removed.
func (s *Service) ReconcileTransfer(ctx context.Context, workspaceID int64, group string) (TransferResult, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return TransferResult{}, invalid("transfer group is required")
	}
	parsed, err := uuid.Parse(group)
	if err != nil {
		return TransferResult{}, invalid("transfer group %q is not a uuid", group)
	}
	group = parsed.String()
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return TransferResult{}, err
	}
	legs, err := s.store.TransferLegs(ctx, group)
	if err != nil {
		return TransferResult{}, err
	}
	if len(legs) == 0 {
		return TransferResult{}, ErrNotFound
	}
	scope := Scope{Workspace: workspaceID}
	for _, leg := range legs {
		if err := owned(workspaceID, leg.WorkspaceID); err != nil {
			return TransferResult{}, err
		}
		if leg.AccountID != nil {
			scope.Accounts = append(scope.Accounts, *leg.AccountID)
		}
	}

	var res TransferResult
	err = s.atomic(ctx, "transfer.reconcile", scope, func(tx Tx) error {
		legs, err := tx.TransferLegs(ctx, group)
		if err != nil {
			return err
		}
		r, err := transferFromLegs(legs)
		if err != nil {
			return err
		}
		if r.Out.Settled && r.In.Settled {
			return ErrImmutableRecord
		}
		now := s.clock()
		for _, leg := range []*Transaction{&r.Out, &r.In} {
			if leg.Settled {
				continue
			}
			if err := tx.SettleTransaction(ctx, leg.ID, now); err != nil {
				return err
			}
			leg.Settled = true
			at := now
			leg.SettledAt = &at
		}
		res = r
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.publish(Event{Type: "transfer.reconciled", WorkspaceID: workspaceID, TransactionIDs: []int64{res.Out.ID, res.In.ID}})
	return res, nil
}

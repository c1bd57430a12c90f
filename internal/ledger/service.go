package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"tesoro.app/internal/auth"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 20 * time.Millisecond
	defaultPageSize   = 100
)

// Event describes a committed ledger change.
type Event struct {
	Type           string    `json:"type"`
	WorkspaceID    int64     `json:"workspace_id"`
	TransactionIDs []int64   `json:"transaction_ids,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier receives events after commit. Implementations must not block.
type Notifier interface {
	Publish(evt Event)
}

// OpObserver is told the outcome of every mutating operation and how many attempts it took.
type OpObserver func(op string, err error, attempts int)

// Service implements the workspace ledger on top of a Store.
type Service struct {
	store      Store
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
	pageSize   int
	notifier   Notifier
	observe    OpObserver
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMaxRetries sets how many times a conflicting unit is retried before ErrConflict surfaces.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between conflict retries.
func WithBackoff(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithPageSize sets how many rows ListRecent fetches per store round-trip.
func WithPageSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithOpObserver(fn OpObserver) ServiceOption {
	return func(s *Service) { s.observe = fn }
}

// NewService wires a Service over store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store (readiness probes, migrations).
func (s *Service) Store() Store { return s.store }

func (s *Service) clock() time.Time { return s.now().UTC() }

// caller returns the authenticated identity attached to ctx.
func caller(ctx context.Context) (string, error) {
	id, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return "", ErrAccessDenied
	}
	return id, nil
}

// authorize checks that the caller is a member of the workspace.
func (s *Service) authorize(ctx context.Context, workspaceID int64) (string, error) {
	user, err := caller(ctx)
	if err != nil {
		return "", err
	}
	ok, err := s.store.IsMember(ctx, workspaceID, user)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAccessDenied
	}
	return user, nil
}

// owned rejects entities that live in another workspace.
func owned(workspaceID, entityWorkspaceID int64) error {
	if workspaceID != entityWorkspaceID {
		return ErrAccessDenied
	}
	return nil
}

// atomic runs fn through the store, retrying ErrConflict with jittered backoff.
func (s *Service) atomic(ctx context.Context, op string, scope Scope, fn func(Tx) error) error {
	var (
		err      error
		attempts int
	)
	for {
		attempts++
		err = s.store.Atomic(ctx, scope, fn)
		if !errors.Is(err, ErrConflict) || attempts > s.maxRetries {
			break
		}
		delay := s.backoff*time.Duration(attempts) + time.Duration(rand.Int63n(int64(s.backoff)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
			continue
		}
		break
	}
	if s.observe != nil {
		s.observe(op, err, attempts)
	}
	return err
}

func (s *Service) publish(evt Event) {
	if s.notifier == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = s.clock()
	}
	s.notifier.Publish(evt)
}

// loadAccount reads an account for a balance-affecting operation: it must exist, be active
// and belong to the workspace.
func loadAccount(ctx context.Context, r Reader, workspaceID, id int64) (Account, error) {
	acc, err := r.Account(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if err := owned(workspaceID, acc.WorkspaceID); err != nil {
		return Account{}, err
	}
	if !acc.Active {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

// checkLabels validates optional category and contact references.
func checkLabels(ctx context.Context, r Reader, workspaceID int64, categoryID, contactID *int64) error {
	if categoryID != nil {
		c, err := r.Category(ctx, *categoryID)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, c.WorkspaceID); err != nil {
			return err
		}
	}
	if contactID != nil {
		c, err := r.Contact(ctx, *contactID)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, c.WorkspaceID); err != nil {
			return err
		}
	}
	return nil
}

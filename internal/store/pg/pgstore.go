package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tesoro.app/internal/ledger"
)

//go:embed migrations/*.sql seeds/*.sql
var schemaFS embed.FS

// Schema exposes the embedded migrations ("migrations") and seeds ("seeds").
func Schema() fs.FS { return schemaFS }

const defaultLockWait = 2 * time.Second

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	reader
	db       *sql.DB
	lockWait time.Duration
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithLockWait bounds how long an atomic unit waits for row locks before ErrConflict.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{reader: reader{q: db}, db: db, lockWait: defaultLockWait}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateWorkspace(ctx context.Context, ws *ledger.Workspace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		insert into workspaces(name, currency, owner_id, created_at)
		values ($1, $2, $3, $4)
		returning id
	`, ws.Name, ws.Currency, ws.OwnerID, ws.CreatedAt).Scan(&ws.ID); err != nil {
		return mapErr(err)
	}
	for _, member := range ws.Members {
		if _, err := tx.ExecContext(ctx, `
			insert into workspace_members(workspace_id, user_id) values ($1, $2)
			on conflict do nothing
		`, ws.ID, member); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

func (s *Store) AddMember(ctx context.Context, workspaceID int64, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into workspace_members(workspace_id, user_id) values ($1, $2)
		on conflict do nothing
	`, workspaceID, userID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("workspace %d: %w", workspaceID, ledger.ErrNotFound)
	}
	return err
}

// Atomic runs fn in one database transaction. The workspace row is locked first (shared unless
// scope.Exclusive), then account rows and card rows in ascending id order, so concurrent
// units never wait on each other in a cycle.
func (s *Store) Atomic(ctx context.Context, scope ledger.Scope, fn func(ledger.Tx) error) error {
	scope = scope.Normalized()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("set local lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return mapErr(err)
	}
	if err := lockRows(ctx, tx, scope); err != nil {
		return err
	}
	if err := fn(&pgTx{reader: reader{q: tx}, tx: tx}); err != nil {
		return mapErr(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func lockRows(ctx context.Context, tx *sql.Tx, scope ledger.Scope) error {
	mode := "for share"
	if scope.Exclusive {
		mode = "for update"
	}
	var id int64
	err := tx.QueryRowContext(ctx, `select id from workspaces where id = $1 `+mode, scope.Workspace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workspace %d: %w", scope.Workspace, ledger.ErrNotFound)
	}
	if err != nil {
		return mapErr(err)
	}
	// Missing rows are left to the operation, which reports them with its own error.
	for _, acc := range scope.Accounts {
		if err := tx.QueryRowContext(ctx, `select id from accounts where id = $1 for update`, acc).Scan(&id); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return mapErr(err)
		}
	}
	for _, card := range scope.Cards {
		if err := tx.QueryRowContext(ctx, `select id from cards where id = $1 for update`, card).Scan(&id); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return mapErr(err)
		}
	}
	return nil
}

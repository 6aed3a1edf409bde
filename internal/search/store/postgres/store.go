// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// SQLSTATE codes treated as transient conflicts.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Store implements store.Store using PostgreSQL
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
// Expiry surfaces as a transient conflict and the transaction is retried.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// NewStore creates a new PostgreSQL-backed search-folder store
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// EnsureSchema creates the search-folder tables if they don't exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS search_definitions (
    store_id    BIGINT NOT NULL,
    folder_id   BIGINT NOT NULL,
    definition  BYTEA NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (store_id, folder_id)
);

CREATE TABLE IF NOT EXISTS search_folder_status (
    store_id    BIGINT NOT NULL,
    folder_id   BIGINT NOT NULL,
    status      VARCHAR(20) NOT NULL,
    PRIMARY KEY (store_id, folder_id),
    CONSTRAINT chk_search_folder_status CHECK (status IN ('stopped', 'rebuilding'))
);

CREATE TABLE IF NOT EXISTS search_folder_counters (
    store_id     BIGINT NOT NULL,
    folder_id    BIGINT NOT NULL,
    item_count   BIGINT NOT NULL DEFAULT 0,
    unread_count BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (store_id, folder_id)
);

CREATE TABLE IF NOT EXISTS search_results (
    store_id   BIGINT NOT NULL,
    folder_id  BIGINT NOT NULL,
    object_id  BIGINT NOT NULL,
    unread     BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (store_id, folder_id, object_id)
);

CREATE INDEX IF NOT EXISTS idx_search_results_object ON search_results(store_id, object_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			_ = tx.Rollback()
			return nil, mapError(err)
		}
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) LoadSearches(ctx context.Context) ([]types.StoredSearch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.store_id, d.folder_id, d.definition, COALESCE(st.status, '')
		FROM search_definitions d
		LEFT JOIN search_folder_status st
		  ON st.store_id = d.store_id AND st.folder_id = d.folder_id
		ORDER BY d.store_id, d.folder_id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var searches []types.StoredSearch
	for rows.Next() {
		search, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		searches = append(searches, *search)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return searches, nil
}

func (s *Store) GetSearch(ctx context.Context, storeID, folderID int64) (*types.StoredSearch, error) {
	search, err := scanSearch(s.db.QueryRowContext(ctx, `
		SELECT d.store_id, d.folder_id, d.definition, COALESCE(st.status, '')
		FROM search_definitions d
		LEFT JOIN search_folder_status st
		  ON st.store_id = d.store_id AND st.folder_id = d.folder_id
		WHERE d.store_id = $1 AND d.folder_id = $2
	`, storeID, folderID))
	if err != nil {
		return nil, err
	}
	if search.Err != nil {
		return nil, search.Err
	}
	return search, nil
}

func (s *Store) SaveDefinition(ctx context.Context, storeID, folderID int64, def types.SearchDefinition) error {
	blob, err := store.EncodeDefinition(def)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_definitions (store_id, folder_id, definition, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_id, folder_id)
		DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
	`, storeID, folderID, blob, time.Now()); err != nil {
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_folder_counters (store_id, folder_id, item_count, unread_count)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (store_id, folder_id) DO NOTHING
	`, storeID, folderID); err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit())
}

func (s *Store) DeleteSearch(ctx context.Context, storeID, folderID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, table := range []string{"search_definitions", "search_folder_status", "search_folder_counters"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE store_id = $1 AND folder_id = $2`, storeID, folderID); err != nil {
			return mapError(err)
		}
	}

	return mapError(tx.Commit())
}

func (s *Store) SetStatus(ctx context.Context, storeID, folderID int64, status types.Status) error {
	if status == types.StatusRunning {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM search_folder_status WHERE store_id = $1 AND folder_id = $2
		`, storeID, folderID)
		return mapError(err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_folder_status (store_id, folder_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (store_id, folder_id) DO UPDATE SET status = EXCLUDED.status
	`, storeID, folderID, status.String())
	return mapError(err)
}

func (s *Store) ListResults(ctx context.Context, storeID, folderID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id FROM search_results
		WHERE store_id = $1 AND folder_id = $2
		ORDER BY object_id
	`, storeID, folderID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

func (s *Store) GetCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error) {
	var c types.Counters
	err := s.db.QueryRowContext(ctx, `
		SELECT item_count, unread_count FROM search_folder_counters
		WHERE store_id = $1 AND folder_id = $2
	`, storeID, folderID).Scan(&c.Items, &c.Unread)
	return c, mapError(err)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSearch reads one definition row. A record that cannot be decoded
// is returned with Err set so one bad row never hides the others.
func scanSearch(row scanner) (*types.StoredSearch, error) {
	var (
		search types.StoredSearch
		blob   []byte
		status string
	)
	if err := row.Scan(&search.StoreID, &search.FolderID, &blob, &status); err != nil {
		return nil, mapError(err)
	}

	def, err := store.DecodeDefinition(blob)
	if err != nil {
		search.Err = fmt.Errorf("search folder %d/%d: %w", search.StoreID, search.FolderID, err)
		return &search, nil
	}
	search.Definition = def

	if search.Status, err = types.ParseStatus(status); err != nil {
		search.Err = fmt.Errorf("search folder %d/%d: %w", search.StoreID, search.FolderID, err)
	}
	return &search, nil
}

// mapError translates driver errors into the engine's error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %s", types.ErrTransient, pqErr.Message)
		}
	}
	return err
}

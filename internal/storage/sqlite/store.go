// Package sqlite provides the SQLite-backed relay record store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/blind"
	"github.com/hermes-proxy/anon-relay/internal/storage"
	"github.com/hermes-proxy/anon-relay/internal/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists identities and messages. Real ids are stored only as a
// blinded index plus a sealed blob.
type Store struct {
	sqlDB  *sql.DB
	sealer *blind.Sealer
	nowFn  func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string, sealer *blind.Sealer) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("identity sealer is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(dsn, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, sealer: sealer, nowFn: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// FindIdentityByRealID looks an identity up through its blinded index.
func (s *Store) FindIdentityByRealID(ctx context.Context, realID int64) (storage.Identity, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, real_key, real_sealed, handle, created_at FROM identities WHERE real_key = ?`,
		s.sealer.Index(realID),
	)
	return s.scanIdentity(row)
}

// CountIdentities returns the number of identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(id) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// InsertIdentity creates an identity, mapping unique violations to
// storage.ErrRealIDTaken or storage.ErrHandleTaken.
func (s *Store) InsertIdentity(ctx context.Context, realID int64, handle string) (storage.Identity, error) {
	if strings.TrimSpace(handle) == "" {
		return storage.Identity{}, fmt.Errorf("handle is required")
	}
	index := s.sealer.Index(realID)
	sealed, err := s.sealer.Seal(realID)
	if err != nil {
		return storage.Identity{}, fmt.Errorf("seal real id: %w", err)
	}
	createdAt := s.nowFn().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Identity{}, fmt.Errorf("begin insert identity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO identities (real_key, real_sealed, handle, created_at) VALUES (?, ?, ?, ?)`,
		index, sealed, handle, toMillis(createdAt),
	)
	if err != nil {
		return storage.Identity{}, classifyIdentityInsert(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Identity{}, fmt.Errorf("read identity id: %w", err)
	}

	// Re-read inside the transaction so the caller sees exactly what was stored.
	row := tx.QueryRowContext(ctx,
		`SELECT id, real_key, real_sealed, handle, created_at FROM identities WHERE id = ?`, id)
	ident, err := s.scanIdentity(row)
	if err != nil {
		return storage.Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Identity{}, fmt.Errorf("commit insert identity: %w", err)
	}
	return ident, nil
}

// InsertMessage stores text under ownerID.
func (s *Store) InsertMessage(ctx context.Context, ownerID int64, text string) (storage.Message, error) {
	createdAt := s.nowFn().UTC()
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (identity_id, body, created_at) VALUES (?, ?, ?)`,
		ownerID, text, toMillis(createdAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("read message id: %w", err)
	}
	return storage.Message{
		ID:        id,
		OwnerID:   ownerID,
		Text:      text,
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

// ListIdentitiesWithCounts returns every identity, silent ones included, by ascending id.
func (s *Store) ListIdentitiesWithCounts(ctx context.Context) ([]storage.SenderSummary, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT i.id, i.handle, COUNT(m.id)
FROM identities i
LEFT JOIN messages m ON m.identity_id = i.id
GROUP BY i.id, i.handle
ORDER BY i.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []storage.SenderSummary
	for rows.Next() {
		var row storage.SenderSummary
		if err := rows.Scan(&row.ID, &row.Handle, &row.MessageCount); err != nil {
			return nil, fmt.Errorf("scan identity summary: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// FindIdentityBySurfaceID fetches an identity by id.
func (s *Store) FindIdentityBySurfaceID(ctx context.Context, id int64) (storage.Identity, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, real_key, real_sealed, handle, created_at FROM identities WHERE id = ?`, id)
	return s.scanIdentity(row)
}

// ListMessagesByOwner returns ownerID's messages by ascending id.
func (s *Store) ListMessagesByOwner(ctx context.Context, ownerID int64) ([]storage.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, identity_id, body, created_at FROM messages WHERE identity_id = ? ORDER BY id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// FindMessageBySurfaceID fetches a message by id.
func (s *Store) FindMessageBySurfaceID(ctx context.Context, id int64) (storage.Message, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, identity_id, body, created_at FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanIdentity(row scanner) (storage.Identity, error) {
	var (
		ident     storage.Identity
		realKey   string
		sealed    []byte
		createdAt int64
	)
	if err := row.Scan(&ident.ID, &realKey, &sealed, &ident.Handle, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Identity{}, storage.ErrNotFound
		}
		return storage.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	ident.CreatedAt = fromMillis(createdAt)
	realID, err := s.sealer.Open(sealed, realKey)
	if err != nil {
		return ident, fmt.Errorf("identity %d: %w", ident.ID, storage.ErrUnresolvable)
	}
	ident.RealID = realID
	return ident, nil
}

func scanMessage(row scanner) (storage.Message, error) {
	var (
		msg       storage.Message
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.OwnerID, &msg.Text, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return msg, nil
}

func classifyIdentityInsert(err error) error {
	if !isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE) {
		return fmt.Errorf("insert identity: %w", err)
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "identities.real_key"):
		return storage.ErrRealIDTaken
	case strings.Contains(message, "identities.handle"):
		return storage.ErrHandleTaken
	default:
		return fmt.Errorf("insert identity: %w", err)
	}
}

func isConstraint(err error, code int) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == code
	}
	return false
}

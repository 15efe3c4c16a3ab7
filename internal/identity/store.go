package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/queue"
	"reel/internal/services"
)

const schema = `CREATE TABLE IF NOT EXISTS identities (
    fingerprint TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    voiceprint_json TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    source TEXT,
    updated_at TEXT NOT NULL
)`

const timeLayout = time.RFC3339Nano

// Store is a SQLite-backed inference.IdentityStore.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ inference.IdentityStore = (*Store)(nil)

// Open opens or creates the identity database configured for cfg.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.IdentityDBPath(), logger)
}

// OpenPath opens the identity database at path.
func OpenPath(path string, logger *slog.Logger) (*Store, error) {
	db, err := queue.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create identity schema: %w", err)
	}
	store := &Store{
		db:     db,
		path:   path,
		logger: logging.NewComponentLogger(logger, "identity"),
	}
	if n, err := store.Count(context.Background()); err == nil {
		store.logger.Debug("identity store opened",
			logging.String("path", path),
			logging.Int("entry_count", n))
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the identity stored under fingerprint, or nil when unknown.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*inference.Identity, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, name, voiceprint_json, confidence, source, updated_at
         FROM identities WHERE fingerprint = ?`, fingerprint)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	return &identity, nil
}

// Upsert adds or replaces the identity stored under fingerprint.
func (s *Store) Upsert(ctx context.Context, fingerprint string, identity inference.Identity) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return services.Wrap(services.ErrValidation, "identity", "upsert", "fingerprint is empty", nil)
	}
	name := strings.TrimSpace(identity.Name)
	if name == "" {
		return services.Wrap(services.ErrValidation, "identity", "upsert", "identity name is empty", nil)
	}
	var voiceprint any
	if len(identity.Voiceprint) > 0 {
		data, err := json.Marshal(identity.Voiceprint)
		if err != nil {
			return fmt.Errorf("encode voiceprint: %w", err)
		}
		voiceprint = string(data)
	}
	updated := identity.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (fingerprint, name, voiceprint_json, confidence, source, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET
             name = excluded.name,
             voiceprint_json = COALESCE(excluded.voiceprint_json, identities.voiceprint_json),
             confidence = excluded.confidence,
             source = excluded.source,
             updated_at = excluded.updated_at`,
		fingerprint, name, voiceprint, identity.Confidence, identity.Source, updated.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	s.logger.Debug("stored identity",
		logging.String("fingerprint", fingerprint),
		logging.String("name", name),
		logging.String("source", identity.Source))
	return nil
}

// All returns every identity ordered by most recent update first.
func (s *Store) All(ctx context.Context) ([]inference.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, name, voiceprint_json, confidence, source, updated_at
         FROM identities ORDER BY updated_at DESC, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	var out []inference.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

// List is All under the name the CLI uses.
func (s *Store) List(ctx context.Context) ([]inference.Identity, error) {
	return s.All(ctx)
}

// Remove deletes the identity stored under fingerprint.
func (s *Store) Remove(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE fingerprint = ?`, strings.TrimSpace(fingerprint))
	if err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "identity", "remove",
			fmt.Sprintf("fingerprint %q not found", fingerprint), nil)
	}
	s.logger.Debug("removed identity", logging.String("fingerprint", fingerprint))
	return nil
}

// Clear removes every identity and reports how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities`)
	if err != nil {
		return 0, fmt.Errorf("clear identities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored identities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

func scanIdentity(scanner interface{ Scan(dest ...any) error }) (inference.Identity, error) {
	var (
		identity   inference.Identity
		voiceprint sql.NullString
		source     sql.NullString
		updated    string
	)
	if err := scanner.Scan(&identity.Fingerprint, &identity.Name, &voiceprint, &identity.Confidence, &source, &updated); err != nil {
		return inference.Identity{}, err
	}
	if voiceprint.Valid && voiceprint.String != "" {
		if err := json.Unmarshal([]byte(voiceprint.String), &identity.Voiceprint); err != nil {
			return inference.Identity{}, fmt.Errorf("decode voiceprint for %s: %w", identity.Fingerprint, err)
		}
	}
	identity.Source = source.String
	if ts, err := time.Parse(timeLayout, updated); err == nil {
		identity.UpdatedAt = ts
	}
	return identity, nil
}

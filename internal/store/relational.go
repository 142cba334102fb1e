package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	relSchemaVersion  = 1
	relSchemaChecksum = "nb-v1-2026-08-profiles-subscriptions"
)

// Relational wraps the SQLite side of the dual store: user profiles and
// subscriptions. Single-writer connection discipline; callers that need
// multi-statement atomicity go through WithTx.
type Relational struct {
	db *sql.DB
}

func DefaultRelationalPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".narrabot", "narrabot.db")
}

func OpenRelational(path string) (*Relational, error) {
	if path == "" {
		path = DefaultRelationalPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=10000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Relational{db: db}
	if err := r.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Relational) DB() *sql.DB { return r.db }

func (r *Relational) Close() error { return r.db.Close() }

func (r *Relational) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (r *Relational) initSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > relSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, relSchemaVersion)
	}
	if maxVersion == relSchemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, relSchemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != relSchemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", relSchemaVersion, existing, relSchemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			internal_id TEXT PRIMARY KEY,
			external_id INTEGER NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'es',
			created_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			role TEXT NOT NULL DEFAULT 'free' CHECK (role IN ('free', 'vip', 'admin'))
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES user_profiles(internal_id) ON DELETE CASCADE,
			plan TEXT NOT NULL CHECK (plan IN ('free', 'premium', 'vip')),
			status TEXT NOT NULL CHECK (status IN ('active', 'inactive', 'cancelled', 'expired')),
			start_at DATETIME NOT NULL,
			end_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_status ON subscriptions(user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_end_at ON subscriptions(end_at) WHERE status = 'active';`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		relSchemaVersion, relSchemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// WithTx runs fn inside a transaction, retrying the whole unit on BUSY.
func (r *Relational) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (r *Relational) InsertProfile(ctx context.Context, p *Profile) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO user_profiles (internal_id, external_id, display_name, language, created_at, last_seen_at, active, role)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, p.InternalID, p.ExternalID, p.DisplayName, p.Language,
			p.CreatedAt.UTC(), p.LastSeenAt.UTC(), p.Active, p.Role)
		return err
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.InternalID, &p.ExternalID, &p.DisplayName, &p.Language,
		&p.CreatedAt, &p.LastSeenAt, &p.Active, &p.Role)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Relational) GetProfile(ctx context.Context, internalID string) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT internal_id, external_id, display_name, language, created_at, last_seen_at, active, role
		FROM user_profiles WHERE internal_id = ?;
	`, internalID)
	return scanProfile(row)
}

func (r *Relational) GetProfileByExternalID(ctx context.Context, externalID int64) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT internal_id, external_id, display_name, language, created_at, last_seen_at, active, role
		FROM user_profiles WHERE external_id = ?;
	`, externalID)
	return scanProfile(row)
}

func (r *Relational) DeleteProfile(ctx context.Context, internalID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE internal_id = ?;`, internalID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Relational) TouchLastSeen(ctx context.Context, internalID string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE user_profiles SET last_seen_at = ? WHERE internal_id = ?;`, at.UTC(), internalID)
		return err
	})
}

func (r *Relational) SetRole(ctx context.Context, internalID, role string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE user_profiles SET role = ? WHERE internal_id = ?;`, role, internalID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*Subscription, error) {
	var s Subscription
	var endAt sql.NullTime
	err := scanner.Scan(&s.ID, &s.UserID, &s.Plan, &s.Status, &s.StartAt, &endAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endAt.Valid {
		t := endAt.Time
		s.EndAt = &t
	}
	return &s, nil
}

// ActiveSubscription returns the single active subscription for the
// user, or ErrNotFound.
func (r *Relational) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan, status, start_at, end_at
		FROM subscriptions WHERE user_id = ? AND status = 'active';
	`, userID)
	return scanSubscription(row)
}

// ActivateSubscription grants a plan. Any existing active row is first
// moved to cancelled (a legal transition), preserving the one-active-row
// rule.
func (r *Relational) ActivateSubscription(ctx context.Context, userID, plan string, startAt time.Time, endAt *time.Time) (*Subscription, error) {
	var sub *Subscription
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = 'cancelled' WHERE user_id = ? AND status = 'active';
		`, userID); err != nil {
			return err
		}
		var endVal any
		if endAt != nil {
			endVal = endAt.UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (user_id, plan, status, start_at, end_at)
			VALUES (?, ?, 'active', ?, ?);
		`, userID, plan, startAt.UTC(), endVal)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sub = &Subscription{
			ID:      id,
			UserID:  userID,
			Plan:    plan,
			Status:  SubActive,
			StartAt: startAt.UTC(),
			EndAt:   endAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// TransitionSubscription applies a status change, enforcing the DAG.
func (r *Relational) TransitionSubscription(ctx context.Context, id int64, to string) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		var from string
		err := tx.QueryRowContext(ctx, `SELECT status FROM subscriptions WHERE id = ?;`, id).Scan(&from)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !SubTransitionAllowed(from, to) {
			return fmt.Errorf("subscription %d: illegal transition %s -> %s", id, from, to)
		}
		_, err = tx.ExecContext(ctx, `UPDATE subscriptions SET status = ? WHERE id = ?;`, to, id)
		return err
	})
}

// ExpireDueSubscriptions flips active rows whose end_at has passed to
// expired and returns them so the caller can publish events.
func (r *Relational) ExpireDueSubscriptions(ctx context.Context, now time.Time) ([]*Subscription, error) {
	var expired []*Subscription
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, plan, status, start_at, end_at
			FROM subscriptions
			WHERE status = 'active' AND end_at IS NOT NULL AND end_at <= ?;
		`, now.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			expired = append(expired, s)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, s := range expired {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET status = 'expired' WHERE id = ?;`, s.ID); err != nil {
				return err
			}
			s.Status = SubExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *Relational) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"promo-code-engine/internal/models"
)

// DB wraps the database connection and provides methods for ledger access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY between site loops.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS applied_codes (
			id TEXT PRIMARY KEY,
			site TEXT NOT NULL,
			player TEXT NOT NULL,
			promo_code TEXT NOT NULL,
			points REAL NOT NULL,
			status TEXT NOT NULL,
			applied_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS player_locks (
			site TEXT NOT NULL,
			player TEXT NOT NULL,
			reason TEXT NOT NULL,
			locked_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			error_code INTEGER NOT NULL,
			PRIMARY KEY (site, player)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_days (
			site TEXT PRIMARY KEY,
			day TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applied_site ON applied_codes(site, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_site ON player_locks(site, expires_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// InsertAppliedRecord appends one successful delivery.
func (db *DB) InsertAppliedRecord(ctx context.Context, rec models.AppliedRecord) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO applied_codes (id, site, player, promo_code, points, status, applied_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Site,
		rec.Player,
		rec.PromoCode,
		rec.Points,
		rec.Status,
		rec.AppliedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert applied record: %w", err)
	}
	return nil
}

// ListAppliedRecords returns every stored record for a site, oldest first.
func (db *DB) ListAppliedRecords(ctx context.Context, site string) ([]models.AppliedRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, site, player, promo_code, points, status, applied_at, expires_at
		 FROM applied_codes WHERE site = ? ORDER BY applied_at ASC, id ASC`, site)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied records: %w", err)
	}
	defer rows.Close()

	var records []models.AppliedRecord
	for rows.Next() {
		var (
			rec                  models.AppliedRecord
			appliedAt, expiresAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Site, &rec.Player, &rec.PromoCode, &rec.Points, &rec.Status, &appliedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan applied record: %w", err)
		}
		rec.AppliedAt = time.UnixMilli(appliedAt).UTC()
		rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied records: %w", err)
	}
	return records, nil
}

// DeleteExpiredAppliedRecords prunes records whose expiry is at or before now.
func (db *DB) DeleteExpiredAppliedRecords(ctx context.Context, site string, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM applied_codes WHERE site = ? AND expires_at <= ?`, site, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearAppliedRecords removes every applied record for a site.
func (db *DB) ClearAppliedRecords(ctx context.Context, site string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM applied_codes WHERE site = ?`, site); err != nil {
		return fmt.Errorf("failed to clear applied records: %w", err)
	}
	return nil
}

// UpsertPlayerLock stores a lock, replacing any previous lock for the same player on the site.
func (db *DB) UpsertPlayerLock(ctx context.Context, lock models.PlayerLock) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO player_locks (site, player, reason, locked_at, duration_ms, expires_at, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site, player) DO UPDATE SET
			reason = excluded.reason,
			locked_at = excluded.locked_at,
			duration_ms = excluded.duration_ms,
			expires_at = excluded.expires_at,
			error_code = excluded.error_code`,
		lock.Site,
		lock.Player,
		lock.Reason,
		lock.LockedAt.UnixMilli(),
		lock.Duration.Milliseconds(),
		lock.ExpiresAt().UnixMilli(),
		lock.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert player lock: %w", err)
	}
	return nil
}

// ListPlayerLocks returns every stored lock for a site.
func (db *DB) ListPlayerLocks(ctx context.Context, site string) ([]models.PlayerLock, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT site, player, reason, locked_at, duration_ms, error_code
		 FROM player_locks WHERE site = ? ORDER BY locked_at ASC, player ASC`, site)
	if err != nil {
		return nil, fmt.Errorf("failed to query player locks: %w", err)
	}
	defer rows.Close()

	var locks []models.PlayerLock
	for rows.Next() {
		var (
			lock               models.PlayerLock
			lockedAt, duration int64
		)
		if err := rows.Scan(&lock.Site, &lock.Player, &lock.Reason, &lockedAt, &duration, &lock.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to scan player lock: %w", err)
		}
		lock.LockedAt = time.UnixMilli(lockedAt).UTC()
		lock.Duration = time.Duration(duration) * time.Millisecond
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating player locks: %w", err)
	}
	return locks, nil
}

// DeleteExpiredLocks prunes locks that no longer apply at now.
func (db *DB) DeleteExpiredLocks(ctx context.Context, site string, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM player_locks WHERE site = ? AND expires_at <= ?`, site, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune player locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetLedgerDay returns the site-local day the site's ledger was last reset for.
func (db *DB) GetLedgerDay(ctx context.Context, site string) (string, bool, error) {
	var day string
	err := db.conn.QueryRowContext(ctx, `SELECT day FROM ledger_days WHERE site = ?`, site).Scan(&day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read ledger day: %w", err)
	}
	return day, true, nil
}

// SetLedgerDay records the site-local day the ledger belongs to.
func (db *DB) SetLedgerDay(ctx context.Context, site, day string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO ledger_days (site, day) VALUES (?, ?)
		 ON CONFLICT(site) DO UPDATE SET day = excluded.day`, site, day)
	if err != nil {
		return fmt.Errorf("failed to write ledger day: %w", err)
	}
	return nil
}

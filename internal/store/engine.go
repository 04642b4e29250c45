// Package store owns the single connection to the embedded SQLite store:
// schema management, generic record CRUD with serialized access and retry,
// corruption detection, and the graduated recovery ladder.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/messmate/outpost/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 30 * time.Second
	defaultLockTimeout = 5 * time.Second
	defaultRetryBase   = 100 * time.Millisecond

	// maxWriteAttempts bounds the busy-retry loop: 3 attempts with
	// linear backoff (attempt x retryBase) before surfacing.
	maxWriteAttempts = 3
)

// Engine owns the physical SQLite connection. All access is serialized
// through a cooperative lock with a bounded wait; one logical writer at a
// time. After repeated corruption the engine degrades through the recovery
// ladder, ending in bypass mode where calls become no-ops.
type Engine struct {
	path        string
	busyTimeout time.Duration
	lockTimeout time.Duration
	retryBase   time.Duration

	// sem is the cooperative lock. Buffered size 1: holding the token
	// means holding the store. lockGen identifies the current holder so
	// that a release deferred by a stolen-from caller cannot drain the
	// stealer's token.
	sem     chan struct{}
	lockMu  sync.Mutex
	lockGen uint64

	// mu guards the db handle, which is swapped during recovery.
	mu sync.Mutex
	db *sql.DB

	bypassed atomic.Bool

	initMu      sync.Mutex
	initialized bool
	initErr     error
	initWait    chan struct{}
}

// Option customises engine construction.
type Option func(*Engine)

// WithLockTimeout sets the bounded wait on the cooperative lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithBusyTimeout sets PRAGMA busy_timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.busyTimeout = d }
}

// WithRetryBase sets the base delay of the linear busy-retry backoff.
func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) { e.retryBase = d }
}

// NewEngine creates an engine for the store at path. The connection is not
// opened until Init.
func NewEngine(path string, opts ...Option) *Engine {
	e := &Engine{
		path:        path,
		busyTimeout: defaultBusyTimeout,
		lockTimeout: defaultLockTimeout,
		retryBase:   defaultRetryBase,
		sem:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Path returns the store file path.
func (e *Engine) Path() string { return e.path }

// Init opens the store, applies pragmas, and runs migrations. It is
// idempotent: once initialized it returns immediately, and a caller that
// arrives while an attempt is in flight awaits that attempt's outcome
// instead of starting a second one. On failure it tries one soft self-heal
// before propagating the error.
func (e *Engine) Init(ctx context.Context) error {
	e.initMu.Lock()
	if e.initialized {
		e.initMu.Unlock()
		return nil
	}
	if e.initWait != nil {
		wait := e.initWait
		e.initMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.initMu.Lock()
		defer e.initMu.Unlock()
		return e.initErr
	}
	wait := make(chan struct{})
	e.initWait = wait
	e.initMu.Unlock()

	err := e.open(ctx)
	if err != nil {
		slog.Warn("store open failed, attempting soft self-heal",
			"component", "store", "error", err)
		if healErr := e.SoftReset(ctx); healErr == nil {
			err = nil
		} else {
			err = fmt.Errorf("open store: %w", err)
		}
	}

	e.initMu.Lock()
	e.initialized = err == nil
	e.initErr = err
	e.initWait = nil
	close(wait)
	e.initMu.Unlock()
	return err
}

// open establishes the connection, applies pragmas, and migrates schema.
func (e *Engine) open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(ctx)
}

// openLocked requires e.mu held.
func (e *Engine) openLocked(ctx context.Context) error {
	if dir := filepath.Dir(e.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", e.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(ctx, db, e.busyTimeout); err != nil {
		db.Close()
		return fmt.Errorf("enable pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}

	if e.db != nil {
		e.db.Close()
	}
	e.db = db
	return nil
}

// enablePragmas configures the connection for a single-writer engine with
// concurrent-read tolerance: WAL journaling, a long busy timeout, foreign
// keys, and incremental space reclamation.
func enablePragmas(ctx context.Context, db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies all pending goose migrations from the embedded FS.
func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Bypassed reports whether the engine is in bypass mode.
func (e *Engine) Bypassed() bool { return e.bypassed.Load() }

// acquire takes the cooperative lock, waiting at most lockTimeout. On
// timeout the lock is forcibly stolen with a warning rather than
// deadlocking forever: the previous holder is assumed wedged.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return e.lockRelease(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
		return e.lockRelease(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		slog.Warn("store lock wait exceeded, forcing release",
			"component", "store", "timeout", e.lockTimeout.String())
		// Invalidate the wedged holder in the same critical section that
		// drops its token, so its eventual release is stale before the
		// token can be re-granted.
		e.lockMu.Lock()
		e.lockGen++
		select {
		case <-e.sem:
		default:
		}
		e.lockMu.Unlock()
		select {
		case e.sem <- struct{}{}:
			return e.lockRelease(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// lockRelease records the new holder's generation and returns a release
// bound to it. A stale generation means the lock was stolen after a
// timeout; the token in the channel then belongs to the stealer and the
// release is a no-op.
func (e *Engine) lockRelease() func() {
	e.lockMu.Lock()
	e.lockGen++
	gen := e.lockGen
	e.lockMu.Unlock()
	return func() {
		e.lockMu.Lock()
		defer e.lockMu.Unlock()
		if e.lockGen != gen {
			return
		}
		select {
		case <-e.sem:
		default:
		}
	}
}

// handle returns the current db, or ErrNotReady before Init.
func (e *Engine) handle() (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil, ErrNotReady
	}
	return e.db, nil
}

// withRetry runs op up to maxWriteAttempts times, backing off linearly
// (attempt x retryBase) on busy errors. Other errors surface immediately.
func (e *Engine) withRetry(ctx context.Context, op func(context.Context) error) error {
	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * e.retryBase, false
	})
	return retry.Do(ctx, retry.WithMaxRetries(maxWriteAttempts-1, backoff), func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if IsBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// run serializes fn through the cooperative lock with busy retry. On a
// corruption signature it drives the recovery ladder and replays fn once
// against the recovered handle.
func (e *Engine) run(ctx context.Context, fn func(*sql.DB) error) error {
	if e.Bypassed() {
		return ErrBypassed
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.withRetry(ctx, func(ctx context.Context) error {
		db, herr := e.handle()
		if herr != nil {
			return herr
		}
		return fn(db)
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if IsCorruption(err) {
		slog.Error("store corruption detected",
			"component", "store", "error", err)
		if _, rerr := e.Recover(ctx); rerr == nil && !e.Bypassed() {
			if db, herr := e.handle(); herr == nil {
				if rerr := fn(db); rerr == nil {
					return nil
				}
			}
		}
	}
	return err
}

// WithTx runs fn inside a transaction under the cooperative lock, with
// busy retry around the whole transaction. Callers that are already inside
// a transaction must use the *In variants instead of opening a second one.
func (e *Engine) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return e.run(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// SaveData upserts a record by id inside a transaction, generating a ULID
// when the id is absent. Saving the same id twice keeps exactly one row
// with the latest payload. In bypass mode it is a no-op that still reports
// success so the application keeps running.
func (e *Engine) SaveData(ctx context.Context, table Table, rec Record) (Record, error) {
	if !table.recordTable() {
		return rec, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if e.Bypassed() {
		return rec, nil
	}

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		saved, err := e.SaveDataIn(ctx, tx, table, rec)
		if err != nil {
			return err
		}
		rec = saved
		return nil
	})
	if errors.Is(err, ErrBypassed) {
		return rec, nil
	}
	return rec, err
}

// SaveDataIn performs the upsert inside the caller's transaction. It never
// opens a second transaction; use it when composing multi-row writes.
func (e *Engine) SaveDataIn(ctx context.Context, tx *sql.Tx, table Table, rec Record) (Record, error) {
	if !table.recordTable() {
		return rec, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	payload, err := encodeFields(rec.Fields)
	if err != nil {
		return rec, err
	}

	now := nowMillis()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+string(table)+` (id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.ID, payload, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return rec, fmt.Errorf("upsert %s: %w", table, err)
	}
	return rec, nil
}

// GetData returns all records in a table, oldest first. A read against a
// table that does not exist lazily recreates the full schema and returns
// an empty result: read-after-miss is not an error.
func (e *Engine) GetData(ctx context.Context, table Table) ([]Record, error) {
	if !table.recordTable() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if e.Bypassed() {
		return nil, nil
	}

	var records []Record
	query := func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, payload, created_at, updated_at
			FROM `+string(table)+`
			ORDER BY created_at ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	}

	err := e.run(ctx, query)
	if isMissingTable(err) {
		if serr := e.ensureSchema(ctx); serr != nil {
			slog.Warn("lazy schema creation failed",
				"component", "store", "table", string(table), "error", serr)
			return nil, nil
		}
		if err = e.run(ctx, query); err != nil {
			return nil, nil
		}
		return records, nil
	}
	if errors.Is(err, ErrBypassed) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return records, nil
}

// GetByID returns a single record, or ErrNotFound.
func (e *Engine) GetByID(ctx context.Context, table Table, id string) (*Record, error) {
	if !table.recordTable() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if e.Bypassed() {
		return nil, ErrNotFound
	}

	var rec Record
	err := e.run(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT id, payload, created_at, updated_at
			FROM `+string(table)+`
			WHERE id = ?
		`, id)
		var err error
		rec, err = scanRecord(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if isMissingTable(err) {
		if serr := e.ensureSchema(ctx); serr == nil {
			return nil, ErrNotFound
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return &rec, nil
}

// UpdateData merges fields into an existing record's payload.
func (e *Engine) UpdateData(ctx context.Context, table Table, id string, fields Fields) error {
	if !table.recordTable() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if e.Bypassed() {
		return nil
	}

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx,
			`SELECT payload FROM `+string(table)+` WHERE id = ?`, id,
		).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		existing, err := decodeFields(payload)
		if err != nil {
			return err
		}
		for k, v := range fields {
			existing[k] = v
		}
		merged, err := encodeFields(existing)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE `+string(table)+` SET payload = ?, updated_at = ? WHERE id = ?
		`, merged, nowMillis(), id)
		return err
	})
	if errors.Is(err, ErrBypassed) {
		return nil
	}
	return err
}

// DeleteData removes one record by id. Deleting an absent id is not an error.
func (e *Engine) DeleteData(ctx context.Context, table Table, id string) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if e.Bypassed() {
		return nil
	}
	err := e.run(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE id = ?`, id)
		return err
	})
	if errors.Is(err, ErrBypassed) || isMissingTable(err) {
		return nil
	}
	return err
}

// ClearTable removes every row from one table.
func (e *Engine) ClearTable(ctx context.Context, table Table) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if e.Bypassed() {
		return nil
	}
	err := e.run(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM `+string(table))
		return err
	})
	if errors.Is(err, ErrBypassed) || isMissingTable(err) {
		return nil
	}
	return err
}

// Probe executes a trivial read through the cooperative lock. Used by the
// health monitor; the caller bounds it with a timeout context.
func (e *Engine) Probe(ctx context.Context) error {
	if e.Bypassed() {
		return ErrBypassed
	}
	return e.run(ctx, func(db *sql.DB) error {
		var one int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// TableCounts returns the row count of every known table. Missing tables
// count as zero.
func (e *Engine) TableCounts(ctx context.Context) (map[Table]int64, error) {
	counts := make(map[Table]int64, len(AllTables))
	if e.Bypassed() {
		return counts, nil
	}
	err := e.run(ctx, func(db *sql.DB) error {
		for _, t := range AllTables {
			var n int64
			if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+string(t)).Scan(&n); err != nil {
				if isMissingTable(err) {
					continue
				}
				return err
			}
			counts[t] = n
		}
		return nil
	})
	if errors.Is(err, ErrBypassed) {
		return counts, nil
	}
	return counts, err
}

// ensureSchema recreates any missing tables without touching existing data.
func (e *Engine) ensureSchema(ctx context.Context) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	for _, t := range AllTables {
		if _, err := db.ExecContext(ctx, t.createStmt()); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
	}
	return nil
}

// scanRecord scans one generic record row.
func scanRecord(scanner interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var payload string
	if err := scanner.Scan(&rec.ID, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return rec, err
	}
	rec.Fields = fields
	return rec, nil
}

// CacheEntry is one api_cache row. Data is the raw cached response body.
type CacheEntry struct {
	Key       string
	Data      json.RawMessage
	Timestamp int64
	Expiry    int64
	Version   int
}

// SetCache overwrites the cache entry for key with an absolute expiry.
func (e *Engine) SetCache(ctx context.Context, key string, data json.RawMessage, expiry int64) error {
	if e.Bypassed() {
		return nil
	}
	now := nowMillis()
	err := e.run(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO api_cache (id, payload, expiry, version, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				payload = excluded.payload,
				expiry = excluded.expiry,
				version = api_cache.version + 1,
				updated_at = excluded.updated_at
		`, key, string(data), expiry, now, now)
		return err
	})
	if errors.Is(err, ErrBypassed) {
		return nil
	}
	return err
}

// GetCache returns the unexpired cache entry for key, or ErrNotFound. An
// expired entry is a miss and is purged lazily on the way out.
func (e *Engine) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	if e.Bypassed() {
		return nil, ErrNotFound
	}
	var entry CacheEntry
	err := e.run(ctx, func(db *sql.DB) error {
		var payload string
		err := db.QueryRowContext(ctx, `
			SELECT id, payload, expiry, version, created_at
			FROM api_cache WHERE id = ?
		`, key).Scan(&entry.Key, &payload, &entry.Expiry, &entry.Version, &entry.Timestamp)
		if err != nil {
			return err
		}
		entry.Data = json.RawMessage(payload)
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) || errors.Is(err, ErrBypassed) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}

	if entry.Expiry > 0 && entry.Expiry <= nowMillis() {
		_ = e.run(ctx, func(db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DELETE FROM api_cache WHERE id = ?`, key)
			return err
		})
		return nil, ErrNotFound
	}
	return &entry, nil
}

// PurgeExpiredCache removes every expired cache row. Called by the
// orchestrator's periodic sweep.
func (e *Engine) PurgeExpiredCache(ctx context.Context) (int64, error) {
	if e.Bypassed() {
		return 0, nil
	}
	var purged int64
	err := e.run(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM api_cache WHERE expiry > 0 AND expiry <= ?`, nowMillis())
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if errors.Is(err, ErrBypassed) || isMissingTable(err) {
		return 0, nil
	}
	return purged, err
}

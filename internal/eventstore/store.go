package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/shop-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Query is one listen→answer cycle.
type Query struct {
	CycleID   string
	Device    string
	CreatedAt time.Time
}

// Event is a recorded state change within a cycle.
type Event struct {
	ID         int64
	CycleID    string
	Status     string
	StatusText string
	Transcript string
	Answer     string
	Error      string
	// Payload is the result JSON as shown to the user.
	Payload   []byte
	CreatedAt time.Time
}

// Store is a SQLite-backed journal of voice queries. It is write-mostly:
// nothing in the session reads it back.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is opened and every operation is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL contention out of the session loop.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("query journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("query journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS queries (
    cycle_id TEXT PRIMARY KEY,
    device TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    status TEXT NOT NULL,
    status_text TEXT,
    transcript TEXT,
    answer TEXT,
    error TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(cycle_id) REFERENCES queries(cycle_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_cycle_created ON events(cycle_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// BeginQuery records a new cycle. Beginning the same cycle twice is allowed.
func (s *Store) BeginQuery(ctx context.Context, cycleID, device string) error {
	if s.disabled() {
		return nil
	}
	if cycleID == "" {
		return errors.New("cycle id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queries(cycle_id, device, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(cycle_id) DO UPDATE SET device=excluded.device`,
		cycleID, device, s.clock().UTC().UnixNano())
	return err
}

// Record appends an event to its cycle, creating the cycle row if needed.
func (s *Store) Record(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CycleID == "" {
		return errors.New("cycle id required")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queries(cycle_id, device, created_at) VALUES(?, '', ?)
		 ON CONFLICT(cycle_id) DO NOTHING`,
		evt.CycleID, evt.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(cycle_id, status, status_text, transcript, answer, error, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.CycleID, evt.Status, evt.StatusText, evt.Transcript, evt.Answer, evt.Error, evt.Payload,
		evt.CreatedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListQuery retrieves up to limit events of a cycle, oldest first.
func (s *Store) ListQuery(ctx context.Context, cycleID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle_id, status, status_text, transcript, answer, error, payload, created_at
		 FROM events WHERE cycle_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, cycleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
			text    sql.NullString
			trans   sql.NullString
			ans     sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Status, &text, &trans, &ans, &errText, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.StatusText, e.Transcript, e.Answer, e.Error = text.String, trans.String, ans.String, errText.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recent lists the newest cycles first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Query, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, device, created_at FROM queries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []Query
	for rows.Next() {
		var (
			q       Query
			device  sql.NullString
			created int64
		)
		if err := rows.Scan(&q.CycleID, &device, &created); err != nil {
			return nil, err
		}
		q.Device = device.String
		q.CreatedAt = time.Unix(0, created).UTC()
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM queries WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxQueries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM queries WHERE cycle_id IN (
			SELECT cycle_id FROM queries ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxQueries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Package eventstore journals routing cycles and the coordinator events of
// each cycle in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/events"
	_ "modernc.org/sqlite"
)

const cycleAttr = "cycle_id"

// Cycle is one enable attempt and, when it succeeded, the disable that
// ended it.
type Cycle struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ReachedActive bool       `json:"reached_active"`
	LastError     string     `json:"last_error,omitempty"`
	Events        int        `json:"events"`
}

// Record is a journaled event.
type Record struct {
	ID      int64  `json:"id"`
	CycleID string `json:"cycle_id,omitempty"`
	events.Event
}

// Store wraps a SQLite-backed journal. With retention_mode=ephemeral it
// has no database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS cycles (
    cycle_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    reached_active INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT,
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    attrs BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(cycle_id) REFERENCES cycles(cycle_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_cycle_created ON events(cycle_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Append journals ev. Events carrying a cycle_id attribute open the cycle
// on first sight; a state event for "active" marks it successful and one
// for "disabled" closes it.
func (s *Store) Append(ctx context.Context, ev events.Event) (err error) {
	if s.disabled() {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = s.clock().UTC()
	}
	var attrs []byte
	if len(ev.Attrs) > 0 {
		if attrs, err = json.Marshal(ev.Attrs); err != nil {
			return fmt.Errorf("marshal attrs: %w", err)
		}
	}
	cycleID := ev.Attrs[cycleAttr]
	at := ev.Time.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cycle any
	if cycleID != "" {
		cycle = cycleID
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO cycles(cycle_id, started_at) VALUES(?, ?) ON CONFLICT(cycle_id) DO NOTHING`,
			cycleID, at); err != nil {
			return err
		}
		switch {
		case ev.Kind == events.KindError:
			_, err = tx.ExecContext(ctx, `UPDATE cycles SET last_error = ? WHERE cycle_id = ?`, errorText(ev), cycleID)
		case ev.Kind == events.KindState && ev.State == "active":
			_, err = tx.ExecContext(ctx, `UPDATE cycles SET reached_active = 1 WHERE cycle_id = ?`, cycleID)
		case ev.Kind == events.KindState && ev.State == "disabled":
			_, err = tx.ExecContext(ctx, `UPDATE cycles SET ended_at = ? WHERE cycle_id = ?`, at, cycleID)
		}
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(cycle_id, kind, state, message, error, attrs, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		cycle, string(ev.Kind), ev.State, ev.Message, ev.Err, attrs, at); err != nil {
		return err
	}
	return tx.Commit()
}

func errorText(ev events.Event) string {
	if ev.Err == "" {
		return ev.Message
	}
	return ev.Message + ": " + ev.Err
}

// Record appends every event received on ch until ch is closed or ctx is
// done. Append failures are logged and do not stop recording.
func (s *Store) Record(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Append(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("failed to journal event", slog.String("event", ev.String()), slog.String("error", err.Error()))
			}
		}
	}
}

// Cycles lists up to limit cycles, newest first.
func (s *Store) Cycles(ctx context.Context, limit int) ([]Cycle, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.cycle_id, c.started_at, c.ended_at, c.reached_active, c.last_error,
		        (SELECT COUNT(*) FROM events e WHERE e.cycle_id = c.cycle_id)
		 FROM cycles c ORDER BY c.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c       Cycle
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &started, &ended, &c.ReachedActive, &c.LastError, &c.Events); err != nil {
			return nil, err
		}
		c.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			c.EndedAt = &t
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// CycleEvents retrieves up to limit events of a cycle in the order they
// were recorded.
func (s *Store) CycleEvents(ctx context.Context, cycleID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle_id, kind, state, message, error, attrs, created_at
		 FROM events WHERE cycle_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, cycleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			cycle   sql.NullString
			kind    string
			attrs   []byte
			created int64
		)
		if err := rows.Scan(&r.ID, &cycle, &kind, &r.State, &r.Message, &r.Err, &attrs, &created); err != nil {
			return nil, err
		}
		r.CycleID = cycle.String
		r.Kind = events.Kind(kind)
		r.Time = time.Unix(0, created).UTC()
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &r.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs of event %d: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM cycles WHERE cycle_id IN (
			SELECT cycle_id FROM cycles ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Package sessionlog keeps an audit trail of finished synthesis sessions in
// SQLite.
//
// A [Store] is a [session.Observer]: the session manager hands it every
// terminal session, and a background writer persists the outcome (voice,
// format, phase, chunk count, duration, error) without blocking the session.
// Old rows are pruned by age and by count.
package sessionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/inference"
)

// ErrNotFound is returned by [Store.Get] for an unknown session ID.
var ErrNotFound = errors.New("sessionlog: session not found")

// Config configures a [Store].
type Config struct {
	// Path is the database file. ":memory:" keeps the log in memory.
	Path string

	// RetentionDays drops entries that ended longer ago. Zero keeps them.
	RetentionDays int

	// MaxEntries keeps only the most recent entries. Zero keeps all.
	MaxEntries int

	// Buffer is the number of pending writes held before new outcomes are
	// dropped. Default: 256.
	Buffer int
}

// Entry is one recorded session outcome.
type Entry struct {
	SessionID string
	Voice     string
	Format    string
	Phase     string
	Chunks    int
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// Duration returns how long the session ran.
func (e Entry) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// EntryFromInfo converts a terminal session snapshot.
func EntryFromInfo(info session.Info) Entry {
	e := Entry{
		SessionID: info.ID,
		Voice:     info.Voice,
		Format:    info.Format,
		Phase:     info.Phase.String(),
		Chunks:    info.Delivered,
		StartedAt: info.StartedAt,
		EndedAt:   info.EndedAt,
	}
	if info.Err != nil {
		e.Error = info.Err.Error()
	}
	return e
}

var _ session.Observer = (*Store)(nil)

// Store is a SQLite-backed session log. It is safe for concurrent use.
type Store struct {
	db    *sql.DB
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	pending chan Entry
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// Open opens (creating if needed) the database at cfg.Path, applies the
// schema, prunes once, and starts the background writer.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sessionlog: path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	dsn := ":memory:"
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sessionlog: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open sqlite: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: ping sqlite: %w", err)
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		log:     log,
		clock:   time.Now,
		pending: make(chan Entry, cfg.Buffer),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("session log prune on start failed", "err", err)
	}

	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    voice      TEXT NOT NULL,
    format     TEXT NOT NULL,
    phase      TEXT NOT NULL,
    chunks     INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at   INTEGER NOT NULL,
    error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sessionlog: schema: %w", err)
	}
	return nil
}

// Close stops the writer after flushing pending entries and closes the
// database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.pending)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// Check pings the database. It has the signature of a readiness check.
func (s *Store) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- session.Observer ----

// SessionStarted implements [session.Observer].
func (s *Store) SessionStarted(session.Info) {}

// ChunkDelivered implements [session.Observer].
func (s *Store) ChunkDelivered(session.Info, inference.Chunk) {}

// SessionEnded queues the outcome for writing. When the queue is full the
// entry is dropped.
func (s *Store) SessionEnded(info session.Info) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.pending <- EntryFromInfo(info):
	default:
		s.log.Warn("session log queue full, dropping entry", "session_id", info.ID)
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for e := range s.pending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Record(ctx, e); err != nil {
			s.log.Warn("session log write failed", "session_id", e.SessionID, "err", err)
		}
		cancel()
	}
}

// ---- queries ----

// Record writes e synchronously, replacing an entry with the same ID.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.EndedAt.IsZero() {
		e.EndedAt = s.clock()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.EndedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, voice, format, phase, chunks, started_at, ended_at, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   voice=excluded.voice, format=excluded.format, phase=excluded.phase,
		   chunks=excluded.chunks, started_at=excluded.started_at,
		   ended_at=excluded.ended_at, error=excluded.error`,
		e.SessionID, e.Voice, e.Format, e.Phase, e.Chunks,
		e.StartedAt.UnixNano(), e.EndedAt.UnixNano(), e.Error)
	if err != nil {
		return fmt.Errorf("sessionlog: record %s: %w", e.SessionID, err)
	}
	return nil
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, voice, format, phase, chunks, started_at, ended_at, error
		 FROM sessions WHERE session_id = ?`, id)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("sessionlog: get %s: %w", id, err)
	}
	return e, nil
}

// Recent returns up to limit entries, most recently ended first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, voice, format, phase, chunks, started_at, ended_at, error
		 FROM sessions ORDER BY ended_at DESC, session_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sessionlog: recent: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per phase.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM sessions GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			phase string
			n     int
		)
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("sessionlog: counts: %w", err)
		}
		out[phase] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Entry, error) {
	var (
		e              Entry
		started, ended int64
	)
	if err := r.Scan(&e.SessionID, &e.Voice, &e.Format, &e.Phase, &e.Chunks, &started, &ended, &e.Error); err != nil {
		return Entry{}, err
	}
	e.StartedAt = time.Unix(0, started)
	e.EndedAt = time.Unix(0, ended)
	return e, nil
}

// ---- retention ----

// Prune applies the retention limits.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxEntries <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessionlog: prune: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at < ?`, cutoff.UnixNano()); err != nil {
			return fmt.Errorf("sessionlog: prune by age: %w", err)
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY ended_at DESC, session_id ASC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return fmt.Errorf("sessionlog: prune by count: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sessionlog: prune: %w", err)
	}
	return nil
}

// RunPruner prunes every interval until ctx is cancelled.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("session log prune failed", "err", err)
			}
		}
	}
}

// Package calllog persists transcript turns and tool calls off the call's
// latency path: events go into a buffered channel and a single writer
// goroutine flushes them to SQLite. A full buffer drops events rather than
// ever blocking the pipeline.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// EventKind classifies call log entries.
type EventKind string

const (
	// EventUtterance is one dialog turn, caller or bot.
	EventUtterance EventKind = "utterance"
	// EventToolCall is one resolved tool invocation.
	EventToolCall EventKind = "tool_call"
	// EventState is a session state transition.
	EventState EventKind = "state"
)

// Event is one call log record.
type Event struct {
	CallID   string
	Kind     EventKind
	Speaker  string
	Text     string
	Tool     string
	Args     json.RawMessage
	Result   json.RawMessage
	Error    string
	Duration time.Duration
	At       time.Time
}

// Config holds call logger settings.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// BufferSize is the event channel capacity (default 1024).
	BufferSize int
	// Retention is how long rows are kept (default 90 days).
	Retention time.Duration
	// RetentionSchedule is the cron spec for the prune job (default daily).
	RetentionSchedule string
}

// Logger is the asynchronous call log sink.
type Logger struct {
	db      *sql.DB
	events  chan Event
	dropped atomic.Int64

	retention time.Duration
	cron      *cron.Cron

	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the database, runs migrations, and starts the writer and the
// retention sweep.
func New(cfg Config) (*Logger, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "@daily"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping call log: %w", err)
	}

	l := &Logger{
		db:        db,
		events:    make(chan Event, cfg.BufferSize),
		retention: cfg.Retention,
		cron:      cron.New(),
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.writeLoop()

	if _, err := l.cron.AddFunc(cfg.RetentionSchedule, l.prune); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("retention schedule: %w", err)
	}
	l.cron.Start()

	return l, nil
}

func (l *Logger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS call_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			speaker TEXT,
			text TEXT,
			tool TEXT,
			args TEXT,
			result TEXT,
			error TEXT,
			duration_ms INTEGER,
			at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_events_call_id ON call_events(call_id);
		CREATE INDEX IF NOT EXISTS idx_call_events_at ON call_events(at);
	`)
	if err != nil {
		return fmt.Errorf("migrate call log: %w", err)
	}
	return nil
}

// Log enqueues an event. Never blocks: when the buffer is full the event is
// dropped and counted. Safe to call after Close; late events are dropped.
func (l *Logger) Log(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.events <- ev:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			log.Printf("calllog: buffer full, %d events dropped so far", n)
		}
	}
}

// Dropped reports how many events were lost to a full buffer.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Ping checks the database for health checks.
func (l *Logger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for ev := range l.events {
		if err := l.insert(ev); err != nil {
			log.Printf("calllog: insert failed: %v", err)
		}
	}
}

func (l *Logger) insert(ev Event) error {
	_, err := l.db.Exec(`
		INSERT INTO call_events (call_id, kind, speaker, text, tool, args, result, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CallID, string(ev.Kind), ev.Speaker, ev.Text, ev.Tool,
		nullableJSON(ev.Args), nullableJSON(ev.Result), ev.Error,
		ev.Duration.Milliseconds(), ev.At,
	)
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// prune deletes rows older than the retention horizon.
func (l *Logger) prune() {
	cutoff := time.Now().UTC().Add(-l.retention)
	res, err := l.db.Exec(`DELETE FROM call_events WHERE at < ?`, cutoff)
	if err != nil {
		log.Printf("calllog: retention prune failed: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("calllog: pruned %d events older than %s", n, cutoff.Format(time.RFC3339))
	}
}

// Close stops the retention job, drains queued events, and closes the
// database.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		ctx := l.cron.Stop()
		<-ctx.Done()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.events)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

// Package journal persists runtime events to a local SQLite database so a
// training run leaves an inspectable record: which versions were published,
// which replicas failed, what the buffer discarded. The journal implements
// events.Publisher and slots into a MultiPublisher next to the log and NATS
// sinks; like every sink it is best-effort and never gates core operations.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// DefaultSweepInterval is how often the retention sweep runs when a
// retention window is configured.
const DefaultSweepInterval = time.Hour

// Config configures the SQLite event journal.
type Config struct {
	// Path is the database file location
	Path string `yaml:"path"`

	// Retention bounds how long events are kept. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is how often expired events are removed
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "rl-journal.db",
		Retention:     0,
		SweepInterval: DefaultSweepInterval,
	}
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=10000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA busy_timeout=5000",
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata TEXT,
	created_at INTEGER NOT NULL
)`

var createIndexSQL = []string{
	"CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)",
	"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)",
}

// Journal is a SQLite-backed event sink. Timestamps are stored as Unix
// milliseconds; metadata is stored as a JSON text column.
type Journal struct {
	db        *sql.DB
	path      string
	retention time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	closed   bool
	stopChan chan struct{}
}

// New opens (or creates) the journal database at config.Path, applies the
// connection pragmas, and ensures the events table and indexes exist. When
// a retention window is configured a background sweep removes expired
// events every SweepInterval.
func New(config Config) (*Journal, error) {
	defaults := DefaultConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Retention < 0 {
		return nil, rl.ErrInvalidConfiguration("retention", config.Retention,
			"journal retention must be zero (keep everything) or positive")
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}
	for _, indexSQL := range createIndexSQL {
		if _, err := db.Exec(indexSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	j := &Journal{
		db:        db,
		path:      config.Path,
		retention: config.Retention,
		logger:    slog.Default().With("component", "event-journal"),
		stopChan:  make(chan struct{}),
	}

	if config.Retention > 0 {
		go j.sweepLoop(config.SweepInterval)
	}

	j.logger.Info("event journal opened",
		"path", config.Path,
		"retention", config.Retention)
	return j, nil
}

// Attach subscribes the journal to every event on the bus and persists
// them in the background, so producers stay decoupled from persistence.
// The returned stop function unsubscribes and waits for the drain to
// finish.
func (j *Journal) Attach(bus *events.Bus) (func(), error) {
	subscriberID := "journal-" + uuid.New().String()[:8]
	ch, err := bus.Subscribe(events.TopicAll, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe journal: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := j.Publish(ctx, event); err != nil {
				j.logger.Warn("failed to journal event",
					"event_id", event.ID,
					"type", event.Type,
					"error", err)
			}
			cancel()
		}
	}()

	return func() {
		bus.Unsubscribe(events.TopicAll, subscriberID)
		<-done
	}, nil
}

// Publish inserts one event. It implements events.Publisher.
func (j *Journal) Publish(ctx context.Context, event events.Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	metadata := ""
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (event_id, type, source, timestamp, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID,
		event.Type,
		event.Source,
		event.Timestamp.UnixMilli(),
		metadata,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Close stops the retention sweep and closes the database. It is safe to
// call more than once.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	close(j.stopChan)

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal database: %w", err)
	}
	j.logger.Info("event journal closed", "path", j.path)
	return nil
}

// Ping verifies the database connection is alive.
func (j *Journal) Ping(ctx context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	return j.db.PingContext(ctx)
}

// Count returns the total number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return 0, fmt.Errorf("journal is closed")
	}

	var count int64
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CountByType returns the number of journaled events of one type.
func (j *Journal) CountByType(ctx context.Context, eventType string) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return 0, fmt.Errorf("journal is closed")
	}

	var count int64
	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE type = ?", eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// TypeCounts returns the number of journaled events per event type.
func (j *Journal) TypeCounts(ctx context.Context) (map[string]int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM events GROUP BY type ORDER BY type")
	if err != nil {
		return nil, fmt.Errorf("failed to query type counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return counts, nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}
	if limit <= 0 {
		return nil, rl.ErrInvalidConfiguration("limit", limit,
			"query limit must be positive")
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT event_id, type, source, timestamp, metadata FROM events ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []events.Event
	for rows.Next() {
		var event events.Event
		var timestampMillis int64
		var metadataJSON string

		if err := rows.Scan(&event.ID, &event.Type, &event.Source, &timestampMillis, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		event.Timestamp = time.UnixMilli(timestampMillis).UTC()
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}

// DeleteBefore removes events whose timestamp is before the cutoff and
// reports how many rows were removed.
func (j *Journal) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return 0, fmt.Errorf("journal is closed")
	}

	result, err := j.db.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// sweepLoop periodically removes events older than the retention window.
func (j *Journal) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-j.retention)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := j.DeleteBefore(ctx, cutoff)
			cancel()

			if err != nil {
				select {
				case <-j.stopChan:
					return
				default:
				}
				j.logger.Warn("retention sweep failed", "error", err)
			} else if deleted > 0 {
				j.logger.Info("retention sweep removed expired events",
					"deleted", deleted,
					"cutoff", cutoff.UTC())
			}
		}
	}
}

// Compile-time check that Journal satisfies the publisher seam.
var _ events.Publisher = (*Journal)(nil)

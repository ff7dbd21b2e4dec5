// Package archive keeps a local copy of every published reading in
// SQLite. It is a secondary [sink.Sink]: a fan-out mirrors broker
// publishes into it so a test run can be inspected after the fact
// without a broker-side subscriber.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sensorpub/internal/sink"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one archived publish.
type Record struct {
	ID        string
	Timestamp time.Time
	Topic     string
	QoS       byte
	Retain    bool
	Payload   []byte
}

// Store is an append-only SQLite archive of published readings. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

var _ sink.Sink = (*Store)(nil)

// NewStore opens or creates the archive at dbPath, creating the parent
// directory if needed. The schema is created automatically.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		topic     TEXT NOT NULL,
		qos       INTEGER NOT NULL,
		retain    INTEGER NOT NULL,
		payload   BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_topic ON readings(topic);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Publish implements [sink.Sink] by appending a record.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := s.Record(ctx, Record{Topic: topic, QoS: qos, Retain: retain, Payload: payload}); err != nil {
		return &sink.PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Record persists rec. An empty ID is replaced with a UUIDv7 and a zero
// timestamp with the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sink.ErrClosed
	}

	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate archive record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (id, timestamp, topic, qos, retain, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.Topic,
		int(rec.QoS),
		rec.Retain,
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

// Count returns the number of archived readings whose topic starts with
// prefix. An empty prefix counts everything.
func (s *Store) Count(ctx context.Context, prefix string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, sink.ErrClosed
	}

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM readings WHERE substr(topic, 1, ?) = ?`,
		len(prefix), prefix,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archive records: %w", err)
	}
	return n, nil
}

// Latest returns the most recent record for topic, or sql.ErrNoRows.
func (s *Store) Latest(ctx context.Context, topic string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sink.ErrClosed
	}

	var (
		rec    Record
		ts     string
		qos    int
		retain bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, topic, qos, retain, payload
		 FROM readings WHERE topic = ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		topic,
	).Scan(&rec.ID, &ts, &rec.Topic, &qos, &retain, &rec.Payload)
	if err != nil {
		return nil, err
	}
	rec.Timestamp, err = time.Parse(timeLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse archive timestamp %q: %w", ts, err)
	}
	rec.QoS = byte(qos)
	rec.Retain = retain
	return &rec, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

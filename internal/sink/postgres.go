package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/sentineld/internal/outbox"
)

const (
	// DefaultBatchSize is the maximum number of events held in-memory before
	// an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 250 * time.Millisecond
)

// Store is the PostgreSQL-backed persistence layer for finalized
// process-lifecycle events.
//
// Event ingestion is batched: callers enqueue individual Event values via
// BatchInsertEvent, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. Each flush is retried with
// exponential backoff (spec.md domain stack: the same reconnect discipline
// the teacher uses for its transport client) so a transient Postgres outage
// does not drop a batch.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Event
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, creates
// the process_events table if absent, and starts the background flush
// goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("sink: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS process_events (
    event_id    UUID PRIMARY KEY,
    seq         BIGINT NOT NULL,
    path        TEXT NOT NULL,
    script_path TEXT NOT NULL DEFAULT '',
    hashes      JSONB,
    codesign    JSONB,
    argv        JSONB,
    envv        JSONB,
    cwd         TEXT NOT NULL DEFAULT '',
    subject     JSONB,
    pid         INTEGER NOT NULL,
    fork_tv     TIMESTAMPTZ NOT NULL,
    event_tv    TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_process_events_pid ON process_events (pid);
CREATE INDEX IF NOT EXISTS idx_process_events_received_at ON process_events (received_at);
`

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// FromOutbox converts an outbox.PendingEvent into the Event shape Store
// persists, stamping a fresh EventID for the durable record.
func FromOutbox(pe outbox.PendingEvent) Event {
	e := pe.Evt
	return Event{
		EventID:    uuid.NewString(),
		Seq:        e.Seq,
		Path:       e.Path,
		ScriptPath: e.ScriptPath,
		Hashes:     e.Hashes,
		Codesign:   e.Codesign,
		Argv:       e.Argv,
		Envv:       e.Envv,
		Cwd:        e.Cwd,
		Subject:    e.Subject,
		PID:        e.PID,
		ForkTV:     time.Unix(0, e.ForkTV).UTC(),
		EventTV:    time.Unix(0, e.EventTV).UTC(),
		ReceivedAt: time.Now().UTC(),
	}
}

// BatchInsertEvent enqueues evt for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertEvent(ctx context.Context, evt Event) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip, retrying the whole round-trip with
// exponential backoff on failure. Rows that conflict on the primary key are
// silently ignored. This does not deduplicate outbox redelivery: FromOutbox
// stamps a fresh EventID on every call, so a redelivered entry is inserted
// as a new row.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Event, 0, s.batchSize)
	s.mu.Unlock()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		return s.insertBatch(ctx, toInsert)
	}, policy)
}

func (s *Store) insertBatch(ctx context.Context, events []Event) error {
	const query = `
		INSERT INTO process_events
			(event_id, seq, path, script_path, hashes, codesign, argv, envv, cwd, subject, pid, fork_tv, event_tv, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		hashes, _ := json.Marshal(e.Hashes)
		codesign, _ := json.Marshal(e.Codesign)
		argv, _ := json.Marshal(e.Argv)
		envv, _ := json.Marshal(e.Envv)
		subject, _ := json.Marshal(e.Subject)
		b.Queue(query,
			e.EventID, e.Seq, e.Path, e.ScriptPath,
			hashes, codesign, argv, envv, e.Cwd, subject,
			e.PID, e.ForkTV, e.EventTV, e.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("sink: batch exec event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated events that fall within [q.From, q.To) on
// the received_at column. The time-range constraint enables PostgreSQL
// partition pruning when process_events is partitioned by received_at.
//
// Optional filters: q.PID (exact match), q.Path (substring match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, event_id ASC.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.PID != 0 {
		where += fmt.Sprintf(" AND pid = $%d", argIdx)
		args = append(args, q.PID)
		argIdx++
	}
	if q.Path != "" {
		where += fmt.Sprintf(" AND path LIKE $%d", argIdx)
		args = append(args, "%"+q.Path+"%")
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sqlStr := fmt.Sprintf(`
		SELECT event_id, seq, path, script_path, hashes, codesign, argv, envv, cwd, subject,
		       pid, fork_tv, event_tv, received_at
		FROM   process_events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("sink: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sink: scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var e Event
	var hashes, codesign, argv, envv, subject []byte
	err := s.Scan(
		&e.EventID, &e.Seq, &e.Path, &e.ScriptPath,
		&hashes, &codesign, &argv, &envv, &e.Cwd, &subject,
		&e.PID, &e.ForkTV, &e.EventTV, &e.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(hashes, &e.Hashes)
	_ = json.Unmarshal(codesign, &e.Codesign)
	_ = json.Unmarshal(argv, &e.Argv)
	_ = json.Unmarshal(envv, &e.Envv)
	_ = json.Unmarshal(subject, &e.Subject)
	return &e, nil
}

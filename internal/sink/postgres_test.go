//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/sink/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/sink"
)

// setupDB starts a PostgreSQL container and returns a Store (which applies
// its own schema on New) and a teardown function.
func setupDB(t *testing.T) (*sink.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("sentineld_test"),
		tcpostgres.WithUsername("sentineld"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := sink.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("sink.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func testEvent(pid int, path string) sink.Event {
	ts := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	return sink.Event{
		EventID:    eventID(pid, path),
		Seq:        int64(pid),
		Path:       path,
		Hashes:     image.HashSet{"sha256": []byte{0x01, 0x02}},
		Cwd:        "/root",
		Subject:    image.Subject{PID: pid},
		PID:        pid,
		ForkTV:     ts,
		EventTV:    ts,
		ReceivedAt: ts,
	}
}

func eventID(pid int, path string) string {
	return "00000000-0000-0000-0000-" + padID(pid) + "-" + path
}

func padID(n int) string {
	s := ""
	for i := 0; i < 12; i++ {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func TestBatchInsertEvent_FlushOnSize(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	// batchSize is 10 in setupDB; insert 10 events to trigger a size-based flush.
	for i := 0; i < 10; i++ {
		evt := testEvent(1000+i, "/bin/ls")
		evt.EventID = eventIDSimple(i)
		if err := store.BatchInsertEvent(ctx, evt); err != nil {
			t.Fatalf("BatchInsertEvent[%d]: %v", i, err)
		}
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := store.QueryEvents(ctx, sink.EventQuery{From: from, To: to, Limit: 100})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("want 10 events, got %d", len(events))
	}
}

func TestBatchInsertEvent_FlushOnInterval(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	evt := testEvent(2000, "/usr/bin/awk")
	evt.EventID = eventIDSimple(900)

	// Only 1 event — the batchSize threshold (10) is not reached.
	if err := store.BatchInsertEvent(ctx, evt); err != nil {
		t.Fatalf("BatchInsertEvent: %v", err)
	}

	// The background flush loop ticks every 50ms (configured in setupDB).
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for interval-triggered flush")
		case <-tick.C:
			from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
			to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			events, err := store.QueryEvents(ctx, sink.EventQuery{PID: 2000, From: from, To: to})
			if err != nil {
				t.Fatalf("QueryEvents: %v", err)
			}
			if len(events) == 1 {
				return
			}
		}
	}
}

func TestQueryEvents_FiltersByPID(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, pid := range []int{3001, 3002, 3003} {
		evt := testEvent(pid, "/bin/sh")
		evt.EventID = eventIDSimple(3000 + i)
		if err := store.BatchInsertEvent(ctx, evt); err != nil {
			t.Fatalf("BatchInsertEvent: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := store.QueryEvents(ctx, sink.EventQuery{PID: 3002, From: from, To: to})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 || events[0].PID != 3002 {
		t.Fatalf("want exactly the pid=3002 event, got %+v", events)
	}
}

func eventIDSimple(n int) string {
	return "11111111-1111-1111-1111-" + padID(n)
}

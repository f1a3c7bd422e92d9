// Package sink provides the PostgreSQL-backed persistence layer for
// finalized process-lifecycle events (spec.md §11, SPEC_FULL.md §11): it
// exposes a typed Event model mirroring worker.Event plus a batched,
// backoff-retrying Store that writes them into a single process_events
// table. The Store does not read internal/outbox itself; the daemon's
// flush loop drains the outbox and hands each entry to it.
package sink

import (
	"time"

	"github.com/tripwire/sentineld/internal/image"
)

// Event is the durable, queryable form of a finalized process-lifecycle
// event (spec.md §3 Image, flattened by internal/worker into worker.Event).
// EventID is assigned by the sink on insert so that API consumers have a
// stable identifier independent of the in-memory Seq counter, which resets
// across restarts.
type Event struct {
	EventID    string          `json:"event_id"`
	Seq        int64           `json:"seq"`
	Path       string          `json:"path"`
	ScriptPath string          `json:"script_path,omitempty"`
	Hashes     image.HashSet   `json:"hashes,omitempty"`
	Codesign   *image.Signature `json:"codesign,omitempty"`
	Argv       []string        `json:"argv,omitempty"`
	Envv       []string        `json:"envv,omitempty"`
	Cwd        string          `json:"cwd"`
	Subject    image.Subject   `json:"subject"`
	PID        int             `json:"pid"`
	ForkTV     time.Time       `json:"fork_tv"`
	EventTV    time.Time       `json:"event_tv"`
	ReceivedAt time.Time       `json:"received_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. A zero PID
// means no pid filter is applied. An empty Path matches all paths
// (substring match via LIKE).
type EventQuery struct {
	PID    int
	Path   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

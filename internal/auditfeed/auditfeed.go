// Package auditfeed is the audit thread (spec.md §5): the single goroutine
// that drains the asynchronous, post-commit audit trail and turns each
// record into a call against internal/correlator. The audit trail itself —
// auditd, eBPF, or whatever userland collector actually observes fork,
// spawn, exec, exit, wait4 and chdir — is an external collaborator out of
// scope for this engine; auditfeed's only job is reading its already
// externalized JSONL output and calling the six correlator entry points in
// order, from a single goroutine, matching the correlator's single-writer
// requirement.
//
// # Reconnect
//
// The source file is tailed with a simple poll loop: read to EOF, sleep,
// read again. If the file does not yet exist (the collector has not started
// writing) or a read fails outright, the reader backs off exponentially
// before retrying, grounded in the teacher's gRPC transport reconnect loop
// (internal/transport/grpc_client.go) but using cenkalti/backoff/v4 instead
// of a hand-rolled jitter function.
package auditfeed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/sentineld/internal/image"
)

// pollInterval is how often the tailer checks for new data once it has
// caught up to EOF on the source file.
const pollInterval = 200 * time.Millisecond

// Correlator is the subset of correlator.Correlator driven by the audit
// feed. Defining it here lets the reader be unit tested without a live
// process table/pre-exec queue.
type Correlator interface {
	Fork(tv time.Time, subject image.Subject, childpid int)
	Spawn(tv time.Time, subject image.Subject, childpid int, imagepath string, attr *image.Stat, argv, envv []string)
	Exec(tv time.Time, subject image.Subject, imagepath string, attr *image.Stat, argv, envv []string)
	Exit(tv time.Time, pid int)
	Wait4(tv time.Time, pid int)
	Chdir(tv time.Time, pid int, path string)
}

// Record is the wire format of one audit-trail line. Kind selects which
// correlator entry point the record is dispatched to; the remaining fields
// are interpreted according to Kind and left zero-valued otherwise.
type Record struct {
	Kind      string       `json:"kind"`
	Timestamp time.Time    `json:"ts"`
	Subject   image.Subject `json:"subject"`
	ChildPID  int          `json:"child_pid,omitempty"`
	PID       int          `json:"pid,omitempty"`
	Path      string       `json:"path,omitempty"`
	Attr      *image.Stat  `json:"attr,omitempty"`
	Argv      []string     `json:"argv,omitempty"`
	Envv      []string     `json:"envv,omitempty"`
}

// Kind values recognised by Dispatch.
const (
	KindFork  = "fork"
	KindSpawn = "spawn"
	KindExec  = "exec"
	KindExit  = "exit"
	KindWait4 = "wait4"
	KindChdir = "chdir"
)

// Reader tails a JSONL audit-trail file at Path, decoding each line as a
// Record and dispatching it to Corr. Construct with New; call Run to begin
// (blocks until ctx is cancelled).
type Reader struct {
	Path   string
	Corr   Correlator
	logger *slog.Logger

	// MaxElapsed bounds the reconnect backoff's total retry window before
	// Run gives up and returns an error. Zero means retry indefinitely
	// (backoff.Stop is never returned), matching the teacher's transport
	// client, which never abandons a dashboard connection on its own.
	MaxElapsed time.Duration
}

// New constructs a Reader. If logger is nil, slog.Default() is used.
func New(path string, corr Correlator, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{Path: path, Corr: corr, logger: logger}
}

// Run tails Path until ctx is cancelled, dispatching every decoded record to
// Corr from this single goroutine. A missing file or a read error triggers
// an exponential-backoff reconnect rather than returning immediately, since
// the audit collector may not have started writing yet.
func (r *Reader) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = r.MaxElapsed

	for {
		err := r.tailOnce(ctx)
		if err == nil {
			return nil // ctx cancelled cleanly
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("auditfeed: giving up tailing %s: %w", r.Path, err)
		}

		r.logger.Warn("auditfeed: tail failed, reconnecting",
			slog.String("path", r.Path), slog.Any("error", err), slog.Duration("backoff", wait))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// tailOnce opens Path and follows it until ctx is cancelled (clean, returns
// nil) or a read error occurs (returns the error so Run can back off and
// reopen). Run's backoff policy is not reset after a successful open or a
// decoded record: its interval and elapsed time carry over across
// reconnects.
func (r *Reader) tailOnce(ctx context.Context) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					r.dispatchLine(line)
				}
				select {
				case <-time.After(pollInterval):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("read: %w", err)
		}

		r.dispatchLine(line)
	}
}

func (r *Reader) dispatchLine(line []byte) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		r.logger.Warn("auditfeed: malformed record, skipping", slog.Any("error", err))
		return
	}
	r.Dispatch(rec)
}

// Dispatch routes rec to the matching Correlator entry point. Unrecognised
// Kind values are logged and dropped.
func (r *Reader) Dispatch(rec Record) {
	switch rec.Kind {
	case KindFork:
		r.Corr.Fork(rec.Timestamp, rec.Subject, rec.ChildPID)
	case KindSpawn:
		r.Corr.Spawn(rec.Timestamp, rec.Subject, rec.ChildPID, rec.Path, rec.Attr, rec.Argv, rec.Envv)
	case KindExec:
		r.Corr.Exec(rec.Timestamp, rec.Subject, rec.Path, rec.Attr, rec.Argv, rec.Envv)
	case KindExit:
		r.Corr.Exit(rec.Timestamp, rec.PID)
	case KindWait4:
		r.Corr.Wait4(rec.Timestamp, rec.PID)
	case KindChdir:
		r.Corr.Chdir(rec.Timestamp, rec.PID, rec.Path)
	default:
		r.logger.Warn("auditfeed: unknown record kind, skipping", slog.String("kind", rec.Kind))
	}
}

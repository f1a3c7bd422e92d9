// Package metrics holds the statistics snapshot (spec §6) shared across the
// correlation engine: atomic counters updated by the correlator (which also
// carries over the pre-exec queue's drop/skip counts), recovery, and the
// kernel feed, exposed as JSON (for internal/api) and Prometheus
// text format (for a dedicated health/metrics listener), teacher-grounded
// in the teacher's own metrics exposition pattern.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats holds the independent atomic counters named in spec.md §6. PQSize
// is intentionally absent: it is read live from the pre-exec queue rather
// than tracked as a counter here, since it reflects current queue length
// rather than a cumulative event count.
type Stats struct {
	Images         atomic.Int64
	LiveAcq        atomic.Int64
	MissByPID      atomic.Int64
	MissForkSubj   atomic.Int64
	MissExecSubj   atomic.Int64
	MissExecInterp atomic.Int64
	MissChdirSubj  atomic.Int64
	MissGetCwd     atomic.Int64
	OOMs           atomic.Int64
	PQLookup       atomic.Int64
	PQMiss         atomic.Int64
	PQDrop         atomic.Int64
	PQSkip         atomic.Int64
}

// PQSizer is satisfied by prequeue.Queue; kept as a narrow interface here so
// metrics does not need to import prequeue.
type PQSizer interface {
	Size() int
}

// Snapshot is a point-in-time read of every statistic named in spec.md §6.
type Snapshot struct {
	Images         int64 `json:"images"`
	LiveAcq        int64 `json:"liveacq"`
	MissByPID      int64 `json:"miss_bypid"`
	MissForkSubj   int64 `json:"miss_forksubj"`
	MissExecSubj   int64 `json:"miss_execsubj"`
	MissExecInterp int64 `json:"miss_execinterp"`
	MissChdirSubj  int64 `json:"miss_chdirsubj"`
	MissGetCwd     int64 `json:"miss_getcwd"`
	OOMs           int64 `json:"ooms"`
	PQLookup       int64 `json:"pqlookup"`
	PQMiss         int64 `json:"pqmiss"`
	PQDrop         int64 `json:"pqdrop"`
	PQSkip         int64 `json:"pqskip"`
	PQSize         int64 `json:"pqsize"`
}

// Snap reads every counter plus the live pre-exec queue size.
func (s *Stats) Snap(pq PQSizer) Snapshot {
	return Snapshot{
		Images:         s.Images.Load(),
		LiveAcq:        s.LiveAcq.Load(),
		MissByPID:      s.MissByPID.Load(),
		MissForkSubj:   s.MissForkSubj.Load(),
		MissExecSubj:   s.MissExecSubj.Load(),
		MissExecInterp: s.MissExecInterp.Load(),
		MissChdirSubj:  s.MissChdirSubj.Load(),
		MissGetCwd:     s.MissGetCwd.Load(),
		OOMs:           s.OOMs.Load(),
		PQLookup:       s.PQLookup.Load(),
		PQMiss:         s.PQMiss.Load(),
		PQDrop:         s.PQDrop.Load(),
		PQSkip:         s.PQSkip.Load(),
		PQSize:         int64(pq.Size()),
	}
}

// Prometheus renders snap in Prometheus text exposition format, one gauge
// per statistic, all under the sentineld_ prefix.
func Prometheus(snap Snapshot) string {
	var b strings.Builder
	fields := []struct {
		name string
		val  int64
	}{
		{"images", snap.Images},
		{"liveacq", snap.LiveAcq},
		{"miss_bypid", snap.MissByPID},
		{"miss_forksubj", snap.MissForkSubj},
		{"miss_execsubj", snap.MissExecSubj},
		{"miss_execinterp", snap.MissExecInterp},
		{"miss_chdirsubj", snap.MissChdirSubj},
		{"miss_getcwd", snap.MissGetCwd},
		{"ooms", snap.OOMs},
		{"pqlookup", snap.PQLookup},
		{"pqmiss", snap.PQMiss},
		{"pqdrop", snap.PQDrop},
		{"pqskip", snap.PQSkip},
		{"pqsize", snap.PQSize},
	}
	for _, f := range fields {
		name := "sentineld_" + f.name
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", name, name, f.val)
	}
	return b.String()
}

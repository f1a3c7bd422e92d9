// Package recovery implements process recovery (spec component C6):
// reconstructing a process table entry and its current image via runtime
// OS lookups when the correlator's normal fork/exec trail never populated
// one (an orphaned audit subject, or an ImageByPID lookup). The startup
// preload pass does not use it: the daemon fills the table through
// proctable.Preload, which installs entries without images, without
// parent recovery and without worker submissions.
package recovery

import (
	"fmt"
	"time"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/osprobe"
	"github.com/tripwire/sentineld/internal/proctable"
	"github.com/tripwire/sentineld/internal/worker"
)

// Submitter is satisfied by worker.Pool.
type Submitter interface {
	Submit(*image.Image)
}

// Service reconstructs process and image state from live OS probes.
type Service struct {
	Table  *proctable.Table
	Worker Submitter
	Stats  *metrics.Stats

	// MaxDepth bounds the recursive parent-recovery chain, preventing a
	// pathological ppid cycle (which should not occur on a real kernel,
	// but recovery walks untrusted runtime state) from recursing forever.
	MaxDepth int
}

// New constructs a recovery Service.
func New(table *proctable.Table, pool Submitter, stats *metrics.Stats) *Service {
	return &Service{Table: table, Worker: pool, Stats: stats, MaxDepth: 32}
}

// ErrProcessGone indicates the pid no longer exists by the time recovery
// attempted to inspect it.
var ErrProcessGone = fmt.Errorf("recovery: process gone")

// Recover reconstructs (proc_from_pid) the process-table entry for pid as
// of tv. log controls whether the reconstructed image is eligible for
// emission: false (or pid == 0) marks it NOLOG, matching callers that only
// need a current-image handle and do not want a synthetic event logged.
//
// On success the returned Process is already installed in the table (or
// was already present). On failure — the process is gone — any stale
// table entry for pid is removed and (nil, ErrProcessGone) is returned.
func (s *Service) Recover(pid int, log bool, tv time.Time) (*proctable.Process, error) {
	return s.recover(pid, log, tv, 0)
}

func (s *Service) recover(pid int, log bool, tv time.Time, depth int) (*proctable.Process, error) {
	if depth > s.MaxDepth {
		return nil, fmt.Errorf("recovery: ancestor recursion exceeded max depth at pid %d", pid)
	}

	if proc, ok := s.Table.Find(pid); ok {
		return proc, nil
	}

	path, err := osprobe.PidPath(pid)
	noPath := err != nil
	if noPath {
		path = osprobe.SyntheticPath(pid)
	}

	cwd, err := osprobe.PidCwd(pid)
	if err != nil {
		s.Table.ForceRemove(pid)
		return nil, fmt.Errorf("%w: pid %d: %w", ErrProcessGone, pid, err)
	}

	bsd, err := osprobe.PidBSDInfo(pid)
	if err != nil {
		bsd = osprobe.BSDInfo{ForkTV: tv, PPID: 0}
	}

	img, err := image.New(path)
	if err != nil {
		return nil, fmt.Errorf("recovery: pid %d: %w", pid, err)
	}
	img.Flags |= image.FlagPidLookup
	if noPath {
		img.Flags |= image.FlagNoPath
	}
	img.PID = pid
	img.ForkTV = bsd.ForkTV
	img.EventTV = tv
	img.Cwd = cwd
	_ = img.Open(nil) // best effort; a failed stat still leaves a usable path-only image

	if bsd.PPID != 0 && bsd.PPID != pid {
		parentProc, perr := s.recover(bsd.PPID, log, tv, depth+1)
		if perr == nil {
			if parentImg := parentProc.Image(); parentImg != nil {
				img.Mu.Lock()
				img.Prev = parentImg.Ref()
				img.Mu.Unlock()
			}
		}
	}

	if !log || pid == 0 {
		img.Mu.Lock()
		img.Flags |= image.FlagNoLog
		img.Mu.Unlock()
	}

	proc, _ := s.Table.FindOrCreate(pid, bsd.PPID, bsd.ForkTV)
	proc.SetImage(img) // table now holds its own reference
	proc.Chdir(cwd)

	s.Stats.LiveAcq.Add(1)
	s.Worker.Submit(img.Ref()) // worker receives its own reference
	img.Unref()                // release this constructor's reference

	return proc, nil
}

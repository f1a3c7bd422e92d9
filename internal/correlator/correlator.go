// Package correlator implements the correlator (spec component C4): the
// fork/spawn/exec/exit/wait4/chdir entry points driven by the audit-record
// reader, reconciling them against the pre-exec queue and splicing the
// resulting image into the process table before handing it to the worker
// pool.
package correlator

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/osprobe"
	"github.com/tripwire/sentineld/internal/prequeue"
	"github.com/tripwire/sentineld/internal/proctable"
)

// Recoverer is satisfied by recovery.Service.
type Recoverer interface {
	Recover(pid int, log bool, tv time.Time) (*proctable.Process, error)
}

// Submitter is satisfied by worker.Pool.
type Submitter interface {
	Submit(*image.Image)
}

// SuppressionSets holds the four configured suppression sets consulted
// during splice (spec.md §4.4 step 6, §4.1 match_suppressions).
type SuppressionSets struct {
	ByIdent         map[string]struct{}
	ByPath          map[string]struct{}
	AncestorByIdent map[string]struct{}
	AncestorByPath  map[string]struct{}
}

// NewSuppressionSets converts the slice form (as loaded from YAML config)
// into the set form the correlator consults on every splice.
func NewSuppressionSets(byIdent, byPath, ancestorByIdent, ancestorByPath []string) SuppressionSets {
	toSet := func(vals []string) map[string]struct{} {
		s := make(map[string]struct{}, len(vals))
		for _, v := range vals {
			s[v] = struct{}{}
		}
		return s
	}
	return SuppressionSets{
		ByIdent:         toSet(byIdent),
		ByPath:          toSet(byPath),
		AncestorByIdent: toSet(ancestorByIdent),
		AncestorByPath:  toSet(ancestorByPath),
	}
}

// Correlator is the sole mutator of the process table and the sole
// remover from the pre-exec queue (spec.md §5); it must be driven from a
// single goroutine (the audit thread).
type Correlator struct {
	PQ       *prequeue.Queue
	Table    *proctable.Table
	Worker   Submitter
	Recovery Recoverer
	Stats    *metrics.Stats

	AncestorDepth int
	Suppression   SuppressionSets
}

// New constructs a Correlator.
func New(pq *prequeue.Queue, table *proctable.Table, worker Submitter, recoverer Recoverer, stats *metrics.Stats, ancestorDepth int, suppression SuppressionSets) *Correlator {
	return &Correlator{
		PQ:            pq,
		Table:         table,
		Worker:        worker,
		Recovery:      recoverer,
		Stats:         stats,
		AncestorDepth: ancestorDepth,
		Suppression:   suppression,
	}
}

// Fork handles a fork/clone audit record: the parent (subject.PID) creates
// childpid. Any stale entry already at childpid (a previous life that has
// not yet been reaped) is discarded. The child begins life executing the
// parent's current image.
func (c *Correlator) Fork(tv time.Time, subject image.Subject, childpid int) {
	parent, ok := c.Table.Find(subject.PID)
	if !ok {
		var err error
		parent, err = c.Recovery.Recover(subject.PID, true, tv)
		if err != nil {
			c.Stats.MissForkSubj.Add(1)
			return
		}
	}

	c.Table.ForceRemove(childpid)

	child := c.Table.Create(childpid, subject.PID, tv)
	child.Chdir(parent.GetCwd())
	if pimg := parent.Image(); pimg != nil {
		child.SetImage(pimg)
	}
}

// Spawn is fork followed by exec targeting childpid, per spec.md §4.4
// (POSIX_SPAWN_SETEXEC-equivalent semantics are treated as plain exec by
// the audit layer upstream of the correlator).
func (c *Correlator) Spawn(tv time.Time, subject image.Subject, childpid int, imagepath string, attr *image.Stat, argv, envv []string) {
	c.Fork(tv, subject, childpid)
	childSubject := subject
	childSubject.PID = childpid
	c.Exec(tv, childSubject, imagepath, attr, argv, envv)
}

// Exec handles an exec audit record for subject.PID.
func (c *Correlator) Exec(tv time.Time, subject image.Subject, imagepath string, attr *image.Stat, argv, envv []string) {
	proc, ok := c.Table.Find(subject.PID)
	if !ok {
		var err error
		proc, err = c.Recovery.Recover(subject.PID, true, tv)
		if err != nil {
			c.Stats.MissExecSubj.Add(1)
			return
		}
	}

	img, interp := c.pqLookup(subject.PID, imagepath, attr, argv)

	if img == nil {
		c.Stats.PQMiss.Add(1)
		fresh, err := image.New(imagepath)
		if err != nil {
			return
		}
		fresh.PID = subject.PID
		_ = fresh.Open(attr)
		img = fresh
	}

	shebang := img.Flags.Has(image.FlagShebang)
	if shebang && interp == nil {
		var err error
		interp, err = c.resolveInterpreter(subject.PID, proc.GetCwd(), argv)
		if err != nil {
			c.Stats.MissExecInterp.Add(1)
			img.Unref()
			return
		}
	}

	var newImage *image.Image
	if shebang {
		interp.Mu.Lock()
		interp.Script = img
		interp.Mu.Unlock()
		newImage = interp
	} else {
		newImage = img
	}

	prevImage := proc.Image()

	newImage.Mu.Lock()
	if prevImage != nil {
		newImage.Prev = prevImage.Ref()
	}
	newImage.Cwd = proc.GetCwd()
	newImage.Subject = subject
	newImage.Argv = argv
	newImage.Envv = envv
	newImage.PID = subject.PID
	newImage.ForkTV = proc.ForkTV
	newImage.EventTV = tv
	newImage.Mu.Unlock()

	c.propagateSuppression(newImage, prevImage)
	newImage.PruneAncestors(c.AncestorDepth)

	proc.SetImage(newImage)
	c.Worker.Submit(newImage.Ref())
	newImage.Unref()
}

// propagateSuppression implements spec.md §4.4 step 6: NOLOG_KIDS is
// monotone down the ancestor chain, and a fresh ancestor-suppression match
// starts propagation without suppressing the matching image itself.
func (c *Correlator) propagateSuppression(newImage, prevImage *image.Image) {
	if prevImage != nil && prevImage.Flags.Has(image.FlagNoLogKids) {
		newImage.Mu.Lock()
		newImage.Flags |= image.FlagNoLog | image.FlagNoLogKids
		newImage.Mu.Unlock()
		return
	}

	if newImage.MatchSuppressions(c.Suppression.AncestorByIdent, c.Suppression.AncestorByPath) {
		newImage.Mu.Lock()
		newImage.Flags |= image.FlagNoLogKids
		newImage.Mu.Unlock()
	}
	if newImage.MatchSuppressions(c.Suppression.ByIdent, c.Suppression.ByPath) {
		newImage.Mu.Lock()
		newImage.Flags |= image.FlagNoLog
		newImage.Mu.Unlock()
	}
}

// pqLookup performs the PQ match described in spec.md §4.2/§4.4 step 2:
// the primary image keyed on (pid, dev, ino) when attr is present, else
// (pid, basename); and, if the primary match carries SHEBANG and argv
// supplies an interpreter, a second match for the interpreter keyed on
// (pid, basename(argv[0])).
func (c *Correlator) pqLookup(pid int, imagepath string, attr *image.Stat, argv []string) (img, interp *image.Image) {
	c.Stats.PQLookup.Add(1)
	drop0, skip0 := c.PQ.Evicted, c.PQ.Skipped

	img = c.PQ.Lookup(func(q *image.Image) bool {
		if q.PID != pid {
			return false
		}
		if attr != nil {
			return q.Stat.Dev == attr.Dev && q.Stat.Ino == attr.Ino
		}
		return osprobe.BasenameCmp(q.Path, imagepath)
	})

	if img != nil && img.Flags.Has(image.FlagShebang) && len(argv) >= 2 {
		interp = c.PQ.Lookup(func(q *image.Image) bool {
			return q.PID == pid && osprobe.BasenameCmp(q.Path, argv[0])
		})
	}

	c.Stats.PQDrop.Add(c.PQ.Evicted - drop0)
	c.Stats.PQSkip.Add(c.PQ.Skipped - skip0)
	return img, interp
}

// resolveInterpreter builds the interpreter image when no pre-exec entry
// supplied one: argv is required (spec.md §9 open question (a): no
// shebang-line parsing is attempted), and a relative argv[0] is resolved
// against the process's cwd.
func (c *Correlator) resolveInterpreter(pid int, cwd string, argv []string) (*image.Image, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("correlator: shebang exec with no argv to resolve an interpreter from")
	}
	path := argv[0]
	if !filepath.IsAbs(path) {
		resolved, err := osprobe.RealPath(path, cwd)
		if err != nil {
			return nil, fmt.Errorf("correlator: resolving interpreter %q: %w", path, err)
		}
		path = resolved
	}
	interp, err := image.New(path)
	if err != nil {
		return nil, err
	}
	interp.PID = pid
	_ = interp.Open(nil)
	return interp, nil
}

// Exit removes pid from the process table. Safe to call more than once for
// the same pid (explicit exit and wait4-discovered exit both call Exit).
func (c *Correlator) Exit(tv time.Time, pid int) {
	if proc, ok := c.Table.Find(pid); ok {
		c.Table.Remove(pid, proc.ForkTV)
	}
}

// Wait4 probes pid's liveness; if it is no longer alive, Wait4 behaves as
// Exit.
func (c *Correlator) Wait4(tv time.Time, pid int) {
	if !osprobe.PidAlive(pid) {
		c.Exit(tv, pid)
	}
}

// Chdir updates pid's recorded working directory, recovering the process
// first if it is not already in the table.
func (c *Correlator) Chdir(tv time.Time, pid int, path string) {
	proc, ok := c.Table.Find(pid)
	if !ok {
		var err error
		proc, err = c.Recovery.Recover(pid, true, tv)
		if err != nil {
			c.Stats.MissChdirSubj.Add(1)
			return
		}
	}
	proc.Chdir(path)
}

// ImageByPID returns a caller-owned reference to pid's current image,
// recovering the process first if necessary. Used by external callers
// (e.g. sockmon/filemon enrichment) that need to attribute an event to a
// pid other than an exec subject.
func (c *Correlator) ImageByPID(pid int, tv time.Time) (*image.Image, error) {
	proc, ok := c.Table.Find(pid)
	if !ok {
		var err error
		proc, err = c.Recovery.Recover(pid, true, tv)
		if err != nil {
			c.Stats.MissByPID.Add(1)
			return nil, err
		}
	}
	img := proc.Image()
	if img == nil {
		return nil, fmt.Errorf("correlator: pid %d has no current image", pid)
	}
	return img.Ref(), nil
}

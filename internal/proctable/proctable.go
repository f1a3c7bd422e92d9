// Package proctable implements the process table (spec component C3): a
// pid-keyed map of live Process state (current working directory, the
// executing image, and an open file-descriptor table), plus the
// find/find_or_create/create/remove/preload operations the correlator (C4)
// drives from its fork/spawn/exec/exit entry points.
//
// Table is safe for concurrent use; Process itself guards its own mutable
// fields with a per-process mutex so a slow fdtab scan on one pid never
// blocks lookups for another.
package proctable

import (
	"sync"
	"time"

	"github.com/tripwire/sentineld/internal/image"
)

// Process holds the live state the correlator maintains for one pid between
// its fork and its exit.
type Process struct {
	mu sync.Mutex

	PID    int
	PPID   int
	ForkTV time.Time
	Cwd    string

	// image is the currently-executing image for this pid (the process's
	// own image_exec slot). It owns a reference; SetImage releases the
	// prior one.
	image *image.Image

	// fdtab maps an open file descriptor number to the image it refers to
	// (e.g. a script interpreter fexecve'd via an fd, or a shared object
	// mapped for the codesign/hash pipeline to inspect). Entries are
	// pooled via fdSlotPool to avoid churn during fd-heavy workloads.
	fdtab map[int]*fdSlot
}

// fdSlot is the per-fd table entry. It is a separate type (rather than
// storing *image.Image directly in fdtab) so slots can be recycled through
// fdSlotPool instead of allocated and garbage-collected on every open/close.
type fdSlot struct {
	img *image.Image
}

var fdSlotPool = sync.Pool{New: func() any { return &fdSlot{} }}

func newProcess(pid, ppid int, forkTV time.Time) *Process {
	return &Process{
		PID:    pid,
		PPID:   ppid,
		ForkTV: forkTV,
		fdtab:  make(map[int]*fdSlot),
	}
}

// Image returns the process's current executing image, or nil if none has
// been set yet (e.g. a forked child that has not yet exec'd).
func (p *Process) Image() *image.Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.image
}

// SetImage installs img as the process's current executing image, taking a
// reference. The previously installed image (if any) is released.
func (p *Process) SetImage(img *image.Image) {
	p.mu.Lock()
	prev := p.image
	p.image = img.Ref()
	p.mu.Unlock()
	if prev != nil {
		prev.Unref()
	}
}

// Chdir updates the process's recorded working directory (the chdir entry
// point in the correlator).
func (p *Process) Chdir(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cwd = path
}

// GetCwd returns the process's recorded working directory.
func (p *Process) GetCwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cwd
}

// GetFD returns the image mapped to fd, if any.
func (p *Process) GetFD(fd int) (*image.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.fdtab[fd]
	if !ok {
		return nil, false
	}
	return slot.img, true
}

// SetFD maps fd to img, taking a reference. Any image previously mapped to
// fd is released first.
func (p *Process) SetFD(fd int, img *image.Image) {
	p.mu.Lock()
	slot, ok := p.fdtab[fd]
	if !ok {
		slot = fdSlotPool.Get().(*fdSlot)
		p.fdtab[fd] = slot
	}
	prev := slot.img
	slot.img = img.Ref()
	p.mu.Unlock()
	if prev != nil {
		prev.Unref()
	}
}

// CloseFD releases and removes the fd entry, returning the slot to the pool.
func (p *Process) CloseFD(fd int) {
	p.mu.Lock()
	slot, ok := p.fdtab[fd]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.fdtab, fd)
	p.mu.Unlock()

	if slot.img != nil {
		slot.img.Unref()
	}
	slot.img = nil
	fdSlotPool.Put(slot)
}

// closeAllFDs releases every remaining fd mapping. Called when the process
// is removed from the table.
func (p *Process) closeAllFDs() {
	p.mu.Lock()
	slots := p.fdtab
	p.fdtab = nil
	p.mu.Unlock()

	for fd, slot := range slots {
		if slot.img != nil {
			slot.img.Unref()
		}
		slot.img = nil
		fdSlotPool.Put(slot)
		delete(slots, fd)
	}
}

// release drops the process's own image reference and closes its fd table.
// Called once, when the process is removed from the Table.
func (p *Process) release() {
	p.mu.Lock()
	img := p.image
	p.image = nil
	p.mu.Unlock()
	if img != nil {
		img.Unref()
	}
	p.closeAllFDs()
}

// Table is the pid-keyed process table.
type Table struct {
	mu    sync.RWMutex
	procs map[int]*Process
}

// New returns an empty Table.
func New() *Table {
	return &Table{procs: make(map[int]*Process)}
}

// Find returns the Process for pid, if the table has one.
func (t *Table) Find(pid int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Create inserts a new Process for pid, overwriting (without releasing) any
// prior entry for a recycled pid. Callers that care about a stale entry
// should call Remove first; Create alone is used when the correlator knows
// from a fresh fork event that no live entry can exist yet.
func (t *Table) Create(pid, ppid int, forkTV time.Time) *Process {
	p := newProcess(pid, ppid, forkTV)
	t.mu.Lock()
	t.procs[pid] = p
	t.mu.Unlock()
	return p
}

// FindOrCreate returns the existing Process for pid, or creates one with the
// given parent pid and fork time if none exists. This is the path taken by
// recovery (C6) reconstructing a process the correlator never saw forked.
func (t *Table) FindOrCreate(pid, ppid int, forkTV time.Time) (proc *Process, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		return p, false
	}
	p := newProcess(pid, ppid, forkTV)
	t.procs[pid] = p
	return p, true
}

// Remove deletes pid's entry (if its ForkTV matches tv, guarding against a
// race where the pid has already been recycled by a newer fork by the time
// the exit event is processed) and releases its image and fd-table
// references. It returns the removed Process, or nil if pid was absent or
// its fork generation had already moved on.
func (t *Table) Remove(pid int, tv time.Time) *Process {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok || !p.ForkTV.Equal(tv) {
		t.mu.Unlock()
		return nil
	}
	delete(t.procs, pid)
	t.mu.Unlock()

	p.release()
	return p
}

// ForceRemove deletes pid's entry regardless of its fork generation and
// releases its references. Used by recovery when a runtime probe proves
// the pid is gone entirely and no trustworthy ForkTV is available to guard
// against a races with a newer fork.
func (t *Table) ForceRemove(pid int) *Process {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.procs, pid)
	t.mu.Unlock()

	p.release()
	return p
}

// Len reports the number of live entries (the §6 "nproc" statistic).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Seed is one preload record: a process already running when the daemon
// started, discovered via an OS-probe scan rather than a kernel fork event.
type Seed struct {
	PID    int
	PPID   int
	ForkTV time.Time
	Cwd    string
}

// Preload populates the table from a snapshot of already-running processes
// taken at startup (§5 "init"), so that exec/exit events for processes whose
// fork predates the daemon can still be attributed to a Process entry
// instead of falling through to per-event recovery. Existing entries for a
// pid already present are left untouched.
func (t *Table) Preload(seeds []Seed) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range seeds {
		if _, ok := t.procs[s.PID]; ok {
			continue
		}
		p := newProcess(s.PID, s.PPID, s.ForkTV)
		p.Cwd = s.Cwd
		t.procs[s.PID] = p
		n++
	}
	return n
}

// macOS implementation of Source using kqueue EVFILT_PROC.
//
// On Darwin there is no NETLINK_CONNECTOR or /proc filesystem. Instead,
// kqueue's EVFILT_PROC filter is used to receive NOTE_EXEC notifications
// when a watched process calls execve. Because EVFILT_PROC requires a
// specific PID (it is not a system-wide subscription), two complementary
// mechanisms work together:
//
//  1. kqueue event loop — NOTE_EXEC fires for already-tracked PIDs; NOTE_FORK
//     fires when a tracked process spawns a child; NOTE_TRACK asks the kernel
//     to auto-register the child for the same events so exec detection is
//     transitive for any process descended from one we already watch.
//
//  2. Rescan loop — every rescanInterval the full process list is
//     re-enumerated via `ps` and any PID not yet tracked by kqueue is added.
//     This acts as a safety net for: (a) processes that existed before the
//     source started, (b) children where NOTE_TRACK failed (NOTE_TRACKERR)
//     because the kernel ran out of kqueue resources or lacked permission.
//
// Privilege requirement:
//
//   - kqueue itself requires no privilege.
//   - EVFILT_PROC filters succeed only for processes owned by the current
//     user (or all processes when running as root). Filters for other
//     users' processes silently fail in track, which is expected.
//   - KERN_PROCARGS2 sysctl (used to read the exec path after NOTE_EXEC)
//     requires the requesting process to have the same effective UID as the
//     target process, or root. Falls back to a synthetic path when
//     unavailable.
//
//go:build darwin

package kernelfeed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tripwire/sentineld/internal/osprobe"
)

// ─── Darwin-specific EVFILT_PROC NOTE flags ──────────────────────────────────
// These constants come from /usr/include/sys/event.h on macOS. They are
// stable kernel ABI but are absent from Go's syscall package.

const (
	noteTrack    uint32 = 0x00000001 // NOTE_TRACK
	noteTrackErr uint32 = 0x00000002 // NOTE_TRACKERR
	noteChild    uint32 = 0x00000004 // NOTE_CHILD
)

const execWatchFflags uint32 = syscall.NOTE_EXEC | syscall.NOTE_FORK | syscall.NOTE_EXIT | noteTrack

const rescanInterval = 500 * time.Millisecond

// execWatchSet tracks which PIDs currently have an EVFILT_PROC filter
// registered on kqfd, shared between the kqueue event goroutine and the
// periodic rescan goroutine. Every field except kqfd is guarded by mu; kqfd
// is set once in Start before either goroutine runs and closed only by the
// event goroutine on exit, so it needs no lock of its own.
type execWatchSet struct {
	kqfd int
	mu   sync.Mutex
	pids map[int]struct{}
}

// track registers an EVFILT_PROC filter for pid if it is not already
// tracked. Registration failure (permission, already-exited pid) is silent:
// the rescan loop will try again on its next tick.
func (w *execWatchSet) track(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, tracked := w.pids[pid]; tracked {
		return
	}

	kev := syscall.Kevent_t{
		Ident:  uint64(pid),
		Filter: syscall.EVFILT_PROC,
		Flags:  syscall.EV_ADD | syscall.EV_ENABLE | syscall.EV_CLEAR,
		Fflags: execWatchFflags,
	}
	if _, err := syscall.Kevent(w.kqfd, []syscall.Kevent_t{kev}, nil, nil); err == nil {
		w.pids[pid] = struct{}{}
	}
}

// trackFromParent records a child PID the kernel auto-registered via
// NOTE_TRACK, without issuing a redundant kevent(2) registration call.
func (w *execWatchSet) trackFromParent(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pids[pid] = struct{}{}
}

func (w *execWatchSet) untrack(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pids, pid)
}

// Start opens a kqueue, seeds the initial watchlist with all running
// processes, and launches two background goroutines (kqueue event loop and
// rescan loop). Start is a no-op (returns nil) if already running.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	kqfd, err := syscall.Kqueue()
	if err != nil {
		return fmt.Errorf("kernelfeed: kqueue: %w", err)
	}

	watch := &execWatchSet{kqfd: kqfd, pids: make(map[int]struct{})}
	for _, pid := range enumeratePIDs() {
		watch.track(pid)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.eventLoop(ctx, watch)
	go s.rescanLoop(ctx, watch)

	s.logger.Info("kernelfeed started", slog.String("mechanism", "kqueue/EVFILT_PROC+NOTE_EXEC+poll"))
	return nil
}

// Stop signals the background goroutines to exit and waits for them to
// finish. Safe to call multiple times.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.logger.Info("kernelfeed stopped")
	})
}

// eventLoop drains kqueue events onto onKevent until ctx is cancelled.
func (s *Source) eventLoop(ctx context.Context, watch *execWatchSet) {
	defer s.wg.Done()
	defer func() { _ = syscall.Close(watch.kqfd) }()

	events := make([]syscall.Kevent_t, 32)
	timeout := syscall.Timespec{Nsec: 100_000_000}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := syscall.Kevent(watch.kqfd, nil, events, &timeout)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("kernelfeed: kevent error", slog.Any("error", err))
			return
		}

		for i := 0; i < n; i++ {
			s.onKevent(watch, &events[i])
		}
	}
}

// onKevent dispatches a single EVFILT_PROC event by its Fflags bit. Exactly
// one case fires per event: the five NOTE_* conditions are mutually
// exclusive in the kernel's reporting.
func (s *Source) onKevent(watch *execWatchSet, ev *syscall.Kevent_t) {
	pid := int(ev.Ident)
	fflags := ev.Fflags

	if fflags&syscall.NOTE_EXEC != 0 {
		s.dispatchExec(pid)
		return
	}
	if fflags&syscall.NOTE_FORK != 0 {
		if childPID := int(ev.Data); childPID > 0 {
			watch.track(childPID)
		}
		return
	}
	if fflags&noteTrackErr != 0 {
		s.logger.Debug("kernelfeed: NOTE_TRACKERR — child not tracked", slog.Int("pid", pid))
		return
	}
	if fflags&noteChild != 0 {
		watch.trackFromParent(pid)
		return
	}
	if fflags&syscall.NOTE_EXIT != 0 {
		watch.untrack(pid)
	}
}

// dispatchExec resolves pid's newly-exec'd image path and forwards it to
// onExec, falling back to a synthetic path when the sysctl lookup fails
// (process already exited, or permission denied).
func (s *Source) dispatchExec(pid int) {
	exe := execPathFromSysctl(pid)
	if exe == "" {
		exe = osprobe.SyntheticPath(pid)
	}
	s.onExec(pid, exe)
}

// rescanLoop periodically re-enumerates the running process list so PIDs
// that predate Start, or whose NOTE_TRACK registration failed, still get a
// kqueue filter.
func (s *Source) rescanLoop(ctx context.Context, watch *execWatchSet) {
	defer s.wg.Done()

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range enumeratePIDs() {
				watch.track(pid)
			}
		}
	}
}

// execPathFromSysctl reads the executable path for pid using the
// KERN_PROCARGS2 sysctl, whose buffer begins with a 4-byte argc followed by
// the NUL-terminated exec path. Returns "" if the process has already
// exited or the caller lacks permission.
func execPathFromSysctl(pid int) string {
	raw, err := syscall.SysctlRaw("kern.procargs2", int32(pid))
	if err != nil || len(raw) < 4 {
		return ""
	}
	rest := raw[4:]
	idx := bytes.IndexByte(rest, 0)
	if idx < 0 {
		return ""
	}
	return string(rest[:idx])
}

// enumeratePIDs returns the PIDs of all currently running processes by
// invoking `ps -axo pid=`. A nil slice is returned on any error.
func enumeratePIDs() []int {
	out, err := exec.Command("ps", "-axo", "pid=").Output()
	if err != nil {
		return nil
	}

	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

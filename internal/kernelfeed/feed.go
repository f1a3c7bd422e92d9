// Package kernelfeed is the kernel pre-exec callback thread (spec.md §5):
// the platform-specific goroutine that observes an exec before it commits
// and turns it into a pre-exec queue entry.
//
// Platform support:
//
//   - Linux: NETLINK_CONNECTOR process connector (kernel-driven, zero-polling).
//   - macOS/Darwin: kqueue EVFILT_PROC with NOTE_EXEC + periodic process-list
//     poll (fallback; per-PID subscription, no system-wide subscription).
//   - Other: a stub that returns an error on Start.
//
// Source is safe for concurrent use.
package kernelfeed

import (
	"log/slog"
	"sync"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
)

// Acquirer runs the acquisition pipeline against a freshly opened image.
// Satisfied by *acquire.Pipeline.
type Acquirer interface {
	Acquire(img *image.Image, kern bool) error
}

// Appender enqueues a pre-exec image for later correlation. Satisfied by
// *prequeue.Queue.
type Appender interface {
	Append(img *image.Image)
}

// Source monitors execve-before-commit notifications and turns each one
// into an acquired image appended to the pre-exec queue. Start requires
// CAP_NET_ADMIN (or root) on Linux.
type Source struct {
	PQ       Appender
	Pipeline Acquirer
	Stats    *metrics.Stats
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   func() // non-nil while running; platform files set this
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Source. If logger is nil, slog.Default() is used. The
// returned Source is not yet started; call Start to begin monitoring.
func New(pq Appender, pipeline Acquirer, stats *metrics.Stats, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{PQ: pq, Pipeline: pipeline, Stats: stats, logger: logger}
}

// onExec is called by the platform-specific loop for every observed
// pre-exec notification. It constructs an image for path, runs it through
// the acquisition pipeline (kern=true: deferring anything too expensive to
// do on the kernel-callback thread), and appends it to the PQ.
func (s *Source) onExec(pid int, path string) {
	if path == "" {
		return
	}
	img, err := image.New(path)
	if err != nil {
		return
	}
	img.PID = pid

	if err := img.Open(nil); err != nil {
		s.logger.Debug("kernelfeed: open failed, queuing attr-less image",
			slog.Int("pid", pid), slog.String("path", path), slog.Any("error", err))
	}

	if err := s.Pipeline.Acquire(img, true); err != nil {
		s.logger.Warn("kernelfeed: acquire failed",
			slog.Int("pid", pid), slog.String("path", path), slog.Any("error", err))
	}

	s.PQ.Append(img)
	if s.Stats != nil {
		s.Stats.Images.Add(1)
	}
}

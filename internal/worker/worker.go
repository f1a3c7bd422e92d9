// Package worker implements the worker pool (spec §5/§6): a fixed-size
// goroutine pool that runs the acquisition pipeline to completion on
// submitted images (kern=false, so no kext-level or large-file deferral
// applies) and routes the result to either suppression or emission.
package worker

import (
	"log/slog"
	"sync"

	"github.com/tripwire/sentineld/internal/acquire"
	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
)

// Event is the finalized, emitted form of an Image: a flattened snapshot
// taken after acquisition completes, safe to hand to a sink without the
// sink needing to understand Image's reference-counting or mutex
// discipline.
type Event struct {
	Seq        int64
	Path       string
	ScriptPath string
	Hashes     image.HashSet
	Codesign   *image.Signature
	Argv       []string
	Envv       []string
	Cwd        string
	Subject    image.Subject
	PID        int
	ForkTV     int64 // UnixNano
	EventTV    int64 // UnixNano
}

// Sink consumes finalized events. Implementations (outbox.Queue, and the
// daemon's audit-log-plus-outbox adapter) must not
// block indefinitely; the worker pool has no further backpressure
// mechanism beyond the submission queue itself.
type Sink interface {
	Emit(Event) error
}

// Pool runs a fixed number of worker goroutines draining a submission
// queue of images. The queue depth is bounded; Submit drops (and logs) an
// image rather than blocking the caller, matching the teacher's
// non-blocking emit() pattern for a full channel.
type Pool struct {
	acquire *acquire.Pipeline
	sink    Sink
	stats   *metrics.Stats
	logger  *slog.Logger

	size  int
	queue chan *image.Image
	wg    sync.WaitGroup
}

// New constructs a Pool with size worker goroutines and the given queue
// depth. Call Start to begin processing and Stop to drain and join.
func New(size, queueDepth int, pipeline *acquire.Pipeline, sink Sink, stats *metrics.Stats, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		acquire: pipeline,
		sink:    sink,
		stats:   stats,
		logger:  logger,
		size:    size,
		queue:   make(chan *image.Image, queueDepth),
	}
}

// Start launches the configured number of worker goroutines.
func (p *Pool) Start() {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.loop()
	}
}

// Submit enqueues img for completion and eventual emission, transferring
// ownership of one reference. If the queue is full the image is released
// immediately and the drop is logged; the caller retains no reference
// either way.
func (p *Pool) Submit(img *image.Image) {
	select {
	case p.queue <- img:
	default:
		p.logger.Warn("worker: submission queue full, dropping image",
			slog.String("path", img.Path), slog.Int("pid", img.PID))
		img.Unref()
	}
}

// Stop closes the submission queue and waits for every in-flight image to
// finish processing.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for img := range p.queue {
		p.process(img)
	}
}

func (p *Pool) process(img *image.Image) {
	defer img.Unref()

	if err := p.acquire.Acquire(img, false); err != nil {
		p.logger.Warn("worker: acquisition failed", slog.String("path", img.Path), slog.Any("err", err))
	}

	img.Mu.Lock()
	suppressed := img.Flags.Has(image.FlagEnomem) || img.Flags.Has(image.FlagNoLog)
	ev := eventFromImage(img)
	img.Mu.Unlock()

	if suppressed {
		return
	}

	if err := p.sink.Emit(ev); err != nil {
		p.logger.Warn("worker: sink emit failed", slog.String("path", img.Path), slog.Any("err", err))
	}
}

// eventFromImage must be called with img.Mu held.
func eventFromImage(img *image.Image) Event {
	return Event{
		Seq:        img.Seq(),
		Path:       img.Path,
		ScriptPath: scriptPathLocked(img),
		Hashes:     img.Hashes,
		Codesign:   img.Codesign,
		Argv:       img.Argv,
		Envv:       img.Envv,
		Cwd:        img.Cwd,
		Subject:    img.Subject,
		PID:        img.PID,
		ForkTV:     img.ForkTV.UnixNano(),
		EventTV:    img.EventTV.UnixNano(),
	}
}

func scriptPathLocked(img *image.Image) string {
	if img.Script != nil {
		return img.Script.Path
	}
	return ""
}

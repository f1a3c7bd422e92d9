// Package daemon wires together the process-monitoring correlation engine:
// the pre-exec queue, process table, correlator, acquisition pipeline,
// recovery service, worker pool, kernel-feed source, audit-trail reader,
// tamper-evident audit log, durable outbox, Postgres sink, and REST API,
// managing their lifecycle through a shared context. It is the sentineld
// counterpart of the teacher's agent orchestrator.
package daemon

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tripwire/sentineld/internal/acquire"
	"github.com/tripwire/sentineld/internal/api"
	"github.com/tripwire/sentineld/internal/audit"
	"github.com/tripwire/sentineld/internal/auditfeed"
	"github.com/tripwire/sentineld/internal/cache"
	"github.com/tripwire/sentineld/internal/config"
	"github.com/tripwire/sentineld/internal/correlator"
	"github.com/tripwire/sentineld/internal/kernelfeed"
	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/outbox"
	"github.com/tripwire/sentineld/internal/osprobe"
	"github.com/tripwire/sentineld/internal/prequeue"
	"github.com/tripwire/sentineld/internal/proctable"
	"github.com/tripwire/sentineld/internal/recovery"
	"github.com/tripwire/sentineld/internal/sink"
	"github.com/tripwire/sentineld/internal/worker"
)

// flushBatchSize is how many outbox rows the Postgres drain loop pulls per
// iteration.
const flushBatchSize = 100

// Daemon is the central orchestrator of the sentineld correlation engine.
// Construct with New, call Start to bring every component up, and Stop to
// shut down cleanly.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	stats     *metrics.Stats
	pq        *prequeue.Queue
	table     *proctable.Table
	hashCache *cache.HashCache
	sigCache  *cache.SigCache
	pipeline  *acquire.Pipeline
	pool      *worker.Pool
	recov     *recovery.Service
	corr      *correlator.Correlator
	kfeed     *kernelfeed.Source
	afeed     *auditfeed.Reader

	auditLog *audit.Logger
	outboxQ  *outbox.Queue
	pgSink   *sink.Store

	healthSrv *http.Server
	apiSrv    *http.Server

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New constructs a Daemon from cfg. Construction opens the audit log and
// outbox files and may fail if either cannot be opened. It starts no
// network listeners, and no goroutines except the Postgres sink's own
// background flush goroutine, which sink.New starts when
// cfg.Sinks.PostgresDSN is set.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stats := &metrics.Stats{}

	hashCache, err := cache.NewHashCache(cfg.Engine.HashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("daemon: hash cache: %w", err)
	}
	sigCache, err := cache.NewSigCache(cfg.Engine.SigCacheSize)
	if err != nil {
		return nil, fmt.Errorf("daemon: sig cache: %w", err)
	}

	pipeline, err := acquire.New(cfg.Engine, hashCache, sigCache, acquire.NoSigner)
	if err != nil {
		return nil, fmt.Errorf("daemon: acquire pipeline: %w", err)
	}

	auditLog, err := audit.Open(cfg.Sinks.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open audit log: %w", err)
	}

	outboxQ, err := outbox.Open(cfg.Sinks.OutboxPath)
	if err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("daemon: open outbox: %w", err)
	}

	var pgSink *sink.Store
	if cfg.Sinks.PostgresDSN != "" {
		pgSink, err = sink.New(context.Background(), cfg.Sinks.PostgresDSN, 0, cfg.Sinks.FlushInterval)
		if err != nil {
			_ = outboxQ.Close()
			_ = auditLog.Close()
			return nil, fmt.Errorf("daemon: open postgres sink: %w", err)
		}
	}

	pq := prequeue.New(cfg.Engine.MaxPQTTL)
	table := proctable.New()

	pool := worker.New(cfg.Engine.WorkerPoolSize, 0, pipeline, &auditOutboxSink{log: auditLog, outbox: outboxQ, logger: logger}, stats, logger)

	recov := recovery.New(table, pool, stats)

	suppression := correlator.NewSuppressionSets(
		cfg.Engine.Suppression.ByIdent,
		cfg.Engine.Suppression.ByPath,
		cfg.Engine.Suppression.AncestorByIdent,
		cfg.Engine.Suppression.AncestorByPath,
	)
	corr := correlator.New(pq, table, pool, recov, stats, cfg.Engine.AncestorDepth, suppression)

	kfeed := kernelfeed.New(pq, pipeline, stats, logger)
	afeed := auditfeed.New(cfg.AuditFeedPath, corr, logger)

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		stats:     stats,
		pq:        pq,
		table:     table,
		hashCache: hashCache,
		sigCache:  sigCache,
		pipeline:  pipeline,
		pool:      pool,
		recov:     recov,
		corr:      corr,
		kfeed:     kfeed,
		afeed:     afeed,
		auditLog:  auditLog,
		outboxQ:   outboxQ,
		pgSink:    pgSink,
	}, nil
}

// auditOutboxSink implements worker.Sink by appending the finalized event to
// the tamper-evident audit log and then persisting it to the durable
// outbox, matching SPEC_FULL.md §11: the outbox entry is written
// immediately after the audit entry so a crash between the two still
// leaves the audit log consistent (an outbox entry without a matching
// audit record never happens; the reverse, an audit record whose outbox
// write did not land before a crash, stays in the audit log only: nothing
// re-queues it into the outbox on restart).
type auditOutboxSink struct {
	log    *audit.Logger
	outbox *outbox.Queue
	logger *slog.Logger
}

func (s *auditOutboxSink) Emit(evt worker.Event) error {
	if _, err := s.log.Append(auditRecordFromEvent(evt)); err != nil {
		return fmt.Errorf("daemon: audit append: %w", err)
	}
	if err := s.outbox.Emit(evt); err != nil {
		return fmt.Errorf("daemon: outbox emit: %w", err)
	}
	return nil
}

// auditRecordFromEvent projects a worker.Event down to the fields the
// hash-chained audit log records, hex-encoding the raw digest bytes so the
// chained entry is self-contained JSON rather than carrying worker.Event's
// internal layout into the on-disk wire format.
func auditRecordFromEvent(evt worker.Event) audit.ProcessEventRecord {
	hashes := make(map[string]string, len(evt.Hashes))
	for alg, sum := range evt.Hashes {
		hashes[alg] = hex.EncodeToString(sum)
	}
	rec := audit.ProcessEventRecord{
		PID:        evt.PID,
		Path:       evt.Path,
		ScriptPath: evt.ScriptPath,
		Hashes:     hashes,
		Argv:       evt.Argv,
		Cwd:        evt.Cwd,
		ForkTV:     evt.ForkTV,
		EventTV:    evt.EventTV,
	}
	if evt.Codesign != nil {
		rec.CodesignOK = evt.Codesign.Valid
		rec.SigningID = evt.Codesign.Identifier
		rec.TeamID = evt.Codesign.TeamID
	}
	return rec
}

// Start brings up every component: preloads the process table from live OS
// state, starts the worker pool, the kernel-feed source, the audit-feed
// reader, the outbox-to-Postgres drain loop (if configured), and the
// health/metrics and REST API HTTP listeners.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting sentineld",
		slog.String("health_addr", d.cfg.HealthAddr),
		slog.String("api_addr", d.cfg.API.Addr),
		slog.String("audit_feed_path", d.cfg.AuditFeedPath),
	)

	seeds := preloadSeeds()
	n := d.table.Preload(seeds)
	d.logger.Info("preloaded process table from live OS state", slog.Int("seeded", n), slog.Int("observed", len(seeds)))

	d.pool.Start()

	if err := d.kfeed.Start(ctx); err != nil {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("daemon: kernelfeed failed to start: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.afeed.Run(ctx); err != nil {
			d.logger.Error("auditfeed: reader exited", slog.Any("error", err))
		}
	}()

	if d.pgSink != nil {
		d.wg.Add(1)
		go d.flushLoop(ctx)
	}

	d.startHealthServer()
	d.startAPIServer()

	d.logger.Info("sentineld started")
	return nil
}

// preloadSeeds enumerates currently running processes via gopsutil, the
// concrete implementation of spec.md's "walks live state from the OS" for
// the process-table preload pass (SPEC_FULL.md §4.3).
func preloadSeeds() []proctable.Seed {
	pids, err := process.Pids()
	if err != nil {
		return nil
	}

	seeds := make([]proctable.Seed, 0, len(pids))
	for _, pid := range pids {
		p := int(pid)
		cwd, err := osprobe.PidCwd(p)
		if err != nil {
			continue
		}
		bsd, err := osprobe.PidBSDInfo(p)
		if err != nil {
			continue
		}
		seeds = append(seeds, proctable.Seed{
			PID:    p,
			PPID:   bsd.PPID,
			ForkTV: bsd.ForkTV,
			Cwd:    cwd,
		})
	}
	return seeds
}

// flushLoop periodically drains the outbox into the Postgres sink,
// acknowledging each row only after BatchInsertEvent accepts it. It runs
// until ctx is cancelled.
func (d *Daemon) flushLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Sinks.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = d.pgSink.Flush(context.Background())
			return
		case <-ticker.C:
			d.drainOutboxOnce(ctx)
		}
	}
}

func (d *Daemon) drainOutboxOnce(ctx context.Context) {
	pending, err := d.outboxQ.Dequeue(ctx, flushBatchSize)
	if err != nil {
		d.logger.Warn("daemon: outbox dequeue failed", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]int64, 0, len(pending))
	for _, pe := range pending {
		evt := sink.FromOutbox(pe)
		if err := d.pgSink.BatchInsertEvent(ctx, evt); err != nil {
			d.logger.Warn("daemon: postgres insert failed, will retry next cycle",
				slog.Int64("outbox_id", pe.ID), slog.Any("error", err))
			continue
		}
		ids = append(ids, pe.ID)
	}

	if len(ids) == 0 {
		return
	}
	if err := d.pgSink.Flush(ctx); err != nil {
		d.logger.Warn("daemon: postgres flush failed, rows remain unacked", slog.Any("error", err))
		return
	}
	if err := d.outboxQ.Ack(ctx, ids); err != nil {
		d.logger.Warn("daemon: outbox ack failed", slog.Any("error", err))
	}
}

// startHealthServer launches the unauthenticated /healthz + /metrics
// listener described in SPEC_FULL.md §12.
func (d *Daemon) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/metrics", d.handleMetrics)

	d.healthSrv = &http.Server{
		Addr:         d.cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		d.logger.Info("health/metrics server listening", slog.String("addr", d.cfg.HealthAddr))
		if err := d.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("health/metrics server error", slog.Any("error", err))
		}
	}()
}

// startAPIServer launches the authenticated REST API described in
// internal/api, JWT-gated when a public key is configured.
func (d *Daemon) startAPIServer() {
	var pubKey *rsa.PublicKey
	if d.cfg.API.JWTPublicKeyPath != "" {
		key, err := loadRSAPublicKey(d.cfg.API.JWTPublicKeyPath)
		if err != nil {
			d.logger.Error("daemon: failed to load JWT public key, API will run unauthenticated",
				slog.String("path", d.cfg.API.JWTPublicKeyPath), slog.Any("error", err))
		} else {
			pubKey = key
		}
	}

	var store api.Store = noPostgresStore{}
	if d.pgSink != nil {
		store = d.pgSink
	}
	statsFn := api.StatsProviderFunc(func() metrics.Snapshot { return d.stats.Snap(d.pq) })

	srv := api.NewServer(store, statsFn)
	handler := api.NewRouter(srv, pubKey)

	d.apiSrv = &http.Server{
		Addr:         d.cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		d.logger.Info("REST API server listening", slog.String("addr", d.cfg.API.Addr))
		if err := d.apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("REST API server error", slog.Any("error", err))
		}
	}()
}

// noPostgresStore backs api.Store when sinks.postgres_dsn is unset, so
// GET /api/v1/events returns a clear error instead of a nil-interface panic.
type noPostgresStore struct{}

func (noPostgresStore) QueryEvents(ctx context.Context, q sink.EventQuery) ([]sink.Event, error) {
	return nil, fmt.Errorf("daemon: no postgres sink configured, /api/v1/events is unavailable")
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return key, nil
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(d.startTime).Seconds(),
	})
}

func (d *Daemon) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := d.stats.Snap(d.pq)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.Prometheus(snap)))
}

// Stop signals every component to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	d.kfeed.Stop()
	d.pool.Stop()
	d.wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if d.apiSrv != nil {
		if err := d.apiSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("REST API server shutdown error", slog.Any("error", err))
		}
	}
	if d.healthSrv != nil {
		if err := d.healthSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("health/metrics server shutdown error", slog.Any("error", err))
		}
	}

	if d.pgSink != nil {
		d.pgSink.Close(shutdownCtx)
	}
	if err := d.outboxQ.Close(); err != nil {
		d.logger.Warn("error closing outbox", slog.Any("error", err))
	}
	if err := d.auditLog.Close(); err != nil {
		d.logger.Warn("error closing audit log", slog.Any("error", err))
	}

	d.logger.Info("sentineld stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

type Server struct {
	tr        *Tracker
	persister *Persister
	store     SnapshotStore
	limiter   *ipRateLimiter
	logger    *slog.Logger
	shutdown  chan struct{}
	ready     chan struct{}
	addr      net.Addr
	whitelist whitelist
	cfg       config
	stopOnce  sync.Once
	readyOnce sync.Once
}

// quarantiner is implemented by stores that can move a corrupt snapshot aside.
type quarantiner interface {
	Quarantine() (string, error)
}

// NewServer wires the swarm store, its persistence backend and the HTTP
// surface. Nothing is loaded or served until Run.
func NewServer(ctx context.Context, cfg config) (*Server, error) {
	if cfg.similarity <= 0 {
		return nil, fmt.Errorf("similarity ratio must be positive, got %v", cfg.similarity)
	}
	if cfg.maxPeers <= 0 {
		cfg.maxPeers = defaultMaxPeers
	}
	if cfg.announceInterval <= 0 {
		cfg.announceInterval = defaultAnnounceInterval
	}
	if cfg.shutdownTimeout <= 0 {
		cfg.shutdownTimeout = defaultShutdownTimeout
	}

	var store SnapshotStore
	if cfg.redisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		rs, err := newRedisStoreFromURL(pingCtx, cfg.redisURL, cfg.redisKey)
		if err != nil {
			return nil, fmt.Errorf("redis state store: %w", err)
		}
		store = rs
	} else {
		path := cfg.statePath
		if path == "" {
			path = defaultStatePath
		}
		store = NewFileStore(path)
	}

	tr := newTracker(cfg.similarity, cfg.peerTimeout)
	return &Server{
		cfg:       cfg,
		tr:        tr,
		store:     store,
		persister: NewPersister(store, tr),
		limiter:   newIPRateLimiter(cfg.rate, cfg.burst),
		logger:    slog.Default(),
		shutdown:  make(chan struct{}),
		ready:     make(chan struct{}),
	}, nil
}

// markReady releases Addr callers, whether or not the listener came up.
func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// requestShutdown asks Run to stop; safe to call more than once.
func (s *Server) requestShutdown() {
	s.stopOnce.Do(func() { close(s.shutdown) })
}

// Run loads saved state, serves until ctx is canceled or a shutdown is
// requested, then saves state one last time within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	defer s.markReady()
	defer s.closeStore()

	info("Starting Pico Swarm", "version", version)
	if debugEnabled() {
		debug("Debug mode is enabled")
	}

	if err := s.loadState(ctx); err != nil {
		return err
	}

	if s.cfg.whitelistPath != "" {
		s.whitelist.watch(ctx, s.cfg.whitelistPath, whitelistRefreshInterval)
	}

	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.addr, err)
	}
	s.addr = ln.Addr()
	s.markReady()
	info("HTTP tracker listening", "addr", s.addr.String(), "state", s.store.String())

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.tr.reapLoop(gctx, s.cfg.reapInterval)
		return nil
	})
	g.Go(func() error {
		s.persister.saveLoop(gctx, s.cfg.saveInterval)
		return nil
	})
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
			info("Shutdown requested over HTTP")
		}
		cancel()

		info("Shutting down gracefully...")
		drainCtx, drainCancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
		defer drainCancel()
		if err := httpSrv.Shutdown(drainCtx); err != nil {
			warn("Forcing shutdown after timeout, some requests incomplete", "error", err)
		}
		return nil
	})

	runErr := g.Wait()

	if err := s.finalSave(); err != nil {
		return errors.Join(runErr, err)
	}
	info("Shutdown complete")
	return runErr
}

// Addr blocks until the listener is up and returns its address. It returns
// nil when Run failed before listening.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// loadState restores the swarm. A corrupt snapshot is reported and moved
// aside and serving continues with an empty store. When the store cannot be
// read at all the error is returned, since autosave would overwrite a
// snapshot that may still be intact.
func (s *Server) loadState(ctx context.Context) error {
	_, err := s.persister.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCorruptState):
		errorLog("saved state is unreadable, starting with an empty store", "store", s.store.String(), "error", err)
		if q, ok := s.store.(quarantiner); ok {
			if dst, qerr := q.Quarantine(); qerr != nil {
				errorLog("failed to move corrupt state aside", "error", qerr)
			} else {
				warn("corrupt state moved aside", "path", dst)
			}
		}
	default:
		errorLog("failed to load state", "store", s.store.String(), "error", err)
		return fmt.Errorf("load state: %w", err)
	}
	trackedTorrents.Set(float64(s.tr.Len()))
	livePeersGauge.Set(float64(s.tr.livePeers()))
	return nil
}

// closeStore releases backends that hold connections.
func (s *Server) closeStore() {
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			warn("failed to close state store", "store", s.store.String(), "error", err)
		}
	}
}

// finalSave writes the last snapshot, giving up after the shutdown timeout.
func (s *Server) finalSave() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
	defer cancel()

	type result struct {
		err error
		n   int
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.persister.Save(ctx, "shutdown")
		done <- result{n: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			errorLog("final state save failed", "error", res.err)
			return res.err
		}
		info("state saved", "torrents", res.n, "store", s.store.String())
		return nil
	case <-ctx.Done():
		errorLog("final state save timed out", "timeout", s.cfg.shutdownTimeout)
		return fmt.Errorf("%w: final save timed out after %s", ErrPersistenceFailure, s.cfg.shutdownTimeout)
	}
}

// cleanupLoop drops idle rate limiter buckets.
func (s *Server) cleanupLoop(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(rateLimiterIdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.cleanup(time.Now().Add(-rateLimiterIdleTimeout)); n > 0 {
				debug("dropped idle rate limiters", "count", n)
			}
		}
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/announce", s.handleAnnounce).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleAnnounce).Methods(http.MethodGet)
	r.HandleFunc("/scrape", s.handleScrape).Methods(http.MethodGet)
	r.HandleFunc("/add_torrent_info", s.handleAddTorrentInfo).Methods(http.MethodPost)
	r.HandleFunc("/add_torrent", s.handleAddTorrentInfo).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/save_state", s.handleSaveState).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, s.cfg.trustProxy, r), "pico-swarm",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, metricsMiddleware(traced))
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

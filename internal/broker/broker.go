// ABOUTME: Top-level broker wiring all components behind one HTTP server.
// ABOUTME: Owns startup order, the maintenance ticker, and graceful shutdown.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/candorhq/switchboard/internal/assign"
	"github.com/candorhq/switchboard/internal/config"
	"github.com/candorhq/switchboard/internal/registry"
	"github.com/candorhq/switchboard/internal/roster"
	"github.com/candorhq/switchboard/internal/session"
	"github.com/candorhq/switchboard/internal/store"
	"github.com/candorhq/switchboard/internal/transport"
)

// Broker is the assembled service: connection registry, agent roster,
// session table, assignment coordinator, and the WebSocket endpoint that
// feeds them.
type Broker struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *registry.Registry
	roster      *roster.Store
	table       *session.Table
	coordinator *assign.Coordinator
	router      *Router
	accounts    store.Store

	httpServer *http.Server

	mu      sync.Mutex
	started bool
	stopped bool
	sweep   *time.Ticker
	done    chan struct{}
}

// New assembles a Broker from configuration. The agent directory store
// is optional; pass nil to run without persistence.
func New(cfg *config.Config, accounts store.Store, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		cfg:      cfg,
		logger:   logger.With("component", "broker"),
		accounts: accounts,
		done:     make(chan struct{}),
	}

	b.registry = registry.New(logger)
	b.table = session.NewTable(logger)

	b.router = NewRouter(b.registry, nil, b.table, accounts, logger)

	b.roster = roster.NewStore(roster.Options{
		LoadCeiling:      cfg.Broker.LoadCeiling,
		HeartbeatTimeout: cfg.Broker.HeartbeatTimeout,
		OnFirstSeen:      b.router.FirstSeen,
		Logger:           logger,
	})
	b.router.roster = b.roster

	b.coordinator = assign.NewCoordinator(assign.Options{
		Roster:     b.roster,
		Sessions:   b.table,
		Emitter:    b.router,
		Timeout:    cfg.Broker.AssignmentTimeout,
		MaxRetries: cfg.Broker.MaxAssignRetries,
		Logger:     logger,
	})
	b.router.SetCoordinator(b.coordinator)

	ws := transport.NewWebSocketHandler(b.router, logger)

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/ws", ws.ServeHTTP)
	mux.Get("/healthz", b.handleHealth)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b
}

// Run starts the broker and blocks until the context is cancelled or
// the listener fails, then shuts down with a grace period.
func (b *Broker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (b *Broker) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("broker already started")
	}
	b.started = true

	if b.cfg.Broker.SweepEnabled || b.cfg.Broker.ReconnectGrace > 0 {
		b.sweep = time.NewTicker(b.cfg.Broker.SweepInterval)
		go b.maintenanceLoop(b.sweep.C)
	}
	b.mu.Unlock()

	b.logger.Info("broker listening",
		"addr", b.cfg.Server.HTTPAddr,
		"load_ceiling", b.cfg.Broker.LoadCeiling,
		"heartbeat_timeout", b.cfg.Broker.HeartbeatTimeout,
	)

	if err := b.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the broker down: the listener stops accepting, in-flight
// handlers get the context's grace period, and the sweep ticker halts.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	if b.sweep != nil {
		b.sweep.Stop()
	}
	close(b.done)
	b.mu.Unlock()

	b.logger.Info("broker shutting down",
		"live_conversations", b.table.Len(),
		"pending_assignments", b.coordinator.PendingCount(),
	)

	if err := b.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Router exposes the event router, mainly for tests that drive events
// without a live WebSocket.
func (b *Broker) Router() *Router { return b.router }

// Roster exposes the agent roster.
func (b *Broker) Roster() *roster.Store { return b.roster }

// Sessions exposes the live conversation table.
func (b *Broker) Sessions() *session.Table { return b.table }

// maintenanceLoop runs the periodic background work: evicting stale
// queue entries and closing conversations abandoned past the reconnect
// grace period.
func (b *Broker) maintenanceLoop(ticks <-chan time.Time) {
	for {
		select {
		case <-b.done:
			return
		case <-ticks:
			if b.cfg.Broker.SweepEnabled {
				if evicted := b.roster.Sweep(); len(evicted) > 0 {
					b.logger.Info("swept unreachable agents from queue",
						"agents", evicted,
					)
				}
			}
			if grace := b.cfg.Broker.ReconnectGrace; grace > 0 {
				if closed := b.router.ReapAbandoned(grace); closed > 0 {
					b.logger.Info("closed abandoned conversations",
						"count", closed,
						"grace", grace,
					)
				}
			}
		}
	}
}

func (b *Broker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","agents":%d,"conversations":%d}`,
		len(b.roster.Snapshot()), b.table.Len())
}

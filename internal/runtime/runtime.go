package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/pipeline"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  telemetry
	journal    *eventstore.Store
	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	handler    http.Handler
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then drains in-flight exchanges.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	ln, err := net.Listen("tcp", r.cfg.HTTP.Addr())
	if err != nil {
		r.close(context.Background())
		return fmt.Errorf("listen on %s: %w", r.cfg.HTTP.Addr(), err)
	}
	return r.serve(ctx, ln)
}

func (r *Runtime) serve(ctx context.Context, ln net.Listener) error {
	r.httpServer = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			errCh <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("relay started", slog.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	r.ready.Store(false)
	r.logger.Info("relay stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.HTTP.ShutdownTimeout())
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return serveErr
}

// setup builds every component the handler depends on.
func (r *Runtime) setup(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	gen, err := newGenerator(r.cfg.LLM)
	if err != nil {
		return err
	}
	synth, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}

	var recorders pipeline.Recorders
	r.journal, err = eventstore.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if r.journal.Enabled() {
		recorders = append(recorders, r.journal)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if url := r.embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		recorders = append(recorders, r.bus)
	}

	var recorder pipeline.Recorder
	if len(recorders) > 0 {
		recorder = recorders
	}
	r.handler = r.routes(pipeline.New(r.cfg, gen, synth, recorder, r.logger))
	return nil
}

func (r *Runtime) routes(h *pipeline.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(protocol.RouteChat, otelhttp.WithRouteTag(protocol.RouteChat, h))
	if r.cfg.HTTP.TextEndpoint {
		mux.Handle(protocol.RouteProcessText, otelhttp.WithRouteTag(protocol.RouteProcessText, h.TextHandler()))
	}
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.journal != nil && r.journal.Enabled() {
		mux.HandleFunc("GET "+protocol.RouteExchanges, r.handleExchanges)
	}
	if r.telemetry.metrics != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, r.telemetry.metrics)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: r.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{protocol.HeaderResponseText, protocol.HeaderExchangeID},
	})
	return otelhttp.NewHandler(c.Handler(mux), r.cfg.ServiceName)
}

func (r *Runtime) close(ctx context.Context) {
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	if r.telemetry.shutdown != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "openrouter":
		return llm.NewOpenRouterGenerator(cfg, nil), nil
	case "mock":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "elevenlabs":
		return tts.NewElevenLabsSynth(cfg, nil), nil
	case "mock":
		return tts.NewMockSynth(0), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleExchanges lists the most recently journaled exchanges, newest first.
func (r *Runtime) handleExchanges(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.journal.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Error("journal query failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "Internal Server Error"})
		return
	}
	if events == nil {
		events = []protocol.ExchangeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package pipeline serves the voice exchange endpoints: validate the query,
// obtain one completion, then relay one synthesized audio stream back to the
// caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/loqalabs/loqa-relay/internal/upstream"
)

const (
	msgQueryRequired    = "Message is required"
	msgBodyTooLarge     = "Request body too large"
	msgMethodNotAllowed = "Method Not Allowed"

	recordTimeout = 2 * time.Second
)

// Handler runs one exchange per request. It holds no per-request state.
type Handler struct {
	cfg      config.Config
	gen      llm.Generator
	synth    tts.Synthesizer
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer

	newID func() string
	now   func() time.Time
}

// New builds the handler for /api/chat. recorder may be nil.
func New(cfg config.Config, gen llm.Generator, synth tts.Synthesizer, recorder Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))
	m, err := newMetrics()
	if err != nil {
		logger.Warn("failed to initialise pipeline metrics", slogError(err))
	}
	return &Handler{
		cfg:      cfg,
		gen:      gen,
		synth:    synth,
		recorder: recorder,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer(instrumentationName),
		newID:    func() string { return xid.New().String() },
		now:      time.Now,
	}
}

// ServeHTTP answers with an audio/mpeg stream whose reply text travels in the
// X-AI-Response-Text header. Any failure before the status line is written is
// a JSON error; a failure after that truncates the stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex, ctx, done := h.begin(w, r, protocol.RouteChat)
	defer done()
	if ex.state.Terminal() {
		return
	}

	completion, err := h.complete(ctx, ex)
	if err != nil {
		h.fail(w, ex, upstream.HTTPStatus(err), upstream.ClientMessage(err), err)
		return
	}
	ex.completed(completion)

	ex.transition(StateConnecting)
	hdr := w.Header()
	hdr.Set(protocol.HeaderResponseText, encodeURIComponent(ex.reply))
	hdr.Set("Content-Type", protocol.ContentTypeAudio)
	hdr.Set("Cache-Control", "no-cache")

	// The caller may have left while the completion was pending.
	if err := ctx.Err(); err != nil {
		unstageAudioHeaders(hdr)
		h.fail(w, ex, http.StatusInternalServerError, upstream.ClientMessage(err), err)
		return
	}

	stream, err := h.openStream(ctx, ex)
	if err != nil {
		unstageAudioHeaders(hdr)
		h.fail(w, ex, upstream.HTTPStatus(err), upstream.ClientMessage(err), err)
		return
	}
	defer stream.Close()

	ex.transition(StateHeadersSent)
	ex.status = http.StatusOK
	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		ex.transition(StateAborted)
		ex.errMsg = err.Error()
		h.logger.Info("caller left before audio started",
			slog.String("exchange_id", ex.id),
			slog.String("query", ex.query),
			slog.String("stage", ex.failedStage.String()),
			slogError(err))
		return
	}

	ex.transition(StateStreaming)
	res := relay(r.Context(), w, stream, h.cfg.Pipeline.RelayBufferBytes)
	ex.audioBytes = res.bytes
	if res.bytes > 0 {
		h.metrics.recordFirstAudio(ctx, res.firstChunk)
	}

	switch res.outcome {
	case relayCompleted:
		ex.transition(StateDone)
	case relayCallerGone:
		ex.transition(StateAborted)
		ex.errMsg = res.err.Error()
		h.logger.Info("caller disconnected during audio stream",
			slog.String("exchange_id", ex.id),
			slog.String("query", ex.query),
			slog.String("stage", ex.failedStage.String()),
			slog.Int64("audio_bytes", res.bytes),
			slogError(res.err))
	case relayUpstreamFailed:
		ex.transition(StateAborted)
		ex.errMsg = res.err.Error()
		h.logger.Error("audio stream failed after commit",
			slog.String("exchange_id", ex.id),
			slog.String("query", ex.query),
			slog.String("stage", ex.failedStage.String()),
			slog.Int64("audio_bytes", res.bytes),
			slogError(res.err))
		// Deferred cleanup still runs; net/http then drops the connection
		// without writing the final chunk.
		panic(http.ErrAbortHandler)
	}
}

// TextHandler serves the text-only variant: the completion is returned as
// {"text": reply} and synthesis is never called.
func (h *Handler) TextHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex, ctx, done := h.begin(w, r, protocol.RouteProcessText)
		defer done()
		if ex.state.Terminal() {
			return
		}

		completion, err := h.complete(ctx, ex)
		if err != nil {
			h.fail(w, ex, upstream.HTTPStatus(err), upstream.ClientMessage(err), err)
			return
		}
		ex.completed(completion)
		ex.transition(StateDone)
		ex.status = http.StatusOK
		writeJSON(w, http.StatusOK, protocol.TextResponse{Text: ex.reply})
	})
}

// begin validates the request and leaves the exchange either Failed or
// Completing. The returned func must be deferred by the caller.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, route string) (*exchange, context.Context, func()) {
	ex := newExchange(h.newID(), route, h.now())
	w.Header().Set(protocol.HeaderExchangeID, ex.id)

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Pipeline.RequestTimeout())
	ctx, span := h.tracer.Start(ctx, "relay.exchange", trace.WithAttributes(
		attribute.String("exchange.id", ex.id),
		attribute.String("http.route", route),
	))
	done := func() {
		cancel()
		h.finish(ctx, ex, span)
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.fail(w, ex, http.StatusMethodNotAllowed, msgMethodNotAllowed, errors.New("method "+r.Method))
		return ex, ctx, done
	}
	query, problem := readQuery(w, r, h.cfg.Pipeline.MaxQueryBytes)
	if problem != "" {
		h.fail(w, ex, http.StatusBadRequest, problem, errors.New(problem))
		return ex, ctx, done
	}
	ex.query = query
	ex.transition(StateCompleting)
	return ex, ctx, done
}

func (h *Handler) complete(ctx context.Context, ex *exchange) (llm.Completion, error) {
	ctx, span := h.tracer.Start(ctx, "relay.completion")
	defer span.End()

	start := time.Now()
	completion, err := h.gen.Complete(ctx, llm.RequestFromConfig(h.cfg.LLM, ex.query))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
	} else {
		span.SetAttributes(
			attribute.String("llm.model", completion.Model),
			attribute.Int("llm.prompt_tokens", completion.PromptTokens),
			attribute.Int("llm.completion_tokens", completion.CompletionTokens),
			attribute.Int64("llm.latency_ms", completion.Latency.Milliseconds()),
		)
	}
	h.metrics.recordCompletion(ctx, time.Since(start), outcome)
	return completion, err
}

func (h *Handler) openStream(ctx context.Context, ex *exchange) (io.ReadCloser, error) {
	ctx, span := h.tracer.Start(ctx, "relay.synthesis.open")
	defer span.End()

	stream, err := h.synth.Stream(ctx, tts.Request{Text: ex.reply})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
	}
	return stream, err
}

// fail reports a pre-commit failure as a JSON error. Once the status line is
// out the exchange is aborted instead and nothing more is written.
func (h *Handler) fail(w http.ResponseWriter, ex *exchange, status int, message string, cause error) {
	if ex.state.Committed() {
		if ex.state.CanTransition(StateAborted) {
			ex.transition(StateAborted)
		}
		ex.errMsg = message
		h.logger.Error("exchange failed after commit",
			slog.String("exchange_id", ex.id),
			slog.String("query", ex.query),
			slog.String("stage", ex.failedStage.String()),
			slogError(cause))
		return
	}

	ex.transition(StateFailed)
	ex.status = status
	ex.errMsg = message

	attrs := []any{
		slog.String("exchange_id", ex.id),
		slog.String("route", ex.route),
		slog.String("stage", ex.failedStage.String()),
		slog.Int("status", status),
		slogError(cause),
	}
	switch {
	case ex.failedStage == StateValidating:
		h.logger.Info("rejected request", attrs...)
	case upstream.Cancelled(cause):
		h.logger.Info("exchange cancelled", append(attrs, slog.String("query", ex.query))...)
	default:
		h.logger.Warn("exchange failed", append(attrs, slog.String("query", ex.query))...)
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}

func (h *Handler) finish(ctx context.Context, ex *exchange, span trace.Span) {
	finished := h.now()

	span.SetAttributes(
		attribute.String("exchange.state", ex.state.String()),
		attribute.Int("http.status_code", ex.status),
		attribute.Int64("audio.bytes", ex.audioBytes),
	)
	if ex.state == StateFailed || ex.state == StateAborted {
		span.SetStatus(codes.Error, ex.errMsg)
	}
	span.End()

	bg := context.WithoutCancel(ctx)
	h.metrics.recordExchange(bg, ex)

	if h.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(bg, recordTimeout)
	defer cancel()
	if err := h.recorder.Record(rctx, ex.event(finished)); err != nil {
		h.logger.Warn("failed to record exchange", slog.String("exchange_id", ex.id), slogError(err))
	}
}

// readQuery decodes {"query": string}. It returns the client-facing problem
// when the body is unusable.
func readQuery(w http.ResponseWriter, r *http.Request, limit int) (string, string) {
	body := io.Reader(r.Body)
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, int64(limit))
	}
	var req protocol.ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", msgBodyTooLarge
		}
		return "", msgQueryRequired
	}
	if strings.TrimSpace(req.Query) == "" {
		return "", msgQueryRequired
	}
	return req.Query, ""
}

func unstageAudioHeaders(hdr http.Header) {
	hdr.Del(protocol.HeaderResponseText)
	hdr.Del("Content-Type")
	hdr.Del("Cache-Control")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var uriComponentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// encodeURIComponent leaves A-Z a-z 0-9 and -_.!~*'() intact and
// percent-encodes every other UTF-8 byte, spaces included.
func encodeURIComponent(s string) string {
	return uriComponentUnescaper.Replace(url.QueryEscape(s))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

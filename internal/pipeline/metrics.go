package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-relay/pipeline"

type metrics struct {
	exchanges          metric.Int64Counter
	completionDuration metric.Float64Histogram
	firstAudioDelay    metric.Float64Histogram
	audioBytes         metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	var errs []error
	m := &metrics{}
	var err error

	m.exchanges, err = meter.Int64Counter("relay.exchanges",
		metric.WithDescription("Finished exchanges by route, final state and failing stage"))
	errs = append(errs, err)
	m.completionDuration, err = meter.Float64Histogram("relay.completion.duration",
		metric.WithDescription("Latency of completion calls"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.firstAudioDelay, err = meter.Float64Histogram("relay.synthesis.first_audio",
		metric.WithDescription("Delay between opening the synthesis stream and relaying its first chunk"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.audioBytes, err = meter.Int64Counter("relay.audio.bytes",
		metric.WithDescription("Audio bytes relayed to callers"), metric.WithUnit("By"))
	errs = append(errs, err)

	return m, errors.Join(errs...)
}

func (m *metrics) recordExchange(ctx context.Context, ex *exchange) {
	if m == nil || m.exchanges == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("route", ex.route),
		attribute.String("state", ex.state.String()),
	}
	if ex.state == StateFailed || ex.state == StateAborted {
		attrs = append(attrs, attribute.String("stage", ex.failedStage.String()))
	}
	m.exchanges.Add(ctx, 1, metric.WithAttributes(attrs...))
	if ex.audioBytes > 0 && m.audioBytes != nil {
		m.audioBytes.Add(ctx, ex.audioBytes, metric.WithAttributes(attribute.String("route", ex.route)))
	}
}

func (m *metrics) recordCompletion(ctx context.Context, d time.Duration, outcome string) {
	if m == nil || m.completionDuration == nil {
		return
	}
	m.completionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordFirstAudio(ctx context.Context, d time.Duration) {
	if m == nil || m.firstAudioDelay == nil {
		return
	}
	m.firstAudioDelay.Record(ctx, d.Seconds())
}

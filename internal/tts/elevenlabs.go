package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/upstream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const providerElevenLabs = "elevenlabs"

type elevenLabsSynth struct {
	endpoint string
	apiKey   string
	modelID  string
	settings voiceSettings
	client   *http.Client
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// NewElevenLabsSynth streams speech from the ElevenLabs text-to-speech API for
// the configured voice. A nil client selects an instrumented default without
// a client-level timeout; stream lifetime follows the request context.
func NewElevenLabsSynth(cfg config.TTSConfig, client *http.Client) Synthesizer {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &elevenLabsSynth{
		endpoint: fmt.Sprintf("%s/v1/text-to-speech/%s/stream", cfg.BaseURL, url.PathEscape(cfg.VoiceID)),
		apiKey:   cfg.APIKey,
		modelID:  cfg.ModelID,
		settings: voiceSettings{Stability: cfg.Stability, SimilarityBoost: cfg.SimilarityBoost},
		client:   client,
	}
}

func (e *elevenLabsSynth) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:          req.Text,
		ModelID:       e.modelID,
		VoiceSettings: e.settings,
	})
	if err != nil {
		return nil, upstream.Transport(providerElevenLabs, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, upstream.Transport(providerElevenLabs, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, upstream.Transport(providerElevenLabs, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, upstream.Rejected(providerElevenLabs, resp.StatusCode, detailMessage(upstream.ReadErrorBody(resp.Body)))
	}
	return resp.Body, nil
}

// detailMessage extracts the message from either {"detail":"..."} or
// {"detail":{"status":"...","message":"..."}}.
func detailMessage(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Detail, &structured); err == nil {
		return structured.Message
	}
	return ""
}

package tts

import (
	"context"
	"io"
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text string
}

// Synthesizer is the contract for producing audio. Stream returns once the
// provider has accepted the request; the caller reads encoded audio from the
// returned body and must close it.
type Synthesizer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

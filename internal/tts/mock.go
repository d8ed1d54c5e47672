package tts

import (
	"bytes"
	"context"
	"io"
	"time"
)

// mockFrame is a silent MPEG-1 Layer III frame header followed by padding.
var mockFrame = append([]byte{0xFF, 0xFB, 0x90, 0x64}, make([]byte, 413)...)

type mockSynth struct {
	frames int
}

func NewMockSynth(frames int) Synthesizer {
	if frames <= 0 {
		frames = 4
	}
	return &mockSynth{frames: frames}
}

func (m *mockSynth) Stream(ctx context.Context, _ Request) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return io.NopCloser(bytes.NewReader(bytes.Repeat(mockFrame, m.frames))), nil
}

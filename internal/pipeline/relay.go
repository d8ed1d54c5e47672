package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

type relayOutcome int

const (
	relayCompleted relayOutcome = iota
	relayCallerGone
	relayUpstreamFailed
)

func (o relayOutcome) String() string {
	switch o {
	case relayCompleted:
		return "completed"
	case relayCallerGone:
		return "caller_gone"
	default:
		return "upstream_failed"
	}
}

type relayResult struct {
	outcome    relayOutcome
	bytes      int64
	firstChunk time.Duration
	err        error
}

// relay copies src to w one chunk at a time, flushing after every write.
// A write blocks until the caller accepts the chunk, so src is never read
// ahead of the caller.
func relay(ctx context.Context, w http.ResponseWriter, src io.Reader, bufSize int) relayResult {
	if bufSize <= 0 {
		bufSize = 32 << 10
	}
	rc := http.NewResponseController(w)
	buf := make([]byte, bufSize)
	start := time.Now()
	var res relayResult

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if res.bytes == 0 {
				res.firstChunk = time.Since(start)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				res.outcome, res.err = relayCallerGone, err
				return res
			}
			res.bytes += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				res.outcome, res.err = relayCallerGone, err
				return res
			}
		}
		if readErr == io.EOF {
			res.outcome = relayCompleted
			return res
		}
		if readErr != nil {
			// A caller that disconnects cancels the request context, which
			// surfaces here as a read error on the upstream body.
			if ctx.Err() != nil {
				res.outcome, res.err = relayCallerGone, readErr
				return res
			}
			res.outcome, res.err = relayUpstreamFailed, readErr
			return res
		}
	}
}

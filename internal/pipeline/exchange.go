package pipeline

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// exchange is the per-request context: one inbound request, at most one
// completion call and at most one synthesis stream.
type exchange struct {
	id               string
	route            string
	state            State
	failedStage      State
	query            string
	reply            string
	model            string
	promptTokens     int
	completionTokens int
	status           int
	errMsg           string
	audioBytes       int64
	startedAt        time.Time
}

func newExchange(id, route string, now time.Time) *exchange {
	return &exchange{id: id, route: route, state: StateValidating, startedAt: now}
}

func (e *exchange) transition(next State) {
	if !e.state.CanTransition(next) {
		panic(fmt.Sprintf("pipeline: invalid transition %s -> %s", e.state, next))
	}
	if next == StateFailed || next == StateAborted {
		e.failedStage = e.state
	}
	e.state = next
}

func (e *exchange) completed(c llm.Completion) {
	e.reply = c.Content
	e.model = c.Model
	e.promptTokens = c.PromptTokens
	e.completionTokens = c.CompletionTokens
}

func (e *exchange) event(finished time.Time) protocol.ExchangeEvent {
	evt := protocol.ExchangeEvent{
		ExchangeID:       e.id,
		Route:            e.route,
		Query:            e.query,
		Reply:            e.reply,
		Model:            e.model,
		PromptTokens:     e.promptTokens,
		CompletionTokens: e.completionTokens,
		State:            e.state.String(),
		Status:           e.status,
		Error:            e.errMsg,
		AudioBytes:       e.audioBytes,
		StartedAt:        e.startedAt,
		FinishedAt:       finished,
	}
	if e.state == StateFailed || e.state == StateAborted {
		evt.FailedStage = e.failedStage.String()
	}
	return evt
}

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func TestStateHappyPath(t *testing.T) {
	ex := newExchange("x1", protocol.RouteChat, time.Now())
	for _, next := range []State{StateCompleting, StateConnecting, StateHeadersSent, StateStreaming, StateDone} {
		ex.transition(next)
	}
	if !ex.state.Terminal() {
		t.Fatal("expected terminal state")
	}
	if evt := ex.event(time.Now()); evt.FailedStage != "" || evt.State != "done" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestStateRejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateValidating, StateStreaming},
		{StateCompleting, StateHeadersSent},
		{StateHeadersSent, StateFailed},
		{StateStreaming, StateFailed},
		{StateDone, StateStreaming},
		{StateFailed, StateCompleting},
		{StateAborted, StateDone},
	}
	for _, tc := range cases {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s must not be allowed", tc.from, tc.to)
		}
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invalid transition")
		}
	}()
	ex := newExchange("x1", protocol.RouteChat, time.Now())
	ex.transition(StateStreaming)
}

func TestStructuredErrorsOnlyBeforeCommit(t *testing.T) {
	for s := StateValidating; s <= StateAborted; s++ {
		if s.CanTransition(StateFailed) && s.Committed() {
			t.Fatalf("%s is committed but may still fail with JSON", s)
		}
		if s.CanTransition(StateAborted) && !s.Committed() {
			t.Fatalf("%s is not committed but may abort", s)
		}
	}
}

func TestFailureRecordsStage(t *testing.T) {
	ex := newExchange("x1", protocol.RouteChat, time.Now())
	ex.transition(StateCompleting)
	ex.transition(StateConnecting)
	ex.transition(StateFailed)

	evt := ex.event(time.Now())
	if evt.State != "failed" || evt.FailedStage != "connecting" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestStateString(t *testing.T) {
	if StateHeadersSent.String() != "headers_sent" {
		t.Fatalf("unexpected name %s", StateHeadersSent)
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected name %s", State(42))
	}
}

type countingRecorder struct {
	calls int
	err   error
}

func (c *countingRecorder) Record(context.Context, protocol.ExchangeEvent) error {
	c.calls++
	return c.err
}

func TestRecordersFanOut(t *testing.T) {
	ok := &countingRecorder{}
	broken := &countingRecorder{err: errors.New("offline")}
	rs := Recorders{ok, nil, broken}

	err := rs.Record(context.Background(), protocol.ExchangeEvent{ExchangeID: "x1"})
	if !errors.Is(err, broken.err) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.calls != 1 || broken.calls != 1 {
		t.Fatalf("expected every recorder to be called once, got %d and %d", ok.calls, broken.calls)
	}
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/protocol"
	"github.com/replkit/replkit/internal/tool"
)

// ExecOutcome is the terminal result of one exec. Error carries an
// interpreter-level exception, not a kernel error.
type ExecOutcome struct {
	// Output is the combined stdout text captured by the interpreter.
	Output string
	// Response is the structured interpreter-visible return value
	// representation; when the interpreter leaves it empty, the text of
	// the final message event is used instead.
	Response string
	// Error describes an interpreter-level exception, if any.
	Error *string
	// ToolCalls records the tool invocations made during the exec.
	ToolCalls []tool.CallRecord
	// Duration measures submission to terminal frame.
	Duration time.Duration
}

// Failed reports whether the interpreter raised.
func (o *ExecOutcome) Failed() bool { return o.Error != nil }

// Exec is the caller's handle for one in-flight code execution. It
// yields intermediate message events and, on Wait, the final outcome.
// Dropping the handle via Cancel is always safe: the exec is orphaned,
// late frames are absorbed by the core, and the session returns to
// Ready once the terminal frame is seen.
type Exec struct {
	s       *Session
	op      *pendingOp
	started time.Time

	eventsOnce sync.Once
	events     chan MessageEvent
	cancelOnce sync.Once
}

// ID is the exec's request id.
func (e *Exec) ID() string { return e.op.id }

// Events streams intermediate message events in arrival order. The
// channel closes after the terminal frame; all events precede the
// outcome returned by Wait.
func (e *Exec) Events() <-chan MessageEvent {
	e.eventsOnce.Do(func() {
		e.events = make(chan MessageEvent)
		go func() {
			defer close(e.events)
			for {
				ev, ok := e.op.events.pop()
				if !ok {
					return
				}
				e.events <- ev
			}
		}()
	})
	return e.events
}

// Wait blocks for the exec's terminal frame. Cancelling ctx orphans the
// exec and returns ctx.Err().
func (e *Exec) Wait(ctx context.Context) (*ExecOutcome, error) {
	select {
	case res := <-e.op.result:
		if res.err != nil {
			return nil, res.err
		}
		res.exec.Duration = time.Since(e.started)
		return res.exec, nil
	case <-ctx.Done():
		e.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel orphans the exec. No cancellation frame exists in the
// protocol; the core records the id and keeps the session in Executing
// until the interpreter's terminal frame arrives. Late tool calls are
// still answered so the interpreter is not stranded; the late
// exec_result is discarded.
func (e *Exec) Cancel() {
	e.cancelOnce.Do(func() {
		e.s.orphanOp(e.op)
		e.op.events.close(true)
		e.op.resolve(opResult{err: ErrCancelled})
	})
}

// RunCode submits a code block for execution on a Ready session. A
// second blocking operation fails fast with ErrBusy before any frame is
// written.
func (s *Session) RunCode(ctx context.Context, code string) (*Exec, error) {
	op, err := s.beginOp(opExec, StateExecuting)
	if err != nil {
		return nil, err
	}

	exec := &Exec{s: s, op: op, started: time.Now()}
	if err := s.enqueueWrite(ctx, protocol.Exec{Type: protocol.TypeExec, ID: op.id, Code: code}); err != nil {
		var dead *DeadError
		if errors.As(err, &dead) {
			// The session died with the exec pending: markDead has already
			// resolved the op, so Wait reports the death.
			return exec, nil
		}
		exec.Cancel()
		return nil, err
	}
	return exec, nil
}

// beginOp registers a blocking operation, enforcing one-op-at-a-time.
func (s *Session) beginOp(kind opKind, next State) (*pendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
	case StateDead:
		cause := s.deadCause
		return nil, &DeadError{Cause: cause}
	default:
		return nil, ErrBusy
	}

	op := &pendingOp{
		id:     s.nextRequestID(),
		kind:   kind,
		result: make(chan opResult, 1),
	}
	if kind == opExec {
		op.events = newEventQueue()
		s.records = nil
		s.finalText = ""
	}
	s.pending[op.id] = op
	s.state = next
	s.lastActive = time.Now()
	return op, nil
}

// orphanOp moves a still-pending op to the orphan table. The session
// stays in its in-flight state until the terminal frame is observed.
func (s *Session) orphanOp(op *pendingOp) {
	s.mu.Lock()
	_, stillPending := s.pending[op.id]
	if stillPending {
		delete(s.pending, op.id)
		s.orphaned[op.id] = op.kind
	}
	s.mu.Unlock()
	if stillPending {
		s.bus.Publish(event.Event{Type: event.FrameDropped, SessionID: s.id, Data: "orphaned:" + op.id})
	}
}

// awaitOp waits for a non-exec blocking operation to resolve.
func (s *Session) awaitOp(ctx context.Context, op *pendingOp) (opResult, error) {
	select {
	case res := <-op.result:
		return res, res.err
	case <-ctx.Done():
		s.orphanOp(op)
		return opResult{}, ctx.Err()
	}
}

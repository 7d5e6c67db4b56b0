// Package session implements the session kernel: it owns one supervised
// interpreter subprocess per session, multiplexes the line-delimited
// JSON control protocol over its standard I/O, brokers re-entrant tool
// callbacks while code executes, and pools sessions with idle eviction.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/replkit/replkit/internal/config"
	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/proc"
	"github.com/replkit/replkit/internal/protocol"
	"github.com/replkit/replkit/internal/tool"
)

// process is the slice of proc.Child the session core needs; tests
// substitute a scripted fake.
type process interface {
	Wait() (int, error)
	Terminate() (int, error)
	Cleanup()
	ScratchDir() string
}

type opKind int

const (
	opExec opKind = iota
	opSnapshot
	opRestore
	opReset
)

// opResult resolves one blocking operation.
type opResult struct {
	exec *ExecOutcome
	data string
	err  error
}

// pendingOp is one in-flight blocking operation, keyed by request id.
type pendingOp struct {
	id     string
	kind   opKind
	events *eventQueue // exec only
	result chan opResult
}

func (op *pendingOp) resolve(res opResult) {
	select {
	case op.result <- res:
	default:
	}
}

// Session owns one interpreter subprocess and its protocol state. All
// state transitions happen under s.mu in the core; the reader goroutine
// posts decoded frames into handleFrame and never touches state on its
// own.
type Session struct {
	id       string
	cfg      *config.Config
	provider tool.Provider
	defs     map[string]tool.Definition
	bus      *event.Bus
	log      zerolog.Logger

	child  process
	stdin  io.WriteCloser
	stdout io.Reader

	// ctx is cancelled when the session dies; tool dispatches inherit it.
	ctx    context.Context
	cancel context.CancelFunc

	writeCh chan writeReq
	readyCh chan struct{}

	mu         sync.Mutex
	state      State
	pending    map[string]*pendingOp
	orphaned   map[string]opKind
	deadCause  error
	records    []tool.CallRecord
	finalText  string
	lastActive time.Time

	nextID      atomic.Uint64
	toolWG      sync.WaitGroup
	cleanupOnce sync.Once
	downOnce    sync.Once
	downErr     error
}

// New spawns an interpreter, performs the init handshake, and returns a
// Ready session. On handshake failure the subprocess is terminated and
// the error describes the cause (LaunchError, ErrInitTimeout, or a
// protocol error wrapped in DeadError).
func New(ctx context.Context, cfg *config.Config, provider tool.Provider, bus *event.Bus) (*Session, error) {
	id := ulid.Make().String()
	log := logging.Component("session").With().Str("session", id).Logger()

	sink := func(line string) {
		log.Debug().Str("stderr", line).Msg("interpreter stderr")
		bus.Publish(event.Event{Type: event.StderrLine, SessionID: id, Data: line})
	}

	child, err := proc.Spawn(proc.Config{
		InterpreterOverride: cfg.InterpreterOverride,
		SandboxConfig:       cfg.SandboxConfig,
		WorkingDir:          cfg.WorkingDir,
		Env:                 cfg.Env,
		ShutdownGrace:       cfg.ShutdownGrace.Std(),
	}, sink)
	if err != nil {
		return nil, err
	}

	return attach(ctx, id, cfg, provider, bus, log, child, child.Stdin, child.Stdout)
}

// attach wires a session around an already-started subprocess. Tests
// call this directly with in-memory pipes and a fake process.
func attach(ctx context.Context, id string, cfg *config.Config, provider tool.Provider,
	bus *event.Bus, log zerolog.Logger, child process, stdin io.WriteCloser, stdout io.Reader) (*Session, error) {

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        cfg,
		provider:   provider,
		defs:       make(map[string]tool.Definition),
		bus:        bus,
		log:        log,
		child:      child,
		stdin:      stdin,
		stdout:     stdout,
		ctx:        sctx,
		cancel:     cancel,
		writeCh:    make(chan writeReq, 64),
		readyCh:    make(chan struct{}),
		state:      StateSpawning,
		pending:    make(map[string]*pendingOp),
		orphaned:   make(map[string]opKind),
		lastActive: time.Now(),
	}
	for _, d := range provider.Definitions() {
		s.defs[d.Name] = d
	}

	go s.writeLoop()
	go s.readLoop()

	bus.Publish(event.Event{Type: event.SessionSpawned, SessionID: id})

	catalog := tool.CatalogJSON(provider.Definitions())
	if err := s.enqueueWrite(ctx, protocol.Init{Type: protocol.TypeInit, Tools: catalog}); err != nil {
		s.markDead(fmt.Errorf("init write: %w", err))
		s.teardown()
		return nil, s.deadError()
	}

	initTimeout := cfg.InitTimeout.Std()
	if initTimeout <= 0 {
		initTimeout = 30 * time.Second
	}
	select {
	case <-s.readyCh:
		s.log.Info().Msg("session ready")
		bus.Publish(event.Event{Type: event.SessionReady, SessionID: id})
		return s, nil
	case <-s.ctx.Done():
		s.teardown()
		return nil, s.deadError()
	case <-time.After(initTimeout):
		s.markDead(ErrInitTimeout)
		s.teardown()
		return nil, s.deadError()
	case <-ctx.Done():
		s.markDead(ctx.Err())
		s.teardown()
		return nil, ctx.Err()
	}
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive is the time of the last submitted operation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Done is closed when the session reaches Dead.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// DeadCause reports why the session died, or nil while it is alive.
func (s *Session) DeadCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDead {
		return nil
	}
	return s.deadCause
}

func (s *Session) deadError() error {
	s.mu.Lock()
	cause := s.deadCause
	s.mu.Unlock()
	if cause == nil {
		cause = errors.New("unknown cause")
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return &DeadError{Cause: cause}
}

// nextRequestID draws from the monotonic counter; ids are never reused
// while an op is pending.
func (s *Session) nextRequestID() string {
	return strconv.FormatUint(s.nextID.Add(1), 10)
}

// readLoop is the session's single reader task: it drains the
// subprocess stdout continuously and posts frames into the core.
func (s *Session) readLoop() {
	dec := protocol.NewDecoder(s.stdout, s.cfg.FrameSizeCap)
	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				status, _ := s.child.Wait()
				s.markDead(&ChildExitError{Status: status})
			} else {
				s.log.Error().Err(err).Msg("protocol failure; poisoning session")
				s.markDead(err)
				s.child.Terminate()
			}
			s.teardown()
			return
		}
		s.handleFrame(frame)
	}
}

// handleFrame routes one inbound frame. During the handshake the only
// acceptable frame is ready; anything else is fatal.
func (s *Session) handleFrame(frame any) {
	if s.handshakeGate(frame) {
		return
	}

	switch f := frame.(type) {
	case protocol.Ready:
		// Duplicate ready after handshake: harmless.
	case protocol.ToolCall:
		s.toolWG.Add(1)
		go s.dispatchTool(f)
	case protocol.Message:
		s.handleMessage(f)
	case protocol.ExecResult:
		s.handleExecResult(f)
	case protocol.SnapshotResult:
		s.handleSnapshotResult(f)
	case protocol.ResetResult:
		s.handleResetResult(f)
	case protocol.Unknown:
		s.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
		s.bus.Publish(event.Event{Type: event.FrameUnknown, SessionID: s.id, Data: f.Type})
	}
}

// handshakeGate enforces the handshake protocol. Returns true when the
// frame was consumed (or was fatal).
func (s *Session) handshakeGate(frame any) bool {
	s.mu.Lock()
	spawning := s.state == StateSpawning
	if spawning {
		if _, ok := frame.(protocol.Ready); ok {
			s.state = StateReady
			s.mu.Unlock()
			close(s.readyCh)
			return true
		}
	}
	s.mu.Unlock()

	if spawning {
		s.markDead(&protocol.ProtocolError{
			Cause: fmt.Errorf("unexpected frame %T during handshake", frame),
		})
		s.child.Terminate()
		return true
	}
	return false
}

// handleMessage forwards an intermediate message to the current exec's
// stream, in arrival order. Messages with no live exec are discarded.
func (s *Session) handleMessage(msg protocol.Message) {
	s.mu.Lock()
	var op *pendingOp
	for _, p := range s.pending {
		if p.kind == opExec {
			op = p
			break
		}
	}
	if op != nil && msg.Kind == KindFinal {
		s.finalText = msg.Text
	}
	s.mu.Unlock()

	if op == nil || !op.events.push(MessageEvent{Text: msg.Text, Kind: msg.Kind}) {
		s.bus.Publish(event.Event{Type: event.FrameDropped, SessionID: s.id, Data: protocol.TypeMessage})
	}
}

// handleExecResult is the terminal frame for exec and the ack frame for
// restore; it also carries snapshot failures.
func (s *Session) handleExecResult(res protocol.ExecResult) {
	s.mu.Lock()
	op, ok := s.pending[res.ID]
	if !ok {
		kind, orphan := s.orphaned[res.ID]
		if orphan && kindTerminatedByExecResult(kind) {
			delete(s.orphaned, res.ID)
			s.state = StateReady
			s.mu.Unlock()
			s.bus.Publish(event.Event{Type: event.FrameDropped, SessionID: s.id, Data: protocol.TypeExecResult})
			return
		}
		s.mu.Unlock()
		s.log.Debug().Str("id", res.ID).Msg("exec_result for unknown id")
		return
	}

	delete(s.pending, res.ID)
	s.state = StateReady

	switch op.kind {
	case opExec:
		outcome := &ExecOutcome{
			Output:    res.Output,
			Response:  res.Response,
			Error:     res.Error,
			ToolCalls: s.records,
		}
		if outcome.Response == "" {
			outcome.Response = s.finalText
		}
		s.records = nil
		s.finalText = ""
		s.mu.Unlock()
		op.events.close(false)
		op.resolve(opResult{exec: outcome})
	case opRestore:
		s.mu.Unlock()
		if res.Error != nil {
			op.resolve(opResult{err: &RestoreError{Reason: *res.Error}})
		} else {
			op.resolve(opResult{})
		}
	case opSnapshot:
		s.mu.Unlock()
		reason := "interpreter error"
		if res.Error != nil {
			reason = *res.Error
		}
		op.resolve(opResult{err: fmt.Errorf("%w: %s", ErrSnapshotUnsupported, reason)})
	default:
		s.mu.Unlock()
		op.resolve(opResult{err: fmt.Errorf("unexpected exec_result for op %d", op.kind)})
	}
}

// kindTerminatedByExecResult reports whether exec_result is the
// terminal frame for the given op kind.
func kindTerminatedByExecResult(kind opKind) bool {
	return kind == opExec || kind == opRestore || kind == opSnapshot
}

func (s *Session) handleSnapshotResult(res protocol.SnapshotResult) {
	s.mu.Lock()
	op, ok := s.pending[res.ID]
	if !ok {
		if _, orphan := s.orphaned[res.ID]; orphan {
			delete(s.orphaned, res.ID)
			s.state = StateReady
			s.mu.Unlock()
			s.bus.Publish(event.Event{Type: event.FrameDropped, SessionID: s.id, Data: protocol.TypeSnapshotResult})
			return
		}
		s.mu.Unlock()
		return
	}
	delete(s.pending, res.ID)
	s.state = StateReady
	s.mu.Unlock()
	op.resolve(opResult{data: res.Data})
}

func (s *Session) handleResetResult(res protocol.ResetResult) {
	s.mu.Lock()
	op, ok := s.pending[res.ID]
	if !ok {
		if _, orphan := s.orphaned[res.ID]; orphan {
			delete(s.orphaned, res.ID)
			s.state = StateReady
		}
		s.mu.Unlock()
		return
	}
	delete(s.pending, res.ID)
	s.state = StateReady
	s.mu.Unlock()
	op.resolve(opResult{})
}

// dispatchTool answers one tool_call frame. Every call gets exactly one
// tool_result, even when the provider panics or the tool is unknown.
// Calls run on detached goroutines; completions are unordered.
func (s *Session) dispatchTool(tc protocol.ToolCall) {
	defer s.toolWG.Done()

	start := time.Now()
	s.bus.Publish(event.Event{Type: event.ToolCallStarted, SessionID: s.id, Data: tc.Name})

	res := s.executeTool(tc)

	s.mu.Lock()
	if s.state == StateExecuting && len(s.orphaned) == 0 {
		s.records = append(s.records, tool.CallRecord{
			Tool:     tc.Name,
			Args:     json.RawMessage(tc.Args),
			Result:   res.Result,
			Success:  res.Success,
			Duration: time.Since(start),
		})
	}
	s.mu.Unlock()

	err := s.enqueueWrite(s.ctx, protocol.ToolResult{
		Type:    protocol.TypeToolResult,
		ID:      tc.ID,
		Success: res.Success,
		Result:  res.Result,
	})
	if err != nil {
		s.log.Debug().Err(err).Str("call", tc.ID).Msg("tool_result not delivered")
	}
	s.bus.Publish(event.Event{Type: event.ToolCallDone, SessionID: s.id, Data: tc.Name})
}

// executeTool resolves and runs one tool under the optional per-tool
// timeout, converting panics and unknown names into failed results.
func (s *Session) executeTool(tc protocol.ToolCall) tool.Result {
	if _, known := s.defs[tc.Name]; !known {
		if hint, ok := tool.Suggest(s.provider.Definitions(), tc.Name); ok {
			s.log.Debug().Str("tool", tc.Name).Str("closest", hint).Msg("unknown tool requested")
		}
		return tool.Err("unknown tool: " + tc.Name)
	}

	ctx := s.ctx
	var cancel context.CancelFunc
	if timeout := s.cfg.ToolTimeout.Std(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan tool.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- tool.Err(fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		done <- s.provider.Execute(ctx, tc.Name, json.RawMessage(tc.Args))
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return tool.Err(fmt.Sprintf("tool %s: %v", tc.Name, ctx.Err()))
	}
}

// markDead moves the session to Dead exactly once, failing every
// pending operation with the original cause.
func (s *Session) markDead(cause error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	clean := s.state == StateShuttingDown && cause != nil
	if clean {
		if _, isExit := cause.(*ChildExitError); isExit {
			cause = ErrClosed
		}
	}
	s.state = StateDead
	s.deadCause = cause
	pending := make([]*pendingOp, 0, len(s.pending))
	for _, op := range s.pending {
		pending = append(pending, op)
	}
	s.pending = make(map[string]*pendingOp)
	s.orphaned = make(map[string]opKind)
	s.mu.Unlock()

	s.cancel()

	failure := &DeadError{Cause: cause}
	for _, op := range pending {
		if op.events != nil {
			op.events.close(false)
		}
		op.resolve(opResult{err: failure})
	}

	if !errors.Is(cause, ErrClosed) {
		s.log.Warn().Err(cause).Msg("session dead")
	}
	s.bus.Publish(event.Event{Type: event.SessionDead, SessionID: s.id, Data: cause.Error()})
}

// teardown releases process resources once the session is dead.
// Terminate is a no-op for a child that already exited.
func (s *Session) teardown() {
	s.cleanupOnce.Do(func() {
		go func() {
			s.toolWG.Wait()
			s.child.Terminate()
			s.child.Cleanup()
		}()
	})
}

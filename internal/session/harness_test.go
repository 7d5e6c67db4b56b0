package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/replkit/replkit/internal/config"
	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/tool"
)

// testingT is the slice of testing.T the harness needs; ginkgo's
// GinkgoT() satisfies it too.
type testingT interface {
	Helper()
	TempDir() string
	Cleanup(func())
	Fatalf(format string, args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
}

// fakeProc stands in for the supervised subprocess in tests.
type fakeProc struct {
	mu         sync.Mutex
	exited     chan struct{}
	status     int
	terminated bool
	scratch    string

	// closed on Terminate so the fake interpreter stops.
	stdinR  io.Closer
	stdoutW io.Closer
}

func newFakeProc(scratch string) *fakeProc {
	return &fakeProc{exited: make(chan struct{}), scratch: scratch}
}

func (p *fakeProc) exit(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
	default:
		p.status = status
		close(p.exited)
	}
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	return p.status, nil
}

func (p *fakeProc) Terminate() (int, error) {
	p.mu.Lock()
	alreadyExited := false
	select {
	case <-p.exited:
		alreadyExited = true
	default:
	}
	if !alreadyExited {
		p.terminated = true
	}
	p.mu.Unlock()
	if p.stdinR != nil {
		p.stdinR.Close()
	}
	if p.stdoutW != nil {
		p.stdoutW.Close()
	}
	p.exit(-1)
	return p.Wait()
}

func (p *fakeProc) Cleanup() {}

func (p *fakeProc) ScratchDir() string { return p.scratch }

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// frame is a loosely typed wire frame as seen by the fake interpreter.
type frame map[string]any

func (f frame) typ() string { s, _ := f["type"].(string); return s }
func (f frame) id() string  { s, _ := f["id"].(string); return s }

// fakeInterp scripts the interpreter side of the protocol over
// in-memory pipes. Every host frame is delivered both to the optional
// handler (on the read goroutine) and to the frames/rawLines channels
// for tests that consume them directly, except an init frame that
// autoInit answers with ready.
type fakeInterp struct {
	t    testingT
	proc *fakeProc

	out   *json.Encoder
	outMu sync.Mutex

	frames   chan frame
	rawLines chan string
}

// send writes one frame to the host.
func (i *fakeInterp) send(v any) {
	i.outMu.Lock()
	defer i.outMu.Unlock()
	_ = i.out.Encode(v)
}

func (i *fakeInterp) sendFrame(f frame) { i.send(map[string]any(f)) }

// sendRaw writes raw bytes to the host's stdout stream.
func (i *fakeInterp) sendRaw(s string) {
	i.outMu.Lock()
	defer i.outMu.Unlock()
	io.WriteString(i.proc.stdoutW.(io.Writer), s)
}

// exit closes the interpreter's stdout, simulating process death.
func (i *fakeInterp) exit(status int) {
	i.proc.stdoutW.Close()
	i.proc.exit(status)
}

// nextOfType returns the next host frame of the given type, skipping
// others. Fails the test on timeout.
func (i *fakeInterp) nextOfType(typ string, timeout time.Duration) frame {
	i.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-i.frames:
			if !ok {
				i.t.Fatalf("host closed stdin while waiting for %q frame", typ)
			}
			if f.typ() == typ {
				return f
			}
		case <-deadline:
			i.t.Fatalf("timed out waiting for %q frame", typ)
		}
	}
}

// nextRawContaining returns the next raw host line containing substr.
func (i *fakeInterp) nextRawContaining(substr string, timeout time.Duration) string {
	i.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case l, ok := <-i.rawLines:
			if !ok {
				i.t.Fatalf("host closed stdin while waiting for line containing %q", substr)
			}
			if strings.Contains(l, substr) {
				return l
			}
		case <-deadline:
			i.t.Fatalf("timed out waiting for line containing %q", substr)
		}
	}
}

// testConfig returns kernel defaults shrunk for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.InitTimeout = config.Duration(2 * time.Second)
	cfg.ShutdownGrace = config.Duration(200 * time.Millisecond)
	cfg.TakeDeadline = config.Duration(500 * time.Millisecond)
	return cfg
}

type harnessOpts struct {
	cfg      *config.Config
	provider tool.Provider
	autoInit bool
	handler  func(i *fakeInterp, f frame)
}

// startSession wires a Session to a fake interpreter over in-memory
// pipes and runs the init handshake.
func startSession(t testingT, opts harnessOpts) (*Session, *fakeInterp, error) {
	t.Helper()

	if opts.cfg == nil {
		opts.cfg = testConfig()
	}
	if opts.provider == nil {
		opts.provider = tool.NewRegistry()
	}

	stdinR, stdinW := io.Pipe()   // host writes, interp reads
	stdoutR, stdoutW := io.Pipe() // interp writes, host reads

	proc := newFakeProc(t.TempDir())
	proc.stdinR = stdinR
	proc.stdoutW = stdoutW

	interp := &fakeInterp{
		t:        t,
		proc:     proc,
		out:      json.NewEncoder(stdoutW),
		frames:   make(chan frame, 256),
		rawLines: make(chan string, 256),
	}

	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
		for scanner.Scan() {
			line := scanner.Text()
			var f frame
			if err := json.Unmarshal([]byte(line), &f); err != nil {
				continue
			}
			if f.typ() == "init" && opts.autoInit {
				interp.send(map[string]any{"type": "ready"})
				continue
			}
			select {
			case interp.rawLines <- line:
			default:
			}
			select {
			case interp.frames <- f:
			default:
			}
			if opts.handler != nil {
				opts.handler(interp, f)
			}
		}
		close(interp.frames)
		close(interp.rawLines)
	}()

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	sess, err := attach(context.Background(), "test-session", opts.cfg, opts.provider,
		bus, logging.Component("test"), proc, stdinW, stdoutR)
	if sess != nil {
		t.Cleanup(func() { sess.Close() })
	}
	return sess, interp, err
}

// readySession is the common case: auto-ready handshake, scripted
// handler for everything after.
func readySession(t testingT, provider tool.Provider, handler func(i *fakeInterp, f frame)) (*Session, *fakeInterp) {
	t.Helper()
	sess, interp, err := startSession(t, harnessOpts{
		provider: provider,
		autoInit: true,
		handler:  handler,
	})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return sess, interp
}

// execResultFrame builds a minimal exec_result for an id.
func execResultFrame(id, output, response string) frame {
	return frame{"type": "exec_result", "id": id, "output": output, "response": response}
}

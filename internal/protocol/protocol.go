// Package protocol implements the newline-delimited JSON framing used
// between the host and the interpreter subprocess. Every frame is a
// single UTF-8 JSON object discriminated by a "type" field and
// terminated by exactly one '\n'.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultFrameSizeCap is the maximum accepted size of one inbound frame.
const DefaultFrameSizeCap = 16 << 20 // 16 MiB

// Frame type discriminators.
const (
	// Host → interpreter.
	TypeInit       = "init"
	TypeExec       = "exec"
	TypeToolResult = "tool_result"
	TypeSnapshot   = "snapshot"
	TypeRestore    = "restore"
	TypeReset      = "reset"
	TypeShutdown   = "shutdown"

	// Interpreter → host.
	TypeReady          = "ready"
	TypeToolCall       = "tool_call"
	TypeMessage        = "message"
	TypeExecResult     = "exec_result"
	TypeSnapshotResult = "snapshot_result"
	TypeResetResult    = "reset_result"
)

// Init carries the serialized tool catalog; sent exactly once after spawn.
type Init struct {
	Type  string `json:"type"`
	Tools string `json:"tools"`
}

// Exec requests execution of a code block.
type Exec struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Code string `json:"code"`
}

// ToolResult answers a ToolCall with the same id.
type ToolResult struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

// Snapshot requests serialization of the interpreter namespace.
type Snapshot struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Restore requests restoration from a snapshot blob.
type Restore struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Reset requests a namespace reset with tool re-registration.
type Reset struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Shutdown requests a clean interpreter exit.
type Shutdown struct {
	Type string `json:"type"`
}

// Ready signals init completion.
type Ready struct{}

// ToolCall is a re-entrant request from the interpreter during an exec.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Message is an intermediate user-facing message emitted during an exec.
type Message struct {
	Text string
	Kind string
}

// ExecResult is the terminal frame for an exec (and the acknowledgment
// frame for restore).
type ExecResult struct {
	ID       string
	Output   string
	Response string
	Error    *string
}

// SnapshotResult is the terminal frame for a snapshot.
type SnapshotResult struct {
	ID   string
	Data string
}

// ResetResult is the terminal frame for a reset.
type ResetResult struct {
	ID string
}

// Unknown is returned for frame types the decoder does not recognize.
// Callers log and ignore these outside the handshake.
type Unknown struct {
	Type string
	Raw  []byte
}

// envelope is the loose inbound shape; fields are populated per type.
type envelope struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Args     string  `json:"args"`
	Text     string  `json:"text"`
	Kind     string  `json:"kind"`
	Output   string  `json:"output"`
	Response string  `json:"response"`
	Error    *string `json:"error"`
	Data     string  `json:"data"`
}

// FrameTooLargeError reports an inbound line exceeding the size cap.
type FrameTooLargeError struct {
	Cap int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame exceeds size cap of %d bytes", e.Cap)
}

// ProtocolError reports a malformed inbound frame. It is fatal to the
// session that observes it.
type ProtocolError struct {
	Offset int64 // byte offset of the offending line start
	Cause  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at offset %d: %v", e.Offset, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Encoder writes outbound frames. It is not safe for concurrent use;
// the session serializes writes through a single writer actor.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w in a buffered frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode serializes v as a single line and flushes it.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads inbound frames line by line, enforcing the size cap.
type Decoder struct {
	r      *bufio.Reader
	cap    int
	offset int64
}

// NewDecoder wraps r in a frame decoder. A sizeCap of 0 selects
// DefaultFrameSizeCap.
func NewDecoder(r io.Reader, sizeCap int) *Decoder {
	if sizeCap <= 0 {
		sizeCap = DefaultFrameSizeCap
	}
	return &Decoder{r: bufio.NewReader(r), cap: sizeCap}
}

// Decode reads the next frame and returns one of the typed inbound
// values (Ready, ToolCall, Message, ExecResult, SnapshotResult,
// ResetResult, Unknown). io.EOF is returned unwrapped when the stream
// ends cleanly at a line boundary; malformed input yields *ProtocolError
// and oversized lines yield *FrameTooLargeError.
func (d *Decoder) Decode() (any, error) {
	start := d.offset
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	if bytes.ContainsRune(line, '\r') {
		return nil, &ProtocolError{Offset: start, Cause: fmt.Errorf("carriage return inside frame")}
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ProtocolError{Offset: start, Cause: err}
	}

	switch env.Type {
	case TypeReady:
		return Ready{}, nil
	case TypeToolCall:
		return ToolCall{ID: env.ID, Name: env.Name, Args: env.Args}, nil
	case TypeMessage:
		return Message{Text: env.Text, Kind: env.Kind}, nil
	case TypeExecResult:
		return ExecResult{ID: env.ID, Output: env.Output, Response: env.Response, Error: env.Error}, nil
	case TypeSnapshotResult:
		return SnapshotResult{ID: env.ID, Data: env.Data}, nil
	case TypeResetResult:
		return ResetResult{ID: env.ID}, nil
	case "":
		return nil, &ProtocolError{Offset: start, Cause: fmt.Errorf("frame missing type discriminator")}
	default:
		return Unknown{Type: env.Type, Raw: line}, nil
	}
}

// readLine accumulates bytes until '\n', failing once the cap is hit.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		d.offset += int64(len(chunk))
		if len(buf) > d.cap {
			return nil, &FrameTooLargeError{Cap: d.cap}
		}
		switch err {
		case nil:
			return bytes.TrimSuffix(buf, []byte{'\n'}), nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(buf) > 0 {
				// Partial trailing line: the peer died mid-frame.
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

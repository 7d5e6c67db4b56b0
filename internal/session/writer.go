package session

import (
	"context"
	"fmt"

	"github.com/replkit/replkit/internal/protocol"
)

// writeReq is one outbound frame handed to the writer actor.
type writeReq struct {
	frame any
	errCh chan error
}

// writeLoop is the session's single writer actor. Frames written here
// are atomic and ordered; nothing else touches the subprocess stdin.
// The input channel is bounded, so callers block when the interpreter
// stops reading fast enough.
func (s *Session) writeLoop() {
	enc := protocol.NewEncoder(s.stdin)
	for {
		select {
		case req := <-s.writeCh:
			err := enc.Encode(req.frame)
			if req.errCh != nil {
				req.errCh <- err
			}
			if err != nil {
				s.markDead(fmt.Errorf("stdin write: %w", err))
				s.child.Terminate()
				return
			}
		case <-s.ctx.Done():
			s.stdin.Close()
			return
		}
	}
}

// enqueueWrite submits a frame to the writer actor and waits for the
// flush result. It fails fast once the session is dead.
func (s *Session) enqueueWrite(ctx context.Context, frame any) error {
	req := writeReq{frame: frame, errCh: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.ctx.Done():
		return s.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errCh:
		return err
	case <-s.ctx.Done():
		return s.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

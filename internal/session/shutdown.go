package session

import (
	"context"
	"time"

	"github.com/replkit/replkit/internal/protocol"
)

// Shutdown requests a clean interpreter exit: a shutdown frame, then
// EOF within the grace window, then signal termination. Idempotent;
// repeated calls return the first terminal result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.downOnce.Do(func() {
		s.downErr = s.shutdown(ctx)
	})
	return s.downErr
}

// Close tears the session down without a caller deadline. Used on drop
// and by the pool.
func (s *Session) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		s.teardown()
		return nil
	}
	s.state = StateShuttingDown
	s.mu.Unlock()

	grace := s.cfg.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 2 * time.Second
	}

	// Best effort: a wedged interpreter will simply hit the signal path.
	writeCtx, cancel := context.WithTimeout(ctx, grace)
	_ = s.enqueueWrite(writeCtx, protocol.Shutdown{Type: protocol.TypeShutdown})
	cancel()

	select {
	case <-s.ctx.Done():
		// Reader observed EOF and moved the session to Dead.
	case <-time.After(grace):
		s.child.Terminate()
		select {
		case <-s.ctx.Done():
		case <-time.After(grace):
			// Reader is wedged on a half-open pipe; force the transition.
			s.markDead(ErrClosed)
		}
	case <-ctx.Done():
		s.child.Terminate()
		s.markDead(ErrClosed)
	}

	s.teardown()
	return nil
}

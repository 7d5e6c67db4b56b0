package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/replkit/replkit/internal/session"
)

// TakeSessionRequest optionally names the pool id to claim.
type TakeSessionRequest struct {
	ID string `json:"id,omitempty"`
}

// TakeSessionResponse returns the granted pool id.
type TakeSessionResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ExecRequest carries the code block to run.
type ExecRequest struct {
	Code string `json:"code"`
}

// ExecResponse folds the exec outcome plus its message events, in
// arrival order.
type ExecResponse struct {
	Output   string             `json:"output"`
	Response string             `json:"response"`
	Error    *string            `json:"error,omitempty"`
	Messages []ExecMessage      `json:"messages,omitempty"`
	Tools    []ExecToolCallInfo `json:"tools,omitempty"`
}

// ExecMessage is one streamed message event.
type ExecMessage struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// ExecToolCallInfo summarizes one tool invocation during the exec.
type ExecToolCallInfo struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"durationMS"`
}

// health handles GET /healthz
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listSessions handles GET /sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	entries := s.pool.Entries()
	if entries == nil {
		entries = []session.EntryInfo{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// takeSession handles POST /sessions
func (s *Server) takeSession(w http.ResponseWriter, r *http.Request) {
	var req TakeSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}

	id, sess, err := s.pool.Take(r.Context(), req.ID)
	if err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TakeSessionResponse{ID: id, State: sess.State().String()})
}

// execCode handles POST /sessions/{poolID}/exec
func (s *Server) execCode(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	sess, ok := s.pool.Get(poolID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no session under id "+poolID)
		return
	}

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "code is required")
		return
	}

	exec, err := sess.RunCode(r.Context(), req.Code)
	if err != nil {
		writePoolError(w, err)
		return
	}

	var messages []ExecMessage
	for ev := range exec.Events() {
		messages = append(messages, ExecMessage{Text: ev.Text, Kind: ev.Kind})
	}
	outcome, err := exec.Wait(r.Context())
	if err != nil {
		writePoolError(w, err)
		return
	}

	resp := ExecResponse{
		Output:   outcome.Output,
		Response: outcome.Response,
		Error:    outcome.Error,
		Messages: messages,
	}
	for _, call := range outcome.ToolCalls {
		resp.Tools = append(resp.Tools, ExecToolCallInfo{
			Tool:       call.Tool,
			Success:    call.Success,
			DurationMS: call.Duration.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// releaseSession handles POST /sessions/{poolID}/release
func (s *Server) releaseSession(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	sess, ok := s.pool.Get(poolID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no session under id "+poolID)
		return
	}
	if err := s.pool.Put(poolID, sess); err != nil {
		writeError(w, http.StatusConflict, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// destroySession handles DELETE /sessions/{poolID}
func (s *Server) destroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Destroy(chi.URLParam(r, "poolID")); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// writePoolError maps kernel errors onto HTTP statuses.
func writePoolError(w http.ResponseWriter, err error) {
	var dead *session.DeadError
	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeBusy, err.Error())
	case errors.Is(err, session.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, ErrCodePoolExhausted, err.Error())
	case errors.As(err, &dead):
		writeError(w, http.StatusGone, ErrCodeSessionDead, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

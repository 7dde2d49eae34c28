package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxBodyBytes bounds request bodies and viewer frames
const maxBodyBytes = 1 << 20

// EmitResponse is the reply to POST /api/events
type EmitResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
}

// handleEmit enqueues a hook event. It never waits for processing: a full
// queue is reported as 503 with accepted=false.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var env types.Envelope
	if err := decodeBody(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	normalizeEnvelope(&env, types.TypeHook)

	if !s.manager.Enqueue(&env) {
		writeJSON(w, http.StatusServiceUnavailable, EmitResponse{Accepted: false, ID: env.ID})
		return
	}
	writeJSON(w, http.StatusAccepted, EmitResponse{Accepted: true, ID: env.ID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.History(limit))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.manager.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Sessions())
}

func (s *Server) handleArchivedSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.manager.ArchivedSessions(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list archived sessions")
		writeError(w, http.StatusInternalServerError, "failed to list archived sessions")
		return
	}
	if recs == nil {
		recs = []types.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.manager.StartSession(r.Context(), id))
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent string `json:"agent"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Agent) == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.manager.Delegate(r.Context(), id, body.Agent))
}

func (s *Server) handleSubagentStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		End bool `json:"end"`
	}
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.manager.SubagentStop(r.Context(), chi.URLParam(r, "id"), body.End)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.manager.EndSession(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// normalizeEnvelope fills in what a producer may leave out
func normalizeEnvelope(env *types.Envelope, defaultType string) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Type == "" {
		env.Type = defaultType
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

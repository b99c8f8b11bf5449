package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clawinfra/bingrelay/internal/turns"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

// request is the body shared by the /newbing endpoints.
type request struct {
	Prompt   string         `json:"prompt"`
	Cookie   string         `json:"cookie,omitempty"`
	LastResp *upstream.Turn `json:"last_resp,omitempty"`
}

// envelope is every /newbing reply. A failed call carries only Err.
type envelope struct {
	Resp   *upstream.Answer `json:"resp,omitempty"`
	Cookie string           `json:"cookie,omitempty"`
	Err    string           `json:"err,omitempty"`
}

var errPromptRequired = errors.New("prompt is required")

// handleQuery runs one turn in a new conversation and waits for the answer.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Prompt == "" {
		s.respondError(w, errPromptRequired)
		return
	}

	reply, err := s.turns.Query(r.Context(), req.Prompt, req.Cookie)
	s.respondReply(w, reply, err)
}

// handleConvo continues the conversation in last_resp and waits for the answer.
func (s *Server) handleConvo(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Prompt == "" {
		s.respondError(w, errPromptRequired)
		return
	}

	reply, err := s.turns.Continue(r.Context(), req.Prompt, req.LastResp, req.Cookie)
	s.respondReply(w, reply, err)
}

// handleOnProgress starts a turn and returns its first fragment, or polls the
// turn named by last_resp.id.
func (s *Server) handleOnProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	isPoll := req.LastResp != nil && req.LastResp.ID != ""
	if !isPoll && req.Prompt == "" {
		s.respondError(w, errPromptRequired)
		return
	}

	reply, err := s.turns.StartOrResume(r.Context(), req.Prompt, req.LastResp, req.Cookie)
	if err != nil && errors.Is(err, turns.ErrNotFound) {
		s.logger.Debug("poll for unknown turn", "id", req.LastResp.ID)
	}
	s.respondReply(w, reply, err)
}

// handleHealth reports liveness and store occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"status":   "ok",
		"version":  s.version,
		"inflight": s.turns.Inflight(),
		"stored":   s.store.Len(),
	})
}

// decode checks the method and parses the body. On failure the reply has
// already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return request{}, false
	}

	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondJSON(w, envelope{Err: "invalid request body: " + err.Error()})
		return request{}, false
	}
	return req, true
}

func (s *Server) respondReply(w http.ResponseWriter, reply turns.Reply, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	ans := reply.Answer
	s.respondJSON(w, envelope{Resp: &ans, Cookie: reply.Credential})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, envelope{Err: err.Error()})
}

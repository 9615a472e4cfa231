package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/malbeclabs/sage/pkg/pipeline"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/malbeclabs/sage/pkg/render"
)

// AskRequest is the body of POST /api/ask. Conversation is the value
// returned with the previous answer, or absent for a new conversation.
type AskRequest struct {
	Question     string                 `json:"question"`
	Conversation *pipeline.Conversation `json:"conversation,omitempty"`
}

// PlanResponse is the body returned by POST /api/plan.
type PlanResponse struct {
	Plan    *query.Plan    `json:"plan"`
	Result  *query.Result  `json:"result"`
	Summary render.Summary `json:"summary"`
	Text    string         `json:"text"`
	Header  []string       `json:"header"`
	Cells   [][]string     `json:"cells"`
}

// ErrorResponse is returned for requests that could not be served.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}
	ans := s.cfg.Pipeline.Run(r.Context(), req.Question, req.Conversation, nil)
	s.writeJSON(w, http.StatusOK, ans)
}

// handleAskStream answers a question with server-sent events: a "status"
// event per pipeline stage followed by a single "done" event carrying the
// answer.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			s.log.Error("server: failed to marshal event", "eventType", eventType, "error", err)
			jsonData = []byte(`{"error":"failed to serialize response"}`)
			eventType = "error"
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
			s.log.Debug("server: failed to write event", "eventType", eventType, "error", err)
			return
		}
		flusher.Flush()
	}

	ans := s.cfg.Pipeline.Run(r.Context(), req.Question, req.Conversation, func(p pipeline.Progress) {
		event := map[string]any{"stage": p.Stage, "state": p.State}
		if p.Plan != nil {
			event["plan"] = p.Plan
		}
		sendEvent("status", event)
	})
	sendEvent("done", ans)
}

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (AskRequest, bool) {
	var req AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, "question is required", nil)
		return req, false
	}
	return req, true
}

// handlePlan validates and executes a plan without the language model.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	plan, err := query.DecodePlan(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	resp, err := runPlan(r.Context(), s.cfg.Source, s.cfg.Executor, plan)
	if err != nil {
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusUnprocessableEntity, "invalid plan", verr.Reasons)
			return
		}
		s.log.Error("server: plan execution failed", "error", err, "plan", plan.String())
		s.writeError(w, http.StatusInternalServerError, "the query could not be completed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func runPlan(ctx context.Context, src query.Source, exec *query.Executor, plan *query.Plan) (*PlanResponse, error) {
	if err := query.Validate(plan, src.Schema()); err != nil {
		return nil, err
	}
	res, err := exec.Execute(ctx, plan, src)
	if err != nil {
		return nil, err
	}
	summary := render.Render(res, exec.MaxRows)
	header, cells := render.Table(res, exec.MaxRows)
	return &PlanResponse{
		Plan:    plan,
		Result:  res,
		Summary: summary,
		Text:    summary.Text(),
		Header:  header,
		Cells:   cells,
	}, nil
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Source.Schema())
}

// handleInteractions lists recorded interactions, newest first.
func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Interactions == nil {
		s.writeError(w, http.StatusNotFound, "interaction log is not enabled", nil)
		return
	}

	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset", nil)
			return
		}
		offset = n
	}

	page, err := s.cfg.Interactions.List(r.Context(), limit, offset)
	if err != nil {
		s.log.Error("server: failed to list interactions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list interactions", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, reasons []string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Reasons: reasons})
}

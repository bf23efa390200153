package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yukin371/quill/internal/chat"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/feedback"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/internal/service"
)

const (
	maxBodyBytes      = 1 << 20
	eventsHeartbeat   = 15 * time.Second
	defaultHistoryCap = 50
)

// Handler builds the router. It can be mounted without Start, as tests do.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/llm", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/providers", s.listProviders)
		r.Route("/chat", func(r chi.Router) {
			r.Get("/", s.listChats)
			r.Delete("/{chatNoteId}", s.deleteChat)
			r.Get("/{chatNoteId}/messages", s.getMessages)
			r.Post("/{chatNoteId}/messages", s.sendMessage)
			r.Post("/{chatNoteId}/messages/stream", s.streamMessage)
		})
	})

	r.Route("/api/llm-tools", func(r chi.Router) {
		r.Get("/", s.listTools)
		r.Post("/preview", s.createPreview)
		r.Get("/preview/pending", s.pendingPlans)
		r.Get("/preview/{planId}", s.getPlan)
		r.Post("/preview/{planId}/approval", s.approvePlan)
		r.Get("/executions/active", s.activeExecutions)
		r.Get("/executions/stats", s.executionStats)
		r.Get("/executions/history", s.executionHistory)
		r.Get("/executions/{id}", s.getExecution)
		r.Post("/executions/{id}/cancel", s.cancelExecution)
		r.Get("/circuit-breakers", s.listCircuitBreakers)
		r.Post("/circuit-breakers/{tool}/reset", s.resetCircuitBreaker)
		r.Get("/cache", s.cacheStats)
		r.Delete("/cache", s.clearCache)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s -> %d (%s) req=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// ---- chat ----

type sendMessageRequest struct {
	Message        string                     `json:"message"`
	Options        core.ChatCompletionOptions `json:"options"`
	IncludeContext bool                       `json:"includeContext"`
}

type streamMessageRequest struct {
	Content            string         `json:"content"`
	UseAdvancedContext bool           `json:"useAdvancedContext"`
	ShowThinking       bool           `json:"showThinking"`
	Mentions           []chat.Mention `json:"mentions"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.chat != nil, "chat") {
		return
	}
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reply, err := s.chat.SendMessage(r.Context(), chat.Request{
		ChatID:         chi.URLParam(r, "chatNoteId"),
		Content:        req.Message,
		IncludeContext: req.IncludeContext,
		Options:        req.Options,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.chat != nil, "chat") {
		return
	}
	var req streamMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.chat.StreamMessageAsync(r.Context(), chat.Request{
		ChatID:         chi.URLParam(r, "chatNoteId"),
		Content:        req.Content,
		IncludeContext: req.UseAdvancedContext,
		ShowThinking:   req.ShowThinking,
		Mentions:       req.Mentions,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.transcripts != nil, "transcripts") {
		return
	}
	chats, err := s.transcripts.ListChats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.transcripts != nil, "transcripts") {
		return
	}
	id := chi.URLParam(r, "chatNoteId")
	msgs, err := s.transcripts.LoadMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatNoteId": id, "messages": msgs})
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.transcripts != nil, "transcripts") {
		return
	}
	if err := s.transcripts.DeleteChat(r.Context(), chi.URLParam(r, "chatNoteId")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleEvents streams push messages as server-sent events. chatNoteId
// narrows llm-stream messages to one chat; tool events are always sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.hub != nil, "push") {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "stream_not_supported", "streaming not supported", nil)
		return
	}

	var filter push.Filter
	if id := r.URL.Query().Get("chatNoteId"); id != "" {
		filter = push.ForChat(id)
	}
	sub := s.hub.Subscribe(push.DefaultBuffer, filter)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn("encode %s message: %v", msg.MessageType(), err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.MessageType(), payload)
			flusher.Flush()
		}
	}
}

// ---- providers ----

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"ok": true}
	if s.health != nil {
		body["providers"] = s.health.Snapshot()
	}
	if s.hub != nil {
		body["push"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.health != nil, "provider health") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.health.Snapshot()})
}

// ---- tools ----

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.executor.Tools().Definitions()})
}

type previewRequest struct {
	ToolCalls []core.ToolCall `json:"toolCalls"`
}

func (s *Server) createPreview(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.gate != nil, "preview") {
		return
	}
	var req previewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ToolCalls) == 0 {
		writeErr(w, http.StatusBadRequest, "invalid_request", "toolCalls is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.gate.Propose(r.Context(), req.ToolCalls))
}

func (s *Server) pendingPlans(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.gate != nil, "preview") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.gate.PendingPlans()})
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.gate != nil, "preview") {
		return
	}
	id := chi.URLParam(r, "planId")
	plan, ok := s.gate.GetPlan(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", preview.ErrPlanNotFound, id))
		return
	}
	body := map[string]any{"plan": plan}
	if approval, err := s.gate.GetApproval(id); err == nil {
		body["approval"] = approval
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) approvePlan(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.gate != nil, "preview") {
		return
	}
	var a preview.Approval
	if !decodeBody(w, r, &a) {
		return
	}
	a.PlanID = chi.URLParam(r, "planId")
	a.Automatic = false
	if err := s.gate.RecordApproval(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- executions ----

func (s *Server) activeExecutions(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": s.executor.Feedback().ActiveExecutions()})
}

func (s *Server) executionStats(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	writeJSON(w, http.StatusOK, s.executor.Feedback().GetStatistics())
}

func (s *Server) executionHistory(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	q := r.URL.Query()
	filter := feedback.HistoryFilter{
		ToolName: q.Get("tool"),
		Status:   feedback.Status(q.Get("status")),
		Limit:    defaultHistoryCap,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": s.executor.Feedback().History(filter)})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.executor.Feedback().GetExecution(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", feedback.ErrExecutionNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	ok, err := s.executor.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) listCircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	mon := s.executor.Monitor()
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": mon.Threshold(),
		"tools":     mon.Snapshot(),
	})
}

// resetCircuitBreaker re-enables a tool for ?provider=, or for every
// provider that has a record of it.
func (s *Server) resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	tool := chi.URLParam(r, "tool")
	mon := s.executor.Monitor()

	var reset []string
	if p := r.URL.Query().Get("provider"); p != "" {
		if mon.ResetTool(tool, p) {
			reset = append(reset, p)
		}
	} else {
		for _, st := range mon.Snapshot() {
			if st.ToolName == tool && mon.ResetTool(tool, st.Provider) {
				reset = append(reset, st.Provider)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": len(reset) > 0, "providers": reset})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	writeJSON(w, http.StatusOK, s.executor.Cache().Stats())
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	if !s.available(w, s.executor != nil, "executor") {
		return
	}
	s.executor.Cache().Clear()
	s.executor.Cache().ResetStats()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, apiErrorBody{Error: apiError{Code: errCode, Message: message, Details: details}})
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMissingChatID), errors.Is(err, service.ErrNoMessages):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, preview.ErrPlanNotFound), errors.Is(err, feedback.ErrExecutionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, preview.ErrAlreadyDecided):
		status, code = http.StatusConflict, "already_decided"
	case errors.Is(err, service.ErrNoProviderAvailable), errors.Is(err, chat.ErrClosed):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, service.ErrAllProvidersFailed):
		status, code = http.StatusBadGateway, "provider_error"
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed: %v", err)
	}
	writeErr(w, status, code, err.Error(), nil)
}

func (s *Server) available(w http.ResponseWriter, ok bool, what string) bool {
	if !ok {
		writeErr(w, http.StatusServiceUnavailable, "not_configured", what+" is not configured", nil)
	}
	return ok
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", err.Error())
		return false
	}
	return true
}

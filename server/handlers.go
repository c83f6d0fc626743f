package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tailored-agentic-units/relay/adapter"
	"github.com/tailored-agentic-units/relay/control"
	"github.com/tailored-agentic-units/relay/session"
)

type createSessionRequest struct {
	Title     string `json:"title"`
	Directory string `json:"directory"`
}

type promptRequest struct {
	Text string `json:"text"`
}

type replyRequest struct {
	Answers []string `json:"answers"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	sess, err := s.adapter.CreateSession(r.Context(), req.Title, req.Directory)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.adapter.ListSessions(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.adapter.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.adapter.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// handlePrompt starts a turn and returns the persisted user message right
// away; the assistant's reply is delivered over the event stream.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Text == "" {
		writeError(w, s.logger, errBadRequest("text is required"))
		return
	}

	msg, err := s.adapter.Prompt(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.adapter.GetSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}

	questions := s.adapter.Questions(r.PathValue("id"))
	if questions == nil {
		questions = []control.Request{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.adapter.Reply(r.PathValue("id"), req.Answers); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.Reject(r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.adapter.HealthSnapshot())
}

// handleEvents streams the adapter's outward events as server-sent events,
// one {"type","properties"} unit per data line, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.adapter.Subscribe()
	defer s.adapter.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("dropping unmarshalable event", slog.String("type", string(ev.Type)))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type badRequestError string

func errBadRequest(msg string) error { return badRequestError(msg) }

func (e badRequestError) Error() string { return string(e) }

// decodeBody parses a JSON request body. An empty body decodes as the zero
// value, since every request field is optional unless a handler checks it.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errBadRequest("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	var badReq badRequestError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, control.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, adapter.ErrSessionBusy):
		status = http.StatusConflict
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

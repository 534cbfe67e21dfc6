package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/denon"
)

// maxHistoryLimit caps ?limit= on the command history endpoint.
const maxHistoryLimit = 200

// CommandRequest is the body of POST /receivers/{id}/commands.
type CommandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleListReceivers(w http.ResponseWriter, _ *http.Request) {
	receivers := s.receivers.Receivers()
	writeJSON(w, http.StatusOK, map[string]any{
		"receivers": receivers,
		"count":     len(receivers),
	})
}

func (s *Server) handleGetReceiver(w http.ResponseWriter, r *http.Request) {
	info, err := s.receivers.Receiver(chi.URLParam(r, "id"))
	if err != nil {
		writeReceiverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRefreshReceiver reads every field from the device. Fields that did
// not answer within the callback timeout are omitted from the result.
func (s *Server) handleRefreshReceiver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.receivers.RefreshState(r.Context(), id)
	if err != nil {
		s.logger.Warn("receiver refresh failed", "receiver", id, "error", err)
		writeReceiverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    id,
		"state": state,
	})
}

func (s *Server) handleListInputs(w http.ResponseWriter, r *http.Request) {
	inputs, err := s.receivers.InputSources(chi.URLParam(r, "id"))
	if err != nil {
		writeReceiverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inputs": inputs,
		"count":  len(inputs),
	})
}

// handleSendCommand executes a command synchronously. The ack is published
// on MQTT as well and, on success, returned as the response body.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}

	ack := s.receivers.ExecuteCommand(r.Context(), denon.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   id,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     "api",
	})
	if ack.Status != denon.AckAccepted {
		writeAckError(w, ack)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleCommandHistory returns the receiver's recent commands, newest first.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.receivers.Receiver(id); err != nil {
		writeReceiverError(w, err)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command history is not available")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := s.history.CommandHistory(r.Context(), id, limit)
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		s.logger.Error("reading command history failed", "receiver", id, "error", err)
		writeInternalError(w, "failed to read command history")
		return
	}
	if records == nil {
		records = []denon.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": records,
		"count":    len(records),
	})
}

// Package server hosts the inbound webhook endpoint. It is plain I/O
// plumbing: read the body, hand it to the engine, write the result.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tethersync/tether/internal/logging"
	"github.com/tethersync/tether/internal/sync"
)

// maxBodySize bounds inbound payloads.
const maxBodySize = 10 << 20

// Handler processes one raw delivery. Satisfied by *sync.Engine.
type Handler interface {
	Handle(ctx context.Context, body []byte, header http.Header, query url.Values) sync.Result
}

// Server is the webhook HTTP listener.
type Server struct {
	engine Handler
	addr   string
}

// New creates a server listening on the given port.
func New(engine Handler, port int) *Server {
	return &Server{engine: engine, addr: fmt.Sprintf(":%d", port)}
}

// ListenAndServe blocks serving the webhook endpoint.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("webhook listener starting", "addr", s.addr)
	return srv.ListenAndServe()
}

// handleWebhook serves one delivery. Panics are reported as a generic 500
// without leaking internal detail.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	log := logging.With("delivery_id", deliveryID)

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("unhandled panic while processing delivery", "panic", recovered)
			writeMessage(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Warn("failed to read delivery body", "error", err)
		writeMessage(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	result := s.engine.Handle(r.Context(), body, r.Header, r.URL.Query())
	log.Info("delivery processed",
		"action", result.Action.String(),
		"status", result.Status,
		"issue_number", result.IssueNumber)

	writeMessage(w, result.Status, result.Message)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// Package monitor is a read-only HTTP and WebSocket surface over a running
// Writer Process: a /status snapshot and a live feed of batch/fulfillment
// events. It is adapted from the teacher's internal/api.Server paired with
// internal/websocket.Hub, scoped down to observability only — no auth, no
// registration, no command dispatch, since there is nothing here for an
// observer to control.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/omnicloud/piecestore/internal/process"
)

// StatsSource is anything that can report current Process counters. The
// Writer Process itself satisfies this with no glue code required.
type StatsSource interface {
	Stats() process.Stats
}

// PieceSource serves whole pieces for the /pieces/{index} debug route. The
// Piece Reader satisfies this directly.
type PieceSource interface {
	ReadPiece(i int) ([]byte, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the monitoring endpoints over HTTP.
type Server struct {
	router *mux.Router
	hub    *Hub
	source StatsSource
	pieces PieceSource

	httpServer *http.Server
}

// NewServer wires a Server listening on addr (host:port form, e.g. ":10870").
// pieces may be nil, in which case /pieces/{index} always reports
// unavailable rather than panicking.
func NewServer(addr string, source StatsSource, hub *Hub, pieces PieceSource) *Server {
	s := &Server{
		router: mux.NewRouter(),
		hub:    hub,
		source: source,
		pieces: pieces,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/pieces/{index}", s.handlePiece).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// Start blocks serving HTTP until the server is shut down or encounters a
// fatal error.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	BatchesWritten    int64 `json:"batches_written"`
	PiecesWritten     int64 `json:"pieces_written"`
	RequestsFulfilled int64 `json:"requests_fulfilled"`
	RequestsDropped   int64 `json:"requests_dropped"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	respondJSON(w, status, errorResponse{Error: errStr, Message: message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	respondJSON(w, http.StatusOK, statusResponse{
		BatchesWritten:    st.BatchesWritten,
		PiecesWritten:     st.PiecesWritten,
		RequestsFulfilled: st.RequestsFulfilled,
		RequestsDropped:   st.RequestsDropped,
	})
}

type pieceResponse struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

func (s *Server) handlePiece(w http.ResponseWriter, r *http.Request) {
	if s.pieces == nil {
		respondError(w, http.StatusServiceUnavailable, "pieces_unavailable", "piece reader is not wired")
		return
	}
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_index", "piece index must be an integer")
		return
	}
	b, err := s.pieces.ReadPiece(idx)
	if err != nil {
		respondError(w, http.StatusNotFound, "piece_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pieceResponse{Index: idx, Length: len(b)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "hub_unavailable", "event feed is not running")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.hub,
	}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

package memoryd

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Version reported on /health.
const Version = "1.0.0"

// Server exposes the memory store over HTTP. All routes except /health
// require X-API-Key.
type Server struct {
	store  *Store
	apiKey string
	http   *http.Server
}

// NewServer wires the HTTP surface over a store.
func NewServer(store *Store, host string, port int, apiKey string) *Server {
	s := &Server{store: store, apiKey: apiKey}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /add", s.auth(s.handleAdd))
	mux.HandleFunc("POST /search", s.auth(s.handleSearch))
	mux.HandleFunc("GET /memories/{userId}", s.auth(s.handleList))
	mux.HandleFunc("GET /sessions/{sessionId}/memories", s.auth(s.handleSessionMemories))
	mux.HandleFunc("DELETE /memories/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("POST /reset", s.auth(s.handleReset))
	mux.HandleFunc("GET /stats", s.auth(s.handleStats))

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route mux, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("memory service listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// auth verifies X-API-Key with a constant-time comparison. A missing key
// and a wrong key are reported distinctly.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Missing API key"})
			return
		}
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Invalid API key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"db":      "sqlite",
	})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string                 `json:"userId"`
		Content   string                 `json:"content"`
		Metadata  map[string]interface{} `json:"metadata"`
		SessionID string                 `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "userId and content are required"})
		return
	}
	id, deduplicated, err := s.store.Add(r.Context(), req.UserID, req.Content, req.Metadata, req.SessionID)
	if err != nil {
		serverError(w, "add", err)
		return
	}
	resp := map[string]interface{}{"success": true, "id": id}
	if deduplicated {
		resp["deduplicated"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Query  string `json:"query"`
		Limit  int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "userId is required"})
		return
	}
	results, err := s.store.Search(r.Context(), req.UserID, req.Query, req.Limit)
	if err != nil {
		serverError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": emptyIfNil(results)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.ListByUser(r.Context(), r.PathValue("userId"), limit)
	if err != nil {
		serverError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": emptyIfNil(records)})
}

func (s *Server) handleSessionMemories(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.BySession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		serverError(w, "session memories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": emptyIfNil(records)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "memory not found"})
		return
	}
	if err != nil {
		serverError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.store.Reset(r.Context(), req.UserID); err != nil {
		serverError(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	memories, users, dbBytes, err := s.store.Stats(r.Context())
	if err != nil {
		serverError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memories": memories,
		"users":    users,
		"dbBytes":  dbBytes,
	})
}

func serverError(w http.ResponseWriter, op string, err error) {
	slog.Error("memory service error", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func emptyIfNil(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	return records
}

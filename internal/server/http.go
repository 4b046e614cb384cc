package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// maxBodyBytes bounds a PUT body.
const maxBodyBytes = 4 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header. Gateway routes also accept
// the token as a ?token= query parameter.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return AuthMiddleware(authToken, next) })

	r.Get("/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Long-lived connections stay outside the request logger.
	r.Get("/v1/connect", s.gateway.ServeWebSocket)
	r.Get("/v1/events/stream", s.gateway.ServeSSE)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)

		r.Get("/v1/records", s.handleListRecords)
		r.Put("/v1/records/*", s.handlePutRecord)
		r.Get("/v1/records/*", s.handleGetRecord)
		r.Delete("/v1/records/*", s.handleDeleteRecord)

		r.Get("/v1/changes", s.handleListChanges)

		r.Get("/v1/connections", s.handleListConnections)
		r.Delete("/v1/connections/{id}", s.handleCloseConnection)
	})
	return r
}

// requestLogger logs one line per API request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.gateway.Registry().Len(),
	})
}

// handlePutRecord handles PUT /v1/records/{key}. The body is the value.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	ev, err := s.records.Put(r.Context(), recordKey(r), body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleGetRecord handles GET /v1/records/{key}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), recordKey(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteRecord handles DELETE /v1/records/{key}.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ev, err := s.records.Delete(r.Context(), recordKey(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleListRecords handles GET /v1/records?prefix=&limit=.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	recs, err := s.records.List(r.Context(), q.Get("prefix"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []*model.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleListChanges handles GET /v1/changes?after=&limit=.
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	evs, latest, err := s.records.ChangesAfter(r.Context(), after, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evs == nil {
		evs = []*model.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "latest": latest})
}

// handleListConnections handles GET /v1/connections.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.gateway.Registry().Entries()})
}

// handleCloseConnection handles DELETE /v1/connections/{id}.
func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !idgen.IsConnectionID(id) {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	if !s.gateway.Close(id, "closed by operator") {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordKey returns the key from the wildcard segment. chi matches on the
// raw path when the request carries one, leaving the param escaped.
func recordKey(r *http.Request) string {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return key
	}
	if k, err := url.PathUnescape(key); err == nil {
		return k
	}
	return key
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

// writeStoreError maps record errors to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case isInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case store.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

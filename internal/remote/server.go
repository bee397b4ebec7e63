package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server exposes a Hub over HTTP.
type Server struct {
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates a server for hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, logger: logger}
}

// Routes builds the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)

	r.Route("/collections/{collection}/records", func(r chi.Router) {
		r.Post("/", s.create)
		r.Get("/{id}", s.fetch)
		r.Put("/{id}", s.update)
		r.Delete("/{id}", s.delete)
	})
	return r
}

// HTTPServer wraps the router in an *http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("remote request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) source(r *http.Request) *Memory {
	return s.hub.Collection(chi.URLParam(r, "collection"))
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source(r).Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	w.Header().Set(headerETag, snap.Revision)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, errorBody{Code: codeInvalid, Message: "invalid body"})
		return
	}
	ack, err := s.source(r).Create(r.Context(), req.ID, req.Payload)
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	w.Header().Set(headerETag, ack.Revision)
	writeJSON(w, http.StatusCreated, ack)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, errorBody{Code: codeInvalid, Message: "invalid body"})
		return
	}
	rev, err := s.source(r).Update(r.Context(), chi.URLParam(r, "id"), req.Payload, r.Header.Get(headerIfMatch))
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	w.Header().Set(headerETag, rev)
	writeJSON(w, http.StatusOK, revisionResponse{Revision: rev})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	err := s.source(r).Delete(r.Context(), chi.URLParam(r, "id"), r.Header.Get(headerIfMatch))
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSourceError(w http.ResponseWriter, err error) {
	if ce, ok := IsConflict(err); ok {
		writeError(w, http.StatusConflict, errorBody{Code: codeConflict, Message: ce.Error(), Current: ce.Current})
		return
	}
	if re, ok := IsRejected(err); ok {
		writeError(w, http.StatusUnprocessableEntity, errorBody{Code: codeRejected, Message: re.Reason})
		return
	}
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Code: codeNotFound, Message: "record not found"})
		return
	}
	s.logger.Error("remote source failure", "error", err)
	writeError(w, http.StatusServiceUnavailable, errorBody{Code: codeInternal, Message: "unavailable"})
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/signer"
)

// KeySet serves the verifying keys for anchor signatures.
type KeySet interface {
	signer.KeyResolver
	JWKS(ctx context.Context) (keys.Document, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	keys       KeySet
	db         Pinger
	reportPath string
}

// New builds a server. db may be nil when keys are not database backed.
func New(keySet KeySet, db Pinger, reportPath string) *Server {
	return &Server{keys: keySet, db: db, reportPath: reportPath}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/keys/{kid}", s.handleKey)

	r.Route("/anchors", func(r chi.Router) {
		r.Get("/report", s.handleReport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			status["ok"] = false
			status["db"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := s.keys.JWKS(r.Context())
	if err != nil {
		log.Printf("[httpserver] jwks: %v", err)
		respondError(w, http.StatusInternalServerError, "jwks unavailable")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	pub, err := s.keys.PublicKey(r.Context(), kid)
	if errors.Is(err, signer.ErrUnknownKey) {
		respondError(w, http.StatusNotFound, "unknown key")
		return
	}
	if err != nil {
		log.Printf("[httpserver] key %s: %v", kid, err)
		respondError(w, http.StatusInternalServerError, "key lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, signer.PublicJWK(kid, pub))
}

// handleReport serves the latest verifier report. ?failed=true trims the
// results to the failing anchors.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reportPath == "" {
		respondError(w, http.StatusNotFound, "no report configured")
		return
	}
	rep, err := anchor.ReadReport(s.reportPath)
	if errors.Is(err, fs.ErrNotExist) {
		respondError(w, http.StatusNotFound, "no report yet")
		return
	}
	if err != nil {
		log.Printf("[httpserver] report: %v", err)
		respondError(w, http.StatusInternalServerError, "report unreadable")
		return
	}
	if r.URL.Query().Get("failed") == "true" {
		rep.Results = rep.Failed()
	}
	respondJSON(w, http.StatusOK, rep)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

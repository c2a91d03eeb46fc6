// Package server exposes the receipt pipeline, reports and identity
// operations as a JSON HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/spendsight/internal/auth"
	"github.com/zombor/spendsight/internal/receipt"
)

// Identity is the identity provider boundary
type Identity interface {
	SignUp(ctx context.Context, req auth.SignUpRequest) (*auth.User, error)
	SignIn(ctx context.Context, req auth.SignInRequest) (*auth.Session, error)
	SignOut(ctx context.Context, token string) error
	Confirm(ctx context.Context, token string) (*auth.User, error)
	ConfirmationStatus(ctx context.Context, email string) (bool, error)
	Authenticate(ctx context.Context, token string) (*auth.User, error)
}

// FileSource serves stored images back over HTTP. Only the local object
// store needs this; S3 serves its own public URLs.
type FileSource interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Options configures a Server
type Options struct {
	// Files serves /files/ when set
	Files FileSource
	// MaxUploadBytes caps multipart uploads
	MaxUploadBytes int64
	// Version is reported by /healthz
	Version string
}

const defaultMaxUploadBytes = 50 << 20

// Server handles HTTP requests
type Server struct {
	receipts *receipt.Service
	identity Identity
	opts     Options
	mux      *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(receipts *receipt.Service, identity Identity, opts Options) *Server {
	return NewServerWithMux(receipts, identity, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(receipts *receipt.Service, identity Identity, opts Options, mux *http.ServeMux) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		receipts: receipts,
		identity: identity,
		opts:     opts,
		mux:      mux,
	}
	s.registerRoutes()
	return s
}

type contextKey int

const (
	userKey contextKey = iota
	tokenKey
)

// currentUser returns the user requireAuth attached to the request
func currentUser(r *http.Request) *auth.User {
	user, _ := r.Context().Value(userKey).(*auth.User)
	return user
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// requireAuth resolves the bearer token to a user
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Spendsight"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized", Kind: "auth_error"})
			return
		}
		user, err := s.identity.Authenticate(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Spendsight", error="invalid_token"`)
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, tokenKey, token)
		next(w, r.WithContext(ctx))
	}
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	// identity
	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignUp)
	s.mux.HandleFunc("POST /api/auth/signin", s.handleSignIn)
	s.mux.HandleFunc("GET /api/auth/confirm", s.handleConfirm)
	s.mux.HandleFunc("GET /api/auth/status", s.handleConfirmationStatus)
	s.mux.HandleFunc("POST /api/auth/signout", s.requireAuth(s.handleSignOut))
	s.mux.HandleFunc("GET /api/auth/me", s.requireAuth(s.handleMe))

	// capture pipeline
	s.mux.HandleFunc("POST /api/captures", s.requireAuth(s.handleCreateCapture))
	s.mux.HandleFunc("GET /api/captures/{id}", s.requireAuth(s.handleGetCapture))
	s.mux.HandleFunc("DELETE /api/captures/{id}", s.requireAuth(s.handleAbandonCapture))
	s.mux.HandleFunc("POST /api/captures/{id}/upload", s.requireAuth(s.handleUploadCapture))
	s.mux.HandleFunc("POST /api/captures/{id}/process", s.requireAuth(s.handleProcessCapture))
	s.mux.HandleFunc("PUT /api/captures/{id}/candidate", s.requireAuth(s.handleReviseCandidate))
	s.mux.HandleFunc("POST /api/captures/{id}/save", s.requireAuth(s.handleSaveCapture))

	// receipts
	s.mux.HandleFunc("GET /api/receipts/export", s.requireAuth(s.handleExport))
	s.mux.HandleFunc("GET /api/receipts/events", s.requireAuth(s.handleEvents))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))

	if s.opts.Files != nil {
		s.mux.HandleFunc("GET /files/{key...}", s.handleFile)
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}

// LogRequests logs each request at debug level
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

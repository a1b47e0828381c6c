// Package server exposes the question-answering pipeline over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/service"
)

// MaxBodyBytes caps the size of a run request body.
const MaxBodyBytes = 1 << 20

// Runner executes one question-answering run.
type Runner interface {
	Run(ctx context.Context, req service.Request) (*service.Response, error)
}

// Server holds the HTTP handlers and their settings.
type Server struct {
	cfg     config.ServerConfig
	runner  Runner
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a server. A bearer token is required.
func New(cfg config.ServerConfig, runner Runner, logger *log.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, fmt.Errorf("no bearer token configured: set %s", cfg.BearerTokenEnv)
	}
	s := &Server{cfg: cfg, runner: runner, logger: logger.With("component", "server")}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RateLimitRPS))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/health", s.handleHealth)
	mux.Handle("POST "+prefix+"/hackrx/run", s.authorize(http.HandlerFunc(s.handleRun)))
	return s.logMiddleware(s.rateLimitMiddleware(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	timeout := time.Duration(s.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           http.TimeoutHandler(s.Handler(), timeout, `{"error":"timeout","message":"request timed out","code":503}`),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr, "prefix", s.cfg.APIPrefix)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// documentList accepts either a single URL string or an array of URLs.
type documentList []string

func (d *documentList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*d = documentList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("documents must be a url or a list of urls")
	}
	*d = many
	return nil
}

type runRequest struct {
	Documents documentList `json:"documents"`
	Questions []string     `json:"questions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidInput), "malformed request body: "+err.Error())
		return
	}

	resp, err := s.runner.Run(r.Context(), service.Request{
		Documents: req.Documents,
		Questions: req.Questions,
		Debug:     r.URL.Query().Get("debug") == "true",
	})
	if err != nil {
		kind := domain.KindOf(err)
		status := statusForKind(kind)
		if status >= http.StatusInternalServerError {
			s.logger.Error("run failed", "kind", kind, "err", err, "req_id", w.Header().Get("X-Request-ID"))
		} else {
			s.logger.Warn("run rejected", "kind", kind, "err", err)
		}
		writeError(w, status, string(kind), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindFetch:
		return http.StatusBadGateway
	case domain.KindParse:
		return http.StatusUnprocessableEntity
	case domain.KindEmbedding, domain.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// authorize requires Authorization: Bearer <token>.
func (s *Server) authorize(next http.Handler) http.Handler {
	want := []byte(s.cfg.BearerToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// request-id propagation: accept client-provided or generate
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http.req",
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", rec.nbytes,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	nbytes int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.nbytes += n
	return n, err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, errStr, message string) {
	writeJSON(w, status, apiError{Error: errStr, Message: message, Code: status})
}

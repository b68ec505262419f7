// Package server exposes a core.Service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/staticimp/staticimp/pkg/core"
)

// Greeting is the body of GET /.
const Greeting = "Hello from staticimp"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Submitter processes submissions. *core.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, sub core.Submission) (*core.Result, error)
}

// Server is the HTTP front of a Submitter.
type Server struct {
	svc             Submitter
	logger          *slog.Logger
	router          chi.Router
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New creates a server for svc.
func New(svc Submitter, opts ...Option) *Server {
	s := &Server{svc: svc, shutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleHello)
	r.Post("/v1/entry/{backend}/*", s.handleEntry)
	r.Get("/v1/state", s.handleState)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	lifecycle.Go(ctx, func(ctx context.Context) error {
		if s.logger != nil {
			s.logger.Info("listening", "addr", ln.Addr().String())
		}
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
		return err
	}, lifecycle.WithErrorHandler(func(err error) {
		if s.logger != nil {
			s.logger.Error("http server failed", "error", err)
		}
		select {
		case errc <- err:
		default:
		}
	}))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Info("shutting down", "timeout", s.shutdownTimeout)
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Greeting))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	intro, ok := s.svc.(introspection.Introspectable)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "state not available"})
		return
	}
	writeJSON(w, http.StatusOK, intro.State())
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	project, branch, entryType, err := splitEntryPath(chi.URLParam(r, "*"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fields, err := decodeFields(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sub := core.Submission{
		Backend:   chi.URLParam(r, "backend"),
		Project:   project,
		Branch:    branch,
		EntryType: entryType,
		Params:    queryParams(r.URL.Query()),
		Fields:    fields,
	}

	// A client hanging up must not abort a commit halfway.
	res, err := s.svc.Submit(context.WithoutCancel(r.Context()), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryResponse(res))
}

type entryResponse struct {
	ID           string                   `json:"id"`
	State        core.State               `json:"state"`
	Path         string                   `json:"path,omitempty"`
	Branch       string                   `json:"branch,omitempty"`
	ReviewBranch string                   `json:"review_branch,omitempty"`
	MergeRequest *core.MergeRequestResult `json:"merge_request,omitempty"`
	Entry        *core.ResolvedEntry      `json:"entry,omitempty"`
	Config       any                      `json:"config,omitempty"`
}

func newEntryResponse(res *core.Result) entryResponse {
	out := entryResponse{
		ID:           res.ID,
		State:        res.State,
		Path:         res.Path,
		Branch:       res.Branch,
		ReviewBranch: res.ReviewBranch,
		MergeRequest: res.MergeRequest,
	}
	if res.State == core.StateDebug {
		entry := res.Entry
		out.Entry = &entry
		out.Config = res.Config
	}
	return out
}

type errorBody struct {
	Error        string `json:"error"`
	Category     string `json:"category,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	ReviewBranch string `json:"review_branch,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if s.logger != nil && status >= 500 {
		s.logger.Debug("request failed", "status", status, "category", body.Category)
	}
	writeJSON(w, status, body)
}

// errorResponse maps an error to its status and body. Crypto and config
// failures are not described to the caller.
func errorResponse(err error) (int, errorBody) {
	cat := core.Classify(err)
	body := errorBody{Error: err.Error(), Category: cat.String(), Retryable: core.Retryable(err)}

	var partial *core.PartialCommitError
	switch {
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType, errorBody{Error: err.Error(), Category: core.CategoryInput.String()}
	case cat == core.CategoryCrypto:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Category: cat.String()}
	case cat == core.CategoryConfig:
		return http.StatusInternalServerError, errorBody{Error: "server configuration error", Category: cat.String()}
	case errors.As(err, &partial):
		// The entry is on the review branch; only the merge request is missing.
		body.ReviewBranch = partial.ReviewBranch
		return http.StatusAccepted, body
	case errors.Is(err, core.ErrUnknownBackend), errors.Is(err, core.ErrUnknownEntryType):
		return http.StatusNotFound, body
	case errors.Is(err, core.ErrEntryTypeDisabled), errors.Is(err, core.ErrBranchNotAllowed), errors.Is(err, core.ErrProjectNotAllowed):
		return http.StatusForbidden, body
	case cat == core.CategoryInput:
		return http.StatusBadRequest, body
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict, body
	case errors.Is(err, core.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, body
	case cat == core.CategoryBackend:
		return http.StatusBadGateway, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Category: cat.String()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.logger == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/richardartoul/dotcache/render"
	"github.com/richardartoul/dotcache/runner"
)

// welcomeFile is served for directory requests under the static root.
const welcomeFile = "trace.html"

// RunnerStats is the part of the process runner the server reports on.
type RunnerStats interface {
	Stats() runner.Stats
}

// Server adapts HTTP requests to the render coordinator and serves the
// rendered artifacts and static content.
type Server struct {
	coord         *render.Coordinator
	runner        RunnerStats
	cacheDir      string
	staticDir     string
	maxInputBytes int64
	logger        *slog.Logger
	started       time.Time
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Coordinator *render.Coordinator
	Runner      RunnerStats
	CacheDir    string

	// StaticDir, if set, is served at / with trace.html as the welcome file.
	StaticDir string

	// MaxInputBytes bounds the size of a graph input. Zero means no limit.
	MaxInputBytes int64

	Logger *slog.Logger
}

// NewServer creates a new server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:         cfg.Coordinator,
		runner:        cfg.Runner,
		cacheDir:      cfg.CacheDir,
		staticDir:     cfg.StaticDir,
		maxInputBytes: cfg.MaxInputBytes,
		logger:        logger,
		started:       time.Now(),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dot", s.handleDot)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/cache/", http.StripPrefix("/cache/", http.FileServer(http.Dir(s.cacheDir))))
	if s.staticDir != "" {
		mux.Handle("/", s.staticHandler())
	}
	return mux
}

func (s *Server) handleDot(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	hash := r.URL.Query().Get("hash")
	logger := s.logger.With("request_id", requestID, "hash", hash)

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hash == "" {
		logger.Info("missing hash")
		http.Error(w, "missing hash", http.StatusBadRequest)
		return
	}

	body := r.Body
	if s.maxInputBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxInputBytes)
	}

	start := time.Now()
	build, err := s.coord.Render(r.Context(), hash, body)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			logger.Info("client went away before the build started")
			return
		}
		s.writeError(w, logger, err)
		return
	}
	res, err := build.Wait(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			logger.Info("client went away before the build completed")
			return
		}
		s.writeError(w, logger, err)
		return
	}

	switch {
	case res.Cached:
		w.Header().Set("X-Cache", "hit")
	case res.Shared:
		w.Header().Set("X-Cache", "shared")
	default:
		w.Header().Set("X-Cache", "miss")
	}
	w.Header().Set("X-Artifact", "/cache/"+path.Base(res.OutputPath))
	w.WriteHeader(http.StatusOK)
	logger.Debug("served", "cached", res.Cached, "shared", res.Shared, "duration", time.Since(start))
}

// writeError maps a render outcome to a response.
func (s *Server) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		renderErr *render.RenderError
		maxErr    *http.MaxBytesError
	)

	switch {
	case errors.Is(err, render.ErrInvalidHash):
		logger.Info("invalid hash")
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &maxErr):
		logger.Info("input too large", "limit", maxErr.Limit)
		http.Error(w, fmt.Sprintf("graph input exceeds %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
	case errors.Is(err, render.ErrAdmissionRejected), errors.Is(err, runner.ErrStopped):
		logger.Warn("render rejected", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &renderErr):
		logger.Info("graphviz failed", "status", renderErr.Status)
		writePlain(w, http.StatusInternalServerError, renderErr.Error())
	case errors.Is(err, render.ErrRenderTimeout):
		logger.Info("graphviz killed after timeout")
		writePlain(w, http.StatusInternalServerError,
			fmt.Sprintf("graphviz process was killed because it did not finish within %dms", s.coord.Timeout().Milliseconds()))
	default:
		logger.Warn("render failed", "error", err)
		writePlain(w, http.StatusInternalServerError, err.Error())
	}
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// statsResponse is the /stats payload.
type statsResponse struct {
	UptimeSeconds float64      `json:"uptime_seconds"`
	Render        render.Stats `json:"render"`
	Runner        runner.Stats `json:"runner"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Render:        s.coord.Stats(),
	}
	if s.runner != nil {
		resp.Runner = s.runner.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		s.logger.Warn("failed to write stats", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "OK")
}

// staticHandler serves the static directory with directory listings, using
// trace.html as the welcome file when a directory contains one.
func (s *Server) staticHandler() http.Handler {
	root := http.Dir(s.staticDir)
	files := http.FileServer(root)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/") {
			files.ServeHTTP(w, r)
			return
		}

		f, err := root.Open(path.Join(r.URL.Path, welcomeFile))
		if err != nil {
			files.ServeHTTP(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		http.ServeContent(w, r, welcomeFile, info.ModTime(), f)
	})
}

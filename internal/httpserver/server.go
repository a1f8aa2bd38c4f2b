package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

const (
	defaultLimit = domain.DefaultFeedLimit
	maxLimit     = 100
)

// FeedProvider serves feed skeletons. *domain.FeedService implements it.
type FeedProvider interface {
	DescribeGenerator(serviceDID string) domain.GeneratorDescription
	GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*domain.FeedSkeleton, error)
}

// Config holds the externally visible identity of the generator.
type Config struct {
	Port       int
	ServiceDID string
	Hostname   string
}

// Server is the HTTP server that serves feed generator XRPC endpoints.
type Server struct {
	cfg        Config
	feeds      FeedProvider
	logger     *slog.Logger
	requests   *prometheus.CounterVec
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new HTTP server. When registry is non-nil the request
// counter is registered on it and it is served on /metrics.
func NewServer(cfg Config, feeds FeedProvider, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		feeds:  feeds,
		logger: logger,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "feedgen",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "The number of HTTP requests served.",
			}, []string{"pattern", "status"},
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDoc)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	mux.HandleFunc("GET /health", s.handleHealth)
	if registry != nil {
		if err := registry.Register(s.requests); err != nil {
			return nil, fmt.Errorf("register http metrics: %w", err)
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.handler = s.withLogging(mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID,
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	desc := s.feeds.DescribeGenerator(s.cfg.ServiceDID)
	feeds := make([]map[string]string, 0, len(desc.Feeds))
	for _, f := range desc.Feeds {
		feeds = append(feeds, map[string]string{"uri": f.URI})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"did":   desc.DID,
		"feeds": feeds,
	})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		s.logger.Warn("getFeedSkeleton called without feed parameter")
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}

	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxLimit {
			s.logger.Warn("invalid limit parameter", "limit", l, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", maxLimit))
			return
		}
		limit = parsed
	}

	cursor := r.URL.Query().Get("cursor")

	skeleton, err := s.feeds.GetFeedSkeleton(r.Context(), feedURI, limit, cursor)
	switch {
	case errors.Is(err, domain.ErrMalformedCursor):
		s.logger.Warn("malformed cursor", "feed", feedURI, "cursor", cursor, "error", err)
		writeError(w, http.StatusBadRequest, "BadCursor", "malformed cursor")
		return
	case errors.Is(err, domain.ErrUnknownFeed):
		s.logger.Warn("unknown feed requested", "feed", feedURI)
		writeError(w, http.StatusBadRequest, "UnknownFeed", "unknown feed")
		return
	case err != nil:
		s.logger.Error("failed to get feed skeleton",
			"feed", feedURI,
			"limit", limit,
			"cursor", cursor,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	s.logger.Debug("getFeedSkeleton success", "feed", feedURI, "posts_returned", len(skeleton.Posts), "next_cursor", skeleton.Cursor)

	resp := map[string]any{
		"feed": toSkeletonResponse(skeleton.Posts),
	}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}

	writeJSON(w, http.StatusOK, resp)
}

func toSkeletonResponse(posts []domain.SkeletonPost) []map[string]string {
	result := make([]map[string]string, len(posts))
	for i, p := range posts {
		result[i] = map[string]string{"post": p.Post}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		// ServeMux sets r.Pattern; it is empty when no route matched.
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.requests.WithLabelValues(pattern, strconv.Itoa(wrapped.status)).Inc()
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/middleware"
	"github.com/JakeFAU/listingwatch/internal/worker"
)

// Service is the command surface the handlers drive.
type Service interface {
	AddQuery(ctx context.Context, params crawler.QueryParams) (crawler.AddResult, error)
	RemoveQueries(ctx context.Context, subscriber string) (int, error)
	ListQueries(ctx context.Context, subscriber string) ([]crawler.Query, error)
	RunCycle(ctx context.Context) (worker.CycleResult, error)
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 routes when set.
	APIKey string
	// RequestTimeout bounds each /v1 request. Zero disables the limit.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the worker service.
type Server struct {
	router chi.Router
	svc    Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
		}
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/queries", func(r chi.Router) {
			r.Post("/", s.addQuery)
			r.Get("/", s.listQueries)
		})
		r.Delete("/subscribers/{subscriber}/queries", s.removeQueries)
		r.Post("/cycles", s.runCycle)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addQuery(w http.ResponseWriter, r *http.Request) {
	var params crawler.QueryParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.AddQuery(r.Context(), params)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	resp := addQueryResponse{Query: newQueryView(res.Query), Skipped: res.Skipped}
	if res.InitialErr != nil {
		resp.InitialError = res.InitialErr.Error()
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	qs, err := s.svc.ListQueries(r.Context(), r.URL.Query().Get("subscriber"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	views := make([]queryView, 0, len(qs))
	for _, q := range qs {
		views = append(views, newQueryView(q))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queries": views})
}

func (s *Server) removeQueries(w http.ResponseWriter, r *http.Request) {
	subscriber := chi.URLParam(r, "subscriber")
	n, err := s.svc.RemoveQueries(r.Context(), subscriber)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscriber": subscriber, "removed": n})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RunCycle(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	rep := res.Report
	s.writeJSON(w, http.StatusOK, cycleResponse{
		CycleID:     rep.ID,
		DurationMS:  rep.Duration.Milliseconds(),
		Queries:     len(rep.Outcomes),
		Failed:      rep.Failed(),
		NewListings: rep.NewListings(),
		Notifications: notificationCounts{
			Sent:       res.Delivery.Sent,
			Suppressed: res.Delivery.Suppressed,
			Failed:     res.Delivery.Failed,
		},
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case crawler.IsCrawlFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type queryView struct {
	Keywords      []string  `json:"keywords"`
	Location      string    `json:"location"`
	MinPrice      *int      `json:"min_price,omitempty"`
	MaxPrice      *int      `json:"max_price,omitempty"`
	MaxPage       int       `json:"max_page"`
	Subscriber    string    `json:"subscriber,omitempty"`
	Results       int       `json:"results"`
	RecentlyAdded int       `json:"recently_added"`
	CreatedAt     time.Time `json:"created_at"`
	LastCrawledAt time.Time `json:"last_crawled_at,omitzero"`
}

func newQueryView(q crawler.Query) queryView {
	return queryView{
		Keywords:      q.Keywords,
		Location:      q.Location,
		MinPrice:      q.MinPrice,
		MaxPrice:      q.MaxPrice,
		MaxPage:       q.MaxPage,
		Subscriber:    q.Subscriber,
		Results:       len(q.Results),
		RecentlyAdded: len(q.RecentlyAdded),
		CreatedAt:     q.CreatedAt,
		LastCrawledAt: q.LastCrawledAt,
	}
}

type addQueryResponse struct {
	Query        queryView `json:"query"`
	Skipped      bool      `json:"skipped"`
	InitialError string    `json:"initial_error,omitempty"`
}

type notificationCounts struct {
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
}

type cycleResponse struct {
	CycleID       string             `json:"cycle_id"`
	DurationMS    int64              `json:"duration_ms"`
	Queries       int                `json:"queries"`
	Failed        int                `json:"failed"`
	NewListings   int                `json:"new_listings"`
	Notifications notificationCounts `json:"notifications"`
}

type requestIDKey struct{}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

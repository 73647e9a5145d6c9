// Package collector is the HTTP service that receives crash reports from
// uploaders, stores them and serves them back to operators.
package collector

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/airbag/internal/ratelimit"
	"github.com/psantana5/airbag/internal/store"
	"github.com/psantana5/airbag/internal/tracing"
	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/models"
)

// API paths.
const (
	APIPrefix   = "/api/v1"
	ReportsPath = APIPrefix + "/reports"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// IngestRequest is the body of POST /api/v1/reports.
type IngestRequest struct {
	Reports []*models.Report `json:"reports"`
}

// IngestResponse summarises an upload.
type IngestResponse struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	IDs        []string `json:"ids,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// ListResponse is the body of GET /api/v1/reports.
type ListResponse struct {
	Reports []*models.Report `json:"reports"`
	Count   int              `json:"count"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Total    int            `json:"total"`
	BySignal map[string]int `json:"by_signal"`
}

// Server handles collector API requests.
type Server struct {
	cfg      Config
	store    store.Store
	logger   *logging.Logger
	tracer   *tracing.Provider
	registry *prometheus.Registry
	metrics  *serverMetrics
	limiter  *ratelimit.Limiter
	seen     *lru.Cache
	decoder  *zstd.Decoder
	router   *mux.Router
	now      func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracer traces API requests.
func WithTracer(p *tracing.Provider) Option {
	return func(s *Server) { s.tracer = p }
}

// WithClock replaces time.Now for received-at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a server around st. The caller owns st.
func New(cfg Config, st store.Store, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		store:    st,
		logger:   logging.Discard(),
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop()
	}

	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultConfig().DedupeSize
	}
	seen, err := lru.New(cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	s.seen = seen

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultConfig().MaxBodyBytes
	}
	s.cfg.MaxBodyBytes = maxBody
	s.decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxBody)*4))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, burst, 0)
	}

	s.metrics = newServerMetrics(s.registry, s.storedReports)
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry exposes the server's prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Close releases the zstd decoder.
func (s *Server) Close() error {
	s.decoder.Close()
	return nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(tracing.Middleware(s.tracer, routeTemplate))
	api.Use(s.countRequests)
	if s.limiter != nil {
		api.Use(s.limiter.Middleware(ratelimit.APIKeyFunc))
	}
	api.Use(s.authenticate)

	api.HandleFunc("/reports", s.IngestReports).Methods(http.MethodPost)
	api.HandleFunc("/reports", s.ListReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}", s.GetReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}", s.DeleteReport).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.Stats).Methods(http.MethodGet)
	return r
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return ""
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.requests.WithLabelValues(routeTemplate(r), strconv.Itoa(rec.code)).Inc()
	})
}

type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (c *codeRecorder) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" && s.cfg.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !s.validKey(token) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(token string) bool {
	if s.cfg.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}

// Health reports whether the store is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// IngestReports stores a batch of reports. Bodies may be zstd compressed.
// Reports already stored, recognised by their key, are counted as
// duplicates and not stored again.
func (s *Server) IngestReports(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Reports) == 0 {
		writeError(w, http.StatusBadRequest, "no reports in request")
		return
	}
	s.metrics.batchSize.Observe(float64(len(req.Reports)))

	var resp IngestResponse
	for i, rep := range req.Reports {
		if rep == nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("report %d: empty", i))
			continue
		}
		if err := rep.Validate(); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("report %d: %v", i, err))
			continue
		}

		key := rep.Key()
		if s.seen.Contains(key) {
			resp.Duplicates++
			continue
		}

		rep.ID = uuid.NewString()
		rep.ReceivedAt = s.now().UTC()
		err := s.store.SaveReport(rep)
		switch {
		case errors.Is(err, store.ErrDuplicateReport):
			resp.Duplicates++
			s.seen.Add(key, struct{}{})
		case err != nil:
			s.logger.Error("Failed to store report", logging.Fields{"error": err, "key": key})
			writeError(w, http.StatusInternalServerError, "failed to store report")
			return
		default:
			s.seen.Add(key, struct{}{})
			resp.Accepted++
			resp.IDs = append(resp.IDs, rep.ID)
			s.metrics.received.WithLabelValues(rep.Signal).Inc()
			s.logger.Info("Stored crash report", logging.Fields{
				"id":     rep.ID,
				"host":   rep.Host,
				"signal": rep.Signal,
			})
		}
	}
	s.metrics.duplicates.Add(float64(resp.Duplicates))
	s.metrics.rejected.Add(float64(resp.Rejected))

	status := http.StatusOK
	if resp.Accepted > 0 {
		status = http.StatusCreated
	}
	if resp.Rejected == len(req.Reports) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	switch enc := strings.ToLower(r.Header.Get("Content-Encoding")); enc {
	case "", "identity":
		return body, nil
	case "zstd":
		out, err := s.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// ListReports returns reports filtered by signal, host, since (RFC 3339)
// and limit.
func (s *Server) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ReportFilter{
		Signal: strings.ToUpper(q.Get("signal")),
		Host:   q.Get("host"),
		Limit:  defaultListLimit,
	}
	if filter.Signal != "" && !strings.HasPrefix(filter.Signal, "SIG") {
		filter.Signal = "SIG" + filter.Signal
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	reports, err := s.store.ListReports(filter)
	if err != nil {
		s.logger.Error("Failed to list reports", logging.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Reports: reports, Count: len(reports)})
}

// GetReport returns one report.
func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.store.GetReport(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get report", logging.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "failed to get report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// DeleteReport removes one report.
func (s *Server) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.store.DeleteReport(id)
	if errors.Is(err, store.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete report", logging.Fields{"error": err, "id": id})
		writeError(w, http.StatusInternalServerError, "failed to delete report")
		return
	}
	s.logger.Info("Deleted crash report", logging.Fields{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns report counts by signal.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountBySignal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count reports")
		return
	}
	resp := StatsResponse{BySignal: counts}
	for _, n := range counts {
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storedReports() float64 {
	counts, err := s.store.CountBySignal()
	if err != nil {
		return 0
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return float64(total)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

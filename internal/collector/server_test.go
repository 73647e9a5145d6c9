package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/airbag/internal/store"
	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/models"
)

var received = time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)

func newServer(t *testing.T, cfg Config) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	srv, err := New(cfg, st, WithClock(func() time.Time { return received }))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, st
}

func report(host, sig string, seq uint64) *models.Report {
	rec := &capture.Report{
		Seq:       seq,
		Signal:    sig,
		PID:       77,
		TID:       77,
		Timestamp: received.Add(-time.Duration(seq) * time.Minute),
		Registers: map[string]uint64{"pc": 0x4010f0},
	}
	return models.NewReport(rec, &models.Process{PID: 77, Hostname: host, Executable: "/opt/app"})
}

func post(t *testing.T, h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, ReportsPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func encode(t *testing.T, reports ...*models.Report) []byte {
	t.Helper()
	b, err := json.Marshal(IngestRequest{Reports: reports})
	require.NoError(t, err)
	return b
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestIngestListGetDelete(t *testing.T) {
	srv, _ := newServer(t, Config{})
	h := srv.Handler()

	rr := post(t, h, encode(t, report("web-1", "SIGSEGV", 1), report("web-2", "SIGABRT", 2)), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ingest := decodeBody[IngestResponse](t, rr)
	assert.Equal(t, 2, ingest.Accepted)
	require.Len(t, ingest.IDs, 2)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath+"?signal=segv", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[ListResponse](t, rr)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "web-1", list.Reports[0].Host)
	assert.True(t, list.Reports[0].ReceivedAt.Equal(received))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath+"/"+ingest.IDs[1], nil))
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[models.Report](t, rr)
	assert.Equal(t, "SIGABRT", got.Signal)
	assert.Equal(t, uint64(0x4010f0), got.Record.Registers["pc"])

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, ReportsPath+"/"+ingest.IDs[1], nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath+"/"+ingest.IDs[1], nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, APIPrefix+"/stats", nil))
	stats := decodeBody[StatsResponse](t, rr)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySignal["SIGSEGV"])
}

func TestDuplicateUploadsAreIgnored(t *testing.T) {
	srv, st := newServer(t, Config{})
	h := srv.Handler()
	body := encode(t, report("web-1", "SIGBUS", 1))

	require.Equal(t, http.StatusCreated, post(t, h, body, nil).Code)

	rr := post(t, h, body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[IngestResponse](t, rr)
	assert.Equal(t, 0, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicates)

	// A fresh server misses the cache but the store still rejects the key.
	srv2, err := New(Config{}, st)
	require.NoError(t, err)
	defer srv2.Close()
	resp = decodeBody[IngestResponse](t, post(t, srv2.Handler(), body, nil))
	assert.Equal(t, 1, resp.Duplicates)

	counts, err := st.CountBySignal()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["SIGBUS"])
}

func TestZstdBody(t *testing.T) {
	srv, _ := newServer(t, Config{})
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(encode(t, report("web-3", "SIGFPE", 1)), nil)
	require.NoError(t, enc.Close())

	rr := post(t, srv.Handler(), compressed, map[string]string{"Content-Encoding": "zstd"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = post(t, srv.Handler(), []byte("not zstd"), map[string]string{"Content-Encoding": "zstd"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = post(t, srv.Handler(), compressed, map[string]string{"Content-Encoding": "br"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestInvalidReportsAreRejected(t *testing.T) {
	srv, _ := newServer(t, Config{})
	h := srv.Handler()

	bad := &models.Report{Signal: "SIGSEGV"}
	rr := post(t, h, encode(t, bad), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeBody[IngestResponse](t, rr)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "no record")

	rr = post(t, h, encode(t, bad, report("web-1", "SIGILL", 9)), nil)
	assert.Equal(t, http.StatusCreated, rr.Code)

	assert.Equal(t, http.StatusBadRequest, post(t, h, []byte("{"), nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, []byte(`{"reports":[]}`), nil).Code)
}

func TestListValidation(t *testing.T) {
	srv, _ := newServer(t, Config{})
	for _, q := range []string{"limit=0", "limit=abc", "since=yesterday"} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath+"?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"reports":[],"count":0}`, rr.Body.String())
}

func TestAuthentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name   string
		cfg    Config
		header string
		want   int
	}{
		{"plain key accepted", Config{APIKey: "s3cret"}, "Bearer s3cret", http.StatusOK},
		{"plain key wrong", Config{APIKey: "s3cret"}, "Bearer nope", http.StatusUnauthorized},
		{"missing header", Config{APIKey: "s3cret"}, "", http.StatusUnauthorized},
		{"not bearer", Config{APIKey: "s3cret"}, "Basic s3cret", http.StatusUnauthorized},
		{"hash accepted", Config{APIKeyHash: string(hash)}, "Bearer hashed-secret", http.StatusOK},
		{"hash wins over key", Config{APIKey: "s3cret", APIKeyHash: string(hash)}, "Bearer s3cret", http.StatusUnauthorized},
		{"open api", Config{}, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.cfg)
			req := httptest.NewRequest(http.MethodGet, ReportsPath, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	t.Run("health and metrics stay open", func(t *testing.T) {
		srv, _ := newServer(t, Config{APIKey: "s3cret"})
		for _, path := range []string{"/health", "/metrics"} {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rr.Code, path)
		}
	})
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, Config{RateLimit: 1, RateBurst: 2})
	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, ReportsPath, nil))
		codes[i] = rr.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetrics(t *testing.T) {
	srv, _ := newServer(t, Config{})
	h := srv.Handler()
	for i := 1; i <= 3; i++ {
		post(t, h, encode(t, report(fmt.Sprintf("web-%d", i), "SIGSEGV", uint64(i))), nil)
	}
	post(t, h, encode(t, report("web-1", "SIGSEGV", 1)), nil)

	assert.Equal(t, float64(3), testutil.ToFloat64(srv.metrics.received.WithLabelValues("SIGSEGV")))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.duplicates))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "airbag_collector_reports_stored 3")
	assert.True(t, strings.Contains(body, `airbag_collector_http_requests_total{code="201",route="/api/v1/reports"} 3`), body)
}

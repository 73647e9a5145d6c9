//go:build unix

package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/airbag/internal/collector"
	"github.com/psantana5/airbag/internal/retry"
	"github.com/psantana5/airbag/internal/store"
	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/models"
	"github.com/psantana5/airbag/pkg/signals"
	"github.com/psantana5/airbag/pkg/sink"
	"github.com/psantana5/airbag/pkg/spool"
)

func writeSpool(t *testing.T, dir, name string, n int) string {
	t.Helper()
	path := filepath.Join(dir, name+spool.Ext)
	fs, err := sink.OpenFile(path, &models.Process{PID: 321, Hostname: "batch-7", Executable: "/usr/local/bin/worker"})
	require.NoError(t, err)
	defer fs.Close()

	buf := make([]byte, capture.HeaderSize)
	for i := 0; i < n; i++ {
		rec := &capture.Record{
			Seq:       uint64(i + 1),
			Signal:    signals.SEGV,
			PID:       321,
			TID:       322,
			Timestamp: time.Date(2026, 9, 1, 0, 0, i, 0, time.UTC).UnixNano(),
		}
		require.NotZero(t, capture.Encode(buf, rec, 0))
		fs.Deliver(rec)
	}
	return path
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func newCollector(t *testing.T, cfg collector.Config) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	srv, err := collector.New(cfg, st)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts, st
}

func TestUploadDir(t *testing.T) {
	ts, st := newCollector(t, collector.Config{APIKey: "agent-key"})
	dir := t.TempDir()
	first := writeSpool(t, dir, "a", 3)
	writeSpool(t, dir, "b", 1)

	u, err := New(Config{
		CollectorURL: ts.URL,
		APIKey:       "agent-key",
		SpoolDir:     dir,
		BatchSize:    2,
		Compress:     true,
		Retry:        fastRetry(),
	})
	require.NoError(t, err)
	defer u.Close()

	results, err := u.UploadDir(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, first, results[0].Path)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Reports)
	assert.Equal(t, 3, results[0].Accepted)
	assert.Equal(t, filepath.Join(dir, "a"+spool.SentExt), results[0].SentPath)
	assert.Equal(t, 0, results[1].Accepted)
	assert.Equal(t, 1, results[1].Duplicates, "same host, pid, sequence and time as a's first record")

	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err), "uploaded spools are renamed")

	reports, err := st.ListReports(models.ReportFilter{Host: "batch-7"})
	require.NoError(t, err)
	assert.Len(t, reports, 3)

	remaining, err := spool.List(dir)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	backend, st := newCollector(t, collector.Config{})
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		proxy, err := http.NewRequestWithContext(r.Context(), r.Method, backend.URL+r.URL.Path, r.Body)
		require.NoError(t, err)
		proxy.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(proxy)
		require.NoError(t, err)
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer flaky.Close()

	dir := t.TempDir()
	path := writeSpool(t, dir, "crash", 1)
	u, err := New(Config{CollectorURL: flaky.URL, SpoolDir: dir, Retry: fastRetry()})
	require.NoError(t, err)

	res := u.UploadFile(context.Background(), path)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, int32(3), calls.Load())

	counts, err := st.CountBySignal()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["SIGSEGV"])
}

func TestUploadStopsOnAuthFailure(t *testing.T) {
	ts, _ := newCollector(t, collector.Config{APIKey: "right"})
	dir := t.TempDir()
	path := writeSpool(t, dir, "crash", 1)

	u, err := New(Config{CollectorURL: ts.URL, APIKey: "wrong", SpoolDir: dir, Retry: fastRetry()})
	require.NoError(t, err)

	res := u.UploadFile(context.Background(), path)
	require.Error(t, res.Err)
	assert.True(t, retry.IsPermanent(res.Err))
	assert.Contains(t, res.Err.Error(), "401")

	_, err = os.Stat(path)
	assert.NoError(t, err, "failed spools stay in place")
}

func TestNewRequiresCollector(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestUploadLeavesLiveAndEmptySpools(t *testing.T) {
	var posts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	dir := t.TempDir()
	empty := writeSpool(t, dir, "empty", 0)
	live := filepath.Join(dir, "live"+spool.Ext)
	writer, err := sink.OpenFile(live, &models.Process{PID: 99, Hostname: "batch-7"})
	require.NoError(t, err)

	u, err := New(Config{CollectorURL: ts.URL, SpoolDir: dir, Retry: fastRetry()})
	require.NoError(t, err)
	defer u.Close()

	results, err := u.UploadDir(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, empty, results[0].Path)
	assert.Equal(t, SkipEmpty, results[0].Skipped)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, live, results[1].Path)
	assert.Equal(t, SkipInUse, results[1].Skipped)
	assert.NoError(t, results[1].Err)
	assert.Zero(t, posts.Load())

	// A crash recorded after the first pass is still found in place.
	buf := make([]byte, capture.HeaderSize)
	rec := &capture.Record{Seq: 1, Signal: signals.ABRT, PID: 99, Timestamp: time.Now().UnixNano()}
	require.NotZero(t, capture.Encode(buf, rec, 0))
	writer.Deliver(rec)
	require.NoError(t, writer.Close())

	paths, err := spool.List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{empty, live}, paths)
	f, err := spool.Read(live)
	require.NoError(t, err)
	require.Len(t, f.Records(), 1)
	assert.Equal(t, "SIGABRT", f.Records()[0].Signal)
}

package models

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/airbag/pkg/capture"
)

func TestNewReport(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	rec := &capture.Report{Seq: 7, Signal: "SIGBUS", Partial: true, Timestamp: ts, PID: 99}

	r := NewReport(rec, &Process{Hostname: "node-1", Executable: "/bin/app"})
	assert.Equal(t, "SIGBUS", r.Signal)
	assert.True(t, r.Partial)
	assert.Equal(t, ts, r.CapturedAt)
	assert.Equal(t, "node-1", r.Host)
	assert.Equal(t, "/bin/app", r.Executable)
	assert.Equal(t, "node-1/99/7/"+strconv.FormatInt(ts.UnixNano(), 10), r.Key())
	assert.NoError(t, r.Validate())

	anon := NewReport(rec, nil)
	assert.Empty(t, anon.Host)
	assert.Equal(t, "/99/7/"+strconv.FormatInt(ts.UnixNano(), 10), anon.Key())
}

func TestReportValidate(t *testing.T) {
	assert.Error(t, (&Report{}).Validate())
	assert.Error(t, (&Report{Record: &capture.Report{}}).Validate())
	assert.Error(t, (&Report{Record: &capture.Report{}, Signal: "SIGSEGV"}).Validate())
	assert.Equal(t, "abc", (&Report{ID: "abc"}).Key())
}

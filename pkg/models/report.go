package models

import (
	"fmt"
	"time"

	"github.com/psantana5/airbag/pkg/capture"
)

// Process describes the process a spool belongs to. It is written once, as
// the metadata frame, when a file sink is opened.
type Process struct {
	PID         int               `json:"pid" yaml:"pid"`
	Executable  string            `json:"executable" yaml:"executable"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Hostname    string            `json:"hostname" yaml:"hostname"`
	OS          string            `json:"os" yaml:"os"`
	Platform    string            `json:"platform,omitempty" yaml:"platform,omitempty"`
	Kernel      string            `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Arch        string            `json:"arch" yaml:"arch"`
	GoVersion   string            `json:"go_version" yaml:"go_version"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	MemoryTotal uint64            `json:"memory_total_bytes,omitempty" yaml:"memory_total_bytes,omitempty"`
	RSS         uint64            `json:"rss_bytes,omitempty" yaml:"rss_bytes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Report is a crash report as stored and served by the collector.
type Report struct {
	ID         string          `json:"id" yaml:"id"`
	Host       string          `json:"host" yaml:"host"`
	Executable string          `json:"executable" yaml:"executable"`
	Signal     string          `json:"signal" yaml:"signal"`
	Partial    bool            `json:"partial" yaml:"partial"`
	CapturedAt time.Time       `json:"captured_at" yaml:"captured_at"`
	ReceivedAt time.Time       `json:"received_at" yaml:"received_at"`
	Process    *Process        `json:"process,omitempty" yaml:"process,omitempty"`
	Record     *capture.Report `json:"record" yaml:"record"`
}

// NewReport wraps a decoded record with the process it came from.
func NewReport(rec *capture.Report, proc *Process) *Report {
	r := &Report{
		Signal:     rec.Signal,
		Partial:    rec.Partial,
		CapturedAt: rec.Timestamp,
		Process:    proc,
		Record:     rec,
	}
	if proc != nil {
		r.Host = proc.Hostname
		r.Executable = proc.Executable
	}
	return r
}

// Key identifies a captured fault independently of the upload attempt, so a
// retried upload can be recognised.
func (r *Report) Key() string {
	if r.Record == nil {
		return r.ID
	}
	return fmt.Sprintf("%s/%d/%d/%d", r.Host, r.Record.PID, r.Record.Seq, r.Record.Timestamp.UnixNano())
}

// Validate checks the fields the collector relies on.
func (r *Report) Validate() error {
	if r.Record == nil {
		return fmt.Errorf("report has no record")
	}
	if r.Signal == "" {
		return fmt.Errorf("report has no signal")
	}
	if r.CapturedAt.IsZero() {
		return fmt.Errorf("report has no capture time")
	}
	return nil
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	Signal string
	Host   string
	Since  time.Time
	Limit  int
}

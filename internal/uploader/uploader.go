// Package uploader ships spooled crash records to the collector. It runs
// out of band, typically from a cron job or the next start of the crashed
// service, never from the process that faulted.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/airbag/internal/collector"
	"github.com/psantana5/airbag/internal/retry"
	"github.com/psantana5/airbag/internal/tlsutil"
	"github.com/psantana5/airbag/internal/tracing"
	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/models"
	"github.com/psantana5/airbag/pkg/spool"
)

// Config configures uploads.
type Config struct {
	CollectorURL string         `mapstructure:"collector_url" yaml:"collector_url"`
	APIKey       string         `mapstructure:"api_key" yaml:"api_key,omitempty"`
	SpoolDir     string         `mapstructure:"spool_dir" yaml:"spool_dir"`
	BatchSize    int            `mapstructure:"batch_size" yaml:"batch_size"`
	Compress     bool           `mapstructure:"compress" yaml:"compress"`
	Timeout      time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Retry        retry.Config   `mapstructure:"retry" yaml:"retry"`
	TLS          tlsutil.Config `mapstructure:"tls" yaml:"tls"`
}

// DefaultConfig uploads to a local collector.
func DefaultConfig() Config {
	return Config{
		CollectorURL: "http://localhost:9470",
		SpoolDir:     "/var/spool/airbag",
		BatchSize:    50,
		Compress:     true,
		Timeout:      30 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

// Result summarises one spool file.
type Result struct {
	Path       string `json:"path" yaml:"path"`
	SentPath   string `json:"sent_path,omitempty" yaml:"sent_path,omitempty"`
	Reports    int    `json:"reports" yaml:"reports"`
	Accepted   int    `json:"accepted" yaml:"accepted"`
	Duplicates int    `json:"duplicates" yaml:"duplicates"`
	Rejected   int    `json:"rejected" yaml:"rejected"`
	Truncated  bool   `json:"truncated" yaml:"truncated"`
	// Skipped says why a spool was left in place: a writer still has it
	// open, or it holds no records yet.
	Skipped string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Err     error  `json:"-" yaml:"-"`
}

// Reasons a spool is skipped.
const (
	SkipInUse = "in use"
	SkipEmpty = "no records"
)

// Uploader posts spooled reports to the collector.
type Uploader struct {
	cfg     Config
	client  *http.Client
	encoder *zstd.Encoder
	tracer  *tracing.Provider
	logger  *logging.Logger
}

// Option customises an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithTracer traces uploads.
func WithTracer(p *tracing.Provider) Option {
	return func(u *Uploader) { u.tracer = p }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// New creates an uploader.
func New(cfg Config, opts ...Option) (*Uploader, error) {
	if cfg.CollectorURL == "" {
		return nil, fmt.Errorf("collector URL is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	u := &Uploader{cfg: cfg, logger: logging.Discard()}
	for _, opt := range opts {
		opt(u)
	}
	if u.tracer == nil {
		u.tracer = tracing.Noop()
	}
	if u.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLS.Enabled {
			tc, err := tlsutil.ClientConfig(cfg.TLS)
			if err != nil {
				return nil, err
			}
			transport.TLSClientConfig = tc
		}
		u.client = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		u.encoder = enc
	}
	return u, nil
}

// Close releases the encoder.
func (u *Uploader) Close() error {
	if u.encoder != nil {
		return u.encoder.Close()
	}
	return nil
}

// UploadDir uploads every unsent spool in the configured directory. A
// failing file does not stop the others; its error is in its Result.
func (u *Uploader) UploadDir(ctx context.Context) ([]Result, error) {
	paths, err := spool.List(u.cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list spools: %w", err)
	}
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, u.UploadFile(ctx, path))
	}
	return results, nil
}

// UploadFile uploads one spool and marks it sent once every batch has been
// acknowledged. A spool still open in a live process, or one without
// records, is left for a later run.
func (u *Uploader) UploadFile(ctx context.Context, path string) Result {
	ctx, span := u.tracer.StartSpan(ctx, "airbag.upload", attribute.String("spool.path", path))
	defer span.End()

	res := Result{Path: path}
	lock, err := spool.Acquire(path)
	if errors.Is(err, spool.ErrBusy) {
		res.Skipped = SkipInUse
		span.SetAttributes(attribute.String("spool.skipped", res.Skipped))
		u.logger.Debug("Spool still open by a writer", logging.Fields{"spool": path})
		return res
	}
	if err != nil {
		res.Err = err
		tracing.SetError(ctx, err)
		return res
	}
	defer lock.Release()

	f, err := spool.Read(path)
	if err != nil {
		res.Err = err
		tracing.SetError(ctx, err)
		return res
	}
	res.Truncated = f.Truncated
	reports := f.Reports()
	res.Reports = len(reports)
	span.SetAttributes(attribute.Int("spool.reports", len(reports)))
	if len(reports) == 0 {
		res.Skipped = SkipEmpty
		span.SetAttributes(attribute.String("spool.skipped", res.Skipped))
		return res
	}

	for start := 0; start < len(reports); start += u.cfg.BatchSize {
		end := min(start+u.cfg.BatchSize, len(reports))
		resp, err := u.send(ctx, reports[start:end])
		if err != nil {
			res.Err = err
			tracing.SetError(ctx, err)
			u.logger.Error("Upload failed", logging.Fields{"spool": path, "error": err})
			return res
		}
		res.Accepted += resp.Accepted
		res.Duplicates += resp.Duplicates
		res.Rejected += resp.Rejected
	}

	sent, err := spool.MarkSent(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.SentPath = sent
	u.logger.Info("Uploaded spool", logging.Fields{
		"spool":      path,
		"reports":    res.Reports,
		"accepted":   res.Accepted,
		"duplicates": res.Duplicates,
	})
	return res
}

// send posts one batch, retrying transport failures and retryable status
// codes. Uploads are idempotent: the collector drops reports it already has.
func (u *Uploader) send(ctx context.Context, batch []*models.Report) (*collector.IngestResponse, error) {
	body, err := json.Marshal(collector.IngestRequest{Reports: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	encoding := ""
	if u.encoder != nil {
		body = u.encoder.EncodeAll(body, nil)
		encoding = "zstd"
	}

	url := strings.TrimRight(u.cfg.CollectorURL, "/") + collector.ReportsPath
	var out collector.IngestResponse
	err = retry.Do(ctx, u.cfg.Retry, func(attempt int) error {
		if attempt > 0 {
			tracing.AddEvent(ctx, "retry", attribute.Int("attempt", attempt))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		if u.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)
		}
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			out = collector.IngestResponse{}
			if err := json.Unmarshal(data, &out); err != nil {
				return retry.Permanent(fmt.Errorf("invalid collector response: %w", err))
			}
			return nil
		case retry.RetryableStatus(resp.StatusCode) || resp.StatusCode >= 500:
			return fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		default:
			return retry.Permanent(fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/airbag/internal/cleanup"
	"github.com/psantana5/airbag/internal/collector"
	"github.com/psantana5/airbag/internal/shutdown"
	"github.com/psantana5/airbag/internal/store"
	"github.com/psantana5/airbag/internal/tlsutil"
	"github.com/psantana5/airbag/internal/tracing"
	"github.com/psantana5/airbag/pkg/logging"
)

var (
	collectListen    string
	collectStoreType string
	collectDSN       string
	collectGenCert   bool
	collectCertHosts []string
)

// collectCmd runs the collector service
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the report collector",
	Long: `Serves the collector API: uploaded crash reports are de-duplicated, stored
and made available for listing. Reports older than the retention period are
deleted in the background. SIGINT or SIGTERM stop the service gracefully.`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVar(&collectListen, "listen", "", "listen address (default from config or :9470)")
	collectCmd.Flags().StringVar(&collectStoreType, "store", "", "store type: sqlite, postgres or memory")
	collectCmd.Flags().StringVar(&collectDSN, "dsn", "", "sqlite path or postgres connection string")
	collectCmd.Flags().BoolVar(&collectGenCert, "generate-cert", false, "generate a self-signed certificate when TLS is enabled and none exists")
	collectCmd.Flags().StringSliceVar(&collectCertHosts, "cert-hosts", nil, "extra host names or IPs for a generated certificate")
}

func runCollect(cmd *cobra.Command, args []string) error {
	var err error
	if logger, err = cfg.Log.CommandLogger("collector"); err != nil {
		return err
	}

	ccfg := cfg.Collector
	if collectListen != "" {
		ccfg.Listen = collectListen
	}
	if collectStoreType != "" {
		ccfg.Store.Type = collectStoreType
	}
	if collectDSN != "" {
		ccfg.Store.DSN = collectDSN
	}

	if ccfg.TLS.Enabled && collectGenCert {
		if err := ensureCertificate(ccfg.TLS); err != nil {
			return err
		}
	}
	if !ccfg.TLS.Enabled {
		logger.Warn("TLS disabled; reports and API keys travel in clear text")
	}

	shut := shutdown.New(30*time.Second, logger)
	if cfg.Log.File {
		shut.Register("log", shutdown.CloseResource(logger))
		go rotateLogs(logger, shut.Done())
	}

	tracer, err := tracing.Init(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	shut.Register("tracing", tracer.Shutdown)

	st, err := store.NewStore(ccfg.Store)
	if err != nil {
		return err
	}
	shut.Register("store", shutdown.CloseResource(st))
	logger.Info("Store opened", logging.Fields{"type": ccfg.Store.Type})

	srv, err := collector.New(ccfg, st,
		collector.WithLogger(logger.WithField("component", "collector")),
		collector.WithTracer(tracer),
	)
	if err != nil {
		return err
	}
	shut.Register("collector", shutdown.CloseResource(srv))

	retention := cleanup.NewManager(ccfg.Retention, st, logger)
	retention.Start(context.Background())
	shut.Register("retention", func(context.Context) error {
		retention.Stop()
		return nil
	})

	httpSrv, err := srv.HTTPServer()
	if err != nil {
		return err
	}
	shut.Register("http", shutdown.StopHTTPServer(httpSrv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(httpSrv); err != nil {
			logger.Error("Collector stopped", logging.Fields{"error": err})
			serveErr <- err
			cancel()
		}
	}()

	if err := shut.Wait(ctx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func rotateLogs(l *logging.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := l.RotateIfNeeded(cfg.Log.MaxSizeBytes()); err != nil {
				l.Warn("Log rotation failed", logging.Fields{"error": err})
			}
		}
	}
}

func ensureCertificate(tc tlsutil.Config) error {
	if tc.CertFile == "" || tc.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file must be set to generate a certificate")
	}
	if _, err := os.Stat(tc.CertFile); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(tc.CertFile), 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := tlsutil.GenerateSelfSigned(tc.CertFile, tc.KeyFile, "airbag-collector", collectCertHosts...); err != nil {
		return err
	}
	logger.Info("Generated self-signed certificate", logging.Fields{"cert": tc.CertFile, "key": tc.KeyFile})
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/airbag/internal/tracing"
	"github.com/psantana5/airbag/internal/uploader"
	"github.com/psantana5/airbag/pkg/logging"
)

var (
	uploadDir   string
	uploadURL   string
	uploadWatch time.Duration
)

// uploadCmd ships spooled crash records to the collector
var uploadCmd = &cobra.Command{
	Use:   "upload [spool-file...]",
	Short: "Upload spooled crash reports",
	Long: `Reads spool files written by the file: output, posts their records to the
collector and renames each fully acknowledged spool to *.sent. Without
arguments every *.spool file in the spool directory is uploaded. With
--watch the directory is scanned again at that interval until interrupted.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadDir, "dir", "", "spool directory (default from config)")
	uploadCmd.Flags().StringVar(&uploadURL, "url", "", "collector URL (default from config)")
	uploadCmd.Flags().DurationVar(&uploadWatch, "watch", 0, "rescan interval; 0 uploads once")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ucfg := cfg.Upload
	if uploadDir != "" {
		ucfg.SpoolDir = uploadDir
	}
	if uploadURL != "" {
		ucfg.CollectorURL = uploadURL
	}

	if uploadWatch > 0 {
		var err error
		if logger, err = cfg.Log.CommandLogger("uploader"); err != nil {
			return err
		}
		defer logger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	up, err := uploader.New(ucfg,
		uploader.WithLogger(logger.WithField("component", "uploader")),
		uploader.WithTracer(tracer),
	)
	if err != nil {
		return err
	}
	defer up.Close()

	if len(args) > 0 {
		results := make([]uploader.Result, 0, len(args))
		for _, path := range args {
			results = append(results, up.UploadFile(ctx, path))
		}
		return printUploadResults(results)
	}

	for {
		results, err := up.UploadDir(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if uploadWatch <= 0 {
			return printUploadResults(results)
		}
		if len(results) > 0 {
			logger.Info("Upload pass complete", logging.Fields{"spools": len(results)})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(uploadWatch):
		}
	}
}

type uploadView struct {
	uploader.Result `yaml:",inline"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty"`
}

func uploadViews(results []uploader.Result) []uploadView {
	out := make([]uploadView, len(results))
	for i, r := range results {
		out[i] = uploadView{Result: r}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

func printUploadResults(results []uploader.Result) error {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	switch {
	case isJSONOutput(), isYAMLOutput():
		if err := encodeStructured(uploadViews(results)); err != nil {
			return err
		}
	default:
		if len(results) == 0 {
			fmt.Println("No spools to upload")
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Spool", "Reports", "Accepted", "Duplicates", "Rejected", "Status")
		for _, r := range results {
			status := "sent"
			if r.Err != nil {
				status = r.Err.Error()
			} else if r.Skipped != "" {
				status = "skipped (" + r.Skipped + ")"
			} else if r.Truncated {
				status = "sent (truncated tail)"
			}
			table.Append(r.Path, r.Reports, r.Accepted, r.Duplicates, r.Rejected, status)
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d spools failed to upload", failed, len(results))
	}
	return nil
}

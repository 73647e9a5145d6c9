package cmd

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/psantana5/airbag/internal/procinfo"
	"github.com/psantana5/airbag/pkg/engine"
	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/signals"
)

var (
	triggerSink    string
	triggerDetail  string
	triggerSurvive bool
)

// triggerCmd raises a fatal signal against this process's own handlers
var triggerCmd = &cobra.Command{
	Use:   "trigger <signal>",
	Short: "Raise a fatal signal and capture it",
	Long: `Registers crash handlers from the capture section of the config, then raises
the given signal on the calling thread. Without --survive the signal is
handed on to its previous disposition afterwards, which normally ends the
process. With --survive a rule absorbs the fault and the capture counters
are printed.

Signals: SEGV, ABRT, ILL, BUS, FPE (with or without the SIG prefix).`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringVar(&triggerSink, "sink", "", "output channel: stderr, discard, fd:<n> or file:<path> (default from config)")
	triggerCmd.Flags().StringVar(&triggerDetail, "detail", "", "capture detail: minimal or full (default from config)")
	triggerCmd.Flags().BoolVar(&triggerSurvive, "survive", false, "absorb the fault instead of chaining it")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	sig, err := signals.Parse(args[0])
	if err != nil {
		return err
	}

	capCfg := cfg.Capture
	if triggerSink != "" {
		capCfg.Output = triggerSink
	}
	if triggerDetail != "" {
		capCfg.Detail = triggerDetail
	}
	builder, err := capCfg.Builder()
	if err != nil {
		return err
	}
	if triggerSurvive {
		builder.AddRule(sig, "cmd/airbag/cmd", "raiseSynthetic")
	}
	engCfg, err := builder.Build()
	if err != nil {
		return err
	}
	if !engCfg.SignalSet().Has(sig) {
		return fmt.Errorf("%s is not in the capture set %s", sig, engCfg.SignalSet())
	}

	eng := engine.New(
		engine.WithLogger(logger),
		engine.WithMetadata(procinfo.Collect(capCfg.Labels)),
	)
	logger.Debug("Arming capture", logging.Fields{"config": engCfg.String()})
	tok, err := eng.Register(engCfg)
	if err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}
	defer releaseHandlers(tok, logger)

	if !triggerSurvive {
		fmt.Fprintf(os.Stderr, "Raising %s (%s); disposition %s\n", sig, sig.Description(), engCfg.Disposition())
	}

	if err := raiseSynthetic(sig); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(eng.Metrics()); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	return printMetrics(reg)
}

// raiseSynthetic is the frame the --survive rule matches on.
//
//go:noinline
func raiseSynthetic(sig signals.Signal) error {
	return engine.Raise(sig)
}

type unregisterer interface {
	Unregister() error
}

// releaseHandlers unregisters tok, logging a failure instead of dropping it.
func releaseHandlers(tok unregisterer, l *logging.Logger) {
	if err := tok.Unregister(); err != nil {
		l.Warn("Failed to unregister handlers", logging.Fields{"error": err})
	}
}

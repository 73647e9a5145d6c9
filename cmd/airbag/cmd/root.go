package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/airbag/internal/config"
	"github.com/psantana5/airbag/internal/tlsutil"
	"github.com/psantana5/airbag/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
	logJSON      bool

	cfg    config.Config
	logger *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "airbag",
	Short: "Crash capture for Go processes",
	Long: `airbag installs fatal-signal handlers that record registers, stack and a
goroutine dump when a process crashes, and ships the resulting reports to a
collector service.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.airbag/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	v, err := config.New(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing config: %v\n", err)
		os.Exit(1)
	}
	flags := rootCmd.PersistentFlags()
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.json", flags.Lookup("log-json"))

	cfg, err = config.Read(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfgFile = used
	}
	logger = cfg.Log.Logger()
}

// collectorURL returns the configured collector URL with trailing slashes removed
func collectorURL() string {
	return strings.TrimRight(cfg.Upload.CollectorURL, "/")
}

func isJSONOutput() bool { return outputFormat == "json" }
func isYAMLOutput() bool { return outputFormat == "yaml" }

// encodeStructured writes v to stdout as JSON or YAML, per --output.
func encodeStructured(v any) error {
	if isYAMLOutput() {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newAuthenticatedRequest creates a collector request carrying the upload API key
func newAuthenticatedRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, collectorURL()+path, body)
	if err != nil {
		return nil, err
	}
	if cfg.Upload.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Upload.APIKey)
	}
	return req, nil
}

func httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: cfg.Upload.Timeout}
	if cfg.Upload.TLS.Enabled {
		tc, err := tlsutil.ClientConfig(cfg.Upload.TLS)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tc}
	}
	return client, nil
}

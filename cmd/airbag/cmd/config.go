package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/airbag/internal/store"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
	Long:  `Commands for printing and checking the effective configuration after file, environment and flag overrides.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the capture and collector sections",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "print API keys instead of masking them")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cfg
	if !configShowSecrets {
		out.Collector.APIKey = mask(out.Collector.APIKey)
		out.Collector.APIKeyHash = mask(out.Collector.APIKeyHash)
		out.Upload.APIKey = mask(out.Upload.APIKey)
	}
	if cfgFile != "" {
		fmt.Printf("# %s\n", cfgFile)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	engCfg, err := cfg.Capture.Engine()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	switch cfg.Collector.Store.Type {
	case "sqlite", "postgres", "memory", "":
	default:
		return fmt.Errorf("collector.store: %w: %s", store.ErrUnsupportedDatabase, cfg.Collector.Store.Type)
	}
	if cfg.Collector.TLS.Enabled && (cfg.Collector.TLS.CertFile == "" || cfg.Collector.TLS.KeyFile == "") {
		return fmt.Errorf("collector.tls: cert_file and key_file are required when enabled")
	}
	fmt.Printf("capture: %s\n", engCfg)
	fmt.Println("Configuration is valid")
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

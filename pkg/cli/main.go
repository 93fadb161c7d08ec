// Package cli builds the docroute command line: the demo walkthrough, ad-hoc
// queries, partition maintenance, health checks, and configuration commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/docroute/pkg/config"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/version"
)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	// Out receives command output. Defaults to stdout.
	Out io.Writer
	// LogOutput receives logs. Defaults to stderr so tables stay clean.
	LogOutput io.Writer
}

// loadFunc loads the configuration for a subcommand.
type loadFunc func() (*config.Config, *config.Config, logger.Logger, error)

// NewRootCommand creates the docroute CLI with demo, query, partitions,
// healthcheck, version, and config subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "docroute"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(opts.Out)

	var cfgPath string
	var secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")

	load := func() (*config.Config, *config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.LogOutput)
	}

	rootCmd.AddCommand(
		newVersionCommand(opts.Name),
		newDemoCommand(load),
		newQueryCommand(load),
		newPartitionsCommand(load),
		newHealthcheckCommand(load),
		newConfigCommand(load),
	)
	return rootCmd
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
}

func newConfigCommand(load loadFunc) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, err := load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, _, err := load()
			if err != nil {
				return err
			}
			if showSecrets {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted(secrets))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	return configCmd
}

// LoadConfigAndLogger loads and validates the configuration, secrets file
// included, and creates the logger it describes. The second return value holds
// only what the secrets file set.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath string, logOutput io.Writer) (*config.Config, *config.Config, logger.Logger, error) {
	if envPrefix == "" {
		envPrefix = config.DefaultEnvPrefix
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: logOutput,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg, secrets)
	return cfg, secrets, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(strings.TrimSuffix(envPrefix, "_")+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func logConfigIfDebug(log logger.Logger, cfg, secrets *config.Config) {
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted(secrets))
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

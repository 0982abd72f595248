package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allenwang28/monarch-rl-examples/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rl-runtime",
	Short: "Asynchronous RL training runtime",
	Long: `rl-runtime drives an asynchronous reinforcement learning core:
a training loop publishes policy weights through a staging channel while
rollout loops route prompts across health-tracked generation replicas and
feed scored trajectories back through a staleness-bounded buffer.

Example:
  rl-runtime serve
  rl-runtime serve --config config.yaml
  rl-runtime journal tail --path rl-journal.db --limit 20
`,
}

func init() {
	rootCmd.Version = "0.1.0"
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (built-in defaults apply when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the runtime configuration from --config, falling back
// to the built-in defaults when no file is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.RuntimeConfig) error {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	slog.SetDefault(slog.New(handler).With("runtime", cfg.Name))
	return nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/insightline/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "insightline",
	Short: "Conversational BI over messaging: queued answers, DAX tools and scheduled alerts",
	Long: `insightline answers business questions sent over a messaging gateway by
letting a language model run DAX against Power BI datasets, and sends
scheduled metric alerts to the same channel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "insightline version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(checkAlertsCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration, then installs the
// default logger. Commands that never call the model skip the secret check.
func loadConfig(requireSecrets bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(requireSecrets); err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// setupLogging writes to stderr so the stdio MCP transport keeps stdout.
func setupLogging(lc config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

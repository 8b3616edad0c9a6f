package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/domo_companion/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "domo_companion",
	Short:         "Companion service for the Domo web UI",
	Long:          "Watches Domo tabs over CDP, detects the object each tab shows and serves that context over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, typesCmd, detectCmd, openCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = io.WriteString(os.Stderr, "error: "+err.Error()+"\n")
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the logger. quiet keeps
// stdout clean for commands that print results.
func loadConfig(quiet bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile, quiet); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(level, filename string, quiet bool) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = io.MultiWriter(os.Stdout, logWriter)
	if quiet {
		out = logWriter
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

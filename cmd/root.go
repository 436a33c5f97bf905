package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codexdist/rcpsync/internal/config"
	"github.com/codexdist/rcpsync/internal/db"
)

var (
	envFile   string
	dbPath    string
	logFormat string
	logLevel  string
	logOutput string

	// Populated in PersistentPreRunE.
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
	logFile    *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rcpsync",
	Short: "Collect RCP and Notice documents and deliver them over SFTP.",
	Long: `rcpsync gathers French RCP/Notice documents from the source share and
EU documents from the monthly EMA extract, stores them under canonical names,
transfers them to the SFTP server and records every step in a DuckDB audit
database.

The primary command is 'run'. Other commands recover failed EU downloads,
show the audit history, and archive or analyse batches.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Environment ---
		envLoaded := true
		if err := godotenv.Load(envFile); err != nil {
			if cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			envLoaded = false
		}

		// --- 2. Logger ---
		logger, err := newLogger(logLevel, logFormat, logOutput)
		if err != nil {
			return err
		}
		rootLogger = logger
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized.", "level", logLevel, "format", logFormat, "output", logOutput, "env_file", envFile, "env_loaded", envLoaded)

		// --- 3. Config ---
		appConfig, err = config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if dbPath != "" {
			appConfig.Paths.AuditDB = dbPath
		}

		// --- 4. Audit database ---
		rootLogger.Debug("Opening audit database.", "path", appConfig.Paths.AuditDB)
		dbConn, err = db.Open(cmd.Context(), appConfig.Paths.AuditDB)
		if err != nil {
			return err
		}
		rootLogger.Debug("Audit database ready.")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			getLogger().Debug("Closing audit database.")
			if err := dbConn.Close(); err != nil {
				getLogger().Error("Failed to close audit database cleanly.", "error", err)
			}
		}
		if logFile != nil {
			logFile.Close()
		}
		return nil
	},
}

// newLogger builds the slog handler for level, format and output. A file
// output rotates through lumberjack.
func newLogger(level, format, output string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q (debug, info, warn, error)", level)
	}

	var w io.Writer
	switch strings.ToLower(output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		logFile = &lumberjack.Logger{
			Filename:   output,
			MaxSize:    50, // megabytes
			MaxBackups: 10,
			MaxAge:     90, // days
			Compress:   true,
		}
		w = logFile
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (text, json)", format)
	}
}

// logsToTerminal reports whether log lines share the terminal with the TUI.
func logsToTerminal() bool {
	out := strings.ToLower(logOutput)
	return out == "" || out == "stderr" || out == "stdout"
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(analyseCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading the configuration")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Audit database path, overrides AUDIT_DB_PATH (:memory: for in-memory)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")
	rootCmd.Version = "1.0.0"
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}

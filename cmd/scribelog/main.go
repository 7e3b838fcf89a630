// Command scribelog runs the diarization scheduling and persistence
// service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "scribelog",
		Short: "Clinical diarization scheduling and persistence engine",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: .scribelog.yaml in CWD or $HOME)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scribelog service",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runServe(ctx, newLogger(set.LogLevel), set)
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit <audio-path>",
		Short: "Admit one recording as a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			sessionID, _ := cmd.Flags().GetString("session")
			optionsJSON, _ := cmd.Flags().GetString("options")
			return runSubmit(newLogger(set.LogLevel), set, args[0], sessionID, optionsJSON)
		},
	}
	submitCmd.Flags().String("session", "", "session ID (default: derived from the filename)")
	submitCmd.Flags().String("options", "", "job options as a JSON object")

	statusCmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Print a job snapshot, or list all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}
			return runStatus(set, jobID, cmd.OutOrStdout())
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Render a job's transcript to an artifact with a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			purpose, _ := cmd.Flags().GetString("purpose")
			out, _ := cmd.Flags().GetString("out")
			pii, _ := cmd.Flags().GetBool("pii")
			retention, _ := cmd.Flags().GetUint("retention-days")
			return runExport(newLogger(set.LogLevel), set, exportArgs{
				jobID:         args[0],
				format:        format,
				purpose:       purpose,
				outPath:       out,
				includesPII:   pii,
				retentionDays: retention,
			})
		},
	}
	exportCmd.Flags().String("format", "JSON", "MARKDOWN, JSON, BINARY, CSV, or TEXT")
	exportCmd.Flags().String("purpose", "PERSONAL_REVIEW", "declared purpose of the export")
	exportCmd.Flags().String("out", "", "artifact output path (required)")
	exportCmd.Flags().Bool("pii", true, "artifact contains personally identifying information")
	exportCmd.Flags().Uint("retention-days", 0, "retention window recorded in the manifest (0 = unbounded)")
	_ = exportCmd.MarkFlagRequired("out")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			op, _ := cmd.Flags().GetString("op")
			actor, _ := cmd.Flags().GetString("actor")
			limit, _ := cmd.Flags().GetInt("limit")
			stats, _ := cmd.Flags().GetBool("stats")
			return runAudit(set, auditArgs{op: op, actor: actor, limit: limit, stats: stats}, cmd.OutOrStdout())
		},
	}
	auditCmd.Flags().String("op", "", "filter by operation label")
	auditCmd.Flags().String("actor", "", "filter by actor")
	auditCmd.Flags().Int("limit", 0, "max entries (0 = all)")
	auditCmd.Flags().Bool("stats", false, "print ledger totals instead of entries")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, submitCmd, statusCmd, exportCmd, auditCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

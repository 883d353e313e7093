package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/metrics"
	"github.com/franz/dw-loader/internal/orchestrator"
	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every pending source file",
	Long: `Process every active source file in status Pending.

In per-file mode (the default) each file runs the whole pipeline on its own:
1. Validate the file and load its rows into staging
2. Quarantine rows failing the null, range and duplicate checks
3. Run the transform operations as one batch, then the dimensional upsert
4. Run the load operations

A failing file moves to Error and the run continues with the next one.
Set job.mode to "batch" (or use 'dwl batch') to stage every file first and
transform and load them together.

A markdown report of the run is written to <artifacts>/reports/<timestamp>/.`,
	RunE: runRun,
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Stage every pending file, then transform and load them together",
	Long: `Load every pending file into staging, then run the quality gate,
transform and load once over the whole staging table. Files advance together:
a failure after staging moves every staged file to Error and fails the job.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), config.ModeBatch)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)

	runCmd.Flags().String("mode", "", `orchestration mode, "per-file" or "batch" (default from job.mode)`)
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	return runJob(cmd.Context(), mode)
}

func runJob(ctx context.Context, mode string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Job.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	stores, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	logger, err := report.NewEventLogger(cfg.Artifacts, eventLevel())
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		logger = report.NullLogger()
	}
	defer logger.Close()

	if logger.Path() != "" {
		util.InfoLog("Event log: %s", logger.Path())
	}

	server := metrics.NewServer(cfg.Metrics.Addr)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Close()

	sg := cfg.Notify.SendGrid
	notifier := report.MultiNotifier{logger, report.NewSendGridNotifier(sg.APIKey, sg.From, sg.To)}

	o := orchestrator.New(cfg, stores, orchestrator.Options{
		Events:   logger,
		Notifier: notifier,
	})

	util.InfoLog("=== %s (%s) ===", cfg.Job.Name, cfg.Job.Mode)

	var result *orchestrator.JobResult
	var jobErr error
	if cfg.Job.Mode == config.ModeBatch {
		result, jobErr = o.RunBatch(ctx)
	} else {
		result, jobErr = o.Run(ctx)
	}
	if result == nil {
		return jobErr
	}

	// Summary
	util.InfoLog("")
	if result.Status == report.StatusCompleted {
		util.SuccessLog("=== Job %s ===", result.Status)
	} else {
		util.ErrorLog("=== Job %s ===", result.Status)
	}
	util.InfoLog("Run: %s", result.RunID)
	util.InfoLog("Total time: %v", result.Duration.Round(time.Millisecond))
	util.InfoLog("Records processed: %s", humanize.Comma(result.RecordsProcessed))
	util.InfoLog("Files loaded: %d", result.FilesLoaded)
	if result.FilesFailed > 0 {
		util.WarnLog("Files failed: %d", result.FilesFailed)
		util.InfoLog("")
		util.InfoLog("Inspect the failures with: dwl jobs show %d", result.JobID)
		util.InfoLog("Retry a fixed file with: dwl files reset <config-key>")
	}

	writeJobReport(context.WithoutCancel(ctx), stores.Control, cfg, result.JobID, logger.Path())

	return jobErr
}

// writeJobReport saves the markdown report of jobID; failures are only logged
func writeJobReport(ctx context.Context, control *store.Store, cfg *config.Config, jobID int64, eventLogPath string) {
	util.InfoLog("")
	util.InfoLog("Generating summary report...")

	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	summaryReport, err := report.GenerateSummaryReport(ctx, control, files, jobID, eventLogPath)
	if err != nil {
		util.WarnLog("Failed to generate summary report: %v", err)
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	reportPath := filepath.Join(cfg.Artifacts, "reports", timestamp, "summary.md")

	if err := report.WriteMarkdownReport(summaryReport, reportPath); err != nil {
		util.WarnLog("Failed to write summary report: %v", err)
		return
	}
	util.SuccessLog("Summary report saved to: %s", reportPath)
}

// formatDuration renders d for listings
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprint(d.Round(time.Millisecond))
}

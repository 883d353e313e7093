package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/tracker"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [job-id]",
	Short: "Generate a summary report of a job run",
	Long: `Generate a summary report of one job run in Markdown format.

The report includes:
- Job status, duration and record counts
- Per-file row statistics
- Step timings
- Data quality findings
- Top errors
- The current file registry state

Without a job id the most recent run is reported.
The report is saved to <artifacts>/reports/<timestamp>/summary.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	// Report-specific flags
	reportCmd.Flags().String("out", "", "Output directory for report (default: <artifacts>/reports/<timestamp>)")
	reportCmd.Flags().String("event-log", "", "Path to event log file (optional)")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	var jobID int64
	if len(args) == 1 {
		if jobID, err = strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
	} else {
		runs, err := tracker.New(control, nil).RecentJobs(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			util.WarnLog("No job runs recorded yet. Run 'dwl run' first.")
			return nil
		}
		jobID = runs[0].ID
	}

	eventLogPath, _ := cmd.Flags().GetString("event-log")

	util.InfoLog("=== Generating Summary Report ===")
	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	summaryReport, err := report.GenerateSummaryReport(ctx, control, files, jobID, eventLogPath)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	// Determine output path
	outputDir, _ := cmd.Flags().GetString("out")
	if outputDir == "" {
		timestamp := time.Now().Format("20060102-150405")
		outputDir = filepath.Join(cfg.Artifacts, "reports", timestamp)
	}
	outputPath := filepath.Join(outputDir, "summary.md")

	util.InfoLog("Writing report to: %s", outputPath)
	if err := report.WriteMarkdownReport(summaryReport, outputPath); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	// Summary
	util.SuccessLog("Report generated successfully!")
	util.InfoLog("")
	util.InfoLog("Summary:")
	util.InfoLog("  Job: #%d %s (%s)", summaryReport.Job.ID, summaryReport.Job.Name, summaryReport.Job.Status)
	util.InfoLog("  Files: %d", len(summaryReport.Files))
	util.InfoLog("  Rows: %s", humanize.Comma(int64(summaryReport.TotalRows)))
	if summaryReport.FailedRows > 0 {
		util.WarnLog("  Rejected rows: %s", humanize.Comma(int64(summaryReport.FailedRows)))
	}
	if len(summaryReport.TopErrors) > 0 {
		util.WarnLog("  Distinct errors: %d", len(summaryReport.TopErrors))
	}

	return nil
}

package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/tracker"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent job runs",
	RunE:  runJobs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the steps, quality findings and errors of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsCmd.Flags().IntP("limit", "n", 10, "Number of runs to show")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	runs, err := tracker.New(control, nil).RecentJobs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		util.WarnLog("No job runs recorded yet. Run 'dwl run' first.")
		return nil
	}

	util.InfoLog("=== Recent Jobs ===")
	util.InfoLog("")
	for _, run := range runs {
		var duration string
		if run.EndTime != nil {
			duration = formatDuration(run.EndTime.Sub(run.StartTime))
		} else {
			duration = "running"
		}

		line := fmt.Sprintf("#%-5d %-10s %-24s %s, %s, %s records",
			run.ID, run.Status, run.Name, humanize.Time(run.StartTime), duration, humanize.Comma(run.RecordsProcessed))
		switch run.Status {
		case store.JobFailed:
			util.ErrorLog("%s", line)
			util.InfoLog("        %s", run.ErrorMessage)
		case store.JobRunning:
			util.WarnLog("%s", line)
		default:
			util.InfoLog("%s", line)
		}
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	run, err := control.GetJobRun(ctx, jobID)
	if err != nil {
		return err
	}

	t := tracker.New(control, nil)
	steps, err := t.Steps(ctx, jobID)
	if err != nil {
		return err
	}
	findings, err := t.QualityFindings(ctx, jobID)
	if err != nil {
		return err
	}
	entries, err := control.ErrorEntries(ctx, jobID)
	if err != nil {
		return err
	}

	util.InfoLog("=== Job #%d: %s ===", run.ID, run.Name)
	util.InfoLog("Run:     %s", run.RunUUID)
	util.InfoLog("Status:  %s", run.Status)
	util.InfoLog("Started: %s (%s)", run.StartTime.Local().Format("2006-01-02 15:04:05"), humanize.Time(run.StartTime))
	if run.EndTime != nil {
		util.InfoLog("Took:    %s", formatDuration(run.EndTime.Sub(run.StartTime)))
	}
	util.InfoLog("Records: %s", humanize.Comma(run.RecordsProcessed))
	if run.ErrorMessage != "" {
		util.ErrorLog("Error:   %s", run.ErrorMessage)
	}

	if len(steps) > 0 {
		util.InfoLog("")
		util.InfoLog("Steps:")
		for _, s := range steps {
			line := fmt.Sprintf("  %-9s %-8s %-30s %8s records  %s",
				s.Name, s.Status, s.SourceFile, humanize.Comma(s.RecordsProcessed), formatDuration(s.EndTime.Sub(s.StartTime)))
			if s.Status == store.StepFailed {
				util.WarnLog("%s", line)
				util.InfoLog("            %s", s.ErrorMessage)
			} else {
				util.InfoLog("%s", line)
			}
		}
	}

	if len(findings) > 0 {
		util.InfoLog("")
		util.InfoLog("Quality findings:")
		for _, q := range findings {
			util.InfoLog("  %-16s %-16s %s", q.CheckName, q.Table, q.Details)
		}
	}

	if len(entries) > 0 {
		util.InfoLog("")
		util.WarnLog("Errors (%d):", len(entries))
		for i, e := range entries {
			if i >= 20 {
				util.WarnLog("  ... and %d more errors", len(entries)-20)
				break
			}
			where := e.SourceFile
			if e.RowNumber > 0 {
				where = fmt.Sprintf("%s row %d", e.SourceFile, e.RowNumber)
			}
			util.WarnLog("  [%s] %s %s: %s", e.Phase, e.ErrorType, where, e.Message)
		}
	}

	return nil
}

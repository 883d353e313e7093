package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/store"
)

// SummaryReport represents the complete record of one job run
type SummaryReport struct {
	GeneratedAt time.Time

	Job      *store.JobRun
	Duration time.Duration

	// Per-file statistics
	Files      []*store.ProcessingSummary
	TotalRows  int
	FailedRows int

	// Details
	Steps     []*store.StepLog
	Quality   []*store.QualityLog
	TopErrors []ErrorSummary

	// Current registry state, keyed by status label
	FileStatus map[string]int

	EventLogPath string
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Phase string
	Error string
	Count int
}

// GenerateSummaryReport creates a summary report of one job from the control store
func GenerateSummaryReport(ctx context.Context, control *store.Store, files *store.FileStatusStore, jobID int64, eventLogPath string) (*SummaryReport, error) {
	job, err := control.GetJobRun(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &SummaryReport{
		GeneratedAt:  time.Now(),
		Job:          job,
		EventLogPath: eventLogPath,
		FileStatus:   make(map[string]int),
	}
	if job.EndTime != nil {
		report.Duration = job.EndTime.Sub(job.StartTime)
	}

	if report.Files, err = control.ProcessingSummaries(ctx, jobID); err != nil {
		return nil, err
	}
	for _, f := range report.Files {
		report.TotalRows += f.TotalRows
		report.FailedRows += f.FailedRows
	}

	if report.Steps, err = control.StepLogs(ctx, jobID); err != nil {
		return nil, err
	}
	if report.Quality, err = control.QualityLogs(ctx, jobID); err != nil {
		return nil, err
	}

	entries, err := control.ErrorEntries(ctx, jobID)
	if err != nil {
		return nil, err
	}
	report.TopErrors = gatherTopErrors(entries, 10)

	if files != nil {
		counts, err := files.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			report.FileStatus[status.Label()] = n
		}
	}

	return report, nil
}

// gatherTopErrors groups error entries by phase and message, most frequent first
func gatherTopErrors(entries []*store.ErrorEntry, limit int) []ErrorSummary {
	type key struct{ phase, msg string }
	counts := make(map[key]int)
	for _, e := range entries {
		counts[key{e.Phase, e.Message}]++
	}

	errors := make([]ErrorSummary, 0, len(counts))
	for k, count := range counts {
		errors = append(errors, ErrorSummary{Phase: k.phase, Error: k.msg, Count: count})
	}

	sort.Slice(errors, func(i, j int) bool {
		if errors[i].Count != errors[j].Count {
			return errors[i].Count > errors[j].Count
		}
		return errors[i].Error < errors[j].Error
	})

	if len(errors) > limit {
		errors = errors[:limit]
	}
	return errors
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder
	job := report.Job

	md.WriteString(fmt.Sprintf("# %s - Job Report\n\n", job.Name))
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	md.WriteString(fmt.Sprintf("**Run:** `%s`\n\n", job.RunUUID))
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}

	md.WriteString("---\n\n")

	// Overview
	md.WriteString("## Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Status | %s |\n", job.Status))
	md.WriteString(fmt.Sprintf("| Started | %s |\n", job.StartTime.Format("2006-01-02 15:04:05")))
	if job.EndTime != nil {
		md.WriteString(fmt.Sprintf("| Duration | %s |\n", report.Duration.Round(time.Millisecond)))
	}
	md.WriteString(fmt.Sprintf("| Records Processed | %s |\n", humanize.Comma(job.RecordsProcessed)))
	md.WriteString(fmt.Sprintf("| Files | %d |\n", len(report.Files)))
	if report.FailedRows > 0 {
		md.WriteString(fmt.Sprintf("| Rejected Rows | %s |\n", humanize.Comma(int64(report.FailedRows))))
	}
	if job.ErrorMessage != "" {
		md.WriteString(fmt.Sprintf("| Error | %s |\n", job.ErrorMessage))
	}
	md.WriteString("\n")

	if len(report.Files) > 0 {
		md.WriteString("## Files\n\n")
		md.WriteString("| File | Rows | Loaded | Rejected | Time |\n")
		md.WriteString("|------|------|--------|----------|------|\n")
		for _, f := range report.Files {
			md.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s | %s |\n",
				truncatePath(f.FileName, 60),
				humanize.Comma(int64(f.TotalRows)),
				humanize.Comma(int64(f.SuccessfulRows)),
				humanize.Comma(int64(f.FailedRows)),
				f.Duration.Round(time.Millisecond)))
		}
		md.WriteString("\n")
	}

	if len(report.Steps) > 0 {
		md.WriteString("## Steps\n\n")
		md.WriteString("| Step | File | Status | Records | Error |\n")
		md.WriteString("|------|------|--------|---------|-------|\n")
		for _, s := range report.Steps {
			md.WriteString(fmt.Sprintf("| %s | `%s` | %s | %s | %s |\n",
				s.Name, truncatePath(s.SourceFile, 40), s.Status, humanize.Comma(s.RecordsProcessed), s.ErrorMessage))
		}
		md.WriteString("\n")
	}

	if len(report.Quality) > 0 {
		md.WriteString("## Data Quality\n\n")
		md.WriteString("| Check | Table | Failed Records | Details |\n")
		md.WriteString("|-------|-------|----------------|---------|\n")
		for _, q := range report.Quality {
			md.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
				q.CheckName, q.Table, humanize.Comma(q.FailedRecords), q.Details))
		}
		md.WriteString("\n")
	}

	if len(report.TopErrors) > 0 {
		md.WriteString("## Top Errors\n\n")
		md.WriteString("| Count | Phase | Error |\n")
		md.WriteString("|-------|-------|-------|\n")
		for _, err := range report.TopErrors {
			md.WriteString(fmt.Sprintf("| %d | %s | %s |\n", err.Count, err.Phase, err.Error))
		}
		md.WriteString("\n")
	}

	if len(report.FileStatus) > 0 {
		md.WriteString("## File Registry\n\n")
		labels := make([]string, 0, len(report.FileStatus))
		for label := range report.FileStatus {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			md.WriteString(fmt.Sprintf("- %s: %d\n", label, report.FileStatus[label]))
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("*Generated by dwl*\n")

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// truncatePath truncates a file path to a maximum length
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	// Truncate from the middle, keeping start and end
	start := maxLen/2 - 2
	end := len(path) - (maxLen/2 - 2)
	return path[:start] + "..." + path[end:]
}

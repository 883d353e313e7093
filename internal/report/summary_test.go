package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/dw-loader/internal/store"
)

func openControl(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenWithOptions(context.Background(), filepath.Join(t.TempDir(), "control.db"), &store.OpenOptions{Role: store.RoleControl})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestJob records one finished job with two files, a finding and errors
func setupTestJob(t *testing.T, db *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	run := &store.JobRun{RunUUID: "run-1", Name: "Mobile_Data_ETL", StartTime: start, Status: store.JobRunning}
	if err := db.InsertJobRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.EndTime = &end
	run.Status = store.JobCompleted
	run.RecordsProcessed = 1500
	if err := db.SealJobRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	for _, p := range []*store.ProcessingSummary{
		{JobID: run.ID, FileName: "jan.csv", TotalRows: 1000, SuccessfulRows: 998, FailedRows: 2, Duration: time.Second, ProcessedAt: start},
		{JobID: run.ID, FileName: "feb.csv", TotalRows: 502, SuccessfulRows: 502, Duration: time.Second, ProcessedAt: start},
	} {
		if err := db.InsertProcessingSummary(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	db.InsertStepLog(ctx, &store.StepLog{JobID: run.ID, Name: "Extract", SourceFile: "jan.csv", StartTime: start, EndTime: end, Status: store.StepSuccess, RecordsProcessed: 998})
	db.InsertQualityLog(ctx, &store.QualityLog{JobID: run.ID, CheckName: "null_check", CheckTime: start, Table: "staging_mobile", FailedRecords: 3, Details: "brand IS NULL"})

	for i, msg := range []string{"bad price", "bad price", "missing column"} {
		db.InsertError(ctx, &store.ErrorEntry{JobID: run.ID, Phase: "extract", ErrorType: "RowParseError", Message: msg, SourceFile: "jan.csv", RowNumber: i + 1, LoggedAt: start})
	}

	return run.ID
}

func TestGenerateSummaryReport(t *testing.T) {
	db := openControl(t)
	jobID := setupTestJob(t, db)

	files := store.NewFileStatusStore(db, "")
	ctx := context.Background()
	files.Register(ctx, "mobile_1", "jan.csv")
	files.Register(ctx, "mobile_2", "feb.csv")
	files.SetStatus(ctx, "mobile_1", store.StatusLoaded)

	report, err := GenerateSummaryReport(ctx, db, files, jobID, "test-events.jsonl")
	if err != nil {
		t.Fatalf("GenerateSummaryReport failed: %v", err)
	}

	if report.Job.Status != store.JobCompleted {
		t.Errorf("Expected status Completed, got %s", report.Job.Status)
	}
	if report.Duration != 90*time.Second {
		t.Errorf("Expected duration 90s, got %s", report.Duration)
	}
	if len(report.Files) != 2 || report.TotalRows != 1502 || report.FailedRows != 2 {
		t.Errorf("Unexpected file stats: files=%d total=%d failed=%d", len(report.Files), report.TotalRows, report.FailedRows)
	}
	if len(report.Steps) != 1 || len(report.Quality) != 1 {
		t.Errorf("Expected 1 step and 1 finding, got %d and %d", len(report.Steps), len(report.Quality))
	}
	if report.EventLogPath != "test-events.jsonl" {
		t.Errorf("Expected event log path 'test-events.jsonl', got '%s'", report.EventLogPath)
	}
	if report.FileStatus["Loaded"] != 1 || report.FileStatus["Pending"] != 1 {
		t.Errorf("Unexpected registry counts: %v", report.FileStatus)
	}
	if len(report.TopErrors) != 2 || report.TopErrors[0].Error != "bad price" || report.TopErrors[0].Count != 2 {
		t.Errorf("Unexpected top errors: %+v", report.TopErrors)
	}
}

func TestGenerateSummaryReportUnknownJob(t *testing.T) {
	db := openControl(t)
	if _, err := GenerateSummaryReport(context.Background(), db, nil, 99, ""); !store.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGatherTopErrors(t *testing.T) {
	entries := []*store.ErrorEntry{
		{Phase: "extract", Message: "bad price"},
		{Phase: "extract", Message: "bad price"},
		{Phase: "extract", Message: "bad price"},
		{Phase: "transform", Message: "deadlock"},
		{Phase: "transform", Message: "deadlock"},
		{Phase: "extract", Message: "deadlock"},
		{Phase: "validate", Message: "missing file"},
	}

	errors := gatherTopErrors(entries, 3)
	if len(errors) != 3 {
		t.Fatalf("Expected 3 errors, got %d", len(errors))
	}

	expected := []ErrorSummary{
		{Phase: "extract", Error: "bad price", Count: 3},
		{Phase: "transform", Error: "deadlock", Count: 2},
		{Phase: "extract", Error: "deadlock", Count: 1},
	}
	for i, want := range expected {
		if errors[i] != want {
			t.Errorf("errors[%d] = %+v, want %+v", i, errors[i], want)
		}
	}
}

func TestWriteMarkdownReport(t *testing.T) {
	db := openControl(t)
	jobID := setupTestJob(t, db)

	report, err := GenerateSummaryReport(context.Background(), db, nil, jobID, "events.jsonl")
	if err != nil {
		t.Fatal(err)
	}

	outputPath := filepath.Join(t.TempDir(), "reports", "summary.md")
	if err := WriteMarkdownReport(report, outputPath); err != nil {
		t.Fatalf("WriteMarkdownReport failed: %v", err)
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	md := string(content)

	for _, want := range []string{
		"# Mobile_Data_ETL - Job Report",
		"**Run:** `run-1`",
		"## Overview",
		"| Records Processed | 1,500 |",
		"## Files",
		"| `jan.csv` | 1,000 | 998 | 2 |",
		"## Steps",
		"## Data Quality",
		"| null_check | staging_mobile | 3 | brand IS NULL |",
		"## Top Errors",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("Report missing %q", want)
		}
	}
	if strings.Contains(md, "## File Registry") {
		t.Error("Registry section must be omitted without a file store")
	}
}

func TestReportWithEmptyData(t *testing.T) {
	start := time.Now()
	report := &SummaryReport{
		GeneratedAt: time.Now(),
		Job:         &store.JobRun{Name: "Empty", RunUUID: "run-0", StartTime: start, Status: store.JobRunning},
	}

	outputPath := filepath.Join(t.TempDir(), "empty.md")
	if err := WriteMarkdownReport(report, outputPath); err != nil {
		t.Fatalf("WriteMarkdownReport failed: %v", err)
	}

	content, _ := os.ReadFile(outputPath)
	md := string(content)
	if !strings.Contains(md, "| Status | Running |") {
		t.Error("Expected status row")
	}
	for _, section := range []string{"## Files", "## Steps", "## Data Quality", "## Top Errors"} {
		if strings.Contains(md, section) {
			t.Errorf("Empty report should omit %s", section)
		}
	}
}

func TestTruncatePath(t *testing.T) {
	testCases := []struct {
		name   string
		path   string
		maxLen int
	}{
		{"Short path - no truncation", "/data/a.csv", 50},
		{"Long path - truncate middle", "/very/long/path/to/some/landing/zone/2024/03/mobiles.csv", 30},
		{"Exactly at limit", "/data/mobile.csv", 16},
		{"Very long path", "/extremely/long/path/that/needs/significant/truncation/to/fit/within/limits/file.csv", 40},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := truncatePath(tc.path, tc.maxLen)

			if len(result) > tc.maxLen {
				t.Errorf("Result length %d exceeds maxLen %d", len(result), tc.maxLen)
			}
			if len(tc.path) > tc.maxLen && !strings.Contains(result, "...") {
				t.Error("Expected truncated path to contain '...'")
			}
			if len(tc.path) <= tc.maxLen && result != tc.path {
				t.Errorf("Short path should not be truncated: expected '%s', got '%s'", tc.path, result)
			}
		})
	}
}

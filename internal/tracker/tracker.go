package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker records one job run at a time in the control store and mirrors
// every record to the event log.
type Tracker struct {
	store  *store.Store
	events *report.EventLogger
	run    *store.JobRun
}

// New creates a tracker over the control store; events may be nil
func New(control *store.Store, events *report.EventLogger) *Tracker {
	return &Tracker{store: control, events: events}
}

// StartJob opens a new job run with status Running
func (t *Tracker) StartJob(ctx context.Context, name, mode string) (*store.JobRun, error) {
	if t.run != nil && t.run.EndTime == nil {
		return nil, fmt.Errorf("%w: job %d is still running", util.ErrJobFailure, t.run.ID)
	}

	run := &store.JobRun{
		RunUUID:   uuid.NewString(),
		Name:      name,
		StartTime: time.Now().UTC(),
		Status:    store.JobRunning,
	}
	if err := t.store.InsertJobRun(ctx, run); err != nil {
		return nil, err
	}
	t.run = run

	t.events.SetRun(run.RunUUID, run.ID)
	t.events.LogJobStart(name, mode)
	util.Logger().Debug("job started",
		zap.String("job", name),
		zap.Int64("job_id", run.ID),
		zap.String("run", run.RunUUID))
	return run, nil
}

// JobID returns the id of the current job, or 0 before StartJob
func (t *Tracker) JobID() int64 {
	if t.run == nil {
		return 0
	}
	return t.run.ID
}

// RunID returns the correlation id of the current job
func (t *Tracker) RunID() string {
	if t.run == nil {
		return ""
	}
	return t.run.RunUUID
}

// LogStep appends the outcome of one step begun at start
func (t *Tracker) LogStep(ctx context.Context, step, sourceFile string, start time.Time, records int64, stepErr error) error {
	end := time.Now().UTC()
	entry := &store.StepLog{
		JobID:            t.JobID(),
		Name:             step,
		SourceFile:       sourceFile,
		StartTime:        start.UTC(),
		EndTime:          end,
		Status:           store.StepSuccess,
		RecordsProcessed: records,
	}
	if stepErr != nil {
		entry.Status = store.StepFailed
		entry.ErrorMessage = stepErr.Error()
	}

	t.events.LogStep(step, sourceFile, records, end.Sub(start), stepErr)
	return t.store.InsertStepLog(ctx, entry)
}

// LogQuality appends one quality finding
func (t *Tracker) LogQuality(ctx context.Context, check, table string, failed int64, details string) error {
	t.events.LogQuality(check, table, failed, details)
	return t.store.InsertQualityLog(ctx, &store.QualityLog{
		JobID:         t.JobID(),
		CheckName:     check,
		CheckTime:     time.Now().UTC(),
		Table:         table,
		FailedRecords: failed,
		Details:       details,
	})
}

// LogError persists a failure of the given phase; row is 0 when the failure
// is not tied to an input row
func (t *Tracker) LogError(ctx context.Context, phase, sourceFile string, row int, err error) error {
	var rowErr *util.RowParseError
	if row == 0 && errors.As(err, &rowErr) {
		row = rowErr.Row
	}

	if row > 0 {
		t.events.LogRowError(sourceFile, row, err)
	} else {
		t.events.LogError(report.EventError, sourceFile, err)
	}

	return t.store.InsertError(ctx, &store.ErrorEntry{
		JobID:      t.JobID(),
		Phase:      phase,
		ErrorType:  util.Kind(err),
		Message:    err.Error(),
		SourceFile: sourceFile,
		RowNumber:  row,
		LoggedAt:   time.Now().UTC(),
	})
}

// LogSummary persists the extraction outcome of one file
func (t *Tracker) LogSummary(ctx context.Context, summary *store.ProcessingSummary) error {
	summary.JobID = t.JobID()
	if summary.ProcessedAt.IsZero() {
		summary.ProcessedAt = time.Now().UTC()
	}
	return t.store.InsertProcessingSummary(ctx, summary)
}

// EndJob seals the current job as Completed, or Failed when jobErr is set
func (t *Tracker) EndJob(ctx context.Context, records int64, jobErr error) (*store.JobRun, error) {
	if t.run == nil {
		return nil, fmt.Errorf("%w: no job started", util.ErrJobFailure)
	}
	if t.run.EndTime != nil {
		return nil, fmt.Errorf("%w: job %d already ended", util.ErrJobFailure, t.run.ID)
	}

	end := time.Now().UTC()
	t.run.EndTime = &end
	t.run.RecordsProcessed = records
	t.run.Status = store.JobCompleted
	if jobErr != nil {
		t.run.Status = store.JobFailed
		t.run.ErrorMessage = jobErr.Error()
	}

	// a cancelled run is still sealed
	if err := t.store.SealJobRun(context.WithoutCancel(ctx), t.run); err != nil {
		return t.run, err
	}

	util.DebugLog("Job %d sealed as %s", t.run.ID, t.run.Status)
	return t.run, nil
}

// RecentJobs returns the newest jobs, newest first
func (t *Tracker) RecentJobs(ctx context.Context, limit int) ([]*store.JobRun, error) {
	return t.store.RecentJobRuns(ctx, limit)
}

// Steps returns the step log of a job
func (t *Tracker) Steps(ctx context.Context, jobID int64) ([]*store.StepLog, error) {
	return t.store.StepLogs(ctx, jobID)
}

// QualityFindings returns the quality log of a job
func (t *Tracker) QualityFindings(ctx context.Context, jobID int64) ([]*store.QualityLog, error) {
	return t.store.QualityLogs(ctx, jobID)
}

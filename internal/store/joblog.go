package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/util"
)

// Job run and step statuses
const (
	JobRunning   = "Running"
	JobCompleted = "Completed"
	JobFailed    = "Failed"

	StepSuccess = "SUCCESS"
	StepFailed  = "FAILED"
)

// JobRun is one row of etl_job_log
type JobRun struct {
	ID               int64
	RunUUID          string
	Name             string
	StartTime        time.Time
	EndTime          *time.Time
	Status           string
	RecordsProcessed int64
	ErrorMessage     string
}

// StepLog is one row of etl_step_log
type StepLog struct {
	ID               int64
	JobID            int64
	Name             string
	SourceFile       string
	StartTime        time.Time
	EndTime          time.Time
	Status           string
	RecordsProcessed int64
	ErrorMessage     string
}

// QualityLog is one row of data_quality_log
type QualityLog struct {
	ID            int64
	JobID         int64
	CheckName     string
	CheckTime     time.Time
	Table         string
	FailedRecords int64
	Details       string
}

// ErrorEntry is one row of etl_error_log
type ErrorEntry struct {
	ID         int64
	JobID      int64
	Phase      string
	ErrorType  string
	Message    string
	SourceFile string
	RowNumber  int
	LoggedAt   time.Time
}

// ProcessingSummary is one row of processing_summary
type ProcessingSummary struct {
	ID             int64
	JobID          int64
	FileName       string
	Checksum       string
	TotalRows      int
	SuccessfulRows int
	FailedRows     int
	Duration       time.Duration
	ProcessedAt    time.Time
}

// InsertJobRun opens a job row and sets run.ID
func (s *Store) InsertJobRun(ctx context.Context, run *JobRun) error {
	id, err := s.Conn().Insert(ctx, "etl_job_log", "job_id",
		[]string{"run_uuid", "job_name", "start_time", "status", "records_processed"},
		run.RunUUID, run.Name, run.StartTime, run.Status, run.RecordsProcessed)
	if err != nil {
		return fmt.Errorf("%w: failed to insert job run: %w", util.ErrStorage, err)
	}
	run.ID = id
	return nil
}

// SealJobRun writes the terminal status of a job
func (s *Store) SealJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.Conn().Exec(ctx, `
		UPDATE etl_job_log
		SET end_time = ?, status = ?, records_processed = ?, error_message = ?
		WHERE job_id = ?
	`, run.EndTime, run.Status, run.RecordsProcessed, nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to seal job run %d: %w", util.ErrStorage, run.ID, err)
	}
	return nil
}

// GetJobRun retrieves a job by id
func (s *Store) GetJobRun(ctx context.Context, id int64) (*JobRun, error) {
	rows, err := s.Conn().Query(ctx, `
		SELECT job_id, COALESCE(run_uuid, ''), job_name, start_time, end_time,
		       status, records_processed, COALESCE(error_message, '')
		FROM etl_job_log WHERE job_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get job run: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	runs, err := scanJobRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: job %d", util.ErrNotFound, id)
	}
	return runs[0], nil
}

// RecentJobRuns returns the newest limit jobs, newest first
func (s *Store) RecentJobRuns(ctx context.Context, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Conn().Query(ctx, `
		SELECT job_id, COALESCE(run_uuid, ''), job_name, start_time, end_time,
		       status, records_processed, COALESCE(error_message, '')
		FROM etl_job_log
		ORDER BY job_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query job runs: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	runs, err := scanJobRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func scanJobRuns(rows *sql.Rows) ([]*JobRun, error) {
	var runs []*JobRun
	for rows.Next() {
		r := &JobRun{}
		var end sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunUUID, &r.Name, &r.StartTime, &end,
			&r.Status, &r.RecordsProcessed, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("%w: failed to scan job run: %w", util.ErrStorage, err)
		}
		if end.Valid {
			t := end.Time
			r.EndTime = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertStepLog appends a step outcome
func (s *Store) InsertStepLog(ctx context.Context, step *StepLog) error {
	id, err := s.Conn().Insert(ctx, "etl_step_log", "id",
		[]string{"job_id", "step_name", "source_file", "start_time", "end_time", "status", "records_processed", "error_message"},
		step.JobID, step.Name, nullString(step.SourceFile), step.StartTime, step.EndTime,
		step.Status, step.RecordsProcessed, nullString(step.ErrorMessage))
	if err != nil {
		return fmt.Errorf("%w: failed to insert step log: %w", util.ErrStorage, err)
	}
	step.ID = id
	return nil
}

// StepLogs returns the steps of a job in order
func (s *Store) StepLogs(ctx context.Context, jobID int64) ([]*StepLog, error) {
	rows, err := s.Conn().Query(ctx, `
		SELECT id, job_id, step_name, COALESCE(source_file, ''), start_time, end_time,
		       status, records_processed, COALESCE(error_message, '')
		FROM etl_step_log WHERE job_id = ?
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query step logs: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	var steps []*StepLog
	for rows.Next() {
		st := &StepLog{}
		if err := rows.Scan(&st.ID, &st.JobID, &st.Name, &st.SourceFile, &st.StartTime, &st.EndTime,
			&st.Status, &st.RecordsProcessed, &st.ErrorMessage); err != nil {
			return nil, fmt.Errorf("%w: failed to scan step log: %w", util.ErrStorage, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// InsertQualityLog appends a quality finding
func (s *Store) InsertQualityLog(ctx context.Context, q *QualityLog) error {
	id, err := s.Conn().Insert(ctx, "data_quality_log", "id",
		[]string{"job_id", "check_name", "check_time", "table_name", "failed_records", "error_details"},
		q.JobID, q.CheckName, q.CheckTime, q.Table, q.FailedRecords, nullString(q.Details))
	if err != nil {
		return fmt.Errorf("%w: failed to insert quality log: %w", util.ErrStorage, err)
	}
	q.ID = id
	return nil
}

// QualityLogs returns the quality findings of a job in order
func (s *Store) QualityLogs(ctx context.Context, jobID int64) ([]*QualityLog, error) {
	rows, err := s.Conn().Query(ctx, `
		SELECT id, job_id, check_name, check_time, table_name, failed_records, COALESCE(error_details, '')
		FROM data_quality_log WHERE job_id = ?
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query quality logs: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	var logs []*QualityLog
	for rows.Next() {
		q := &QualityLog{}
		if err := rows.Scan(&q.ID, &q.JobID, &q.CheckName, &q.CheckTime, &q.Table, &q.FailedRecords, &q.Details); err != nil {
			return nil, fmt.Errorf("%w: failed to scan quality log: %w", util.ErrStorage, err)
		}
		logs = append(logs, q)
	}
	return logs, rows.Err()
}

// InsertError appends an error entry. A zero JobID is stored as NULL.
func (s *Store) InsertError(ctx context.Context, e *ErrorEntry) error {
	var jobID any
	if e.JobID != 0 {
		jobID = e.JobID
	}
	id, err := s.Conn().Insert(ctx, "etl_error_log", "id",
		[]string{"job_id", "phase", "error_type", "message", "source_file", "row_number", "logged_at"},
		jobID, e.Phase, e.ErrorType, e.Message, nullString(e.SourceFile), e.RowNumber, e.LoggedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert error log: %w", util.ErrStorage, err)
	}
	e.ID = id
	return nil
}

// ErrorEntries returns the error entries of a job in order
func (s *Store) ErrorEntries(ctx context.Context, jobID int64) ([]*ErrorEntry, error) {
	rows, err := s.Conn().Query(ctx, `
		SELECT id, COALESCE(job_id, 0), phase, error_type, message, COALESCE(source_file, ''), row_number, logged_at
		FROM etl_error_log WHERE job_id = ?
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query error log: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	var entries []*ErrorEntry
	for rows.Next() {
		e := &ErrorEntry{}
		if err := rows.Scan(&e.ID, &e.JobID, &e.Phase, &e.ErrorType, &e.Message, &e.SourceFile, &e.RowNumber, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan error log: %w", util.ErrStorage, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertProcessingSummary appends the extraction outcome of one file
func (s *Store) InsertProcessingSummary(ctx context.Context, p *ProcessingSummary) error {
	var jobID any
	if p.JobID != 0 {
		jobID = p.JobID
	}
	id, err := s.Conn().Insert(ctx, "processing_summary", "id",
		[]string{"job_id", "file_name", "checksum", "total_rows", "successful_rows", "failed_rows", "processing_ms", "processed_at"},
		jobID, p.FileName, nullString(p.Checksum), p.TotalRows, p.SuccessfulRows, p.FailedRows,
		p.Duration.Milliseconds(), p.ProcessedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert processing summary: %w", util.ErrStorage, err)
	}
	p.ID = id
	return nil
}

// ProcessingSummaries returns the per-file summaries of a job
func (s *Store) ProcessingSummaries(ctx context.Context, jobID int64) ([]*ProcessingSummary, error) {
	rows, err := s.Conn().Query(ctx, `
		SELECT id, COALESCE(job_id, 0), file_name, COALESCE(checksum, ''), total_rows,
		       successful_rows, failed_rows, processing_ms, processed_at
		FROM processing_summary WHERE job_id = ?
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query processing summaries: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	var out []*ProcessingSummary
	for rows.Next() {
		p := &ProcessingSummary{}
		var ms int64
		if err := rows.Scan(&p.ID, &p.JobID, &p.FileName, &p.Checksum, &p.TotalRows,
			&p.SuccessfulRows, &p.FailedRows, &ms, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan processing summary: %w", util.ErrStorage, err)
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

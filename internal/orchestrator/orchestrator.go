package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/metrics"
	"github.com/franz/dw-loader/internal/procedure"
	"github.com/franz/dw-loader/internal/quality"
	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/staging"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/tracker"
	"github.com/franz/dw-loader/internal/util"
	"github.com/franz/dw-loader/internal/warehouse"
	"go.uber.org/zap"
)

// JobResult is the event produced when a run ends
type JobResult = report.JobResult

// Step names recorded in the step log
const (
	StepValidate  = "Validate"
	StepExtract   = "Extract"
	StepQuality   = "Quality"
	StepTransform = "Transform"
	StepLoad      = "Load"
)

// Stores are the three logically separate databases of a run
type Stores struct {
	Control   *store.Store
	Staging   *store.Store
	Warehouse *store.Store
}

// Options carries optional collaborators
type Options struct {
	Registry *procedure.Registry // defaults to the configured scripts
	Events   *report.EventLogger
	Notifier report.Notifier // defaults to the event log
	// Open opens a source file; defaults to staging.OpenCSV
	Open func(path string) (staging.RecordSource, error)
	// OnTransition observes every persisted status change
	OnTransition func(configKey string, from, to store.FileStatus)
}

// Orchestrator drives pending source files through extract, quality gate,
// transform and load, one file at a time
type Orchestrator struct {
	config   *config.Config
	files    *store.FileStatusStore
	loader   *staging.Loader
	gate     *quality.Gate
	invoker  *procedure.Invoker
	engine   *warehouse.Engine // nil when the upsert is disabled
	tracker  *tracker.Tracker
	events   *report.EventLogger
	notifier report.Notifier
	open     func(path string) (staging.RecordSource, error)

	onTransition func(configKey string, from, to store.FileStatus)

	// failures observed inside another store's transaction, persisted afterwards
	deferred []deferredError
	// first run-log write that failed since the current file started
	logErr error
}

type deferredError struct {
	phase string
	file  string
	row   int
	err   error
}

// New wires every pipeline component from cfg
func New(cfg *config.Config, stores Stores, opts Options) *Orchestrator {
	o := &Orchestrator{
		config:       cfg,
		files:        store.NewFileStatusStore(stores.Control, cfg.Staging.FileGroup),
		tracker:      tracker.New(stores.Control, opts.Events),
		events:       opts.Events,
		notifier:     opts.Notifier,
		open:         opts.Open,
		onTransition: opts.OnTransition,
	}
	if o.notifier == nil {
		o.notifier = opts.Events
	}
	if o.open == nil {
		o.open = func(path string) (staging.RecordSource, error) { return staging.OpenCSV(path) }
	}

	table := cfg.Staging.Table
	o.loader = staging.New(&staging.Config{
		Store:       stores.Staging,
		Affirmative: cfg.Staging.Affirmative,
		OnRowError: func(_ context.Context, err *util.RowParseError) {
			o.deferred = append(o.deferred, deferredError{phase: "extract", file: err.File, row: err.Row, err: err})
		},
		OnRow: func(ok bool) {
			if ok {
				metrics.RowsLoaded.WithLabelValues(table).Inc()
			} else {
				metrics.RowsFailed.WithLabelValues(table).Inc()
			}
		},
	})

	o.gate = quality.New(&quality.Config{
		Store: stores.Staging,
		Rules: cfg.Quality,
		OnFinding: func(ctx context.Context, f quality.Finding) error {
			return o.tracker.LogQuality(ctx, f.Rule, f.Table, f.Count, f.Description)
		},
	})

	registry := opts.Registry
	if registry == nil {
		registry = procedure.NewRegistry(cfg.Procedures.Scripts)
	}
	o.invoker = procedure.New(&procedure.Config{
		Store:       stores.Warehouse,
		Registry:    registry,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.Retry.Delay,
		OnAttemptFailure: func(_ context.Context, name string, attempt int, err error) {
			o.events.LogProcedure(name, attempt, err)
			o.deferred = append(o.deferred, deferredError{phase: "procedure", file: name, err: fmt.Errorf("attempt %d: %w", attempt, err)})
		},
		OnAttempt: func(name string, ok bool) {
			result := "success"
			if !ok {
				result = "failure"
			}
			metrics.ProcedureAttempts.WithLabelValues(name, result).Inc()
		},
	})

	if cfg.Upsert.Enabled {
		o.engine = warehouse.New(&warehouse.Config{Staging: stores.Staging, Warehouse: stores.Warehouse, Table: table})
	}

	return o
}

// Run processes every pending file in registration order. A failing file is
// moved to Error and the run continues; only a lost store connection or
// cancellation ends the run early and fails the job.
func (o *Orchestrator) Run(ctx context.Context) (*JobResult, error) {
	start := time.Now()
	if _, err := o.tracker.StartJob(ctx, o.config.Job.Name, config.ModePerFile); err != nil {
		return nil, err
	}

	result := &JobResult{JobName: o.config.Job.Name, RunID: o.tracker.RunID(), JobID: o.tracker.JobID()}

	pending, err := o.files.ListPending(ctx)
	if err != nil {
		return o.finish(ctx, result, start, err)
	}
	if len(pending) == 0 {
		util.InfoLog("No pending files")
	}

	var runErr error
	for i, f := range pending {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		util.InfoLog("[%d/%d] Processing %s (%s)", i+1, len(pending), f.ConfigKey, f.Path)
		records, err := o.processFile(ctx, f)
		if err != nil {
			runErr = err
			result.FilesFailed++
			break
		}
		if f.Status == store.StatusLoaded {
			result.FilesLoaded++
			result.RecordsProcessed += records
			util.SuccessLog("%s loaded", f.ConfigKey)
		} else {
			result.FilesFailed++
		}
	}

	return o.finish(ctx, result, start, runErr)
}

// processFile takes one file as far through the pipeline as it can go. A
// non-nil error means the whole run must stop.
func (o *Orchestrator) processFile(ctx context.Context, f *store.SourceFile) (int64, error) {
	o.logErr = nil

	summary, err := o.extract(ctx, f)
	if err = o.checked(err); err != nil {
		return 0, o.fail(ctx, f, err)
	}

	if err := o.checked(o.qualityGate(ctx, summary.File, f.Path)); err != nil {
		return 0, o.fail(ctx, f, err)
	}

	if err := o.checked(o.transform(ctx, summary.File, f.Path)); err != nil {
		return 0, o.fail(ctx, f, err)
	}
	if err := o.advance(ctx, f, store.StatusTransformed); err != nil {
		return 0, o.fail(ctx, f, err)
	}

	if err := o.checked(o.load(ctx, f.Path)); err != nil {
		return 0, o.fail(ctx, f, err)
	}
	if err := o.advance(ctx, f, store.StatusLoaded); err != nil {
		return 0, o.fail(ctx, f, err)
	}

	return int64(summary.SuccessfulRows), nil
}

// extract validates f, loads it into staging and marks it Extracted
func (o *Orchestrator) extract(ctx context.Context, f *store.SourceFile) (*staging.Summary, error) {
	start := time.Now()
	_, err := util.CheckReadable(f.Path)
	var checksum string
	if err == nil {
		checksum, err = util.FileChecksum(f.Path)
	}
	var src staging.RecordSource
	if err == nil {
		src, err = o.open(f.Path)
	}
	if err != nil {
		o.logged(o.tracker.LogStep(ctx, StepValidate, f.Path, start, 0, err))
		return nil, err
	}
	defer src.Close()

	start = time.Now()
	summary, err := o.loader.Load(ctx, src, o.config.Staging.Table)
	o.flushDeferred(ctx)
	if err != nil {
		o.logged(o.tracker.LogStep(ctx, StepExtract, f.Path, start, 0, err))
		return nil, err
	}

	o.logged(o.tracker.LogSummary(ctx, &store.ProcessingSummary{
		FileName:       f.Path,
		Checksum:       checksum,
		TotalRows:      summary.TotalRows,
		SuccessfulRows: summary.SuccessfulRows,
		FailedRows:     summary.FailedRows,
		Duration:       summary.Duration,
	}))
	o.logged(o.tracker.LogStep(ctx, StepExtract, f.Path, start, int64(summary.SuccessfulRows), nil))
	util.InfoLog("Extracted %d of %d rows from %s", summary.SuccessfulRows, summary.TotalRows, f.Path)

	if err := o.checked(nil); err != nil {
		return nil, err
	}
	if err := o.advance(ctx, f, store.StatusExtracted); err != nil {
		return nil, err
	}
	return summary, nil
}

// qualityGate purges rule violations from the staged rows of sourceFile, or
// from the whole staging table when it is empty
func (o *Orchestrator) qualityGate(ctx context.Context, sourceFile, label string) error {
	start := time.Now()
	var result *quality.Result
	var err error
	if sourceFile == "" {
		result, err = o.gate.Run(ctx, o.config.Staging.Table)
	} else {
		result, err = o.gate.RunFile(ctx, o.config.Staging.Table, sourceFile)
	}
	if err != nil {
		o.logged(o.tracker.LogStep(ctx, StepQuality, label, start, 0, err))
		return err
	}

	for rule, n := range result.Quarantined {
		metrics.RowsQuarantined.WithLabelValues(result.Table, rule).Add(float64(n))
	}
	o.logged(o.tracker.LogStep(ctx, StepQuality, label, start, result.Total(), nil))
	return nil
}

// transform runs the transform batch and the dimensional upsert for the
// staged rows of sourceFile, or of the whole table when it is empty
func (o *Orchestrator) transform(ctx context.Context, sourceFile, label string) error {
	start := time.Now()
	err := o.invoker.InvokeBatch(ctx, o.config.Procedures.Transform)
	o.flushDeferred(ctx)
	if err != nil {
		o.countProcedureFailure(err)
		o.logged(o.tracker.LogStep(ctx, StepTransform, label, start, 0, err))
		return err
	}

	var records int64
	if o.engine != nil {
		res, err := o.engine.Upsert(ctx, sourceFile)
		if res != nil {
			o.countUpsert(sourceFile, res)
		}
		if err != nil {
			o.logged(o.tracker.LogStep(ctx, StepTransform, label, start, 0, err))
			return err
		}
		records = int64(res.FactsInserted + res.FactsUpdated)
	}

	o.logged(o.tracker.LogStep(ctx, StepTransform, label, start, records, nil))
	return nil
}

// load runs each load procedure on its own
func (o *Orchestrator) load(ctx context.Context, label string) error {
	start := time.Now()
	for _, name := range o.config.Procedures.Load {
		err := o.invoker.Invoke(ctx, name)
		o.flushDeferred(ctx)
		if err != nil {
			o.countProcedureFailure(err)
			o.logged(o.tracker.LogStep(ctx, StepLoad, label, start, 0, err))
			return err
		}
	}
	o.logged(o.tracker.LogStep(ctx, StepLoad, label, start, 0, nil))
	return nil
}

// fail records err against f and moves it to Error. It returns an error only
// when the run itself cannot go on. A procedure failure stays with its file.
func (o *Orchestrator) fail(ctx context.Context, f *store.SourceFile, err error) error {
	util.ErrorLog("%s failed: %v", f.ConfigKey, err)

	// the failure is persisted even when ctx is what failed
	persist := context.WithoutCancel(ctx)
	o.logged(o.tracker.LogError(persist, phaseOf(f.Status), f.Path, 0, err))

	if f.Status != store.StatusError {
		if serr := o.advance(persist, f, store.StatusError); serr != nil {
			util.ErrorLog("Failed to mark %s as error: %v", f.ConfigKey, serr)
			if util.IsFatal(serr) {
				return serr
			}
		}
	}

	switch {
	case o.logErr != nil && util.IsFatal(o.logErr):
		return fmt.Errorf("failed to record run log: %w", o.logErr)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, util.ErrProcedureExecution):
		return nil
	case util.IsFatal(err):
		return err
	}
	return nil
}

// logged keeps the first failed run-log write of the current file
func (o *Orchestrator) logged(err error) {
	if err == nil {
		return
	}
	util.ErrorLog("Failed to write run log: %v", err)
	if o.logErr == nil {
		o.logErr = err
	}
}

// checked returns err, or the pending run-log failure when err is nil
func (o *Orchestrator) checked(err error) error {
	if err != nil || o.logErr == nil {
		return err
	}
	return fmt.Errorf("failed to record run log: %w", o.logErr)
}

// phaseOf names the phase a file in status s was in when it failed
func phaseOf(s store.FileStatus) string {
	switch s {
	case store.StatusPending:
		return "validate"
	case store.StatusExtracted:
		return "transform"
	case store.StatusTransformed:
		return "load"
	default:
		return "processing"
	}
}

// flushDeferred persists failures collected while another store held a transaction
func (o *Orchestrator) flushDeferred(ctx context.Context) {
	persist := context.WithoutCancel(ctx)
	for _, d := range o.deferred {
		o.logged(o.tracker.LogError(persist, d.phase, d.file, d.row, d.err))
	}
	o.deferred = o.deferred[:0]
}

func (o *Orchestrator) countProcedureFailure(err error) {
	var perr *util.ProcedureExecutionError
	if errors.As(err, &perr) {
		metrics.ProcedureFailures.WithLabelValues(perr.Name).Inc()
	}
}

func (o *Orchestrator) countUpsert(sourceFile string, res *warehouse.Result) {
	for table, n := range res.DimensionsCreated {
		metrics.DimensionRows.WithLabelValues(table).Add(float64(n))
	}
	metrics.FactsWritten.WithLabelValues("insert").Add(float64(res.FactsInserted))
	metrics.FactsWritten.WithLabelValues("update").Add(float64(res.FactsUpdated))
	metrics.PriceChanges.Add(float64(res.PriceChanges))
	o.events.LogUpsert(sourceFile, res.FactsInserted, res.FactsUpdated, res.PriceChanges)
}

// finish seals the job, publishes the job-result event and returns the run error
func (o *Orchestrator) finish(ctx context.Context, result *JobResult, start time.Time, runErr error) (*JobResult, error) {
	var jobErr error
	if runErr != nil {
		jobErr = fmt.Errorf("%w: %w", util.ErrJobFailure, runErr)
	}

	run, err := o.tracker.EndJob(ctx, result.RecordsProcessed, jobErr)
	if err != nil {
		util.ErrorLog("Failed to seal job: %v", err)
		if jobErr == nil {
			jobErr = err
		}
	}

	result.Status = report.StatusCompleted
	if run != nil && run.Status == store.JobFailed {
		result.Status = report.StatusFailed
	}
	if jobErr != nil {
		result.Status = report.StatusFailed
		result.ErrorMessage = jobErr.Error()
	}
	result.Duration = time.Since(start)

	metrics.JobsTotal.WithLabelValues(result.Status).Inc()
	metrics.JobDuration.Observe(result.Duration.Seconds())

	if err := o.notifier.Notify(context.WithoutCancel(ctx), result); err != nil {
		util.WarnLog("Job notification failed: %v", err)
	}

	util.Logger().Info("job finished",
		zap.String("job", result.JobName),
		zap.String("status", result.Status),
		zap.Int64("records", result.RecordsProcessed),
		zap.Int("files_loaded", result.FilesLoaded),
		zap.Int("files_failed", result.FilesFailed),
		zap.Duration("duration", result.Duration))

	return result, jobErr
}

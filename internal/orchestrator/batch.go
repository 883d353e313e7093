package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

const batchLabel = "(batch)"

// RunBatch loads every pending file into staging, then gates, transforms and
// loads the whole staging table once. Files advance together: a failure after
// extraction moves every extracted file to Error and fails the job.
func (o *Orchestrator) RunBatch(ctx context.Context) (*JobResult, error) {
	start := time.Now()
	if _, err := o.tracker.StartJob(ctx, o.config.Job.Name, config.ModeBatch); err != nil {
		return nil, err
	}

	result := &JobResult{JobName: o.config.Job.Name, RunID: o.tracker.RunID(), JobID: o.tracker.JobID()}

	pending, err := o.files.ListPending(ctx)
	if err != nil {
		return o.finish(ctx, result, start, err)
	}

	var extracted []*store.SourceFile
	var records int64
	for i, f := range pending {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, result, start, o.failAll(ctx, extracted, err))
		}

		util.InfoLog("[%d/%d] Extracting %s (%s)", i+1, len(pending), f.ConfigKey, f.Path)
		o.logErr = nil
		summary, err := o.extract(ctx, f)
		if err != nil {
			result.FilesFailed++
			if fatal := o.fail(ctx, f, err); fatal != nil {
				result.FilesFailed += len(extracted)
				return o.finish(ctx, result, start, o.failAll(ctx, extracted, fatal))
			}
			continue
		}
		extracted = append(extracted, f)
		records += int64(summary.SuccessfulRows)
	}

	if len(extracted) == 0 {
		util.InfoLog("No files extracted")
		return o.finish(ctx, result, start, nil)
	}

	o.logErr = nil
	err = o.checked(o.qualityGate(ctx, "", batchLabel))
	if err == nil {
		err = o.checked(o.transform(ctx, "", batchLabel))
	}
	if err == nil {
		err = o.advanceAll(ctx, extracted, store.StatusTransformed)
	}
	if err == nil {
		err = o.checked(o.load(ctx, batchLabel))
	}
	if err == nil {
		err = o.advanceAll(ctx, extracted, store.StatusLoaded)
	}
	if err != nil {
		result.FilesFailed += len(extracted)
		return o.finish(ctx, result, start, o.failAll(ctx, extracted, err))
	}

	result.FilesLoaded = len(extracted)
	result.RecordsProcessed = records
	util.SuccessLog("Batch loaded %d files", len(extracted))
	return o.finish(ctx, result, start, nil)
}

func (o *Orchestrator) advanceAll(ctx context.Context, files []*store.SourceFile, to store.FileStatus) error {
	for _, f := range files {
		if err := o.advance(ctx, f, to); err != nil {
			return err
		}
	}
	return nil
}

// failAll moves every file to Error and returns the batch failure
func (o *Orchestrator) failAll(ctx context.Context, files []*store.SourceFile, cause error) error {
	for _, f := range files {
		if err := o.fail(ctx, f, fmt.Errorf("batch failed: %w", cause)); err != nil && util.IsFatal(err) && !util.IsFatal(cause) {
			cause = err
		}
	}
	return cause
}

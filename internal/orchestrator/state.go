package orchestrator

import (
	"context"
	"fmt"

	"github.com/franz/dw-loader/internal/metrics"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

// next is the only forward move allowed from each status
var next = map[store.FileStatus]store.FileStatus{
	store.StatusPending:     store.StatusExtracted,
	store.StatusExtracted:   store.StatusTransformed,
	store.StatusTransformed: store.StatusLoaded,
}

// CanTransition reports whether a file may move from one status to another.
// The success path is strictly forward with no skipped states; any non-terminal
// status may fall to Error, and Error is terminal.
func CanTransition(from, to store.FileStatus) bool {
	if to == store.StatusError {
		return from != store.StatusError
	}
	n, ok := next[from]
	return ok && n == to
}

// advance validates and persists a status change of f
func (o *Orchestrator) advance(ctx context.Context, f *store.SourceFile, to store.FileStatus) error {
	from := f.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", util.ErrInvalidTransition, f.ConfigKey, from, to)
	}

	if err := o.files.SetStatus(ctx, f.ConfigKey, to); err != nil {
		return err
	}
	f.Status = to

	metrics.FileTransitions.WithLabelValues(string(to)).Inc()
	o.events.LogTransition(f.ConfigKey, string(from), string(to))
	if o.onTransition != nil {
		o.onTransition(f.ConfigKey, from, to)
	}
	util.DebugLog("%s: %s -> %s", f.ConfigKey, from.Label(), to.Label())
	return nil
}

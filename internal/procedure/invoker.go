package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/sourcegraph/conc/panics"
)

// Config holds invoker configuration
type Config struct {
	Store       *store.Store // store the operations run against
	Registry    *Registry
	MaxAttempts int
	Delay       time.Duration
	// OnAttemptFailure is called for every failed attempt, including the last
	OnAttemptFailure func(ctx context.Context, name string, attempt int, err error)
	// OnAttempt is called for every attempt with its outcome
	OnAttempt func(name string, ok bool)
}

// Invoker runs named operations with bounded, fixed-delay retry
type Invoker struct {
	config *Config
}

// New creates a new invoker
func New(cfg *Config) *Invoker {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(nil)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Invoker{config: cfg}
}

// Invoke runs one operation outside any transaction. After the last failed
// attempt it returns a *util.ProcedureExecutionError.
func (inv *Invoker) Invoke(ctx context.Context, name string) error {
	conn := inv.config.Store.Conn()
	op := inv.config.Registry.Lookup(name)

	return inv.retry(ctx, op, func() error {
		return safeInvoke(ctx, op, conn)
	})
}

// InvokeBatch runs every operation in one transaction. Each attempt is
// isolated in a savepoint; if any operation exhausts its retries the whole
// batch is rolled back and that failure returned.
func (inv *Invoker) InvokeBatch(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	return inv.config.Store.Transaction(ctx, func(conn *store.Conn) error {
		for _, name := range names {
			op := inv.config.Registry.Lookup(name)
			err := inv.retry(ctx, op, func() error {
				return conn.Savepoint(ctx, func() error {
					return safeInvoke(ctx, op, conn)
				})
			})
			if err != nil {
				util.ErrorLog("Batch rolled back: %v", err)
				return err
			}
		}
		return nil
	})
}

func (inv *Invoker) retry(ctx context.Context, op TransformOperation, attempt func() error) error {
	cfg := util.FixedRetryConfig(inv.config.MaxAttempts, inv.config.Delay)
	cfg.Retryable = func(err error) bool {
		// retrying cannot fix a bad name or a cancelled run
		return !errors.Is(err, util.ErrInvalidConfig) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}

	attempts := 0
	var last error
	cfg.OnFailure = func(n int, err error) {
		attempts, last = n, err
		util.WarnLog("Procedure %s attempt %d/%d failed: %v", op.Name(), n, inv.config.MaxAttempts, err)
		if inv.config.OnAttemptFailure != nil {
			inv.config.OnAttemptFailure(ctx, op.Name(), n, err)
		}
		if inv.config.OnAttempt != nil {
			inv.config.OnAttempt(op.Name(), false)
		}
	}

	err := util.Retry(ctx, cfg, func(int) error {
		err := attempt()
		if err == nil && inv.config.OnAttempt != nil {
			inv.config.OnAttempt(op.Name(), true)
		}
		return err
	}, "procedure "+op.Name())
	if err == nil {
		util.DebugLog("Procedure %s completed", op.Name())
		return nil
	}

	if last == nil {
		last = err
	}
	// a cancelled wait surfaces the cancellation, not the last attempt
	if ctxErr := ctx.Err(); ctxErr != nil {
		last = fmt.Errorf("%w (last attempt: %v)", ctxErr, last)
	}
	return &util.ProcedureExecutionError{Name: op.Name(), Attempts: attempts, Err: last}
}

// safeInvoke turns a panicking operation into an attempt failure
func safeInvoke(ctx context.Context, op TransformOperation, conn *store.Conn) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = op.Invoke(ctx, conn)
	})
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("operation %s panicked: %w", op.Name(), r.AsError())
	}
	return err
}

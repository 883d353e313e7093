package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/schollz/progressbar/v3"
)

// Config holds loader configuration
type Config struct {
	Store       *store.Store // staging store
	Affirmative string       // token parsed as true for boolean columns
	// OnRowError is told about every rejected row, after it is counted
	OnRowError func(ctx context.Context, err *util.RowParseError)
	// OnRow is called after every data row, successful or not
	OnRow func(ok bool)
}

// Summary is the outcome of one load
type Summary struct {
	File           string
	TotalRows      int
	SuccessfulRows int
	FailedRows     int
	Duration       time.Duration
}

// Loader bulk-loads raw rows into a staging table
type Loader struct {
	config *Config
}

// New creates a new loader
func New(cfg *Config) *Loader {
	if cfg.Affirmative == "" {
		cfg.Affirmative = "Yes"
	}
	return &Loader{config: cfg}
}

// Load reads every row of src into table. Rows from an earlier load of the
// same source are replaced. A row that fails to parse or insert is counted
// and skipped; only an unreadable source or a lost connection aborts.
func (l *Loader) Load(ctx context.Context, src RecordSource, table string) (*Summary, error) {
	spec, err := Lookup(table)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &Summary{File: src.Name()}

	// The header row carries no data
	if _, err := src.Next(); err != nil {
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		var rowErr *util.RowParseError
		if !errors.As(err, &rowErr) {
			return nil, err
		}
	}

	bar := l.newProgressBar(src.Name())
	defer func() {
		if bar != nil {
			bar.Finish()
		}
	}()

	columns := append(spec.ColumnNames(), SourceFileColumn, RowNumberColumn, "loaded_at")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", spec.Name, strings.Join(columns, ", "), placeholders(len(columns)))

	err = l.config.Store.Transaction(ctx, func(conn *store.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", spec.Name, SourceFileColumn), src.Name())
		if err != nil {
			return fmt.Errorf("failed to clear earlier rows of %s: %w", src.Name(), err)
		}

		loadedAt := time.Now().UTC()
		for rowNumber := 1; ; rowNumber++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			fields, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			summary.TotalRows++

			var rowErr *util.RowParseError
			switch {
			case errors.As(err, &rowErr):
				rowErr.File, rowErr.Row = src.Name(), rowNumber
				l.reject(ctx, summary, rowErr)
			case err != nil:
				return err
			default:
				rowErr = l.insertRow(ctx, conn, spec, insert, src.Name(), rowNumber, fields, loadedAt)
				if rowErr != nil {
					if util.IsFatal(rowErr) {
						return rowErr
					}
					l.reject(ctx, summary, rowErr)
				} else {
					summary.SuccessfulRows++
				}
			}

			if l.config.OnRow != nil {
				l.config.OnRow(rowErr == nil)
			}
			if bar != nil {
				bar.Add(1)
			}
		}
	})
	summary.Duration = time.Since(start)
	if err != nil {
		return summary, err
	}

	util.DebugLog("Loaded %s: %d rows, %d ok, %d failed", src.Name(), summary.TotalRows, summary.SuccessfulRows, summary.FailedRows)
	return summary, nil
}

// insertRow parses and inserts one row inside its own savepoint, so a
// failed insert leaves the rest of the load intact
func (l *Loader) insertRow(ctx context.Context, conn *store.Conn, spec *TableSpec, insert, file string, rowNumber int, fields []string, loadedAt time.Time) *util.RowParseError {
	values, field, err := spec.parseRow(fields, l.config.Affirmative)
	if err != nil {
		return &util.RowParseError{File: file, Row: rowNumber, Field: field, Err: err}
	}

	args := append(values, file, rowNumber, loadedAt)
	err = conn.Savepoint(ctx, func() error {
		_, err := conn.Exec(ctx, insert, args...)
		return err
	})
	if err != nil {
		return &util.RowParseError{File: file, Row: rowNumber, Err: err}
	}
	return nil
}

func (l *Loader) reject(ctx context.Context, summary *Summary, err *util.RowParseError) {
	summary.FailedRows++
	util.WarnLog("Skipping row: %v", err)
	if l.config.OnRowError != nil {
		l.config.OnRowError(ctx, err)
	}
}

func (l *Loader) newProgressBar(name string) *progressbar.ProgressBar {
	if util.IsQuiet() || !util.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Loading "+filepath.Base(name)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

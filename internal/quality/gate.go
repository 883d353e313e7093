package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/staging"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

// Rule names, also used as the quarantine reason
const (
	NullCheck      = "null_check"
	RangeCheck     = "range_check"
	DuplicateCheck = "duplicate_check"
)

// Finding is one rule's violation count for a table
type Finding struct {
	Rule        string
	Table       string
	Count       int64
	Description string
}

// Result summarises one gate pass
type Result struct {
	Table       string
	Findings    []Finding
	Quarantined map[string]int64 // rule -> rows removed
	Remaining   int64
}

// Total returns the number of rows removed by all rules
func (r *Result) Total() int64 {
	var n int64
	for _, c := range r.Quarantined {
		n += c
	}
	return n
}

// Config holds gate configuration
type Config struct {
	Store *store.Store // staging store
	Rules config.QualityConfig
	// OnFinding records a violation before its rows are quarantined
	OnFinding func(ctx context.Context, f Finding) error
}

// Gate runs the configured null, range and duplicate checks and moves
// violating rows into invalid_records
type Gate struct {
	config *Config
}

// New creates a new gate
func New(cfg *Config) *Gate {
	return &Gate{config: cfg}
}

type rule struct {
	name      string
	columns   []string
	predicate string
	args      []any
	describe  func(n int64) string
}

// Run applies every enabled rule to table in the order null, range,
// duplicate. Each rule detects and quarantines in its own transaction; there
// is no transaction across rules.
func (g *Gate) Run(ctx context.Context, table string) (*Result, error) {
	return g.run(ctx, table, "")
}

// RunFile is Run restricted to the rows staged from sourceFile. Duplicates are
// only looked for among those rows.
func (g *Gate) RunFile(ctx context.Context, table, sourceFile string) (*Result, error) {
	if sourceFile == "" {
		return nil, fmt.Errorf("%w: source file is required", util.ErrInvalidConfig)
	}
	return g.run(ctx, table, sourceFile)
}

func (g *Gate) run(ctx context.Context, table, sourceFile string) (*Result, error) {
	spec, err := staging.Lookup(table)
	if err != nil {
		return nil, err
	}

	rules, err := g.rules(spec)
	if err != nil {
		return nil, err
	}
	if sourceFile != "" {
		rules = scoped(rules, spec, sourceFile)
	}

	result := &Result{Table: table, Quarantined: make(map[string]int64)}
	conn := g.config.Store.Conn()

	for _, r := range rules {
		var count int64
		err := conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, r.predicate), r.args...).Scan(&count)
		if err != nil {
			return result, fmt.Errorf("%s on %s: count failed: %w", r.name, table, err)
		}
		if count == 0 {
			util.DebugLog("Quality %s on %s: no violations", r.name, table)
			continue
		}

		finding := Finding{Rule: r.name, Table: table, Count: count, Description: r.describe(count)}
		result.Findings = append(result.Findings, finding)
		util.WarnLog("Quality %s on %s: %s", r.name, table, finding.Description)
		if g.config.OnFinding != nil {
			if err := g.config.OnFinding(ctx, finding); err != nil {
				return result, err
			}
		}

		removed, err := g.quarantine(ctx, spec, r)
		if err != nil {
			return result, fmt.Errorf("%s on %s: quarantine failed: %w", r.name, table, err)
		}
		result.Quarantined[r.name] = removed
	}

	remaining, args := "SELECT COUNT(*) FROM "+table, []any(nil)
	if sourceFile != "" {
		remaining += " WHERE " + staging.SourceFileColumn + " = ?"
		args = append(args, sourceFile)
	}
	if err := conn.QueryRow(ctx, remaining, args...).Scan(&result.Remaining); err != nil {
		return result, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return result, nil
}

// rules builds the enabled rules from whitelisted column names only
func (g *Gate) rules(spec *staging.TableSpec) ([]rule, error) {
	cfg := g.config.Rules
	var rules []rule

	if cfg.Null.Enabled && len(cfg.Null.Columns) > 0 {
		if err := spec.CheckColumns(cfg.Null.Columns); err != nil {
			return nil, err
		}
		cols := cfg.Null.Columns
		rules = append(rules, rule{
			name:      NullCheck,
			columns:   cols,
			predicate: anyOf(cols, "%s IS NULL"),
			describe: func(n int64) string {
				return fmt.Sprintf("%d records with NULL in required columns [%s]", n, strings.Join(cols, ", "))
			},
		})
	}

	if cfg.Range.Enabled && len(cfg.Range.Columns) > 0 {
		if err := spec.CheckColumns(cfg.Range.Columns); err != nil {
			return nil, err
		}
		for _, name := range cfg.Range.Columns {
			if col, _ := spec.Column(name); col.Kind != staging.Integer && col.Kind != staging.Real {
				return nil, fmt.Errorf("%w: range check column %s is not numeric", util.ErrInvalidConfig, name)
			}
		}
		cols := cfg.Range.Columns
		rules = append(rules, rule{
			name:      RangeCheck,
			columns:   cols,
			predicate: anyOf(cols, "%s < 0"),
			describe: func(n int64) string {
				return fmt.Sprintf("%d records with negative values in [%s]", n, strings.Join(cols, ", "))
			},
		})
	}

	if cfg.Duplicate.Enabled && len(cfg.Duplicate.Columns) > 0 {
		if err := spec.CheckColumns(cfg.Duplicate.Columns); err != nil {
			return nil, err
		}
		cols := cfg.Duplicate.Columns
		rules = append(rules, rule{
			name:      DuplicateCheck,
			columns:   cols,
			predicate: duplicatePredicate(spec, cols, ""),
			describe: func(n int64) string {
				return fmt.Sprintf("%d duplicate records on [%s]", n, strings.Join(cols, ", "))
			},
		})
	}

	return rules, nil
}

// quarantine copies every offending row into invalid_records with the rule
// name as reason, then deletes it, all in one transaction
func (g *Gate) quarantine(ctx context.Context, spec *staging.TableSpec, r rule) (int64, error) {
	columns := append([]string{staging.IDColumn}, spec.ColumnNames()...)
	columns = append(columns, staging.SourceFileColumn, staging.RowNumberColumn)

	var removed int64
	err := g.config.Store.Transaction(ctx, func(conn *store.Conn) error {
		offenders, err := selectRows(ctx, conn, spec.Name, columns, r.predicate, r.args)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, row := range offenders {
			payload, err := json.Marshal(row.values)
			if err != nil {
				return fmt.Errorf("failed to serialize row %d: %w", row.id, err)
			}
			_, err = conn.Exec(ctx, `
				INSERT INTO invalid_records (table_name, invalid_record, reason, quarantined_at)
				VALUES (?, ?, ?, ?)
			`, spec.Name, string(payload), r.name, now)
			if err != nil {
				return fmt.Errorf("failed to quarantine row %d: %w", row.id, err)
			}

			res, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", spec.Name, staging.IDColumn), row.id)
			if err != nil {
				return fmt.Errorf("failed to delete row %d: %w", row.id, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

type stagedRow struct {
	id     int64
	values map[string]any
}

// selectRows reads every matching row fully before any write, since a
// transaction holds a single connection
func selectRows(ctx context.Context, conn *store.Conn, table string, columns []string, predicate string, args []any) ([]stagedRow, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(columns, ", "), table, predicate, staging.IDColumn), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select offending rows: %w", err)
	}
	defer rows.Close()

	var out []stagedRow
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan offending row: %w", err)
		}

		row := stagedRow{values: make(map[string]any, len(columns))}
		for i, name := range columns {
			v := raw[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row.values[name] = v
		}
		row.id, err = toInt64(raw[0])
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case []byte:
		var id int64
		_, err := fmt.Sscan(string(n), &id)
		return id, err
	default:
		return 0, fmt.Errorf("unexpected id type %T", v)
	}
}

// duplicatePredicate matches every row but the earliest of its natural-key
// group; the derived table lets MySQL read the table it deletes from. A
// non-empty filter restricts the groups to rows matching it.
func duplicatePredicate(spec *staging.TableSpec, cols []string, filter string) string {
	keep := fmt.Sprintf("SELECT MIN(%s) AS keep_id FROM %s", staging.IDColumn, spec.Name)
	if filter != "" {
		keep += " WHERE " + filter
	}
	keep += " GROUP BY " + strings.Join(cols, ", ")
	return fmt.Sprintf("%s NOT IN (SELECT keep_id FROM (%s) kept)", staging.IDColumn, keep)
}

// scoped restricts every rule to the rows of one source file
func scoped(rules []rule, spec *staging.TableSpec, sourceFile string) []rule {
	filter := staging.SourceFileColumn + " = ?"
	out := make([]rule, len(rules))
	for i, r := range rules {
		r.args = []any{sourceFile}
		if r.name == DuplicateCheck {
			r.predicate = duplicatePredicate(spec, r.columns, filter)
			r.args = append(r.args, sourceFile)
		}
		r.predicate = filter + " AND " + r.predicate
		out[i] = r
	}
	return out
}

// anyOf joins one predicate per column with OR
func anyOf(columns []string, format string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf(format, c)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

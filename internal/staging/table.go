package staging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/franz/dw-loader/internal/util"
)

// Kind is the storage type of a staging column
type Kind int

const (
	Text Kind = iota
	Integer
	Real
	Bool
)

// Column is one positional raw column
type Column struct {
	Name string
	Kind Kind
}

// TableSpec is the statically declared column set of a staging table.
// Only columns listed here are ever spliced into SQL.
type TableSpec struct {
	Name    string
	Columns []Column
}

// Provenance columns stamped by the loader on every row
const (
	SourceFileColumn = "source_file_name"
	RowNumberColumn  = "row_number"
	IDColumn         = "id"
)

// MobileTable is the raw phone catalogue feed
var MobileTable = &TableSpec{
	Name: "staging_mobile",
	Columns: []Column{
		{"name", Text},
		{"brand", Text},
		{"model", Text},
		{"battery_capacity", Integer},
		{"screen_size", Real},
		{"touchscreen", Bool},
		{"resolution_x", Integer},
		{"resolution_y", Integer},
		{"processor", Text},
		{"ram", Integer},
		{"internal_storage", Integer},
		{"rear_camera", Text},
		{"front_camera", Text},
		{"operating_system", Text},
		{"price", Real},
	},
}

var tables = map[string]*TableSpec{
	MobileTable.Name: MobileTable,
}

// Lookup returns the column layout of a known staging table
func Lookup(table string) (*TableSpec, error) {
	spec, ok := tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown staging table %q", util.ErrInvalidConfig, table)
	}
	return spec, nil
}

// Column returns the named column
func (t *TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// CheckColumns rejects any name that is not a declared column
func (t *TableSpec) CheckColumns(names []string) error {
	for _, name := range names {
		if _, ok := t.Column(name); !ok {
			return fmt.Errorf("%w: %s has no column %q", util.ErrInvalidConfig, t.Name, name)
		}
	}
	return nil
}

// ColumnNames returns the declared column names in positional order
func (t *TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// parseRow converts raw text fields into typed values, in column order.
// Empty fields become NULL. Extra trailing fields are ignored.
func (t *TableSpec) parseRow(fields []string, affirmative string) ([]any, string, error) {
	if len(fields) < len(t.Columns) {
		return nil, "", fmt.Errorf("expected %d fields, got %d", len(t.Columns), len(fields))
	}

	values := make([]any, len(t.Columns))
	for i, col := range t.Columns {
		raw := strings.TrimSpace(fields[i])
		// a missing flag is false, never NULL
		if raw == "" && col.Kind != Bool {
			values[i] = nil
			continue
		}

		v, err := parseField(col.Kind, raw, affirmative)
		if err != nil {
			return nil, col.Name, err
		}
		values[i] = v
	}
	return values, "", nil
}

func parseField(kind Kind, raw, affirmative string) (any, error) {
	switch kind {
	case Integer:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		// "12.0" is still an integer
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f != float64(int64(f)) {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return int64(f), nil
	case Real:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return f, nil
	case Bool:
		return ParseBool(raw, affirmative), nil
	default:
		return util.NormalizeText(raw), nil
	}
}

// ParseBool is true only for a case-insensitive match of the affirmative token
func ParseBool(raw, affirmative string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), affirmative)
}

package quality

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

func openStagingStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithOptions(context.Background(), filepath.Join(t.TempDir(), "staging.db"), &store.OpenOptions{Role: store.RoleStaging})
	if err != nil {
		t.Fatalf("failed to open staging store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stage inserts rows of (name, brand, model, price)
func stage(t *testing.T, s *store.Store, rows ...[]any) {
	t.Helper()
	for i, r := range rows {
		_, err := s.DB().Exec(`
			INSERT INTO staging_mobile (name, brand, model, price, ram, source_file_name, row_number)
			VALUES (?, ?, ?, ?, 8, 'test.csv', ?)
		`, r[0], r[1], r[2], r[3], i+1)
		if err != nil {
			t.Fatalf("failed to stage row %d: %v", i+1, err)
		}
	}
}

func count(t *testing.T, s *store.Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func rulesFor(null, rng, dup bool) config.QualityConfig {
	return config.QualityConfig{
		Null:      config.RuleConfig{Enabled: null, Columns: []string{"name", "brand", "model", "price"}},
		Range:     config.RuleConfig{Enabled: rng, Columns: []string{"price", "ram"}},
		Duplicate: config.RuleConfig{Enabled: dup, Columns: []string{"name", "brand", "model"}},
	}
}

func TestGateNullAndRange(t *testing.T) {
	s := openStagingStore(t)
	stage(t, s,
		[]any{"Galaxy", "Samsung", "S21", 799.0},
		[]any{nil, "Apple", "13", 899.0},
		[]any{"Pixel", "Google", nil, 599.0},
		[]any{"3310", "Nokia", "3310", -1.0},
		[]any{"Mi 11", "Xiaomi", "11", 499.0},
	)

	var findings []Finding
	gate := New(&Config{
		Store: s,
		Rules: rulesFor(true, true, false),
		OnFinding: func(_ context.Context, f Finding) error {
			findings = append(findings, f)
			return nil
		},
	})

	result, err := gate.Run(context.Background(), "staging_mobile")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Quarantined[NullCheck] != 2 {
		t.Errorf("expected 2 rows quarantined for null, got %d", result.Quarantined[NullCheck])
	}
	if result.Quarantined[RangeCheck] != 1 {
		t.Errorf("expected 1 row quarantined for range, got %d", result.Quarantined[RangeCheck])
	}
	if result.Remaining != 2 {
		t.Errorf("expected 2 remaining rows, got %d", result.Remaining)
	}
	if len(findings) != 2 || len(result.Findings) != 2 {
		t.Fatalf("expected 2 quality log entries, got %d", len(findings))
	}
	if findings[0].Rule != NullCheck || findings[1].Rule != RangeCheck {
		t.Errorf("rules must run null then range, got %s, %s", findings[0].Rule, findings[1].Rule)
	}

	if n := count(t, s, "SELECT COUNT(*) FROM invalid_records WHERE reason = ?", NullCheck); n != 2 {
		t.Errorf("expected 2 null quarantine records, got %d", n)
	}
	if n := count(t, s, "SELECT COUNT(*) FROM invalid_records WHERE reason = ?", RangeCheck); n != 1 {
		t.Errorf("expected 1 range quarantine record, got %d", n)
	}
	if n := count(t, s, "SELECT COUNT(*) FROM staging_mobile"); n != 2 {
		t.Errorf("expected 2 rows left in staging, got %d", n)
	}
}

func TestGateQuarantineKeepsFullRow(t *testing.T) {
	s := openStagingStore(t)
	stage(t, s, []any{"3310", "Nokia", "3310", -5.0})

	gate := New(&Config{Store: s, Rules: rulesFor(false, true, false)})
	if _, err := gate.Run(context.Background(), "staging_mobile"); err != nil {
		t.Fatal(err)
	}

	var payload string
	if err := s.DB().QueryRow("SELECT invalid_record FROM invalid_records").Scan(&payload); err != nil {
		t.Fatal(err)
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		t.Fatalf("quarantined row is not JSON: %v", err)
	}
	if row["brand"] != "Nokia" || row["price"] != -5.0 || row["source_file_name"] != "test.csv" {
		t.Errorf("unexpected quarantined row: %v", row)
	}
	if _, ok := row["screen_size"]; !ok {
		t.Error("NULL columns must be kept by name")
	}
}

func TestGateDuplicateKeepsEarliest(t *testing.T) {
	s := openStagingStore(t)
	stage(t, s,
		[]any{"Galaxy", "Samsung", "S21", 799.0},
		[]any{"Galaxy", "Samsung", "S21", 749.0},
		[]any{"Pixel", "Google", "6", 599.0},
		[]any{"Galaxy", "Samsung", "S21", 699.0},
	)

	gate := New(&Config{Store: s, Rules: rulesFor(false, false, true)})
	result, err := gate.Run(context.Background(), "staging_mobile")
	if err != nil {
		t.Fatal(err)
	}

	if result.Quarantined[DuplicateCheck] != 2 {
		t.Errorf("expected 2 duplicates removed, got %d", result.Quarantined[DuplicateCheck])
	}
	var price float64
	if err := s.DB().QueryRow("SELECT price FROM staging_mobile WHERE name = 'Galaxy'").Scan(&price); err != nil {
		t.Fatal(err)
	}
	if price != 799.0 {
		t.Errorf("expected the earliest row (799) to survive, got %v", price)
	}
	if result.Remaining != 2 {
		t.Errorf("expected 2 remaining rows, got %d", result.Remaining)
	}
}

func TestGateCleanTableLogsNothing(t *testing.T) {
	s := openStagingStore(t)
	stage(t, s, []any{"Galaxy", "Samsung", "S21", 799.0})

	called := false
	gate := New(&Config{
		Store: s,
		Rules: rulesFor(true, true, true),
		OnFinding: func(context.Context, Finding) error {
			called = true
			return nil
		},
	})
	result, err := gate.Run(context.Background(), "staging_mobile")
	if err != nil {
		t.Fatal(err)
	}
	if called || len(result.Findings) != 0 || result.Total() != 0 {
		t.Error("a clean table must produce no findings")
	}
}

func TestGateRejectsUnknownColumns(t *testing.T) {
	s := openStagingStore(t)
	rules := rulesFor(true, false, false)
	rules.Null.Columns = []string{"name; DROP TABLE staging_mobile"}

	gate := New(&Config{Store: s, Rules: rules})
	if _, err := gate.Run(context.Background(), "staging_mobile"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	rules = rulesFor(false, true, false)
	rules.Range.Columns = []string{"brand"}
	gate = New(&Config{Store: s, Rules: rules})
	if _, err := gate.Run(context.Background(), "staging_mobile"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for non-numeric range column, got %v", err)
	}
}

func TestGateRunFileIsScopedToOneFile(t *testing.T) {
	s := openStagingStore(t)
	insert := func(file string, row int, name string, price float64) {
		_, err := s.DB().Exec(`
			INSERT INTO staging_mobile (name, brand, model, price, ram, source_file_name, row_number)
			VALUES (?, 'Samsung', 'S21', ?, 8, ?, ?)
		`, name, price, file, row)
		if err != nil {
			t.Fatal(err)
		}
	}
	// jan.csv already passed the gate; feb.csv re-delivers the same phone
	insert("jan.csv", 1, "Galaxy", 799)
	insert("jan.csv", 2, "Galaxy", -5)
	insert("feb.csv", 1, "Galaxy", 749)
	insert("feb.csv", 2, "Galaxy", 749)

	gate := New(&Config{Store: s, Rules: rulesFor(true, true, true)})
	result, err := gate.RunFile(context.Background(), "staging_mobile", "feb.csv")
	if err != nil {
		t.Fatalf("RunFile failed: %v", err)
	}

	if result.Quarantined[DuplicateCheck] != 1 || result.Quarantined[RangeCheck] != 0 {
		t.Errorf("unexpected quarantine counts: %v", result.Quarantined)
	}
	if result.Remaining != 1 {
		t.Errorf("expected 1 remaining feb.csv row, got %d", result.Remaining)
	}
	if n := count(t, s, "SELECT COUNT(*) FROM staging_mobile WHERE source_file_name = 'jan.csv'"); n != 2 {
		t.Errorf("rows of other files must be left alone, got %d", n)
	}
}

func TestGateRunFileRequiresFile(t *testing.T) {
	gate := New(&Config{Store: openStagingStore(t), Rules: rulesFor(true, false, false)})
	if _, err := gate.RunFile(context.Background(), "staging_mobile", ""); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

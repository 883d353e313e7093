package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

const header = "name,brand,model,battery_capacity,screen_size,touchscreen,resolution_x,resolution_y,processor,ram,internal_storage,rear_camera,front_camera,operating_system,price"

func openStagingStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithOptions(context.Background(), filepath.Join(t.TempDir(), "staging.db"), &store.OpenOptions{Role: store.RoleStaging})
	if err != nil {
		t.Fatalf("failed to open staging store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeCSV(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func countRows(t *testing.T, s *store.Store, where string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM staging_mobile "+where, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestLoadCountsEveryRow(t *testing.T) {
	s := openStagingStore(t)
	path := writeCSV(t, "phones.csv",
		header,
		"Galaxy S21,Samsung,S21,4000,6.2,Yes,1080,2400,Exynos 2100,8,128,64MP,10MP,Android,799.99",
		"iPhone 13,Apple,13,3240,6.1,yes,1170,2532,A15,4,128,12MP,12MP,iOS,899",
		"Broken,Nokia,3310,lots,2.4,No,240,320,,1,1,2MP,,S30,59",
		"Short,Row",
		"Pixel 6,Google,6,4614,6.4,No,1080,2400,Tensor,8,128,50MP,8MP,Android,",
	)

	src, err := OpenCSV(path)
	if err != nil {
		t.Fatalf("OpenCSV failed: %v", err)
	}
	defer src.Close()

	var rejected []*util.RowParseError
	loader := New(&Config{
		Store:       s,
		Affirmative: "Yes",
		OnRowError: func(_ context.Context, err *util.RowParseError) {
			rejected = append(rejected, err)
		},
	})

	summary, err := loader.Load(context.Background(), src, "staging_mobile")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if summary.TotalRows != 5 {
		t.Errorf("expected 5 data rows, got %d", summary.TotalRows)
	}
	if summary.SuccessfulRows+summary.FailedRows != summary.TotalRows {
		t.Errorf("successful %d + failed %d != total %d", summary.SuccessfulRows, summary.FailedRows, summary.TotalRows)
	}
	if summary.SuccessfulRows != 3 || summary.FailedRows != 2 {
		t.Errorf("expected 3 ok / 2 failed, got %d / %d", summary.SuccessfulRows, summary.FailedRows)
	}

	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejected rows, got %d", len(rejected))
	}
	if rejected[0].Row != 3 || rejected[0].Field != "battery_capacity" || rejected[0].File != path {
		t.Errorf("unexpected first rejection: %+v", rejected[0])
	}
	if !errors.Is(rejected[1], util.ErrRowParse) {
		t.Error("rejections must be row parse errors")
	}

	if n := countRows(t, s, "WHERE source_file_name = ?", path); n != 3 {
		t.Errorf("expected 3 staged rows, got %d", n)
	}
	// empty price is NULL, not zero
	if n := countRows(t, s, "WHERE price IS NULL"); n != 1 {
		t.Errorf("expected 1 row with NULL price, got %d", n)
	}
}

func TestLoadParsesBooleansAgainstAffirmativeToken(t *testing.T) {
	s := openStagingStore(t)
	rows := [][]string{strings.Split(header, ",")}
	for i, flag := range []string{"Yes", "YES", "yes", "No", "true", "1", ""} {
		rows = append(rows, []string{"P", "B", string(rune('a' + i)), "1", "1", flag, "1", "1", "X", "1", "1", "1", "1", "OS", "1"})
	}

	loader := New(&Config{Store: s, Affirmative: "Yes"})
	summary, err := loader.Load(context.Background(), NewSliceSource("bools.csv", rows), "staging_mobile")
	if err != nil {
		t.Fatal(err)
	}
	if summary.FailedRows != 0 {
		t.Fatalf("non-affirmative values must not be errors, got %d failures", summary.FailedRows)
	}

	if n := countRows(t, s, "WHERE touchscreen = 1"); n != 3 {
		t.Errorf("expected 3 true flags, got %d", n)
	}
	if n := countRows(t, s, "WHERE touchscreen = 0"); n != 4 {
		t.Errorf("expected 4 false flags, got %d", n)
	}
	if n := countRows(t, s, "WHERE touchscreen IS NULL"); n != 0 {
		t.Errorf("an empty flag must be false, got %d NULL flags", n)
	}
}

func TestLoadStampsProvenance(t *testing.T) {
	s := openStagingStore(t)
	rows := [][]string{
		strings.Split(header, ","),
		// trailing provenance columns of a 17-column feed are ignored
		{"A", "B", "C", "1", "1", "No", "1", "1", "X", "1", "1", "1", "1", "OS", "10", "other.csv", "99"},
		{"D", "E", "F", "1", "1", "No", "1", "1", "X", "1", "1", "1", "1", "OS", "20"},
	}

	loader := New(&Config{Store: s})
	if _, err := loader.Load(context.Background(), NewSliceSource("feed.csv", rows), "staging_mobile"); err != nil {
		t.Fatal(err)
	}

	var file string
	var row int
	err := s.DB().QueryRow("SELECT source_file_name, row_number FROM staging_mobile WHERE name = 'D'").Scan(&file, &row)
	if err != nil {
		t.Fatal(err)
	}
	if file != "feed.csv" || row != 2 {
		t.Errorf("expected feed.csv row 2, got %s row %d", file, row)
	}
}

func TestLoadReplacesEarlierRowsOfSameFile(t *testing.T) {
	s := openStagingStore(t)
	rows := [][]string{
		strings.Split(header, ","),
		{"A", "B", "C", "1", "1", "No", "1", "1", "X", "1", "1", "1", "1", "OS", "10"},
	}
	loader := New(&Config{Store: s})

	for i := 0; i < 2; i++ {
		if _, err := loader.Load(context.Background(), NewSliceSource("same.csv", rows), "staging_mobile"); err != nil {
			t.Fatalf("load #%d failed: %v", i+1, err)
		}
	}
	if n := countRows(t, s, ""); n != 1 {
		t.Errorf("reloading a file must not duplicate rows, got %d", n)
	}
}

func TestLoadEmptySource(t *testing.T) {
	s := openStagingStore(t)
	loader := New(&Config{Store: s})

	summary, err := loader.Load(context.Background(), NewSliceSource("empty.csv", nil), "staging_mobile")
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRows != 0 {
		t.Errorf("expected no rows, got %d", summary.TotalRows)
	}
}

func TestLoadUnknownTable(t *testing.T) {
	s := openStagingStore(t)
	loader := New(&Config{Store: s})

	_, err := loader.Load(context.Background(), NewSliceSource("x.csv", nil), "staging_unknown")
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestOpenCSVMissingFile(t *testing.T) {
	_, err := OpenCSV(filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.Is(err, util.ErrFileAccess) {
		t.Errorf("expected ErrFileAccess, got %v", err)
	}
}

func TestCSVSourceDecoding(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		encoding string
		want     string
	}{
		{"utf-8", []byte("brand\nNokia\n"), "utf-8", "Nokia"},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("brand\nNokia\n")...), "utf-8", "Nokia"},
		{"latin-1", []byte("brand\nCaf\xe9\n"), "latin-1", "Caf\u00e9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewCSVSource("x.csv", strings.NewReader(string(tt.data)))
			if err != nil {
				t.Fatal(err)
			}
			if src.Encoding != tt.encoding {
				t.Errorf("encoding = %s, want %s", src.Encoding, tt.encoding)
			}

			head, err := src.Next()
			if err != nil {
				t.Fatal(err)
			}
			if head[0] != "brand" {
				t.Errorf("header = %q, BOM must be stripped", head[0])
			}
			row, err := src.Next()
			if err != nil {
				t.Fatal(err)
			}
			if row[0] != tt.want {
				t.Errorf("row = %q, want %q", row[0], tt.want)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"Yes", true},
		{" yes ", true},
		{"YES", true},
		{"No", false},
		{"Y", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.raw, "Yes"); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

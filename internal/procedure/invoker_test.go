package procedure

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

func openWarehouse(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithOptions(context.Background(), filepath.Join(t.TempDir(), "warehouse.db"), &store.OpenOptions{Role: store.RoleWarehouse})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// flaky fails its first n calls
func flaky(name string, failures int, calls *int) *Func {
	return &Func{OpName: name, Fn: func(ctx context.Context, conn *store.Conn) error {
		*calls++
		if *calls <= failures {
			return errors.New("deadlock victim")
		}
		return nil
	}}
}

func newInvoker(s *store.Store, reg *Registry, failures *[]int) *Invoker {
	return New(&Config{
		Store:       s,
		Registry:    reg,
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnAttemptFailure: func(_ context.Context, _ string, attempt int, _ error) {
			*failures = append(*failures, attempt)
		},
	})
}

func TestInvokeSucceedsOnThirdAttempt(t *testing.T) {
	s := openWarehouse(t)
	calls := 0
	reg := NewRegistry(nil)
	reg.Register(flaky("sp_transform", 2, &calls))

	var failures []int
	err := newInvoker(s, reg, &failures).Invoke(context.Background(), "sp_transform")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(failures) != 2 {
		t.Errorf("expected exactly 2 logged retry attempts, got %v", failures)
	}
}

func TestInvokeExhaustsRetries(t *testing.T) {
	s := openWarehouse(t)
	calls := 0
	reg := NewRegistry(nil)
	reg.Register(flaky("sp_load", 10, &calls))

	var failures []int
	err := newInvoker(s, reg, &failures).Invoke(context.Background(), "sp_load")

	var perr *util.ProcedureExecutionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcedureExecutionError, got %v", err)
	}
	if perr.Attempts != 3 || perr.Name != "sp_load" {
		t.Errorf("unexpected error: %+v", perr)
	}
	if !errors.Is(err, util.ErrProcedureExecution) {
		t.Error("expected ErrProcedureExecution kind")
	}
	if len(failures) != 3 {
		t.Errorf("expected 3 logged attempts, got %v", failures)
	}
}

func TestInvokeRecoversPanics(t *testing.T) {
	s := openWarehouse(t)
	reg := NewRegistry(nil)
	reg.Register(&Func{OpName: "sp_panic", Fn: func(context.Context, *store.Conn) error {
		panic("nil map")
	}})

	var failures []int
	err := newInvoker(s, reg, &failures).Invoke(context.Background(), "sp_panic")
	if !errors.Is(err, util.ErrProcedureExecution) {
		t.Fatalf("expected ProcedureExecutionError, got %v", err)
	}
	if len(failures) != 3 {
		t.Errorf("a panic is an ordinary failed attempt, got %v", failures)
	}
}

func TestInvokeStoredProcedureOnSQLiteFailsFast(t *testing.T) {
	s := openWarehouse(t)

	var failures []int
	err := newInvoker(s, nil, &failures).Invoke(context.Background(), "sp_load_data_to_fact")

	var perr *util.ProcedureExecutionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcedureExecutionError, got %v", err)
	}
	if perr.Attempts != 1 {
		t.Errorf("configuration errors must not be retried, got %d attempts", perr.Attempts)
	}
}

func TestInvokeBatchCommitsAll(t *testing.T) {
	s := openWarehouse(t)
	reg := NewRegistry(map[string]string{
		"load_brands": "INSERT INTO DimBrand (BrandName) VALUES ('Samsung'); INSERT INTO DimBrand (BrandName) VALUES ('Apple')",
		"load_os":     "INSERT INTO DimOS (OSName) VALUES ('Android')",
	})

	var failures []int
	if err := newInvoker(s, reg, &failures).InvokeBatch(context.Background(), []string{"load_brands", "load_os"}); err != nil {
		t.Fatalf("InvokeBatch failed: %v", err)
	}

	var brands, oses int
	s.DB().QueryRow("SELECT COUNT(*) FROM DimBrand").Scan(&brands)
	s.DB().QueryRow("SELECT COUNT(*) FROM DimOS").Scan(&oses)
	if brands != 2 || oses != 1 {
		t.Errorf("expected 2 brands and 1 os, got %d and %d", brands, oses)
	}
}

func TestInvokeBatchRollsBackOnExhaustion(t *testing.T) {
	s := openWarehouse(t)
	reg := NewRegistry(map[string]string{
		"load_brands": "INSERT INTO DimBrand (BrandName) VALUES ('Samsung')",
	})
	reg.Register(&Func{OpName: "broken", Fn: func(ctx context.Context, conn *store.Conn) error {
		// partial work inside the failed attempt is undone too
		if _, err := conn.Exec(ctx, "INSERT INTO DimOS (OSName) VALUES ('iOS')"); err != nil {
			return err
		}
		return errors.New("constraint violated")
	}})

	var failures []int
	err := newInvoker(s, reg, &failures).InvokeBatch(context.Background(), []string{"load_brands", "broken"})
	if !errors.Is(err, util.ErrProcedureExecution) {
		t.Fatalf("expected ProcedureExecutionError, got %v", err)
	}

	var brands, oses int
	s.DB().QueryRow("SELECT COUNT(*) FROM DimBrand").Scan(&brands)
	s.DB().QueryRow("SELECT COUNT(*) FROM DimOS").Scan(&oses)
	if brands != 0 || oses != 0 {
		t.Errorf("expected whole batch rolled back, found %d brands and %d os rows", brands, oses)
	}
}

func TestInvokeBatchRetriesInsideTransaction(t *testing.T) {
	s := openWarehouse(t)
	calls := 0
	reg := NewRegistry(nil)
	reg.Register(&Func{OpName: "flaky_insert", Fn: func(ctx context.Context, conn *store.Conn) error {
		calls++
		if _, err := conn.Exec(ctx, "INSERT INTO DimOS (OSName) VALUES (?)", "Android"); err != nil {
			return err
		}
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}})

	var failures []int
	if err := newInvoker(s, reg, &failures).InvokeBatch(context.Background(), []string{"flaky_insert"}); err != nil {
		t.Fatalf("InvokeBatch failed: %v", err)
	}

	// the failed attempt's insert was rolled back to its savepoint
	var n int
	s.DB().QueryRow("SELECT COUNT(*) FROM DimOS").Scan(&n)
	if n != 1 {
		t.Errorf("expected 1 row after retry, got %d", n)
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failed attempt, got %v", failures)
	}
}

func TestInvokeCancelledDuringDelay(t *testing.T) {
	s := openWarehouse(t)
	calls := 0
	reg := NewRegistry(nil)
	reg.Register(flaky("sp_slow", 10, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	inv := New(&Config{
		Store:       s,
		Registry:    reg,
		MaxAttempts: 3,
		Delay:       time.Hour,
		OnAttemptFailure: func(context.Context, string, int, error) {
			cancel()
		},
	})

	err := inv.Invoke(ctx, "sp_slow")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "quoted semicolon",
			sql:  "INSERT INTO t VALUES ('a;b'); DELETE FROM t;  ;",
			want: []string{"INSERT INTO t VALUES ('a;b')", "DELETE FROM t"},
		},
		{
			name: "trigger body",
			sql:  "CREATE TRIGGER tr AFTER INSERT ON t BEGIN INSERT INTO a VALUES (1); DELETE FROM b; END; ANALYZE;",
			want: []string{"CREATE TRIGGER tr AFTER INSERT ON t BEGIN INSERT INTO a VALUES (1); DELETE FROM b; END", "ANALYZE"},
		},
		{
			name: "case expression inside block",
			sql:  "CREATE TRIGGER tr AFTER INSERT ON t BEGIN UPDATE a SET x = CASE WHEN y > 1 THEN 'big' ELSE 'small' END; END; SELECT 1",
			want: []string{"CREATE TRIGGER tr AFTER INSERT ON t BEGIN UPDATE a SET x = CASE WHEN y > 1 THEN 'big' ELSE 'small' END; END", "SELECT 1"},
		},
		{
			name: "transaction keywords",
			sql:  "BEGIN TRANSACTION; DELETE FROM t; COMMIT; BEGIN; DELETE FROM u; END;",
			want: []string{"BEGIN TRANSACTION", "DELETE FROM t", "COMMIT", "BEGIN", "DELETE FROM u", "END"},
		},
		{
			name: "end if does not close the block",
			sql:  "CREATE PROCEDURE p() BEGIN IF x THEN DELETE FROM t; END IF; END; CALL p()",
			want: []string{"CREATE PROCEDURE p() BEGIN IF x THEN DELETE FROM t; END IF; END", "CALL p()"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d statements %q, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestScriptCreatesTrigger(t *testing.T) {
	s := openWarehouse(t)
	reg := NewRegistry(map[string]string{"setup_audit": `
		CREATE TABLE audit_src (id INTEGER);
		CREATE TABLE audit_log (id INTEGER, note TEXT);
		CREATE TRIGGER audit_src_insert AFTER INSERT ON audit_src BEGIN
			INSERT INTO audit_log VALUES (NEW.id, 'a;b');
			INSERT INTO audit_log VALUES (NEW.id * 10, CASE WHEN NEW.id > 1 THEN 'big' ELSE 'small' END);
		END;
		INSERT INTO audit_src VALUES (2);
	`})

	var failures []int
	if err := newInvoker(s, reg, &failures).Invoke(context.Background(), "setup_audit"); err != nil {
		t.Fatalf("script failed: %v", err)
	}

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM audit_log WHERE note IN ('a;b', 'big')").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected the trigger to write 2 rows, got %d", n)
	}
}

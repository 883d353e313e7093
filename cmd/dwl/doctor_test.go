package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/store"
)

func TestCheckSQLite(t *testing.T) {
	result := checkSQLite()

	if result.error {
		t.Errorf("SQLite check failed: %s", result.message)
	}

	if result.message == "" {
		t.Error("expected version information in message")
	}
}

func TestCheckStore_CreatesSQLiteFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "control.db")

	result := checkStore(context.Background(), "Control store", dbPath, store.RoleControl)

	if result.error {
		t.Fatalf("new SQLite store should not error: %s", result.message)
	}
	if !strings.Contains(result.message, "schema v") {
		t.Errorf("expected schema version in message, got %q", result.message)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database to be created: %v", err)
	}
}

func TestCheckStore_MissingDSN(t *testing.T) {
	result := checkStore(context.Background(), "Staging store", "", store.RoleStaging)
	if !result.error {
		t.Error("expected error for empty DSN")
	}
}

func TestCheckStore_UnsupportedScheme(t *testing.T) {
	result := checkStore(context.Background(), "Warehouse store", "oracle://host/db", store.RoleWarehouse)
	if !result.error {
		t.Error("expected error for unsupported scheme")
	}
}

func TestCheckSourceFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Stores.Control = filepath.Join(dir, "control.db")

	control, err := store.OpenWithOptions(ctx, cfg.Stores.Control, &store.OpenOptions{Role: store.RoleControl})
	if err != nil {
		t.Fatal(err)
	}
	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)

	t.Run("no pending files", func(t *testing.T) {
		results := checkSourceFiles(ctx, cfg)
		if len(results) != 1 || !results[0].warning {
			t.Errorf("expected one warning, got %+v", results)
		}
	})

	good := filepath.Join(dir, "mobiles.csv")
	if err := os.WriteFile(good, []byte("name,brand\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := files.Register(ctx, "FILE_PATH_1", good); err != nil {
		t.Fatal(err)
	}
	if _, err := files.Register(ctx, "FILE_PATH_2", filepath.Join(dir, "missing.csv")); err != nil {
		t.Fatal(err)
	}
	control.Close()

	t.Run("missing file is a warning", func(t *testing.T) {
		results := checkSourceFiles(ctx, cfg)
		if len(results) != 2 {
			t.Fatalf("expected summary plus one warning, got %+v", results)
		}
		if results[0].error || !strings.Contains(results[0].message, "1 of 2") {
			t.Errorf("unexpected summary: %+v", results[0])
		}
		if !results[1].warning || !strings.Contains(results[1].name, "FILE_PATH_2") {
			t.Errorf("unexpected file result: %+v", results[1])
		}
	})
}

func TestCheckArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")

	result := checkArtifacts(dir)
	if result.error {
		t.Fatalf("writable directory should pass: %s", result.message)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Error("write probe must be removed")
	}
}

func TestCheckNotify(t *testing.T) {
	cfg := config.Default()
	if r := checkNotify(cfg); r.error || r.warning {
		t.Errorf("disabled SendGrid is not a problem: %+v", r)
	}

	cfg.Notify.SendGrid = config.SendGridConfig{APIKey: "SG.x", From: "etl@example.com", To: []string{"a@example.com", "b@example.com"}}
	if r := checkNotify(cfg); !strings.Contains(r.message, "2 recipients") {
		t.Errorf("unexpected message: %q", r.message)
	}
}

func TestPrintResults(t *testing.T) {
	if err := printResults([]checkResult{{name: "ok"}, {name: "meh", warning: true}}); err != nil {
		t.Errorf("warnings must not fail diagnostics: %v", err)
	}
	if err := printResults([]checkResult{{name: "bad", error: true}}); err == nil {
		t.Error("expected error when a check fails")
	}
}

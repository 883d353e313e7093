package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	if err := os.WriteFile(a, []byte("name,brand\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("name,brand\nx,y\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sumA, err := FileChecksum(a)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := FileChecksum(a)
	sumB, _ := FileChecksum(b)

	if sumA != again {
		t.Error("checksum must be stable")
	}
	if sumA == sumB {
		t.Error("different content must give different checksums")
	}
	if len(sumA) != 40 {
		t.Errorf("expected 40 hex chars, got %d", len(sumA))
	}
}

func TestCheckReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	size, err := CheckReadable(path)
	if err != nil || size != 3 {
		t.Errorf("CheckReadable = %d, %v", size, err)
	}

	if _, err := CheckReadable(filepath.Join(dir, "missing.csv")); !errors.Is(err, ErrFileAccess) {
		t.Errorf("expected ErrFileAccess for missing file, got %v", err)
	}
	if _, err := CheckReadable(dir); !errors.Is(err, ErrFileAccess) {
		t.Errorf("expected ErrFileAccess for directory, got %v", err)
	}
}

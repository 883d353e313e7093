package util

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
)

// FileChecksum returns the SHA1 of a source file's content, recorded in the
// processing summary so a re-delivered file can be told apart from an edited one
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: failed to hash %s: %v", ErrFileAccess, path, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CheckReadable verifies path names a readable regular file
func CheckReadable(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrFileAccess, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	f.Close()

	return info.Size(), nil
}

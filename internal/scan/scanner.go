package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/schollz/progressbar/v3"
)

// SourceExtensions are the default source file extensions
var SourceExtensions = []string{".csv"}

// Scanner registers the source files found in a directory tree
type Scanner struct {
	files      *store.FileStatusStore
	extensions map[string]bool
	prefix     string
	logger     *report.EventLogger
}

// Config holds scanner configuration
type Config struct {
	Files          *store.FileStatusStore
	AdditionalExts []string
	// KeyPrefix names new entries <prefix>_<n>; defaults to the file group
	KeyPrefix string
	Logger    *report.EventLogger
}

// New creates a new Scanner
func New(cfg *Config) *Scanner {
	// Build extension map (case-insensitive)
	extMap := make(map[string]bool)
	for _, ext := range SourceExtensions {
		extMap[strings.ToLower(ext)] = true
	}
	for _, ext := range cfg.AdditionalExts {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[strings.ToLower(ext)] = true
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = cfg.Files.Group()
	}

	return &Scanner{
		files:      cfg.Files,
		extensions: extMap,
		prefix:     prefix,
		logger:     cfg.Logger,
	}
}

// Result represents a scan result
type Result struct {
	FilesDiscovered int
	FilesSkipped    int
	Registered      []*store.SourceFile
	Errors          []error
}

// Scan walks sourcePath in lexical order and registers every source file not
// yet known as Pending. Paths already in the registry are skipped whatever
// their status.
func (s *Scanner) Scan(ctx context.Context, sourcePath string) (*Result, error) {
	root, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrFileAccess, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrFileAccess, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", util.ErrFileAccess, root)
	}

	util.InfoLog("Starting scan of: %s", root)

	// Pre-load existing entries for quick duplicate detection
	existing, err := s.files.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered files: %w", err)
	}
	known := make(map[string]bool, len(existing))
	next := 1
	for _, f := range existing {
		known[filepath.Clean(f.Path)] = true
		if n, ok := s.keyIndex(f.ConfigKey); ok && n >= next {
			next = n + 1
		}
	}
	util.DebugLog("Loaded %d registered files", len(existing))

	result := &Result{}

	var bar *progressbar.ProgressBar
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() {
		// Indeterminate: the total is unknown until the walk ends
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("files"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			util.WarnLog("Error accessing path %s: %v", path, err)
			result.Errors = append(result.Errors, fmt.Errorf("%w: %s: %v", util.ErrFileAccess, path, err))
			return nil // Continue walking
		}

		if d.IsDir() || !s.isSourceFile(path) {
			return nil
		}
		if bar != nil {
			bar.Add(1)
		}

		if known[path] {
			util.DebugLog("Already registered: %s", path)
			result.FilesSkipped++
			return nil
		}

		size, err := util.CheckReadable(path)
		if err != nil {
			util.WarnLog("Skipping unreadable file %s: %v", path, err)
			result.Errors = append(result.Errors, err)
			return nil
		}

		key := fmt.Sprintf("%s_%d", s.prefix, next)
		f, err := s.files.Register(ctx, key, path)
		if err != nil {
			// a broken registry stops the scan
			return err
		}
		next++
		known[path] = true

		result.FilesDiscovered++
		result.Registered = append(result.Registered, f)
		s.logger.LogDiscover(key, path, size)
		util.DebugLog("Discovered: %s (key: %s)", path, key)
		return nil
	})

	if bar != nil {
		bar.Finish()
	}

	if errors.Is(walkErr, context.Canceled) {
		return result, walkErr
	}
	if walkErr != nil {
		return result, fmt.Errorf("walk error: %w", walkErr)
	}

	util.SuccessLog("Scan complete: %d files registered, %d already known, %d errors",
		result.FilesDiscovered, result.FilesSkipped, len(result.Errors))

	return result, nil
}

// keyIndex extracts n from a config key of the form <prefix>_<n>
func (s *Scanner) keyIndex(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// isSourceFile checks if a file has a supported source extension
func (s *Scanner) isSourceFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return s.extensions[ext]
}

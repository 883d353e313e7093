package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dw-loader/internal/util"
)

// FileStatus is the lifecycle code of a source file
type FileStatus string

const (
	StatusPending     FileStatus = "NP"
	StatusExtracted   FileStatus = "EX"
	StatusTransformed FileStatus = "TR"
	StatusLoaded      FileStatus = "LD"
	StatusError       FileStatus = "ER"
)

// Valid reports whether s is one of the known codes
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExtracted, StatusTransformed, StatusLoaded, StatusError:
		return true
	}
	return false
}

// Label returns the long name of the status
func (s FileStatus) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusExtracted:
		return "Extracted"
	case StatusTransformed:
		return "Transformed"
	case StatusLoaded:
		return "Loaded"
	case StatusError:
		return "Error"
	default:
		return string(s)
	}
}

// SourceFile is one configured source file entry
type SourceFile struct {
	ID           int64
	ConfigKey    string
	Group        string
	Path         string
	Active       bool
	Status       FileStatus
	LastModified time.Time
}

// FileStatusStore tracks source file lifecycle in the control store.
// It does not validate transitions; the orchestrator owns the state machine.
type FileStatusStore struct {
	conn  *Conn
	group string
}

// NewFileStatusStore returns a registry over entries of the given config group
func NewFileStatusStore(s *Store, group string) *FileStatusStore {
	if group == "" {
		group = "FILE_PATH"
	}
	return &FileStatusStore{conn: s.Conn(), group: group}
}

const sourceFileColumns = `id, config_key, config_group, config_value, is_active, file_status, last_modified`

// Group returns the config group this store manages
func (f *FileStatusStore) Group() string {
	return f.group
}

// ListPending returns active entries still in status NP, in registration order
func (f *FileStatusStore) ListPending(ctx context.Context) ([]*SourceFile, error) {
	rows, err := f.conn.Query(ctx, `
		SELECT `+sourceFileColumns+`
		FROM dw_configurations
		WHERE config_group = ? AND is_active = 1 AND file_status = ?
		ORDER BY id
	`, f.group, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending files: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	return scanSourceFiles(rows)
}

// List returns every entry of the group regardless of status
func (f *FileStatusStore) List(ctx context.Context) ([]*SourceFile, error) {
	rows, err := f.conn.Query(ctx, `
		SELECT `+sourceFileColumns+`
		FROM dw_configurations
		WHERE config_group = ?
		ORDER BY id
	`, f.group)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query files: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	return scanSourceFiles(rows)
}

// Get retrieves an entry by config key
func (f *FileStatusStore) Get(ctx context.Context, configKey string) (*SourceFile, error) {
	rows, err := f.conn.Query(ctx, `
		SELECT `+sourceFileColumns+`
		FROM dw_configurations
		WHERE config_group = ? AND config_key = ?
		ORDER BY id
	`, f.group, configKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get file %s: %w", util.ErrStorage, configKey, err)
	}
	defer rows.Close()

	files, err := scanSourceFiles(rows)
	if err != nil {
		return nil, err
	}
	switch len(files) {
	case 0:
		return nil, fmt.Errorf("%w: file %s", util.ErrNotFound, configKey)
	case 1:
		return files[0], nil
	default:
		return nil, fmt.Errorf("%w: %d entries share config key %s", util.ErrStorage, len(files), configKey)
	}
}

// Register adds an active entry for path in status NP
func (f *FileStatusStore) Register(ctx context.Context, configKey, path string) (*SourceFile, error) {
	if configKey == "" || path == "" {
		return nil, fmt.Errorf("%w: config key and path are required", util.ErrInvalidConfig)
	}

	now := time.Now().UTC()
	id, err := f.conn.Insert(ctx, "dw_configurations", "id",
		[]string{"config_key", "config_group", "config_value", "is_active", "file_status", "last_modified"},
		configKey, f.group, path, 1, string(StatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to register file %s: %w", util.ErrStorage, configKey, err)
	}

	return &SourceFile{
		ID:           id,
		ConfigKey:    configKey,
		Group:        f.group,
		Path:         path,
		Active:       true,
		Status:       StatusPending,
		LastModified: now,
	}, nil
}

// SetStatus moves one entry to status. Zero or several matching rows is a
// storage error and nothing is changed.
func (f *FileStatusStore) SetStatus(ctx context.Context, configKey string, status FileStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown file status %q", util.ErrInvalidTransition, status)
	}

	var n int
	err := f.conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM dw_configurations
		WHERE config_group = ? AND config_key = ?
	`, f.group, configKey).Scan(&n)
	if err != nil {
		return fmt.Errorf("%w: failed to look up file %s: %w", util.ErrStorage, configKey, classify(err))
	}
	if n != 1 {
		return fmt.Errorf("%w: expected exactly one entry for config key %s, found %d", util.ErrStorage, configKey, n)
	}

	res, err := f.conn.Exec(ctx, `
		UPDATE dw_configurations SET file_status = ?, last_modified = ?
		WHERE config_group = ? AND config_key = ?
	`, string(status), time.Now().UTC(), f.group, configKey)
	if err != nil {
		return fmt.Errorf("%w: failed to update file status: %w", util.ErrStorage, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected != 1 {
		return fmt.Errorf("%w: status update for %s touched %d rows", util.ErrStorage, configKey, affected)
	}

	return nil
}

// SetActive enables or disables an entry without touching its status
func (f *FileStatusStore) SetActive(ctx context.Context, configKey string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := f.conn.Exec(ctx, `
		UPDATE dw_configurations SET is_active = ?, last_modified = ?
		WHERE config_group = ? AND config_key = ?
	`, flag, time.Now().UTC(), f.group, configKey)
	if err != nil {
		return fmt.Errorf("%w: failed to update file %s: %w", util.ErrStorage, configKey, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: file %s", util.ErrNotFound, configKey)
	}
	return nil
}

// CountByStatus returns entry counts per status code
func (f *FileStatusStore) CountByStatus(ctx context.Context) (map[FileStatus]int, error) {
	rows, err := f.conn.Query(ctx, `
		SELECT file_status, COUNT(*) FROM dw_configurations
		WHERE config_group = ?
		GROUP BY file_status
	`, f.group)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count files: %w", util.ErrStorage, err)
	}
	defer rows.Close()

	counts := make(map[FileStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: failed to scan count: %w", util.ErrStorage, err)
		}
		counts[FileStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanSourceFiles(rows *sql.Rows) ([]*SourceFile, error) {
	var files []*SourceFile
	for rows.Next() {
		f := &SourceFile{}
		var active int
		var status string
		var modified sql.NullTime
		err := rows.Scan(&f.ID, &f.ConfigKey, &f.Group, &f.Path, &active, &status, &modified)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan file: %w", util.ErrStorage, err)
		}
		f.Active = active == 1
		f.Status = FileStatus(status)
		if modified.Valid {
			f.LastModified = modified.Time
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrStorage, classify(err))
	}
	return files, nil
}

// IsNotFound reports whether err means a missing entry
func IsNotFound(err error) bool {
	return errors.Is(err, util.ErrNotFound)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/franz/dw-loader/internal/util"
	"github.com/xo/dburl"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	_ "github.com/go-sql-driver/mysql"   // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"   // PostgreSQL driver
	_ "modernc.org/sqlite"               // SQLite driver
)

const (
	currentSchemaVersion = 2
)

// Role selects which group of tables a store owns
type Role int

const (
	RoleAll Role = iota
	RoleControl
	RoleStaging
	RoleWarehouse
)

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleStaging:
		return "staging"
	case RoleWarehouse:
		return "warehouse"
	default:
		return "all"
	}
}

// Store is one logical database: control, staging or warehouse
type Store struct {
	db      *sql.DB
	dialect Dialect
	role    Role
	dsn     string
}

// OpenOptions holds options for opening a database
type OpenOptions struct {
	Role Role
	// SkipMigrate leaves the schema untouched, for stores provisioned elsewhere
	SkipMigrate bool
}

// Open opens or creates the database named by dsn with default options
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenWithOptions(ctx, dsn, nil)
}

// OpenWithOptions opens the database named by dsn.
// A dsn without a URL scheme is taken as a SQLite file path.
func OpenWithOptions(ctx context.Context, dsn string, opts *OpenOptions) (*Store, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}

	driver, source, dialect, err := resolveDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s database: %v", util.ErrConnection, dialect, err)
	}

	if dialect == SQLite {
		db.SetMaxOpenConns(1) // SQLite works best with a single writer
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	err = util.Retry(ctx, util.DefaultRetryConfig(), func(int) error {
		return db.PingContext(ctx)
	}, fmt.Sprintf("ping(%s)", opts.Role))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s store unreachable: %v", util.ErrConnection, opts.Role, err)
	}

	s := &Store{db: db, dialect: dialect, role: opts.Role, dsn: dsn}

	if !opts.SkipMigrate {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	return s, nil
}

// resolveDSN maps a DSN URL onto a registered database/sql driver
func resolveDSN(dsn string) (driver, source string, dialect Dialect, err error) {
	if dsn == "" {
		return "", "", 0, fmt.Errorf("empty dsn")
	}
	if !strings.Contains(dsn, ":") || strings.HasPrefix(dsn, "file:") {
		path := strings.TrimPrefix(dsn, "file:")
		return "sqlite", sqliteSource(path), SQLite, nil
	}

	u, err := dburl.Parse(dsn)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse dsn: %w", err)
	}

	switch u.Driver {
	case "sqlite3", "sqlite", "file":
		return "sqlite", sqliteSource(u.DSN), SQLite, nil
	case "postgres", "pgx":
		return "pgx", u.DSN, Postgres, nil
	case "mysql":
		return "mysql", mysqlSource(u.DSN), MySQL, nil
	case "sqlserver", "mssql":
		return "sqlserver", u.DSN, SQLServer, nil
	default:
		return "", "", 0, fmt.Errorf("unsupported database driver %q", u.Driver)
	}
}

// sqliteSource adds the pragmas every SQLite store runs with
func sqliteSource(path string) string {
	if strings.Contains(path, "?") {
		return "file:" + path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// mysqlSource makes DATETIME columns scan into time.Time
func mysqlSource(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Role returns the table group the store owns
func (s *Store) Role() Role {
	return s.role
}

// Conn returns a non-transactional handle; each statement commits on its own
func (s *Store) Conn() *Conn {
	return &Conn{q: s.db, dialect: s.dialect}
}

// SQLiteVersion returns the SQLite version string
func SQLiteVersion() string {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return ""
	}
	defer db.Close()

	var version string
	err = db.QueryRow("SELECT sqlite_version()").Scan(&version)
	if err != nil {
		return ""
	}
	return version
}

// migrate applies database migrations.
// Only SQLite stores are migrated here; server databases are provisioned by their owners.
func (s *Store) migrate(ctx context.Context) error {
	if s.dialect != SQLite {
		util.DebugLog("Skipping schema migration for %s %s store", s.dialect, s.role)
		return nil
	}

	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.ExecContext(ctx, schemaVersionTable); err != nil {
			return fmt.Errorf("failed to create schema_version: %w", err)
		}
		for _, ddl := range schemaV1For(s.role) {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to apply schema v1: %w", err)
			}
		}
		if err := s.setSchemaVersion(ctx, tx, 1); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	// Schema v2 - lookup indexes
	if version < 2 {
		for _, ddl := range schemaV2For(s.role) {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to apply schema v2: %w", err)
			}
		}
		if err := s.setSchemaVersion(ctx, tx, 2); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied schema version, 0 for server databases
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s.dialect != SQLite {
		return 0, nil
	}
	return s.getSchemaVersion(ctx)
}

// getSchemaVersion returns the current schema version
func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err != nil {
		return 0, err
	}

	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion records a schema version in a transaction
func (s *Store) setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// Transaction executes a function within a transaction
func (s *Store) Transaction(ctx context.Context, fn func(*Conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&Conn{q: tx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// Package store is the report registry: one row per report with its
// lifecycle status, backed by SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"broadlistening/internal/core"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when no report has the requested slug.
var ErrNotFound = errors.New("report not registered")

// Options configure the database connection.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store represents the report registry
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore creates a SQLite registry at dataDir/reports.db.
func NewStore(dataDir string) (*Store, error) {
	return Open(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(dataDir, "reports.db"),
	})
}

// Open connects to the registry database and creates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	switch opts.Driver {
	case DriverSQLite:
		if opts.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(opts.DSN), 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: opts.Driver}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// initialize creates the necessary tables
func (s *Store) initialize(ctx context.Context) error {
	reportsTable := `
	CREATE TABLE IF NOT EXISTS reports (
		slug TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step TEXT NOT NULL DEFAULT '',
		error_step TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	if _, err := s.db.ExecContext(ctx, reportsTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateReport registers a report, resetting its status if it already exists.
// The original creation time is kept on re-registration.
func (s *Store) CreateReport(ctx context.Context, r core.Report) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = core.ReportProcessing
	}

	query := `
	INSERT INTO reports
	(slug, title, description, status, current_step, error_step, is_public, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (slug) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		current_step = excluded.current_step,
		error_step = excluded.error_step,
		is_public = excluded.is_public,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		r.Slug,
		r.Title,
		r.Description,
		string(r.Status),
		r.CurrentStep,
		r.ErrorStep,
		r.IsPublic,
		r.CreatedAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", r.Slug, err)
	}
	return nil
}

const reportColumns = `slug, title, description, status, current_step, error_step, is_public, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*core.Report, error) {
	var r core.Report
	var status string
	err := row.Scan(
		&r.Slug,
		&r.Title,
		&r.Description,
		&status,
		&r.CurrentStep,
		&r.ErrorStep,
		&r.IsPublic,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = core.ReportStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// Get retrieves one report.
func (s *Store) Get(ctx context.Context, slug string) (*core.Report, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+reportColumns+` FROM reports WHERE slug = ?`), slug)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}
	return r, nil
}

// List returns every report, newest first.
func (s *Store) List(ctx context.Context) ([]core.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC, slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []core.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// SetStatus records the terminal outcome of a run.
func (s *Store) SetStatus(ctx context.Context, slug string, status core.ReportStatus, errorStep string) error {
	return s.exec(ctx, slug,
		`UPDATE reports SET status = ?, error_step = ?, updated_at = ? WHERE slug = ?`,
		string(status), errorStep, time.Now().UTC(), slug)
}

// UpdateStep mirrors a pipeline status transition.
func (s *Store) UpdateStep(ctx context.Context, slug string, st core.Status) error {
	status := core.ReportProcessing
	switch st.State {
	case core.RunCompleted:
		status = core.ReportReady
	case core.RunError:
		status = core.ReportError
	}
	return s.exec(ctx, slug,
		`UPDATE reports SET status = ?, current_step = ?, error_step = ?, updated_at = ? WHERE slug = ?`,
		string(status), st.CurrentStep(), st.ErrorStep(), time.Now().UTC(), slug)
}

// Delete removes a report from the registry. Its workspace is left alone.
func (s *Store) Delete(ctx context.Context, slug string) error {
	return s.exec(ctx, slug, `DELETE FROM reports WHERE slug = ?`, slug)
}

func (s *Store) exec(ctx context.Context, slug, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", slug, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", slug, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return nil
}

// Stats counts reports by status.
func (s *Store) Stats(ctx context.Context) (map[core.ReportStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get counts: %w", err)
	}
	defer rows.Close()

	out := make(map[core.ReportStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to get counts: %w", err)
		}
		out[core.ReportStatus(status)] = n
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Package journal records mutating operations in a local SQLite database so
// a failure, and in particular an inconsistent state, can be looked up after
// the terminal output is gone.
//
// The journal is advisory. A failure to record never changes the outcome of
// the operation being recorded.
package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	yarderrors "thoreinstein.com/yard/pkg/errors"
)

// Outcome is how a recorded operation ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeFailed       Outcome = "failed"
	OutcomeInconsistent Outcome = "inconsistent"
)

// OutcomeOf classifies an operation's returned error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case yarderrors.IsInconsistentState(err):
		return OutcomeInconsistent
	default:
		return OutcomeFailed
	}
}

// Entry is one recorded operation.
type Entry struct {
	ID        int64         `json:"id" yaml:"id"`
	OpID      string        `json:"op_id" yaml:"op_id"`
	Operation string        `json:"operation" yaml:"operation"`
	Project   string        `json:"project,omitempty" yaml:"project,omitempty"`
	Workspace string        `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Outcome   Outcome       `json:"outcome" yaml:"outcome"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Started   time.Time     `json:"started" yaml:"started"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// QueryOptions filters Query results.
type QueryOptions struct {
	Since     *time.Time
	Project   string
	Operation string
	// FailedOnly keeps failed and inconsistent operations.
	FailedOnly bool
	Limit      int
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id       TEXT    NOT NULL,
	operation   TEXT    NOT NULL,
	project     TEXT    NOT NULL DEFAULT '',
	workspace   TEXT    NOT NULL DEFAULT '',
	outcome     TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_started_at ON operations (started_at);
CREATE INDEX IF NOT EXISTS operations_project ON operations (project);
`

// Journal is an open operation journal. A nil *Journal is valid: Track then
// only runs the operation.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger used when recording fails.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	if !filepath.IsAbs(path) {
		return nil, yarderrors.NewConfigError("journal.path", "journal path must be absolute: "+path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create journal directory for %s", path)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize journal %s", path)
	}

	j := &Journal{db: db, path: path, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Path returns the database path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores e. A zero Started is set to now and an empty OpID gets a
// fresh id.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	if e.OpID == "" {
		e.OpID = uuid.NewString()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (op_id, operation, project, workspace, outcome, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OpID, e.Operation, e.Project, e.Workspace, string(e.Outcome), e.Error,
		e.Started.UnixNano(), e.Duration.Milliseconds())
	if err != nil {
		return errors.Wrap(err, "failed to record operation")
	}
	return nil
}

// Track runs fn and records its outcome under operation. fn's error is
// returned unchanged.
func (j *Journal) Track(ctx context.Context, operation, project, workspace string, fn func() error) error {
	if j == nil {
		return fn()
	}

	start := time.Now()
	err := fn()

	e := Entry{
		Operation: operation,
		Project:   project,
		Workspace: workspace,
		Outcome:   OutcomeOf(err),
		Started:   start,
		Duration:  time.Since(start),
	}
	if err != nil {
		e.Error = err.Error()
	}
	// Record even when ctx was cancelled mid-operation.
	if recErr := j.Record(context.WithoutCancel(ctx), e); recErr != nil {
		j.logger.Warn("failed to journal operation", "operation", operation, "error", recErr)
	}
	return err
}

// Query returns matching entries, newest first.
func (j *Journal) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Project != "" {
		where = append(where, "project = ?")
		args = append(args, opts.Project)
	}
	if opts.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, opts.Operation)
	}
	if opts.FailedOnly {
		where = append(where, "outcome != ?")
		args = append(args, string(OutcomeOK))
	}

	query := `SELECT id, op_id, operation, project, workspace, outcome, error, started_at, duration_ms FROM operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query journal")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			outcome  string
			started  int64
			duration int64
		)
		if err := rows.Scan(&e.ID, &e.OpID, &e.Operation, &e.Project, &e.Workspace, &outcome, &e.Error, &started, &duration); err != nil {
			return nil, errors.Wrap(err, "failed to scan journal row")
		}
		e.Outcome = Outcome(outcome)
		e.Started = time.Unix(0, started).UTC()
		e.Duration = time.Duration(duration) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read journal")
	}
	return entries, nil
}

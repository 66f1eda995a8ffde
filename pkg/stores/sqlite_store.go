package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

var errNotInitialized = errors.New("store is not initialized")

// SQLiteStore keeps the journal, events and resource rows in one SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config locates the database and sizes its connection pool. Zero pool
// settings take defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == memoryPath {
		// Each connection to :memory: would see its own empty database.
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
		return c
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 8
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// dsn enables foreign keys, a busy timeout and immediate write transactions,
// plus WAL for file databases.
func (c Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if c.Path != memoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + c.Path + "?" + q.Encode()
}

// NewSQLiteStore validates cfg. Init and Migrate must run before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

// Open returns a store that is connected and migrated.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init connects and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate brings the schema up to the newest embedded migration. Running it
// on an up to date schema is a no-op.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	target, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// HealthCheck pings the database; the API reports unhealthy while it fails.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

const selectInvocation = `SELECT id, controller_id, operation_id, trigger, state, message, started_at, finished_at FROM invocations`

// RecordInvocationStarted inserts a journal row, in the started state unless
// inv says otherwise.
func (s *SQLiteStore) RecordInvocationStarted(ctx context.Context, inv *Invocation) error {
	if inv.ID == "" {
		return errors.New("invocation id is required")
	}
	state := inv.State
	if state == "" {
		state = "started"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, controller_id, operation_id, trigger, state, message, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ControllerID, inv.OperationID, inv.Trigger, state, inv.Message, inv.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert invocation %s: %w", inv.ID, err)
	}
	return nil
}

// RecordInvocationFinished sets the terminal state of a journal row.
func (s *SQLiteStore) RecordInvocationFinished(ctx context.Context, id, state, message string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET state = ?, message = ?, finished_at = ? WHERE id = ?`,
		state, message, finishedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update invocation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("invocation not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	inv, err := scanInvocation(s.db.QueryRowContext(ctx, selectInvocation+` WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("invocation not found: %s", id)
	case err != nil:
		return nil, fmt.Errorf("select invocation %s: %w", id, err)
	}
	return inv, nil
}

// ListInvocations returns the newest invocations of one operation first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, controllerID, operationID string, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		selectInvocation+` WHERE controller_id = ? AND operation_id = ? ORDER BY started_at DESC LIMIT ?`,
		controllerID, operationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select invocations: %w", err)
	}
	defer rows.Close()

	out := []*Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var (
		inv        Invocation
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(
		&inv.ID,
		&inv.ControllerID,
		&inv.OperationID,
		&inv.Trigger,
		&inv.State,
		&inv.Message,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.StartedAt = fromNanos(startedAt)
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		inv.FinishedAt = &t
	}
	return &inv, nil
}

// AppendEvent stores an event and sets its row ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	data := event.Data
	if data == "" {
		data = "{}"
	}
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("event data is not valid JSON")
	}

	query := `
		INSERT INTO events (event_id, type, source, controller_id, operation_id, invocation_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.Type,
		event.Source,
		event.ControllerID,
		event.OperationID,
		event.InvocationID,
		event.Level,
		event.Message,
		data,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	event.Data = data
	return nil
}

// ListEvents returns matching events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, event_id, type, source, controller_id, operation_id, invocation_id, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR controller_id = ?)
		  AND (? = '' OR type = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.ControllerID, filter.ControllerID,
		filter.Type, filter.Type,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event Event
			ts    int64
		)
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Source,
			&event.ControllerID,
			&event.OperationID,
			&event.InvocationID,
			&event.Level,
			&event.Message,
			&event.Data,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp = fromNanos(ts)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// GetResource reads a resource row. The second value is false when the key
// does not exist.
func (s *SQLiteStore) GetResource(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM resource_states WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get resource %s: %w", key, err)
	}
	return value, true, nil
}

// PutResource inserts or replaces a resource row.
func (s *SQLiteStore) PutResource(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO resource_states (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to put resource %s: %w", key, err)
	}
	return nil
}

// ListResources returns all resource rows ordered by key.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]*ResourceState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM resource_states ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		var (
			state   ResourceState
			updated int64
		)
		if err := rows.Scan(&state.Key, &state.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		state.UpdatedAt = fromNanos(updated)
		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return states, nil
}

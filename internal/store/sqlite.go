package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/contestd/pkg/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	memory := dbPath == ":memory:"

	dsn := dbPath
	if !memory {
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if memory {
		// Every pooled connection to ":memory:" is a separate database, so pin
		// the pool to a single connection. This also serializes transactions.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma fk: %w", err)
		}
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Teams ---

const teamColumns = `id, name, secret_hash, active, last_seen, created_at`

func (s *SQLiteStore) CreateTeam(ctx context.Context, team *model.Team) error {
	s.logger.Debug("sql", "op", "insert", "table", "teams", "name", team.Name)

	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (name, secret_hash, active, created_at) VALUES (?, ?, ?, ?)`,
		team.Name, team.SecretHash, boolInt(team.Active), team.CreatedAt.Format(time.RFC3339Nano),
	)
	if isConstraint(err) {
		return fmt.Errorf("team %s: %w", team.Name, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	team.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetTeamByName(ctx context.Context, name string) (*model.Team, error) {
	s.logger.Debug("sql", "op", "select", "table", "teams", "name", name)

	team, err := scanTeam(s.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return team, err
}

func (s *SQLiteStore) ListTeams(ctx context.Context) ([]*model.Team, error) {
	s.logger.Debug("sql", "op", "list", "table", "teams")

	rows, err := s.db.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

func (s *SQLiteStore) SetTeamActive(ctx context.Context, name string, active bool) error {
	s.logger.Debug("sql", "op", "update", "table", "teams", "name", name, "active", active)

	res, err := s.db.ExecContext(ctx, `UPDATE teams SET active = ? WHERE name = ?`, boolInt(active), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("team %s not found", name)
	}
	return nil
}

func (s *SQLiteStore) TouchTeam(ctx context.Context, name string, at time.Time) error {
	s.logger.Debug("sql", "op", "touch", "table", "teams", "name", name)

	_, err := s.db.ExecContext(ctx, `UPDATE teams SET last_seen = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339Nano), name)
	return err
}

func scanTeam(row scanner) (*model.Team, error) {
	var team model.Team
	var active int
	var lastSeen *string
	var createdAt string
	if err := row.Scan(&team.ID, &team.Name, &team.SecretHash, &active, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	team.Active = active != 0
	team.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSeen != nil {
		t, _ := time.Parse(time.RFC3339Nano, *lastSeen)
		team.LastSeen = &t
	}
	return &team, nil
}

// --- Tasks ---

const taskColumns = `id, seq, name, content, issued, issued_at, max_attempts, created_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "seq", task.Seq)
	return insertTask(ctx, s.db, task)
}

// CreateTasks inserts tasks in a single transaction. Either every task is
// stored or none is.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*model.Task) error {
	s.logger.Debug("sql", "op", "insert_batch", "table", "tasks", "count", len(tasks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, task *model.Task) error {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = model.DefaultMaxAttempts
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	var id any
	if task.ID != 0 {
		id = task.ID
	}
	var issuedAt any
	if task.IssuedAt != nil {
		issuedAt = task.IssuedAt.UnixMilli()
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO tasks (id, seq, name, content, issued, issued_at, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, task.Seq, task.Name, string(task.Content), boolInt(task.Issued), issuedAt,
		task.MaxAttempts, task.CreatedAt.UnixMilli(),
	)
	if isConstraint(err) {
		return fmt.Errorf("task seq %d: %w", task.Seq, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks")

	where, args := taskWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) CountTasks(ctx context.Context, filter model.TaskFilter) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "tasks")

	where, args := taskWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n)
	return n, err
}

// AcquireNextTask flips the issued flag of the lowest-seq eligible task with a
// conditional update (issued = 0) and records the issuance, all in one
// transaction. If any step fails the transaction rolls back and the task stays
// unissued.
func (s *SQLiteStore) AcquireNextTask(ctx context.Context, now time.Time) (*model.Task, error) {
	s.logger.Debug("sql", "op", "acquire_task")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	task, err := scanTask(tx.QueryRowContext(ctx,
		`UPDATE tasks SET issued = 1, issued_at = ?
		 WHERE id = (SELECT id FROM tasks WHERE issued = 0 AND created_at <= ? ORDER BY seq LIMIT 1)
		   AND issued = 0
		 RETURNING `+taskColumns,
		nowMs, nowMs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark task issued: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO issuances (task_id, issued_at) VALUES (?, ?)`, task.ID, nowMs); err != nil {
		return nil, fmt.Errorf("record issuance of task %d: %w", task.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func taskWhere(filter model.TaskFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Issued != nil {
		clauses = append(clauses, "issued = ?")
		args = append(args, boolInt(*filter.Issued))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var content string
	var issued int
	var issuedAt *int64
	var createdAt int64
	if err := row.Scan(&task.ID, &task.Seq, &task.Name, &content, &issued, &issuedAt,
		&task.MaxAttempts, &createdAt); err != nil {
		return nil, err
	}
	task.Content = []byte(content)
	task.Issued = issued != 0
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	if issuedAt != nil {
		t := time.UnixMilli(*issuedAt).UTC()
		task.IssuedAt = &t
	}
	return &task, nil
}

// --- Submissions ---

const submissionColumns = `id, team_id, task_id, attempt, content, metadata, status, received_at`

// CreateSubmission assigns the next attempt number for (team, task) and
// inserts the submission in one transaction. It returns ErrAttemptsExceeded
// when maxAttempts are already used, and ErrDuplicate when a concurrent
// submission claimed the same attempt number.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission, maxAttempts int) error {
	s.logger.Debug("sql", "op", "insert", "table", "submissions", "team_id", sub.TeamID, "task_id", sub.TaskID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var used int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE team_id = ? AND task_id = ?`,
		sub.TeamID, sub.TaskID).Scan(&used); err != nil {
		return err
	}
	if used >= maxAttempts {
		return ErrAttemptsExceeded
	}

	sub.Attempt = used + 1
	if sub.Status == "" {
		sub.Status = model.SubmissionStatusReceived
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now().UTC()
	}
	var metadata any
	if len(sub.Metadata) > 0 {
		metadata = string(sub.Metadata)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (team_id, task_id, attempt, content, metadata, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.TeamID, sub.TaskID, sub.Attempt, string(sub.Content), metadata,
		string(sub.Status), sub.ReceivedAt.Format(time.RFC3339Nano),
	)
	if isConstraint(err) {
		return fmt.Errorf("submission attempt %d: %w", sub.Attempt, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CountSubmissions(ctx context.Context, teamID, taskID int64) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "submissions", "team_id", teamID, "task_id", taskID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE team_id = ? AND task_id = ?`, teamID, taskID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.Submission, error) {
	s.logger.Debug("sql", "op", "list", "table", "submissions")

	var clauses []string
	var args []any
	if filter.TeamID != 0 {
		clauses = append(clauses, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.TaskID != 0 {
		clauses = append(clauses, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		var sub model.Submission
		var content, status, receivedAt string
		var metadata *string
		if err := rows.Scan(&sub.ID, &sub.TeamID, &sub.TaskID, &sub.Attempt,
			&content, &metadata, &status, &receivedAt); err != nil {
			return nil, err
		}
		sub.Content = []byte(content)
		if metadata != nil {
			sub.Metadata = []byte(*metadata)
		}
		sub.Status = model.SubmissionStatus(status)
		sub.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

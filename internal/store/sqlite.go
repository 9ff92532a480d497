package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"planflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT,
  link TEXT,
  created_at DATETIME NOT NULL,
  recurrence TEXT,
  priority TEXT NOT NULL CHECK(priority IN ('low','medium','high')) DEFAULT 'medium',
  preferred_slots TEXT NOT NULL DEFAULT '[]',
  max_retries INTEGER NOT NULL DEFAULT 0,
  retry_interval TEXT,
  announce_retry INTEGER NOT NULL DEFAULT 0,
  pinned_time DATETIME
);
CREATE TABLE IF NOT EXISTS occurrences (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  scheduled_for DATETIME NOT NULL,
  slot_name TEXT,
  pinned_time DATETIME
);
CREATE INDEX IF NOT EXISTS idx_occurrences_due ON occurrences(scheduled_for);
CREATE TABLE IF NOT EXISTS executions (
  occurrence_id TEXT PRIMARY KEY,
  state TEXT NOT NULL CHECK(state IN ('pending','done','missed','cancelled')),
  retries_remaining INTEGER NOT NULL DEFAULT 0,
  history TEXT NOT NULL DEFAULT '[]'
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) AddTask(ctx context.Context, t domain.TaskDefinition) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	slots, err := json.Marshal(t.PreferredSlots)
	if err != nil {
		return "", err
	}
	var recurrence, retryInterval sql.NullString
	if t.Recurrence > 0 {
		recurrence = sql.NullString{String: domain.FormatInterval(t.Recurrence), Valid: true}
	}
	if t.Retry.Interval > 0 {
		retryInterval = sql.NullString{String: domain.FormatInterval(t.Retry.Interval), Valid: true}
	}
	var pinned sql.NullTime
	if t.PinnedTime != nil {
		pinned = sql.NullTime{Time: *t.PinnedTime, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (id,title,description,link,created_at,recurrence,priority,preferred_slots,max_retries,retry_interval,announce_retry,pinned_time)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  title=excluded.title, description=excluded.description, link=excluded.link,
  created_at=excluded.created_at, recurrence=excluded.recurrence,
  priority=excluded.priority, preferred_slots=excluded.preferred_slots,
  max_retries=excluded.max_retries, retry_interval=excluded.retry_interval,
  announce_retry=excluded.announce_retry, pinned_time=excluded.pinned_time
`, id, t.Title, t.Description, t.Link, t.CreatedAt, recurrence, string(t.Priority), string(slots), t.Retry.MaxRetries, retryInterval, t.Retry.Announce, pinned)
	return id, err
}

func scanTask(row interface{ Scan(...any) error }) (domain.TaskDefinition, error) {
	var t domain.TaskDefinition
	var desc, link, recurrence, retryInterval sql.NullString
	var priority, slots string
	var announce bool
	var pinned sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &desc, &link, &t.CreatedAt, &recurrence, &priority, &slots, &t.Retry.MaxRetries, &retryInterval, &announce, &pinned)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	if desc.Valid {
		s := desc.String
		t.Description = &s
	}
	if link.Valid {
		s := link.String
		t.Link = &s
	}
	if recurrence.Valid {
		d, err := domain.ParseInterval(recurrence.String)
		if err != nil {
			return domain.TaskDefinition{}, err
		}
		t.Recurrence = d
	}
	t.Priority = domain.Priority(priority)
	if err := json.Unmarshal([]byte(slots), &t.PreferredSlots); err != nil {
		return domain.TaskDefinition{}, err
	}
	if retryInterval.Valid {
		d, err := domain.ParseInterval(retryInterval.String)
		if err != nil {
			return domain.TaskDefinition{}, err
		}
		t.Retry.Interval = d
	}
	t.Retry.Announce = announce
	if pinned.Valid {
		at := pinned.Time
		t.PinnedTime = &at
	}
	return t, nil
}

const taskColumns = `id,title,description,link,created_at,recurrence,priority,preferred_slots,max_retries,retry_interval,announce_retry,pinned_time`

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.TaskDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.TaskDefinition{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context) ([]domain.TaskDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.TaskDefinition
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) RemoveTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) AddOccurrence(ctx context.Context, occ domain.TaskOccurrence) error {
	var slot sql.NullString
	if occ.SlotName != nil {
		slot = sql.NullString{String: *occ.SlotName, Valid: true}
	}
	var pinned sql.NullTime
	if occ.PinnedTime != nil {
		pinned = sql.NullTime{Time: *occ.PinnedTime, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO occurrences (id,task_id,scheduled_for,slot_name,pinned_time)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  task_id=excluded.task_id, scheduled_for=excluded.scheduled_for,
  slot_name=excluded.slot_name, pinned_time=excluded.pinned_time
`, occ.ID, occ.TaskID, occ.ScheduledFor, slot, pinned)
	return err
}

func scanOccurrence(row interface{ Scan(...any) error }) (domain.TaskOccurrence, error) {
	var occ domain.TaskOccurrence
	var slot sql.NullString
	var pinned sql.NullTime
	if err := row.Scan(&occ.ID, &occ.TaskID, &occ.ScheduledFor, &slot, &pinned); err != nil {
		return domain.TaskOccurrence{}, err
	}
	if slot.Valid {
		s := slot.String
		occ.SlotName = &s
	}
	if pinned.Valid {
		at := pinned.Time
		occ.PinnedTime = &at
	}
	return occ, nil
}

func (r *sqliteRepo) GetOccurrence(ctx context.Context, id string) (domain.TaskOccurrence, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,task_id,scheduled_for,slot_name,pinned_time FROM occurrences WHERE id=?`, id)
	occ, err := scanOccurrence(row)
	if err == sql.ErrNoRows {
		return domain.TaskOccurrence{}, ErrNotFound
	}
	return occ, err
}

func (r *sqliteRepo) listOccurrences(ctx context.Context, query string, args ...any) ([]domain.TaskOccurrence, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var occs []domain.TaskOccurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occs = append(occs, occ)
	}
	return occs, rows.Err()
}

func (r *sqliteRepo) ListOccurrences(ctx context.Context) ([]domain.TaskOccurrence, error) {
	return r.listOccurrences(ctx, `SELECT id,task_id,scheduled_for,slot_name,pinned_time FROM occurrences ORDER BY scheduled_for`)
}

func (r *sqliteRepo) ListDue(ctx context.Context, now time.Time) ([]domain.TaskOccurrence, error) {
	return r.listOccurrences(ctx, `SELECT id,task_id,scheduled_for,slot_name,pinned_time FROM occurrences WHERE scheduled_for <= ? ORDER BY scheduled_for`, now)
}

func (r *sqliteRepo) AddExecution(ctx context.Context, exec domain.TaskExecution) error {
	history, err := json.Marshal(exec.History)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO executions (occurrence_id,state,retries_remaining,history)
VALUES (?,?,?,?)
ON CONFLICT(occurrence_id) DO UPDATE SET
  state=excluded.state, retries_remaining=excluded.retries_remaining, history=excluded.history
`, exec.OccurrenceID, string(exec.State), exec.RetriesRemaining, string(history))
	return err
}

func (r *sqliteRepo) ListExecutions(ctx context.Context) ([]domain.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT occurrence_id,state,retries_remaining,history FROM executions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.TaskExecution
	for rows.Next() {
		var exec domain.TaskExecution
		var state, history string
		if err := rows.Scan(&exec.OccurrenceID, &state, &exec.RetriesRemaining, &history); err != nil {
			return nil, err
		}
		exec.State = domain.ExecState(state)
		if err := json.Unmarshal([]byte(history), &exec.History); err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

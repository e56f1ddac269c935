package task

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrActiveTask is returned by Create when the conversation already has
// a non-terminal task.
var ErrActiveTask = fmt.Errorf("conversation already has an active task")

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the task database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and applies migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		partial_content TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		result_html TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id, created_at);

	-- Backstop for the check-then-create race on task creation. The
	-- application checks for an active task first; this index makes
	-- the loser of a race fail instead of creating a duplicate.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active
		ON tasks(conversation_id)
		WHERE status NOT IN ('completed', 'error');
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create starts a pending task for a conversation. At most one
// non-terminal task may exist per conversation at a time.
func (s *Store) Create(conversationID string) (*Task, error) {
	active, err := s.ActiveForConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrActiveTask
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, conversation_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), conversationID, StatusPending, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrActiveTask
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	return &Task{
		ID:             id.String(),
		ConversationID: conversationID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Get retrieves a task by id.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, status, partial_content, result, result_html, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ActiveForConversation returns the conversation's non-terminal task,
// or nil when every task has finished.
func (s *Store) ActiveForConversation(conversationID string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, status, partial_content, result, result_html, error, created_at, updated_at
		FROM tasks
		WHERE conversation_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, StatusCompleted, StatusError)

	t, err := scanTask(row)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Latest returns the conversation's most recent task regardless of
// status, or nil when the conversation has none.
func (s *Store) Latest(conversationID string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, status, partial_content, result, result_html, error, created_at, updated_at
		FROM tasks WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, conversationID)

	t, err := scanTask(row)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// SetStatus moves a task to a non-terminal status. Terminal statuses
// go through Complete or Fail, which manage their extra fields.
func (s *Store) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	if status.Terminal() {
		return fmt.Errorf("terminal status %q requires Complete or Fail", status)
	}
	return s.update(id, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

// SetPartialContent stores an in-progress content snapshot.
func (s *Store) SetPartialContent(id, content string) error {
	return s.update(id, `UPDATE tasks SET partial_content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC(), id)
}

// Complete finishes a task successfully, storing the final text and
// its rendered form and clearing the partial snapshot.
func (s *Store) Complete(id, result, resultHTML string) error {
	return s.update(id, `
		UPDATE tasks SET status = ?, result = ?, result_html = ?, partial_content = '', updated_at = ?
		WHERE id = ?
	`, StatusCompleted, result, resultHTML, time.Now().UTC(), id)
}

// Fail finishes a task with an error. The message must explain the
// failure; a terminal state without an explanation is never shown.
func (s *Store) Fail(id, message string) error {
	if message == "" {
		return fmt.Errorf("error status requires a message")
	}
	return s.update(id, `UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusError, message, time.Now().UTC(), id)
}

func (s *Store) update(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ConversationID, &t.Status, &t.PartialContent,
		&t.Result, &t.ResultHTML, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

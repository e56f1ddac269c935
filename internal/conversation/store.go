// Package conversation persists chat history. A conversation is an
// append-only sequence of user, assistant and tool messages; history is
// never rewritten, only extended, except for the one placeholder
// assistant message each run materializes in place.
package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/trial-scout/internal/llm"
)

// Conversation is one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Message is one stored turn. ToolCalls is populated on assistant
// messages that requested tools; ToolCallID on tool-result messages.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// titleLimit caps auto-generated conversation titles, in runes.
const titleLimit = 50

// Store is a SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the conversation database at path.
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
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create starts a new, empty conversation.
func (s *Store) Create() (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
	`, id.String(), now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &Conversation{ID: id.String(), CreatedAt: now, UpdatedAt: now}, nil
}

// Get retrieves a conversation and its full message history.
func (s *Store) Get(id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	conv.Messages, err = s.messages(id)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// List returns all conversations, most recently updated first, without
// their messages.
func (s *Store) List() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddUserMessage appends a user message. The first user message also
// titles the conversation.
func (s *Store) AddUserMessage(conversationID, content string) (string, error) {
	msgID, err := s.insertMessage(conversationID, "user", content, nil, "")
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		UPDATE conversations SET title = ? WHERE id = ? AND title = ''
	`, makeTitle(content), conversationID)
	if err != nil {
		return "", fmt.Errorf("set title: %w", err)
	}
	return msgID, nil
}

// AddAssistantMessage appends an assistant message, typically an empty
// placeholder that UpdateAssistantMessage later fills in.
func (s *Store) AddAssistantMessage(conversationID, content string) (string, error) {
	return s.insertMessage(conversationID, "assistant", content, nil, "")
}

// UpdateAssistantMessage replaces an assistant message's content and
// tool calls with the materialized streaming result.
func (s *Store) UpdateAssistantMessage(messageID, content string, toolCalls []llm.ToolCall) error {
	encoded, err := encodeToolCalls(toolCalls)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE messages SET content = ?, tool_calls = ? WHERE id = ?
	`, content, encoded, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found", messageID)
	}
	return nil
}

// AddToolMessage appends a tool-result message answering toolCallID.
func (s *Store) AddToolMessage(conversationID, toolCallID, content string) (string, error) {
	return s.insertMessage(conversationID, "tool", content, nil, toolCallID)
}

// History returns the conversation's messages in model-facing form, in
// append order.
func (s *Store) History(conversationID string) ([]llm.Message, error) {
	stored, err := s.messages(conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return history, nil
}

func (s *Store) insertMessage(conversationID, role, content string, toolCalls []llm.ToolCall, toolCallID string) (string, error) {
	msgID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	encoded, err := encodeToolCalls(toolCalls)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)
	`, msgID.String(), conversationID, role, content, encoded, nullable(toolCallID), now, conversationID)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("conversation %s not found", conversationID)
	}

	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return msgID.String(), nil
}

// messages returns stored messages in append order. rowid ordering is
// used because same-millisecond inserts are common within a run.
func (s *Store) messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func encodeToolCalls(toolCalls []llm.ToolCall) (any, error) {
	if len(toolCalls) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(toolCalls)
	if err != nil {
		return nil, fmt.Errorf("encode tool calls: %w", err)
	}
	return string(encoded), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// makeTitle derives a conversation title from the first user message,
// truncated at a rune boundary.
func makeTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}

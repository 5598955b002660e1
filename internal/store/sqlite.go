// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists conversations and message history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas apply to every statement, an in-memory
	// database is shared, and writers never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			external_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			stage        TEXT NOT NULL,
			slots_json   TEXT NOT NULL DEFAULT '{}',
			language     TEXT NOT NULL DEFAULT '',
			provider     TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			completed_at TEXT,

			CHECK (status IN ('active', 'completed')),
			CHECK (stage IN ('product', 'quantity', 'supplier_type', 'optional', 'complete'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active
			ON conversations(external_id) WHERE status = 'active';

		CREATE INDEX IF NOT EXISTS idx_conversations_external
			ON conversations(external_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL,
			attachment_url  TEXT,
			products_json   TEXT,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (sender IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateConversation inserts a new conversation record.
// Re-creating a record with an existing ID is a no-op.
// Returns ErrActiveConversationExists if the external id already owns an
// active conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	slotsJSON, err := json.Marshal(conv.Slots)
	if err != nil {
		return fmt.Errorf("encoding slots: %w", err)
	}

	query := `
		INSERT INTO conversations (
			id, external_id, status, stage, slots_json,
			language, provider, model, created_at, updated_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ExternalID,
		string(conv.Status),
		string(conv.Stage),
		string(slotsJSON),
		conv.Language,
		conv.Provider,
		conv.Model,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
		formatTimePtr(conv.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrActiveConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "external_id", conv.ExternalID)
	return nil
}

const conversationColumns = `
	id, external_id, status, stage, slots_json,
	language, provider, model, created_at, updated_at, completed_at
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var status, stage, slotsJSON, createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&conv.ID,
		&conv.ExternalID,
		&status,
		&stage,
		&slotsJSON,
		&conv.Language,
		&conv.Provider,
		&conv.Model,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.Status = Status(status)
	conv.Stage = Stage(stage)
	if err := json.Unmarshal([]byte(slotsJSON), &conv.Slots); err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		conv.CompletedAt = &t
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetActiveConversation retrieves the active conversation owned by externalID.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetActiveConversation(ctx context.Context, externalID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE external_id = ? AND status = 'active'
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the records owned by externalID, newest first.
// A limit of zero or less returns every record.
func (s *SQLiteStore) ListConversations(ctx context.Context, externalID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE external_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, externalID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, ex execer, msg *Message) error {
	var productsJSON any
	if len(msg.Products) > 0 {
		data, err := json.Marshal(msg.Products)
		if err != nil {
			return fmt.Errorf("encoding products: %w", err)
		}
		productsJSON = string(data)
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender, type, content, attachment_url, products_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := ex.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		string(msg.Sender),
		string(msgType),
		msg.Content,
		nullString(msg.AttachmentURL),
		productsJSON,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// AppendMessage adds a message to a conversation's history.
// Appending a message whose ID already exists is a no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return err
	}
	if err := insertMessage(ctx, s.db, msg); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessages returns the most recent messages of a conversation in the order
// they were appended. A limit of zero or less returns the full history.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, conversation_id, sender, type, content, attachment_url, products_json, created_at
		FROM (
			SELECT *, rowid AS seq FROM messages
			WHERE conversation_id = ?
			ORDER BY rowid DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sender, msgType, createdAt string
		var attachmentURL, productsJSON sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&sender,
			&msgType,
			&msg.Content,
			&attachmentURL,
			&productsJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Sender = Sender(sender)
		msg.Type = MessageType(msgType)
		msg.AttachmentURL = attachmentURL.String
		if productsJSON.Valid {
			if err := json.Unmarshal([]byte(productsJSON.String), &msg.Products); err != nil {
				return nil, fmt.Errorf("decoding products: %w", err)
			}
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// CommitTurn appends the turn's messages and updates the conversation's slots
// and stage in one transaction. Returns ErrNotFound if the conversation does
// not exist or is no longer active.
func (s *SQLiteStore) CommitTurn(ctx context.Context, turn *Turn) (err error) {
	slotsJSON, err := json.Marshal(turn.Slots)
	if err != nil {
		return fmt.Errorf("encoding slots: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	status := StatusActive
	var completedAt any
	if turn.Complete {
		status = StatusCompleted
		completedAt = formatTime(turn.At)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET slots_json = ?, stage = ?, status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`,
		string(slotsJSON),
		string(turn.Stage),
		string(status),
		completedAt,
		formatTime(turn.At),
		turn.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s is not active: %w", turn.ConversationID, ErrNotFound)
	}

	for _, msg := range turn.Messages {
		if err = insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("committed turn",
		"conversation_id", turn.ConversationID,
		"stage", turn.Stage,
		"messages", len(turn.Messages),
		"complete", turn.Complete,
	)
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

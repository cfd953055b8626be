package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentcove/keel/conversation"
)

// SQLiteStore implements conversation.Store using SQLite. Message order,
// tool-call correlation IDs, and cached token counts round-trip exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_result_id TEXT,
			tool_calls TEXT,
			metadata TEXT,
			token_count INTEGER,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// toolCallRow is the serialized form of a tool call record.
type toolCallRow struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Result        string                 `json:"result,omitempty"`
	ResultSummary string                 `json:"result_summary,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Approved      bool                   `json:"approved"`
	Resolved      bool                   `json:"resolved"`
}

// Save persists a full session snapshot, replacing any previous snapshot
// for the same session ID.
func (s *SQLiteStore) Save(ctx context.Context, sess *conversation.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (session_id, total_tokens, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.TotalTokensCached, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for i, m := range sess.Messages {
		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			rows := make([]toolCallRow, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				rows[j] = toolCallRow{
					ID:            tc.ID,
					Name:          tc.Name,
					Parameters:    tc.Parameters,
					Result:        tc.Result,
					ResultSummary: tc.ResultSummary,
					Error:         tc.Error,
					Approved:      tc.Approved,
					Resolved:      tc.Resolved(),
				}
			}
			raw, err := json.Marshal(rows)
			if err != nil {
				return fmt.Errorf("serialize tool calls for message %s: %w", m.ID, err)
			}
			toolCalls = sql.NullString{String: string(raw), Valid: true}
		}

		var metadata sql.NullString
		if len(m.Metadata) > 0 {
			raw, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("serialize metadata for message %s: %w", m.ID, err)
			}
			metadata = sql.NullString{String: string(raw), Valid: true}
		}

		var tokenCount sql.NullInt64
		if tokens, ok := m.CachedTokenCount(); ok {
			tokenCount = sql.NullInt64{Int64: int64(tokens), Valid: true}
		}

		var toolResultID sql.NullString
		if m.ToolResultID != "" {
			toolResultID = sql.NullString{String: m.ToolResultID, Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, session_id, position, role, content, tool_result_id, tool_calls, metadata, token_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sess.ID, i, string(m.Role), m.Content, toolResultID, toolCalls, metadata, tokenCount, m.CreatedAt); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// Load retrieves a session by ID. Returns conversation.ErrSessionNotFound
// if no session with that ID exists.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	sess := &conversation.Session{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT total_tokens, created_at, updated_at FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.TotalTokensCached, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, conversation.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, tool_result_id, tool_calls, metadata, token_count, created_at
		 FROM messages WHERE session_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m            conversation.Message
			role         string
			toolResultID sql.NullString
			toolCalls    sql.NullString
			metadata     sql.NullString
			tokenCount   sql.NullInt64
			createdAt    time.Time
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &toolResultID, &toolCalls, &metadata, &tokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = conversation.Role(role)
		m.CreatedAt = createdAt
		if toolResultID.Valid {
			m.ToolResultID = toolResultID.String
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata for message %s: %w", m.ID, err)
			}
		}
		if toolCalls.Valid {
			var serialized []toolCallRow
			if err := json.Unmarshal([]byte(toolCalls.String), &serialized); err != nil {
				return nil, fmt.Errorf("parse tool calls for message %s: %w", m.ID, err)
			}
			for _, tc := range serialized {
				record := &conversation.ToolCallRecord{
					ID:         tc.ID,
					Name:       tc.Name,
					Parameters: tc.Parameters,
					Approved:   tc.Approved,
				}
				if tc.Resolved {
					record.Resolve(tc.Result, tc.ResultSummary, tc.Error)
				}
				m.ToolCalls = append(m.ToolCalls, record)
			}
		}
		if tokenCount.Valid {
			m.SetCachedTokenCount(int(tokenCount.Int64))
		}
		sess.Messages = append(sess.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", id, err)
	}
	return sess, nil
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSessions returns all session IDs ordered by most recently updated.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

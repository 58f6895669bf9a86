package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if !strings.Contains(dataSourceName, "?") {
		// Writers wait for each other instead of failing with SQLITE_BUSY.
		dataSourceName += "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        external_id TEXT UNIQUE NOT NULL,
        email TEXT NOT NULL,
        name TEXT NOT NULL DEFAULT '',
        avatar TEXT NOT NULL DEFAULT '',
        role TEXT NOT NULL CHECK (role IN ('user', 'admin')),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_user ON chats (user_id, updated_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id);

    CREATE TABLE IF NOT EXISTS files (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        message_id TEXT, -- nullable until the owning message exists
        filename TEXT NOT NULL,
        original_name TEXT NOT NULL,
        mime_type TEXT NOT NULL,
        size INTEGER NOT NULL,
        storage_type TEXT NOT NULL,
        data BLOB,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_files_user ON files (user_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
const userColumns = "id, external_id, email, name, avatar, role, created_at, updated_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.Avatar, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates the user or refreshes its profile, keyed on ExternalID.
// Empty name/avatar values keep what is already stored.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC()
	role := u.Role
	if role == "" {
		role = UserRoleUser
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (id, external_id, email, name, avatar, role, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (external_id) DO UPDATE SET
            email = excluded.email,
            name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
            avatar = CASE WHEN excluded.avatar <> '' THEN excluded.avatar ELSE users.avatar END,
            role = excluded.role,
            updated_at = excluded.updated_at`,
		uuid.NewString(), u.ExternalID, u.Email, u.Name, u.Avatar, role, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.GetUserByExternalID(ctx, u.ExternalID)
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// DeleteUserByExternalID removes the user together with everything it owns.
func (s *SQLiteStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE external_id = ?", externalID).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to query user: %w", err)
		}
		stmts := []string{
			"DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?)",
			"DELETE FROM chats WHERE user_id = ?",
			"DELETE FROM files WHERE user_id = ?",
			"DELETE FROM users WHERE id = ?",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
				return fmt.Errorf("failed to delete user data: %w", err)
			}
		}
		return nil
	})
}

// Chat methods
const chatColumns = "id, user_id, title, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, userID, title string) (*Chat, error) {
	chat := &Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	chat.UpdatedAt = chat.CreatedAt

	_, err := s.db.ExecContext(ctx, "INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", err)
	}
	return chat, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID, userID string) (*Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ? AND user_id = ?", chatID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) RenameChat(ctx context.Context, chatID, userID, title string) (*Chat, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		title, time.Now().UTC(), chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat title update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetChat(ctx, chatID, userID)
}

// DeleteChat removes the chat and its messages. Files that were attached to
// those messages stay with their owner, unlinked.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, "UPDATE files SET message_id = NULL WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)", chatID); err != nil {
			return fmt.Errorf("failed to unlink files: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return nil
	})
}

// Message methods
const messageColumns = "id, chat_id, role, content, created_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordUserTurn stores the user message, links the caller's files to it,
// proposes the derived title and bumps the chat's updated_at, all in one
// transaction.
func (s *SQLiteStore) RecordUserTurn(ctx context.Context, turn UserTurn) (*RecordedTurn, error) {
	rec := &RecordedTurn{LinkedFileIDs: []string{}}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = ? AND user_id = ?", turn.ChatID, turn.UserID).Scan(&owner)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to verify chat: %w", err)
		}

		now := time.Now().UTC()
		msg := &Message{
			ID:        uuid.NewString(),
			ChatID:    turn.ChatID,
			Role:      RoleUser,
			Content:   turn.Content,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
			msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert user message: %w", err)
		}
		rec.Message = msg

		for _, fileID := range turn.FileIDs {
			res, err := tx.ExecContext(ctx, "UPDATE files SET message_id = ? WHERE id = ? AND user_id = ?", msg.ID, fileID, turn.UserID)
			if err != nil {
				return fmt.Errorf("failed to link file %s: %w", fileID, err)
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				rec.LinkedFileIDs = append(rec.LinkedFileIDs, fileID)
			}
		}

		if turn.Title != "" {
			res, err := tx.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ? AND title = ?", turn.Title, turn.ChatID, config.DefaultChatTitle)
			if err != nil {
				return fmt.Errorf("failed to set chat title: %w", err)
			}
			affected, _ := res.RowsAffected()
			rec.TitleChanged = affected > 0
		}

		if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", now, turn.ChatID); err != nil {
			return fmt.Errorf("failed to touch chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString() // Ensure ID is set
	msg.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, "INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID, userID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
        SELECT m.id, m.chat_id, m.role, m.content, m.created_at
        FROM messages m JOIN chats c ON c.id = m.chat_id
        WHERE m.id = ? AND c.user_id = ?`, messageID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, messageID)
	if err != nil {
		return fmt.Errorf("failed to execute message update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string, limit int, offset int) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE chat_id = ? ORDER BY rowid ASC LIMIT ? OFFSET ?"
	return s.queryMessages(ctx, query, chatID, limit, offset)
}

// GetLastNMessages returns the newest n messages of the chat, oldest first.
func (s *SQLiteStore) GetLastNMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE chat_id = ? ORDER BY rowid DESC LIMIT ?"
	messages, err := s.queryMessages(ctx, query, chatID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// File methods
func (s *SQLiteStore) CreateFile(ctx context.Context, f *File) error {
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO files (id, user_id, message_id, filename, original_name, mime_type, size, storage_type, data, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.MessageID, f.Filename, f.OriginalName, f.MimeType, f.Size, f.StorageType, f.Data, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute file insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, fileID, userID string) (*File, error) {
	var f File
	var messageID sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, message_id, filename, original_name, mime_type, size, storage_type, data, created_at
        FROM files WHERE id = ? AND user_id = ?`, fileID, userID).
		Scan(&f.ID, &f.UserID, &messageID, &f.Filename, &f.OriginalName, &f.MimeType, &f.Size, &f.StorageType, &f.Data, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if messageID.Valid {
		f.MessageID = &messageID.String
	}
	return &f, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID, userID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ? AND user_id = ?", fileID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Package store persists users, chats, messages and files. Every chat and file
// accessor is scoped to the owning user; rows owned by someone else are
// reported as ErrNotFound.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertUser(ctx context.Context, u *User) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	DeleteUserByExternalID(ctx context.Context, externalID string) error

	CreateChat(ctx context.Context, userID, title string) (*Chat, error)
	GetChat(ctx context.Context, chatID, userID string) (*Chat, error)
	ListChats(ctx context.Context, userID string) ([]Chat, error)
	RenameChat(ctx context.Context, chatID, userID, title string) (*Chat, error)
	DeleteChat(ctx context.Context, chatID, userID string) error

	RecordUserTurn(ctx context.Context, turn UserTurn) (*RecordedTurn, error)
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, messageID, userID string) (*Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error)
	GetLastNMessages(ctx context.Context, chatID string, n int) ([]Message, error)

	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, fileID, userID string) (*File, error)
	DeleteFile(ctx context.Context, fileID, userID string) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)

package store

import (
	"context"
	"testing"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	seedUser := func(t *testing.T, s Store, ext string) *User {
		u, err := s.UpsertUser(ctx, &User{ExternalID: ext, Email: ext + "@example.com", Name: ext})
		require.NoError(t, err)
		return u
	}

	t.Run("upsert user keeps identity", func(t *testing.T) {
		s := newStore(t)
		first := seedUser(t, s, "ext-1")
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, UserRoleUser, first.Role)

		second, err := s.UpsertUser(ctx, &User{ExternalID: "ext-1", Email: "new@example.com", Role: UserRoleAdmin})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "new@example.com", second.Email)
		assert.Equal(t, UserRoleAdmin, second.Role)
		assert.Equal(t, "ext-1", second.Name, "empty name keeps the stored one")

		_, err = s.GetUserByExternalID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("chats are invisible to other users", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		other := seedUser(t, s, "other")

		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)

		_, err = s.GetChat(ctx, chat.ID, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.RenameChat(ctx, chat.ID, other.ID, "stolen")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteChat(ctx, chat.ID, other.ID), ErrNotFound)

		chats, err := s.ListChats(ctx, other.ID)
		require.NoError(t, err)
		assert.Empty(t, chats)

		got, err := s.GetChat(ctx, chat.ID, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultChatTitle, got.Title)

		renamed, err := s.RenameChat(ctx, chat.ID, owner.ID, "Visa renewal")
		require.NoError(t, err)
		assert.Equal(t, "Visa renewal", renamed.Title)
	})

	t.Run("record user turn", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		other := seedUser(t, s, "other")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)

		own := &File{UserID: owner.ID, Filename: "a.txt", OriginalName: "a.txt", MimeType: "text/plain", Size: 2, StorageType: StorageInline, Data: []byte("hi")}
		require.NoError(t, s.CreateFile(ctx, own))
		foreign := &File{UserID: other.ID, Filename: "b.txt", OriginalName: "b.txt", MimeType: "text/plain", Size: 2, StorageType: StorageInline, Data: []byte("yo")}
		require.NoError(t, s.CreateFile(ctx, foreign))

		rec, err := s.RecordUserTurn(ctx, UserTurn{
			ChatID:  chat.ID,
			UserID:  owner.ID,
			Content: "How do I renew my passport?",
			FileIDs: []string{own.ID, foreign.ID, "does-not-exist"},
			Title:   "Renew Passport",
		})
		require.NoError(t, err)
		assert.Equal(t, RoleUser, rec.Message.Role)
		assert.Equal(t, []string{own.ID}, rec.LinkedFileIDs)
		assert.True(t, rec.TitleChanged)

		linked, err := s.GetFile(ctx, own.ID, owner.ID)
		require.NoError(t, err)
		require.NotNil(t, linked.MessageID)
		assert.Equal(t, rec.Message.ID, *linked.MessageID)
		assert.Equal(t, []byte("hi"), linked.Data)

		untouched, err := s.GetFile(ctx, foreign.ID, other.ID)
		require.NoError(t, err)
		assert.Nil(t, untouched.MessageID)

		rec, err = s.RecordUserTurn(ctx, UserTurn{ChatID: chat.ID, UserID: owner.ID, Content: "And the fee?", Title: "Fee"})
		require.NoError(t, err)
		assert.False(t, rec.TitleChanged)

		got, err := s.GetChat(ctx, chat.ID, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renew Passport", got.Title)
	})

	t.Run("record user turn on foreign chat stores nothing", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		other := seedUser(t, s, "other")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)

		_, err = s.RecordUserTurn(ctx, UserTurn{ChatID: chat.ID, UserID: other.ID, Content: "hello"})
		assert.ErrorIs(t, err, ErrNotFound)

		messages, err := s.GetMessages(ctx, chat.ID, 100, 0)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("messages keep write order", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)

		for _, c := range []string{"one", "two", "three", "four"} {
			require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: chat.ID, Role: RoleUser, Content: c}))
		}

		all, err := s.GetMessages(ctx, chat.ID, 100, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "one", all[0].Content)

		last, err := s.GetLastNMessages(ctx, chat.ID, 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "three", last[0].Content)
		assert.Equal(t, "four", last[1].Content)

		page, err := s.GetMessages(ctx, chat.ID, 2, 1)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "two", page[0].Content)
	})

	t.Run("assistant message lifecycle", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		other := seedUser(t, s, "other")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)

		msg := &Message{ChatID: chat.ID, Role: RoleAssistant}
		require.NoError(t, s.CreateMessage(ctx, msg))
		require.NoError(t, s.UpdateMessageContent(ctx, msg.ID, "final answer"))

		got, err := s.GetMessage(ctx, msg.ID, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, "final answer", got.Content)

		_, err = s.GetMessage(ctx, msg.ID, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteMessage(ctx, msg.ID))
		_, err = s.GetMessage(ctx, msg.ID, owner.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateMessageContent(ctx, msg.ID, "x"), ErrNotFound)
	})

	t.Run("delete chat cascades messages and unlinks files", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)
		f := &File{UserID: owner.ID, Filename: "a.txt", OriginalName: "a.txt", MimeType: "text/plain", Size: 1, StorageType: StorageInline, Data: []byte("a")}
		require.NoError(t, s.CreateFile(ctx, f))
		_, err = s.RecordUserTurn(ctx, UserTurn{ChatID: chat.ID, UserID: owner.ID, Content: "x", FileIDs: []string{f.ID}})
		require.NoError(t, err)

		require.NoError(t, s.DeleteChat(ctx, chat.ID, owner.ID))

		messages, err := s.GetMessages(ctx, chat.ID, 100, 0)
		require.NoError(t, err)
		assert.Empty(t, messages)

		kept, err := s.GetFile(ctx, f.ID, owner.ID)
		require.NoError(t, err)
		assert.Nil(t, kept.MessageID)
	})

	t.Run("files are owner scoped", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		other := seedUser(t, s, "other")
		f := &File{UserID: owner.ID, Filename: "a.pdf", OriginalName: "a.pdf", MimeType: "application/pdf", Size: 3, StorageType: StorageInline, Data: []byte("pdf")}
		require.NoError(t, s.CreateFile(ctx, f))

		_, err := s.GetFile(ctx, f.ID, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteFile(ctx, f.ID, other.ID), ErrNotFound)
		require.NoError(t, s.DeleteFile(ctx, f.ID, owner.ID))
		_, err = s.GetFile(ctx, f.ID, owner.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete user removes owned data", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner")
		chat, err := s.CreateChat(ctx, owner.ID, config.DefaultChatTitle)
		require.NoError(t, err)
		require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: chat.ID, Role: RoleUser, Content: "x"}))

		require.NoError(t, s.DeleteUserByExternalID(ctx, "owner"))

		_, err = s.GetUserByExternalID(ctx, "owner")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetChat(ctx, chat.ID, owner.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteUserByExternalID(ctx, "owner"), ErrNotFound)
	})
}

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps users, chats, messages and files in four collections.
// Writes that span documents are issued sequentially without a transaction.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	chats    *mongo.Collection
	messages *mongo.Collection
	files    *mongo.Collection

	seqMu   sync.Mutex
	lastSeq int64
}

// messageDoc adds an insertion sequence so messages sort in write order even
// when two share a timestamp.
type messageDoc struct {
	Message `bson:",inline"`
	Seq     int64 `bson:"seq"`
}

// fileDoc stores the payload base64 encoded.
type fileDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	MessageID    *string   `bson:"message_id"`
	Filename     string    `bson:"filename"`
	OriginalName string    `bson:"original_name"`
	MimeType     string    `bson:"mime_type"`
	Size         int64     `bson:"size"`
	StorageType  string    `bson:"storage_type"`
	Data         string    `bson:"data,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection("users"),
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
		files:    db.Collection("files"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users, mongo.IndexModel{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.chats, mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}}},
		{s.messages, mongo.IndexModel{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}}}},
		{s.files, mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// Users

func (s *MongoStore) UpsertUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC()
	role := u.Role
	if role == "" {
		role = UserRoleUser
	}
	set := bson.M{"email": u.Email, "role": role, "updated_at": now}
	if u.Name != "" {
		set["name"] = u.Name
	}
	if u.Avatar != "" {
		set["avatar"] = u.Avatar
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"_id": uuid.NewString(), "created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out User
	if err := s.users.FindOneAndUpdate(ctx, bson.M{"external_id": u.ExternalID}, update, opts).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var u User
	if err := s.users.FindOne(ctx, bson.M{"external_id": externalID}).Decode(&u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *MongoStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	u, err := s.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	chatIDs, err := s.distinctIDs(ctx, s.chats, bson.M{"user_id": u.ID})
	if err != nil {
		return fmt.Errorf("failed to list user chats: %w", err)
	}
	if len(chatIDs) > 0 {
		if _, err := s.messages.DeleteMany(ctx, bson.M{"chat_id": bson.M{"$in": chatIDs}}); err != nil {
			return fmt.Errorf("failed to delete user messages: %w", err)
		}
	}
	if _, err := s.chats.DeleteMany(ctx, bson.M{"user_id": u.ID}); err != nil {
		return fmt.Errorf("failed to delete user chats: %w", err)
	}
	if _, err := s.files.DeleteMany(ctx, bson.M{"user_id": u.ID}); err != nil {
		return fmt.Errorf("failed to delete user files: %w", err)
	}
	if _, err := s.users.DeleteOne(ctx, bson.M{"_id": u.ID}); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *MongoStore) distinctIDs(ctx context.Context, coll *mongo.Collection, filter bson.M) ([]string, error) {
	cur, err := coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Chats

func (s *MongoStore) CreateChat(ctx context.Context, userID, title string) (*Chat, error) {
	chat := &Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	chat.UpdatedAt = chat.CreatedAt
	if _, err := s.chats.InsertOne(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return chat, nil
}

func (s *MongoStore) GetChat(ctx context.Context, chatID, userID string) (*Chat, error) {
	var c Chat
	if err := s.chats.FindOne(ctx, bson.M{"_id": chatID, "user_id": userID}).Decode(&c); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *MongoStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	cur, err := s.chats.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	chats := []Chat{}
	if err := cur.All(ctx, &chats); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %w", err)
	}
	return chats, nil
}

func (s *MongoStore) RenameChat(ctx context.Context, chatID, userID, title string) (*Chat, error) {
	var c Chat
	err := s.chats.FindOneAndUpdate(ctx,
		bson.M{"_id": chatID, "user_id": userID},
		bson.M{"$set": bson.M{"title": title, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *MongoStore) DeleteChat(ctx context.Context, chatID, userID string) error {
	res, err := s.chats.DeleteOne(ctx, bson.M{"_id": chatID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	messageIDs, err := s.distinctIDs(ctx, s.messages, bson.M{"chat_id": chatID})
	if err != nil {
		return fmt.Errorf("failed to list chat messages: %w", err)
	}
	if len(messageIDs) > 0 {
		if _, err := s.files.UpdateMany(ctx,
			bson.M{"message_id": bson.M{"$in": messageIDs}},
			bson.M{"$set": bson.M{"message_id": nil}},
		); err != nil {
			return fmt.Errorf("failed to unlink files: %w", err)
		}
	}
	if _, err := s.messages.DeleteMany(ctx, bson.M{"chat_id": chatID}); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// Messages

// RecordUserTurn issues the turn's writes one after another. If it stops
// halfway the message may exist without the title set; the next turn's
// compare-and-swap picks the title up again.
func (s *MongoStore) RecordUserTurn(ctx context.Context, turn UserTurn) (*RecordedTurn, error) {
	if _, err := s.GetChat(ctx, turn.ChatID, turn.UserID); err != nil {
		return nil, err
	}

	msg := &Message{ChatID: turn.ChatID, Role: RoleUser, Content: turn.Content}
	if err := s.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	rec := &RecordedTurn{Message: msg, LinkedFileIDs: []string{}}

	for _, fileID := range turn.FileIDs {
		res, err := s.files.UpdateOne(ctx,
			bson.M{"_id": fileID, "user_id": turn.UserID},
			bson.M{"$set": bson.M{"message_id": msg.ID}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to link file %s: %w", fileID, err)
		}
		if res.MatchedCount > 0 {
			rec.LinkedFileIDs = append(rec.LinkedFileIDs, fileID)
		}
	}

	if turn.Title != "" {
		res, err := s.chats.UpdateOne(ctx,
			bson.M{"_id": turn.ChatID, "title": config.DefaultChatTitle},
			bson.M{"$set": bson.M{"title": turn.Title}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to set chat title: %w", err)
		}
		rec.TitleChanged = res.ModifiedCount > 0
	}

	if _, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": turn.ChatID},
		bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}},
	); err != nil {
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	if _, err := s.messages.InsertOne(ctx, messageDoc{Message: *msg, Seq: s.nextSeq()}); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID, userID string) (*Message, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	if _, err := s.GetChat(ctx, doc.ChatID, userID); err != nil {
		return nil, err
	}
	return &doc.Message, nil
}

func (s *MongoStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$set": bson.M{"content": content}})
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.messages.DeleteOne(ctx, bson.M{"_id": messageID}); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	return s.findMessages(ctx, chatID, opts)
}

func (s *MongoStore) GetLastNMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(n))
	messages, err := s.findMessages(ctx, chatID, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *MongoStore) findMessages(ctx context.Context, chatID string, opts *options.FindOptions) ([]Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	messages := make([]Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.Message)
	}
	return messages, nil
}

// Files

func (s *MongoStore) CreateFile(ctx context.Context, f *File) error {
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()
	doc := fileDoc{
		ID:           f.ID,
		UserID:       f.UserID,
		MessageID:    f.MessageID,
		Filename:     f.Filename,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
		Size:         f.Size,
		StorageType:  f.StorageType,
		CreatedAt:    f.CreatedAt,
	}
	if len(f.Data) > 0 {
		doc.Data = base64.StdEncoding.EncodeToString(f.Data)
	}
	if _, err := s.files.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (s *MongoStore) GetFile(ctx context.Context, fileID, userID string) (*File, error) {
	var doc fileDoc
	if err := s.files.FindOne(ctx, bson.M{"_id": fileID, "user_id": userID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	f := &File{
		ID:           doc.ID,
		UserID:       doc.UserID,
		MessageID:    doc.MessageID,
		Filename:     doc.Filename,
		OriginalName: doc.OriginalName,
		MimeType:     doc.MimeType,
		Size:         doc.Size,
		StorageType:  doc.StorageType,
		CreatedAt:    doc.CreatedAt,
	}
	if doc.Data != "" {
		data, err := base64.StdEncoding.DecodeString(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode file data: %w", err)
		}
		f.Data = data
	}
	return f, nil
}

func (s *MongoStore) DeleteFile(ctx context.Context, fileID, userID string) error {
	res, err := s.files.DeleteOne(ctx, bson.M{"_id": fileID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

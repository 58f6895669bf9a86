package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	UserRoleUser  = "user"
	UserRoleAdmin = "admin"

	// StorageInline keeps the payload on the file record itself. The value is
	// the discriminator the web client already understands.
	StorageInline = "mongodb"
	// StorageAlternate marks files over the inline threshold; their payload is
	// not held by this service.
	StorageAlternate = "gridfs"
)

type User struct {
	ID         string    `json:"id" bson:"_id"`
	ExternalID string    `json:"externalId" bson:"external_id"`
	Email      string    `json:"email" bson:"email"`
	Name       string    `json:"name,omitempty" bson:"name,omitempty"`
	Avatar     string    `json:"avatar,omitempty" bson:"avatar,omitempty"`
	Role       string    `json:"role" bson:"role"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updated_at"`
}

type Chat struct {
	ID        string    `json:"id" bson:"_id"`
	UserID    string    `json:"userId" bson:"user_id"`
	Title     string    `json:"title" bson:"title"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

type Message struct {
	ID        string    `json:"id" bson:"_id"`
	ChatID    string    `json:"chatId" bson:"chat_id"`
	Role      string    `json:"role" bson:"role"` // "user" or "assistant"
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

type File struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	MessageID    *string   `json:"messageId"` // set once the owning message exists
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	StorageType  string    `json:"storageType"`
	Data         []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserTurn is the user side of a chat turn, written as one unit.
type UserTurn struct {
	ChatID  string
	UserID  string
	Content string
	FileIDs []string
	// Title replaces the chat title only while it still equals the default.
	// Empty leaves the title alone.
	Title string
}

type RecordedTurn struct {
	Message       *Message
	LinkedFileIDs []string
	TitleChanged  bool
}

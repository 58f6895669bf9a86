package config

import (
	"errors"
	"mime"
	"strings"
	"time"
)

const (
	// Chat threads
	DefaultChatTitle = "New Chat"
	MaxTitleLength   = 50

	// History windows: loaded from the store, then trimmed for the prompt
	MessageHistoryLimit      = 20
	ConversationHistoryLimit = 10
	ChatMessagesPageSize     = 100

	// Uploads
	MaxUploadBytes         = 10 * 1024 * 1024
	MaxUploadMB            = 10
	AlternateStoreMinBytes = 16 * 1024 * 1024

	// Replay pacing for backends that cannot stream natively
	ReplayDelay = 10 * time.Millisecond

	// Upstream probes
	DatabasePingTimeout   = 5 * time.Second
	SecondaryProbeTimeout = 3 * time.Second
	SecondaryTimeout      = 90 * time.Second
	WorkflowTimeout       = 30 * time.Second
)

// AllowedMimeTypes for uploaded attachments.
var AllowedMimeTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/jpg",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"text/html",
}

// MediaType strips parameters such as charset from a Content-Type value and
// lowercases the rest. Unparseable values are returned trimmed.
func MediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil && !errors.Is(err, mime.ErrInvalidMediaParameter) {
		return strings.TrimSpace(contentType)
	}
	return mediaType
}

// IsAllowedMimeType compares the bare media type against AllowedMimeTypes.
func IsAllowedMimeType(mimeType string) bool {
	mimeType = MediaType(mimeType)
	for _, m := range AllowedMimeTypes {
		if m == mimeType {
			return true
		}
	}
	return false
}

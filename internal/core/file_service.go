package core

import (
	"context"
	"fmt"
	"time"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/store"
)

type FileService struct {
	store store.Store
}

func NewFileService(st store.Store) *FileService {
	return &FileService{store: st}
}

type Upload struct {
	UserID    string
	MessageID string
	Name      string
	MimeType  string
	Data      []byte
}

// Upload validates and stores an attachment under its bare media type. Files above
// config.AlternateStoreMinBytes are recorded without their payload.
func (s *FileService) Upload(ctx context.Context, up Upload) (*store.File, error) {
	up.MimeType = config.MediaType(up.MimeType)
	if len(up.Data) > config.MaxUploadBytes {
		return nil, invalid(fmt.Sprintf("File size exceeds %dMB limit", config.MaxUploadMB))
	}
	if !config.IsAllowedMimeType(up.MimeType) {
		return nil, invalid("File type not allowed. Allowed types: PDF, images, Word documents, text files")
	}

	f := &store.File{
		UserID:       up.UserID,
		Filename:     fmt.Sprintf("%d-%s", time.Now().UnixMilli(), up.Name),
		OriginalName: up.Name,
		MimeType:     up.MimeType,
		Size:         int64(len(up.Data)),
		StorageType:  store.StorageInline,
		Data:         up.Data,
	}
	if len(up.Data) > config.AlternateStoreMinBytes {
		f.StorageType = store.StorageAlternate
		f.Data = nil
	}
	if up.MessageID != "" {
		if _, err := s.store.GetMessage(ctx, up.MessageID, up.UserID); err != nil {
			return nil, fromStore(err)
		}
		f.MessageID = &up.MessageID
	}

	if err := s.store.CreateFile(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	return f, nil
}

// Get returns the file with its payload. Files kept outside the inline store
// are reported as not found.
func (s *FileService) Get(ctx context.Context, fileID, userID string) (*store.File, error) {
	f, err := s.store.GetFile(ctx, fileID, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	if f.StorageType != store.StorageInline {
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *FileService) Delete(ctx context.Context, fileID, userID string) error {
	return fromStore(s.store.DeleteFile(ctx, fileID, userID))
}

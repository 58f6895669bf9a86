package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/core"
	"github.com/civiclens/civiclens/internal/store"
)

// multipartSlack covers form boundaries and headers on top of the file itself.
const multipartSlack = 1 << 20

type fileResponse struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

func newFileResponse(f *store.File) fileResponse {
	return fileResponse{
		ID:           f.ID,
		Filename:     f.Filename,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
		Size:         f.Size,
		URL:          "/api/files/" + f.ID,
	}
}

func (h *APIHandler) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	tooLarge := fmt.Sprintf("File size exceeds %dMB limit", config.MaxUploadMB)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxUploadBytes+multipartSlack)
	if err := r.ParseMultipartForm(config.MaxUploadBytes + multipartSlack); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorJSON(w, http.StatusBadRequest, tooLarge)
			return
		}
		errorJSON(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()
	if header.Size > config.MaxUploadBytes {
		errorJSON(w, http.StatusBadRequest, tooLarge)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err, "Failed to upload file")
		return
	}

	f, err := h.files.Upload(r.Context(), core.Upload{
		UserID:    user.ID,
		MessageID: r.FormValue("messageId"),
		Name:      header.Filename,
		MimeType:  header.Header.Get("Content-Type"),
		Data:      data,
	})
	if err != nil {
		writeError(w, r, err, "Failed to upload file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": newFileResponse(f)})
}

func (h *APIHandler) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	f, err := h.files.Get(r.Context(), chi.URLParam(r, "fileID"), user.ID)
	if err != nil {
		writeError(w, r, err, "Failed to retrieve file")
		return
	}
	disposition := "inline"
	if !servedInline(f.MimeType) {
		disposition = "attachment"
		w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	}
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": f.OriginalName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

// servedInline reports whether a stored type is safe to render in the
// browser. Markup is always downloaded.
func servedInline(mimeType string) bool {
	switch config.MediaType(mimeType) {
	case "text/html", "application/xhtml+xml", "image/svg+xml":
		return false
	}
	return true
}

func (h *APIHandler) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	if err := h.files.Delete(r.Context(), chi.URLParam(r, "fileID"), user.ID); err != nil {
		writeError(w, r, err, "Failed to delete file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

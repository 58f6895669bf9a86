// Package extract turns uploaded attachments into plain text for the model
// prompt. Extraction is best effort: failures are reported on the Result, never
// returned as errors.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/civiclens/civiclens/internal/store"
)

const (
	mimePDF     = "application/pdf"
	mimeHTML    = "text/html"
	mimeDOC     = "application/msword"
	mimeDOCX    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	unknownName = "unknown"
)

// Result is the advisory output of an extraction. Content may be empty and
// Error is informational only.
type Result struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
	Error    string `json:"error,omitempty"`
}

// FileSource loads a file scoped to its owner.
type FileSource interface {
	GetFile(ctx context.Context, fileID, userID string) (*store.File, error)
}

type Extractor struct {
	files FileSource
	pdf   PDFParser
}

func New(files FileSource, pdf PDFParser) *Extractor {
	if pdf == nil {
		pdf = TextLayerParser{}
	}
	return &Extractor{files: files, pdf: pdf}
}

// Extract loads the file and extracts its text. It returns nil when the file
// does not exist for this user.
func (e *Extractor) Extract(ctx context.Context, fileID, userID string) *Result {
	f, err := e.files.GetFile(ctx, fileID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		slog.Error("load file for extraction", "file_id", fileID, "error", err)
		return &Result{Filename: unknownName, MimeType: unknownName, Error: "Failed to extract file content"}
	}
	res := e.ExtractFile(f)
	return &res
}

// ExtractAll extracts every file in order, skipping files that do not exist.
func (e *Extractor) ExtractAll(ctx context.Context, fileIDs []string, userID string) []Result {
	results := make([]Result, 0, len(fileIDs))
	for _, id := range fileIDs {
		if res := e.Extract(ctx, id, userID); res != nil {
			results = append(results, *res)
		}
	}
	return results
}

// ExtractFile dispatches on the MIME type of an already loaded file.
func (e *Extractor) ExtractFile(f *store.File) (res Result) {
	res = Result{Filename: f.OriginalName, MimeType: f.MimeType}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("extraction panicked", "file_id", f.ID, "panic", r)
			res.Content = ""
			res.Error = "Failed to extract file content"
		}
	}()

	if f.StorageType != store.StorageInline || len(f.Data) == 0 {
		res.Error = "File storage type not supported for extraction"
		return res
	}

	switch {
	case f.MimeType == mimePDF:
		return e.extractPDF(f, res)
	case f.MimeType == mimeHTML:
		return extractHTML(f.Data, res)
	case strings.HasPrefix(f.MimeType, "text/"):
		res.Content = decodeText(f.Data)
	case f.MimeType == mimeDOC || f.MimeType == mimeDOCX:
		res.Content = fmt.Sprintf("[Word Document: %s]", f.OriginalName)
		res.Error = "Word document extraction not yet implemented. Please provide text content."
	case strings.HasPrefix(f.MimeType, "image/"):
		res.Content = fmt.Sprintf("[Image: %s]", f.OriginalName)
		res.Error = "Image content extraction requires vision API. Please describe the image in your message."
	default:
		res.Content = fmt.Sprintf("[File: %s]", f.OriginalName)
		res.Error = "File type not supported for text extraction"
	}
	return res
}

func (e *Extractor) extractPDF(f *store.File, res Result) Result {
	text, err := e.pdf.PlainText(f.Data)
	if err == nil && strings.TrimSpace(text) != "" {
		res.Content = strings.TrimSpace(text)
		return res
	}
	if err != nil {
		slog.Debug("pdf text layer unavailable, trying heuristic", "file_id", f.ID, "error", err)
	}

	if text := scanParenthesizedRuns(f.Data); text != "" {
		res.Content = text
		res.Error = "PDF text was recovered heuristically and may be incomplete."
		return res
	}

	res.Content = fmt.Sprintf("[PDF Document: %s]\n\nNote: PDF text extraction failed. Please provide the text content or use a PDF with selectable text.", f.OriginalName)
	res.Error = "Could not extract text from this PDF. Please copy and paste the text content."
	return res
}

func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

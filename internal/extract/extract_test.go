package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/civiclens/civiclens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles map[string]*store.File

func (f fakeFiles) GetFile(_ context.Context, fileID, userID string) (*store.File, error) {
	if fileID == "broken" {
		return nil, errors.New("connection reset")
	}
	file, ok := f[fileID]
	if !ok || file.UserID != userID {
		return nil, store.ErrNotFound
	}
	return file, nil
}

type fakePDF struct {
	text  string
	err   error
	panic bool
}

func (p fakePDF) PlainText([]byte) (string, error) {
	if p.panic {
		panic("malformed xref")
	}
	return p.text, p.err
}

func inline(name, mime string, data string) *store.File {
	return &store.File{ID: name, UserID: "u1", OriginalName: name, MimeType: mime, StorageType: store.StorageInline, Data: []byte(data), Size: int64(len(data))}
}

func TestExtractFile_ByMimeType(t *testing.T) {
	e := New(fakeFiles{}, fakePDF{err: errors.New("no text layer")})

	tests := []struct {
		name        string
		file        *store.File
		wantContent string
		wantError   bool
	}{
		{"plain text", inline("notes.txt", "text/plain", "line one\nline two"), "line one\nline two", false},
		{"html", inline("page.html", "text/html", "<html><head><script>var x=1;</script></head><body><h1>Ration card</h1><p>Apply   online</p></body></html>"), "Ration card\nApply online", false},
		{"word", inline("form.docx", mimeDOCX, "PK..."), "[Word Document: form.docx]", true},
		{"legacy word", inline("form.doc", mimeDOC, "...."), "[Word Document: form.doc]", true},
		{"image", inline("scan.png", "image/png", "\x89PNG"), "[Image: scan.png]", true},
		{"unknown", inline("a.bin", "application/octet-stream", "\x00\x01"), "[File: a.bin]", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.ExtractFile(tt.file)
			assert.Equal(t, tt.file.OriginalName, res.Filename)
			assert.Equal(t, tt.file.MimeType, res.MimeType)
			assert.Equal(t, tt.wantContent, res.Content)
			assert.Equal(t, tt.wantError, res.Error != "")
		})
	}
}

func TestExtractFile_AlternateStorage(t *testing.T) {
	e := New(fakeFiles{}, nil)
	f := inline("big.pdf", mimePDF, "")
	f.StorageType = store.StorageAlternate

	res := e.ExtractFile(f)
	assert.Empty(t, res.Content)
	assert.Equal(t, "File storage type not supported for extraction", res.Error)
}

func TestExtractFile_PDF(t *testing.T) {
	t.Run("text layer", func(t *testing.T) {
		e := New(fakeFiles{}, fakePDF{text: "  Scheme guidelines  "})
		res := e.ExtractFile(inline("a.pdf", mimePDF, "%PDF-1.4"))
		assert.Equal(t, "Scheme guidelines", res.Content)
		assert.Empty(t, res.Error)
	})

	t.Run("heuristic fallback", func(t *testing.T) {
		e := New(fakeFiles{}, fakePDF{err: errors.New("encrypted")})
		raw := "%PDF-1.4\nBT /F1 12 Tf (Hello World) Tj (Apply before \\(31 March\\)) Tj ET"
		res := e.ExtractFile(inline("a.pdf", mimePDF, raw))
		assert.Equal(t, "Hello World Apply before (31 March)", res.Content)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("placeholder", func(t *testing.T) {
		e := New(fakeFiles{}, fakePDF{err: errors.New("encrypted")})
		res := e.ExtractFile(inline("a.pdf", mimePDF, "%PDF-1.4 binary"))
		assert.Contains(t, res.Content, "[PDF Document: a.pdf]")
		assert.NotEmpty(t, res.Error)
	})

	t.Run("parser panic is contained", func(t *testing.T) {
		e := New(fakeFiles{}, fakePDF{panic: true})
		var res Result
		require.NotPanics(t, func() { res = e.ExtractFile(inline("a.pdf", mimePDF, "%PDF")) })
		assert.Empty(t, res.Content)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("real parser on garbage", func(t *testing.T) {
		e := New(fakeFiles{}, nil)
		var res Result
		require.NotPanics(t, func() { res = e.ExtractFile(inline("a.pdf", mimePDF, "not a pdf at all")) })
		assert.NotEmpty(t, res.Error)
	})
}

func TestExtractAll(t *testing.T) {
	files := fakeFiles{
		"a": inline("a.txt", "text/plain", "alpha"),
		"b": inline("b.txt", "text/plain", "beta"),
	}
	files["b"].UserID = "u2"
	e := New(files, nil)

	results := e.ExtractAll(context.Background(), []string{"a", "b", "missing", "broken"}, "u1")
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Content)
	assert.Equal(t, unknownName, results[1].Filename)
	assert.NotEmpty(t, results[1].Error)

	assert.Nil(t, e.Extract(context.Background(), "b", "u1"))
}

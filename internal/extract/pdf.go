package extract

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser reads the text layer of a PDF document.
type PDFParser interface {
	PlainText(data []byte) (string, error)
}

// TextLayerParser uses github.com/ledongthuc/pdf.
type TextLayerParser struct{}

func (TextLayerParser) PlainText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Text drawing operators in uncompressed content streams carry their strings
// in parentheses: (Hello) Tj.
var parenRun = regexp.MustCompile(`\(((?:[^()\\]|\\.){2,})\)`)

var pdfEscapes = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "", `\t`, " ")

// scanParenthesizedRuns collects printable parenthesized runs from the raw
// bytes. It only works for uncompressed streams.
func scanParenthesizedRuns(data []byte) string {
	var parts []string
	for _, m := range parenRun.FindAllSubmatch(data, -1) {
		s := pdfEscapes.Replace(string(m[1]))
		if !mostlyPrintable(s) {
			continue
		}
		parts = append(parts, s)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func mostlyPrintable(s string) bool {
	if s == "" {
		return false
	}
	printable := 0
	for _, r := range s {
		if r == '\n' || (r >= 0x20 && r < 0x7f) {
			printable++
		}
	}
	return printable*10 >= len(s)*9
}

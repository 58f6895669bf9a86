package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockElements = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, section, article, header, footer, title"

func extractHTML(data []byte, res Result) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		res.Content = decodeText(data)
		res.Error = "HTML could not be parsed; raw markup included."
		return res
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find(blockElements).Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	res.Content = strings.Join(lines, "\n")
	return res
}

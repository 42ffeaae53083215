package internal

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"contractrag/types"

	"github.com/ledongthuc/pdf"
)

// metadataKeys are copied from the PDF info dictionary when present.
var metadataKeys = map[string]string{
	"Author":  "author",
	"Title":   "title",
	"Subject": "subject",
	"Creator": "creator",
}

// Extracted is the text layer of a PDF.
type Extracted struct {
	Text      string
	Pages     []types.Page
	PageCount int
	Metadata  map[string]string
}

// ExtractText reads every page's plain text. Pages are joined with "\n" and
// the offset table points into that joined text.
func ExtractText(path string) (ex *Extracted, err error) {
	// ledongthuc/pdf паникует на битых файлах
	defer func() {
		if r := recover(); r != nil {
			ex, err = nil, types.InvalidArgument("malformed PDF %s: %v", path, r)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, types.InvalidArgument("failed to read PDF: %v", err)
	}

	count := reader.NumPage()
	texts := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("[PDF] page text extraction failed", "file", path, "page", i, "error", err)
			text = ""
		}
		texts = append(texts, text)
	}

	full, pages := JoinPages(texts)
	return &Extracted{
		Text:      full,
		Pages:     pages,
		PageCount: count,
		Metadata:  readMetadata(reader),
	}, nil
}

// JoinPages builds the full text and a page table whose spans exclude the
// separators.
func JoinPages(texts []string) (string, []types.Page) {
	var b strings.Builder
	pages := make([]types.Page, len(texts))
	for i, t := range texts {
		if i > 0 {
			b.WriteByte('\n')
		}
		start := b.Len()
		b.WriteString(t)
		pages[i] = types.Page{Number: i + 1, CharStart: start, CharEnd: b.Len()}
	}
	return b.String(), pages
}

func readMetadata(reader *pdf.Reader) map[string]string {
	meta := make(map[string]string, len(metadataKeys))
	for _, v := range metadataKeys {
		meta[v] = ""
	}
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return meta
	}
	for key, name := range metadataKeys {
		if v := info.Key(key); !v.IsNull() {
			meta[name] = strings.TrimSpace(v.Text())
		}
	}
	return meta
}

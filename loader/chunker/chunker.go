// Package chunker splits document text into overlapping word windows that
// remember the page and character span they came from.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"contractrag/types"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// OffsetMode selects how chunk character spans are computed.
type OffsetMode string

const (
	// OffsetsSource reports the byte span of the window's words in the
	// original text.
	OffsetsSource OffsetMode = "source"
	// OffsetsJoined reports offsets into the text re-joined with single
	// spaces. They drift from the source whenever whitespace is irregular.
	OffsetsJoined OffsetMode = "joined"
)

type Chunker struct {
	chunkSize int
	overlap   int
	offsets   OffsetMode
}

type Option func(*Chunker)

func WithOffsetMode(mode OffsetMode) Option {
	return func(c *Chunker) {
		c.offsets = mode
	}
}

// New validates the window parameters. Overlap must be smaller than the
// window or the chunker would never advance.
func New(chunkSize, overlap int, opts ...Option) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, types.ConfigurationError("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, types.ConfigurationError("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return nil, types.ConfigurationError("chunk overlap (%d) must be smaller than chunk size (%d)", overlap, chunkSize)
	}

	c := &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
		offsets:   OffsetsSource,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.offsets != OffsetsSource && c.offsets != OffsetsJoined {
		return nil, types.ConfigurationError("unknown offset mode %q", c.offsets)
	}
	return c, nil
}

func (c *Chunker) Size() int    { return c.chunkSize }
func (c *Chunker) Overlap() int { return c.overlap }

type word struct {
	start, end int
}

// splitWords is strings.Fields that keeps the byte position of every word.
func splitWords(text string) []word {
	var words []word
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start, len(text)})
	}
	return words
}

// Chunk splits fullText into windows of chunkSize words advancing by
// chunkSize-overlap words. The last window may be shorter.
func (c *Chunker) Chunk(documentID, fullText string, pages []types.Page) []types.Chunk {
	words := splitWords(fullText)
	if len(words) == 0 {
		return nil
	}

	// joinedStart[i] is len(strings.Join(words[:i], " "))
	var joinedStart []int
	if c.offsets == OffsetsJoined {
		joinedStart = make([]int, len(words)+1)
		sum := 0
		for i, w := range words {
			sum += w.end - w.start
			joinedStart[i+1] = sum + i
		}
	}

	step := c.chunkSize - c.overlap
	chunks := make([]types.Chunk, 0, len(words)/step+1)

	for start := 0; start < len(words); start += step {
		end := min(start+c.chunkSize, len(words))

		var b strings.Builder
		for i, w := range words[start:end] {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(fullText[w.start:w.end])
		}
		content := b.String()

		var charStart, charEnd int
		switch c.offsets {
		case OffsetsJoined:
			charStart = joinedStart[start]
			charEnd = charStart + len(content)
		default:
			charStart = words[start].start
			charEnd = words[end-1].end
		}

		chunks = append(chunks, types.Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Text:       content,
			PageNumber: types.PageAt(pages, charStart),
			CharStart:  charStart,
			CharEnd:    charEnd,
		})
	}

	return chunks
}

// Truncate shortens s to at most n characters, appending "..." when cut.
func Truncate(s string, n int) string {
	if h := Head(s, n); len(h) < len(s) {
		return h + "..."
	}
	return s
}

// Head returns the first n runes of s.
func Head(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

package model

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens counts prompt tokens with the cl100k encoding. The BPE ranks are
// compiled in, so the count does not depend on network access. If the
// encoding still cannot be built it falls back to four bytes per token.
func CountTokens(text string) int {
	encOnce.Do(func() {
		// словарь берем из бинарника, без загрузки с openaipublic
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		var err error
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			slog.Warn("[TOKENS] tiktoken encoding unavailable, using estimate", "error", err)
			enc = nil
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

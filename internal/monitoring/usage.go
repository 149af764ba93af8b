// Package monitoring - usage.go estimates output token counts.
package monitoring

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// cl100k_base covers the GPT-3.5/4 family and is close enough for relayed
// models; the estimate feeds telemetry, not billing.
var (
	tokenizer     *tiktoken.Tiktoken
	tokenizerErr  error
	tokenizerOnce sync.Once
)

func initTokenizer() {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = tiktoken.GetEncoding("cl100k_base")
		if tokenizerErr != nil {
			log.Warn().Err(tokenizerErr).Msg("tokenizer unavailable, falling back to chars/4 estimate")
		}
	})
}

// EstimateTokens returns the BPE token count of text, or a chars/4
// approximation when the tokenizer could not be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	initTokenizer()
	if tokenizerErr != nil || tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(tokenizer.Encode(text, nil, nil))
}

// Package tokenutil meters rendered context text in model tokens. It uses the
// tiktoken cl100k_base encoding when it can be loaded and otherwise falls back
// to a runes/4 heuristic, so metering never fails a turn.
package tokenutil

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used for metering.
const DefaultEncoding = "cl100k_base"

// Meter counts and truncates text in tokens.
type Meter struct {
	once     sync.Once
	name     string
	encoding *tiktoken.Tiktoken
}

var defaultMeter = NewMeter(DefaultEncoding)

// NewMeter returns a meter for the named encoding. The encoding loads lazily
// on first use.
func NewMeter(encodingName string) *Meter {
	if strings.TrimSpace(encodingName) == "" {
		encodingName = DefaultEncoding
	}
	return &Meter{name: encodingName}
}

// Default returns the shared cl100k_base meter.
func Default() *Meter {
	return defaultMeter
}

func (m *Meter) load() *tiktoken.Tiktoken {
	m.once.Do(func() {
		enc, err := tiktoken.GetEncoding(m.name)
		if err == nil {
			m.encoding = enc
		}
	})
	return m.encoding
}

// Exact reports whether the meter is backed by a real tokenizer.
func (m *Meter) Exact() bool {
	return m.load() != nil
}

// Count returns the token count of text.
func (m *Meter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := m.load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// Truncate cuts text down to a prefix whose Count is at most maxTokens. A
// non-positive limit yields an empty string.
func (m *Meter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if enc := m.load(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		// Decoding a token prefix can re-encode longer than the prefix itself.
		for n := maxTokens; n > 0; {
			out := enc.Decode(tokens[:n])
			over := len(enc.Encode(out, nil, nil)) - maxTokens
			if over <= 0 {
				return out
			}
			n -= over
		}
		return ""
	}
	return truncateEstimate(text, maxTokens)
}

// truncateEstimate returns the longest rune prefix of text whose EstimateFast
// is within maxTokens. The estimate never decreases as the prefix grows.
func truncateEstimate(text string, maxTokens int) string {
	if EstimateFast(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	n := sort.Search(len(runes)+1, func(i int) bool {
		return EstimateFast(string(runes[:i])) > maxTokens
	})
	return string(runes[:n-1])
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

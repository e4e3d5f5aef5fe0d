package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens. The query pipeline holds a single instance so
// every budget is measured the same way.
type Tokenizer interface {
	Count(text string) int
}

// Approx is the encoding name of the heuristic tokenizer.
const Approx = "approx"

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// New returns a tokenizer for the given tiktoken encoding (for example
// "o200k_base" or "cl100k_base"). The special name "approx" returns a
// heuristic tokenizer that needs no encoding files.
func New(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = "o200k_base"
	}
	if encoding == Approx {
		return Heuristic{}, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic estimates one token per four characters, rounded up.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

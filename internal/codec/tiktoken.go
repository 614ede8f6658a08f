package codec

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

// Vocabulary sizes of the published encodings, special tokens included.
var tiktokenVocab = map[string]int{
	"o200k_base":  200019,
	"cl100k_base": 100277,
	"p50k_base":   50281,
	"p50k_edit":   50284,
	"r50k_base":   50257,
}

// Tiktoken wraps an OpenAI BPE encoding. Loading an encoding may fetch its
// rank file unless TIKTOKEN_CACHE_DIR already holds it.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
	vocab    int
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %s: %w", encoding, err)
	}
	size, ok := tiktokenVocab[encoding]
	if !ok {
		return nil, fmt.Errorf("unknown vocabulary size for encoding %s", encoding)
	}
	return &Tiktoken{encoding: encoding, enc: enc, vocab: size}, nil
}

func (*Tiktoken) Name() string { return "tiktoken" }

func (t *Tiktoken) VocabSize() int { return t.vocab }

// Encode treats special-token text as ordinary text.
func (t *Tiktoken) Encode(text string) ([]int, error) {
	metrics.RecordCodecOp("tiktoken", "encode")
	return t.enc.EncodeOrdinary(text), nil
}

func (t *Tiktoken) Decode(ids []int) string {
	metrics.RecordCodecOp("tiktoken", "decode")
	return t.enc.Decode(ids)
}

func (t *Tiktoken) DecodeToken(id int) string {
	return safeDecode("tiktoken", id, func(id int) string {
		if id < 0 || id >= t.vocab {
			return ""
		}
		return t.enc.Decode([]int{id})
	})
}

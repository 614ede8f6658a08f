package codec

import (
	"strconv"
	"unicode/utf8"

	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

const byteVocab = 256

// Bytes maps every UTF-8 byte to its own token id. It cannot fail to encode and
// is the fallback when no trained tokenizer is available.
type Bytes struct{}

func NewBytes() *Bytes { return &Bytes{} }

func (*Bytes) Name() string { return "bytes" }

func (*Bytes) VocabSize() int { return byteVocab }

func (*Bytes) Encode(text string) ([]int, error) {
	metrics.RecordCodecOp("bytes", "encode")
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (*Bytes) Decode(ids []int) string {
	metrics.RecordCodecOp("bytes", "decode")
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < byteVocab {
			buf = append(buf, byte(id))
		}
	}
	return string(buf)
}

// DecodeToken renders printable ASCII as itself and any other byte as <0xNN>,
// since a lone byte of a multi-byte sequence is not valid text.
func (*Bytes) DecodeToken(id int) string {
	if id < 0 || id >= byteVocab {
		metrics.RecordCodecPlaceholder("bytes")
		return Placeholder(id)
	}
	b := byte(id)
	if b < utf8.RuneSelf && (b >= 0x20 || b == '\n' || b == '\t') && b != 0x7f {
		return string(rune(b))
	}
	return "<0x" + hex2(b) + ">"
}

func hex2(b byte) string {
	s := strconv.FormatUint(uint64(b), 16)
	if len(s) == 1 {
		s = "0" + s
	}
	return s
}

package codec

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

// Vocab encodes by greedy longest match against a fixed token list. Text no
// token covers is mapped to the unknown token when one exists and skipped
// otherwise.
type Vocab struct {
	Tokens []string
	ids    map[string]int
	maxLen int
	unk    int
}

// UnknownToken is the conventional name of the unknown token.
const UnknownToken = "<unk>"

func NewVocab(tokens []string) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocab is empty")
	}
	v := &Vocab{
		Tokens: tokens,
		ids:    make(map[string]int, len(tokens)),
		unk:    -1,
	}
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, dup := v.ids[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at %d", tok, i)
		}
		v.ids[tok] = i
		if len(tok) > v.maxLen {
			v.maxLen = len(tok)
		}
		if tok == UnknownToken {
			v.unk = i
		}
	}
	return v, nil
}

// LoadVocab reads one token per line; the line number is the token id. Escapes
// \n, \t and \s stand for newline, tab and space so that whitespace tokens survive.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVocab(f)
}

func ReadVocab(r io.Reader) (*Vocab, error) {
	var tokens []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	unescape := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\s`, " ")
	for sc.Scan() {
		tokens = append(tokens, unescape.Replace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	return NewVocab(tokens)
}

func (*Vocab) Name() string { return "vocab" }

func (v *Vocab) VocabSize() int { return len(v.Tokens) }

func (v *Vocab) Encode(text string) ([]int, error) {
	metrics.RecordCodecOp("vocab", "encode")
	var ids []int
	unknown := 0
	for i := 0; i < len(text); {
		end := min(len(text), i+v.maxLen)
		matched := false
		for ; end > i; end-- {
			if id, ok := v.ids[text[i:end]]; ok {
				ids = append(ids, id)
				i = end
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		unknown++
		if v.unk >= 0 && (len(ids) == 0 || ids[len(ids)-1] != v.unk) {
			ids = append(ids, v.unk)
		}
		i++
	}
	if unknown > 0 {
		logger.Log.Debug("vocab codec skipped unknown bytes", "count", unknown)
	}
	return ids, nil
}

func (v *Vocab) Decode(ids []int) string {
	metrics.RecordCodecOp("vocab", "decode")
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.Tokens) {
			continue
		}
		sb.WriteString(v.Tokens[id])
	}
	return sb.String()
}

func (v *Vocab) DecodeToken(id int) string {
	return safeDecode("vocab", id, func(id int) string {
		if id < 0 || id >= len(v.Tokens) {
			return ""
		}
		return v.Tokens[id]
	})
}

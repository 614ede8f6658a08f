// Package codec turns text into token ids and back.
//
// Every codec renders a single token for display without failing: ids it cannot
// decode come back as a placeholder such as "<1234>".
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

type Codec interface {
	Name() string
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	DecodeToken(id int) string
	VocabSize() int
}

// Placeholder is the display text of an undecodable token.
func Placeholder(id int) string {
	return "<" + strconv.Itoa(id) + ">"
}

// Normalize applies NFC and strips control characters other than newline and tab.
func Normalize(text string) string {
	normed := norm.NFC.String(text)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
}

// New builds the codec named by cfg.Kind. When it cannot be built and
// cfg.Fallback is set, the byte codec is returned instead.
func New(cfg config.Codec) (Codec, error) {
	c, err := build(cfg)
	if err == nil {
		return c, nil
	}
	if !cfg.Fallback {
		return nil, err
	}
	metrics.RecordCodecFallback(cfg.Kind)
	logger.Log.Warn("codec unavailable, falling back to bytes", "requested", cfg.Kind, "error", err)
	return NewBytes(), nil
}

func build(cfg config.Codec) (Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Kind) {
	case config.CodecTiktoken:
		return NewTiktoken(cfg.Encoding)
	case config.CodecHuggingFace:
		return NewHuggingFace(cfg.TokenizerPath)
	case config.CodecVocab:
		return LoadVocab(cfg.VocabPath)
	case config.CodecBytes:
		return NewBytes(), nil
	}
	return nil, fmt.Errorf("unknown codec kind: %q", cfg.Kind)
}

// safeDecode runs decode and turns a panic or an empty rendering into a
// placeholder. Bytes that are not valid UTF-8, such as a token holding part of
// a multi-byte character, are rendered as <0xNN>.
func safeDecode(name string, id int, decode func(int) string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordCodecPlaceholder(name)
			text = Placeholder(id)
		}
	}()
	text = decode(id)
	if text == "" {
		metrics.RecordCodecPlaceholder(name)
		return Placeholder(id)
	}
	if !utf8.ValidString(text) {
		return escapeInvalid(text)
	}
	return text
}

func escapeInvalid(s string) string {
	var b strings.Builder
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && size == 1 {
			b.WriteString("<0x" + hex2(s[0]) + ">")
		} else {
			b.WriteString(s[:size])
		}
		s = s[size:]
	}
	return b.String()
}

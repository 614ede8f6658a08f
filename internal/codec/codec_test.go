package codec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/23skdu/longbow-surprisal/internal/config"
)

func TestPlaceholder(t *testing.T) {
	if got := Placeholder(1234); got != "<1234>" {
		t.Errorf("expected <1234>, got %s", got)
	}
	if got := Placeholder(-1); got != "<-1>" {
		t.Errorf("expected <-1>, got %s", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"composes accents", "été", "été"},
		{"keeps newline and tab", "a\nb\tc", "a\nb\tc"},
		{"drops control chars", "a\x00b\x07c", "abc"},
		{"keeps surrounding space", "  x ", "  x "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBytesRoundTrip(t *testing.T) {
	c := NewBytes()
	text := "héllo, world\n"

	ids, err := c.Encode(text)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(ids) != len(text) {
		t.Fatalf("expected one id per byte, got %d for %d bytes", len(ids), len(text))
	}
	if got := c.Decode(ids); got != text {
		t.Errorf("Decode = %q, want %q", got, text)
	}
	if c.VocabSize() != 256 {
		t.Errorf("expected vocab 256, got %d", c.VocabSize())
	}
}

func TestBytesDecodeToken(t *testing.T) {
	c := NewBytes()
	tests := []struct {
		id   int
		want string
	}{
		{'a', "a"},
		{' ', " "},
		{'\n', "\n"},
		{0xc3, "<0xc3>"},
		{0x01, "<0x01>"},
		{0x7f, "<0x7f>"},
		{256, "<256>"},
		{-3, "<-3>"},
	}
	for _, tt := range tests {
		if got := c.DecodeToken(tt.id); got != tt.want {
			t.Errorf("DecodeToken(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestVocabEncodeGreedy(t *testing.T) {
	v, err := NewVocab([]string{"<unk>", "the", " cat", " ca", "t", " ", "s", "at"})
	if err != nil {
		t.Fatalf("NewVocab failed: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  []int
	}{
		{"longest match wins", "the cat", []int{1, 2}},
		{"suffix pieces", "the cats", []int{1, 2, 6}},
		{"unknown collapses to one unk", "the ??? cat", []int{1, 5, 0, 2}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Encode(tt.input)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Encode(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Encode(%q) = %v, want %v", tt.input, got, tt.want)
				}
			}
		})
	}
}

func TestVocabWithoutUnknownSkips(t *testing.T) {
	v, err := NewVocab([]string{"a", "b"})
	if err != nil {
		t.Fatalf("NewVocab failed: %v", err)
	}
	ids, _ := v.Encode("axb")
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("expected [0 1], got %v", ids)
	}
}

func TestVocabDecode(t *testing.T) {
	v, _ := NewVocab([]string{"<unk>", "Hello", ",", " World"})

	if got := v.Decode([]int{1, 2, 3, 99, -1}); got != "Hello, World" {
		t.Errorf("Decode = %q", got)
	}
	if got := v.DecodeToken(3); got != " World" {
		t.Errorf("DecodeToken(3) = %q", got)
	}
	if got := v.DecodeToken(42); got != "<42>" {
		t.Errorf("out of range DecodeToken = %q, want placeholder", got)
	}
}

func TestNewVocabRejects(t *testing.T) {
	if _, err := NewVocab(nil); err == nil {
		t.Error("expected error for empty vocab")
	}
	if _, err := NewVocab([]string{"a", "a"}); err == nil {
		t.Error("expected error for duplicate token")
	}
}

func TestReadVocabEscapes(t *testing.T) {
	v, err := ReadVocab(strings.NewReader("<unk>\n\\s\nhi\n\\n\n"))
	if err != nil {
		t.Fatalf("ReadVocab failed: %v", err)
	}
	if v.VocabSize() != 4 {
		t.Fatalf("expected 4 tokens, got %d", v.VocabSize())
	}
	ids, _ := v.Encode("hi hi\n")
	want := []int{2, 1, 2, 3}
	if len(ids) != len(want) {
		t.Fatalf("Encode = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Encode = %v, want %v", ids, want)
		}
	}
}

func TestNewSelectsConfiguredCodec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	if err := os.WriteFile(path, []byte("<unk>\na\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(config.Codec{Kind: config.CodecVocab, VocabPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Name() != "vocab" || c.VocabSize() != 3 {
		t.Errorf("unexpected codec %s with vocab %d", c.Name(), c.VocabSize())
	}

	c, err = New(config.Codec{Kind: config.CodecBytes})
	if err != nil || c.Name() != "bytes" {
		t.Errorf("expected bytes codec, got %v, %v", c, err)
	}
}

func TestNewFallsBackToBytes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")

	c, err := New(config.Codec{Kind: config.CodecHuggingFace, TokenizerPath: missing, Fallback: true})
	if err != nil {
		t.Fatalf("expected fallback, got error %v", err)
	}
	if c.Name() != "bytes" {
		t.Errorf("expected bytes fallback, got %s", c.Name())
	}

	if _, err := New(config.Codec{Kind: config.CodecHuggingFace, TokenizerPath: missing}); err == nil {
		t.Error("expected error without fallback")
	}
	if _, err := New(config.Codec{Kind: "nope"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSafeDecodeRecoversPanics(t *testing.T) {
	got := safeDecode("test", 7, func(int) string { panic("boom") })
	if got != "<7>" {
		t.Errorf("expected placeholder after panic, got %q", got)
	}
	got = safeDecode("test", 8, func(int) string { return "" })
	if got != "<8>" {
		t.Errorf("expected placeholder for empty text, got %q", got)
	}
}

func TestSafeDecodeEscapesInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"valid", "héllo", "héllo"},
		{"leading bytes of a rune", "\xe4\xbd", "<0xe4><0xbd>"},
		{"trailing byte", "a\xa0", "a<0xa0>"},
		{"mixed", "\xf0日", "<0xf0>日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := safeDecode("test", 1, func(int) string { return tt.raw })
			if got != tt.want {
				t.Errorf("safeDecode(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("safeDecode(%q) is not valid UTF-8", tt.raw)
			}
		})
	}
}

func TestTiktoken(t *testing.T) {
	c, err := NewTiktoken("cl100k_base")
	if err != nil {
		t.Skipf("cl100k_base not available offline: %v", err)
	}

	ids, err := c.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("expected tokens")
	}
	if got := c.Decode(ids); got != "hello world" {
		t.Errorf("Decode = %q", got)
	}
	multi, err := c.Encode("日本語のテキスト 🎉")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for _, id := range multi {
		if got := c.DecodeToken(id); !utf8.ValidString(got) {
			t.Errorf("DecodeToken(%d) = %q is not valid UTF-8", id, got)
		}
	}
	if got := c.DecodeToken(c.VocabSize() + 10); !strings.HasPrefix(got, "<") {
		t.Errorf("expected placeholder for out of range id, got %q", got)
	}
}

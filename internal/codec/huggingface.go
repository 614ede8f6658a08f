package codec

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

// HuggingFace loads a tokenizer.json as published alongside Hugging Face models.
type HuggingFace struct {
	path string
	tk   *tokenizer.Tokenizer
}

func NewHuggingFace(path string) (*HuggingFace, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &HuggingFace{path: path, tk: tk}, nil
}

func (*HuggingFace) Name() string { return "huggingface" }

func (h *HuggingFace) VocabSize() int {
	return h.tk.GetVocabSize(true)
}

// Encode does not add special tokens: every id maps to input text.
func (h *HuggingFace) Encode(text string) ([]int, error) {
	metrics.RecordCodecOp("huggingface", "encode")
	en, err := h.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return en.Ids, nil
}

func (h *HuggingFace) Decode(ids []int) string {
	metrics.RecordCodecOp("huggingface", "decode")
	return h.tk.Decode(ids, false)
}

// DecodeToken prefers the decoded form and falls back to the raw vocab piece.
func (h *HuggingFace) DecodeToken(id int) string {
	return safeDecode("huggingface", id, func(id int) string {
		if s := h.tk.Decode([]int{id}, false); s != "" {
			return s
		}
		tok, _ := h.tk.IdToToken(id)
		return tok
	})
}

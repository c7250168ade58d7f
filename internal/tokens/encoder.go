package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Encoder estimates tokens with a real BPE codec (cl100k_base). Slower
// than Heuristic but exact for OpenAI-family models; still deterministic.
type Encoder struct {
	codec tokenizer.Codec
}

// NewEncoder loads the cl100k_base vocabulary.
func NewEncoder() (*Encoder, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Encoder{codec: codec}, nil
}

// Estimate implements Estimator. Encoding failures fall back to the
// heuristic so callers never see an error on the hot path.
func (e *Encoder) Estimate(text string) int {
	if text == "" {
		return 0
	}
	count, err := e.codec.Count(text)
	if err != nil {
		return Heuristic{}.Estimate(text)
	}
	return count
}

// Package tokens counts tokens for debate cost accounting. The default
// estimator uses the common 4-characters-per-token approximation; models with
// a known tiktoken encoding can be counted precisely.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter turns a text into a token count for a given model.
type Counter interface {
	CountText(model, text string) int
}

// Estimator approximates tokens as character count divided by CharsPerToken.
type Estimator struct {
	CharsPerToken int
}

// NewEstimator returns the default chars/4 estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4}
}

func (e *Estimator) CountText(model, text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return len(text) / per
}

// TiktokenCounter counts precisely for models tiktoken knows, falling back to
// the estimator otherwise. Codec lookups are cached per encoding.
type TiktokenCounter struct {
	fallback Counter

	mu    sync.Mutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewTiktokenCounter wraps a fallback counter with tiktoken-based counting.
func NewTiktokenCounter(fallback Counter) *TiktokenCounter {
	if fallback == nil {
		fallback = NewEstimator()
	}
	return &TiktokenCounter{
		fallback: fallback,
		cache:    map[tokenizer.Encoding]tokenizer.Codec{},
	}
}

func (c *TiktokenCounter) CountText(model, text string) int {
	codec, ok := c.codecFor(model)
	if !ok {
		return c.fallback.CountText(model, text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.CountText(model, text)
	}
	return len(ids)
}

func (c *TiktokenCounter) codecFor(model string) (tokenizer.Codec, bool) {
	// Provider-prefixed model ids ("groq/llama-...") are not OpenAI models.
	name := strings.ToLower(model)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	var encoding tokenizer.Encoding
	switch {
	case strings.HasPrefix(name, "gpt-4o"), strings.HasPrefix(name, "gpt-4.1"),
		strings.HasPrefix(name, "gpt-5"), strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		encoding = tokenizer.O200kBase
	case strings.HasPrefix(name, "gpt-4"), strings.HasPrefix(name, "gpt-3.5"),
		strings.HasPrefix(name, "text-embedding"):
		encoding = tokenizer.Cl100kBase
	default:
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if codec, ok := c.cache[encoding]; ok {
		return codec, true
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, false
	}
	c.cache[encoding] = codec
	return codec, true
}

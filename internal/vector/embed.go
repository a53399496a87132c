package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viterin/vek/vek32"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// ─── Hash embedder ───────────────────────────────────────────────────────────

// HashEmbedder is a local feature-hashing embedder. Latin text contributes
// lowercase words; Han and other CJK runes contribute unigrams and bigrams.
// It needs no network and gives stable vectors across runs.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder. dim defaults to 256.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }
func (h *HashEmbedder) Name() string   { return fmt.Sprintf("hash-%d", h.dim) }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	v := make([]float32, h.dim)
	for _, tok := range Tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return Normalize(v)
}

// Tokenize splits text into hash features.
func Tokenize(text string) []string {
	var (
		toks []string
		word strings.Builder
		prev rune
	)
	flush := func() {
		if word.Len() > 0 {
			toks = append(toks, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flush()
			toks = append(toks, string(r))
			if prev != 0 {
				toks = append(toks, string([]rune{prev, r}))
			}
			prev = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
		prev = 0
	}
	flush()
	return toks
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	n := float32(math.Sqrt(float64(vek32.Dot(v, v))))
	if n == 0 {
		return v
	}
	vek32.MulNumber_Inplace(v, 1/n)
	return v
}

// Cosine returns the cosine similarity of two unit vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b))
}

// ─── Cache ───────────────────────────────────────────────────────────────────

// CachedEmbedder memoizes single-text embeddings. Query text repeats often;
// document batches pass through.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with an LRU of size entries.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("vector: embed cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }
func (c *CachedEmbedder) Name() string   { return c.inner.Name() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}
	if v, ok := c.cache.Get(texts[0]); ok {
		return [][]float32{v}, nil
	}
	out, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(out) == 1 {
		c.cache.Add(texts[0], out[0])
	}
	return out, nil
}

// Package llmtest provides an in-memory llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"broadlistening/internal/llm"

	"google.golang.org/genai"
)

const (
	// EmbeddingDims is the size of vectors produced by the default embedder.
	EmbeddingDims = 32
	// EmbeddingModel is the name the fake reports for its embedder.
	EmbeddingModel = "hash-bag-of-words"
)

// Provider is a scriptable fake. With no funcs set it answers every request
// deterministically from the request content.
type Provider struct {
	GenerateFunc func(ctx context.Context, req llm.GenerateRequest) (string, error)
	EmbedFunc    func(ctx context.Context, texts []string) ([][]float64, error)

	// Embedding overrides the reported embedding model when set.
	Embedding llm.EmbeddingSpec

	mu            sync.Mutex
	generateCalls []llm.GenerateRequest
	embedCalls    int
}

// New returns a fake with default behavior.
func New() *Provider {
	return &Provider{}
}

// Generate records the request and answers it.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	p.mu.Lock()
	p.generateCalls = append(p.generateCalls, req)
	fn := p.GenerateFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return DefaultResponse(req), nil
}

// Embed records the call and answers it.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	p.mu.Lock()
	p.embedCalls++
	fn := p.EmbedFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, texts)
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t)
	}
	return out, nil
}

// EmbeddingSpec reports the embedder identity.
func (p *Provider) EmbeddingSpec() llm.EmbeddingSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Embedding.Model != "" {
		return p.Embedding
	}
	return llm.EmbeddingSpec{Model: EmbeddingModel, Dimensions: EmbeddingDims}
}

// GenerateCalls returns a copy of every generation request seen so far.
func (p *Provider) GenerateCalls() []llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.GenerateRequest(nil), p.generateCalls...)
}

// EmbedCalls returns how many embedding batches were requested.
func (p *Provider) EmbedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

// DefaultResponse answers a request the way a cooperative model would.
func DefaultResponse(req llm.GenerateRequest) string {
	switch {
	case strings.HasPrefix(req.Prompt, "Opinions:"):
		items := bulletLines(req.Prompt, "* ")
		return labelJSON("About "+firstWords(items, 3), fmt.Sprintf("%d opinions, starting with: %s", len(items), first(items)))
	case strings.HasPrefix(req.Prompt, "Sub-groups:"):
		items := bulletLines(req.Prompt, "- ")
		return labelJSON("Theme of "+firstWords(items, 2), fmt.Sprintf("Combines %d sub-groups.", len(items)))
	case strings.HasPrefix(req.Prompt, "Categories:"):
		return classifyJSON(req.Prompt)
	case strings.HasPrefix(req.Prompt, "Groups:"):
		items := bulletLines(req.Prompt, "- ")
		return fmt.Sprintf("The comments fall into %d main groups.", len(items))
	default:
		data, _ := json.Marshal(map[string][]string{"extractedOpinionList": SplitSentences(req.Prompt)})
		return string(data)
	}
}

// SplitSentences splits text on sentence punctuation and semicolons.
func SplitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == ';' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HashEmbedding is a deterministic bag-of-words vector: texts sharing words
// end up close under cosine distance.
func HashEmbedding(text string) []float64 {
	vec := make([]float64, EmbeddingDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%EmbeddingDims] += 1
	}
	vec[0] += 0.01

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// APIError builds a provider error with an HTTP status, as the Gemini SDK reports it.
func APIError(code int) error {
	return genai.APIError{Code: code, Message: fmt.Sprintf("simulated status %d", code)}
}

// classifyJSON picks, per classification, the first option named in the
// opinion text, or the first option when none is.
func classifyJSON(prompt string) string {
	head, text, _ := strings.Cut(prompt, "\nOpinion:\n")
	text = strings.ToLower(text)

	var names []string
	options := make(map[string][]string)
	for _, line := range strings.Split(head, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			names = append(names, strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "- ") && len(names) > 0:
			opt, _, _ := strings.Cut(strings.TrimPrefix(line, "- "), ":")
			cur := names[len(names)-1]
			options[cur] = append(options[cur], opt)
		}
	}

	out := make(map[string]string, len(names))
	for _, n := range names {
		opts := options[n]
		if len(opts) == 0 {
			continue
		}
		out[n] = opts[0]
		for _, o := range opts {
			if strings.Contains(text, strings.ToLower(o)) {
				out[n] = o
				break
			}
		}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func labelJSON(label, takeaway string) string {
	data, _ := json.Marshal(map[string]string{"label": label, "description": takeaway})
	return string(data)
}

func bulletLines(prompt, bullet string) []string {
	var out []string
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, bullet) {
			out = append(out, strings.TrimPrefix(line, bullet))
		}
	}
	return out
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

func firstWords(items []string, n int) string {
	words := strings.Fields(first(items))
	if len(words) > n {
		words = words[:n]
	}
	if len(words) == 0 {
		return "nothing"
	}
	return strings.Join(words, " ")
}

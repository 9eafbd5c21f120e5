// Package llm is the gateway between the report pipeline and the language
// model provider: bounded concurrency, rate limiting, retries, and parsing of
// model output into pipeline types.
package llm

import (
	"context"

	"google.golang.org/genai"
)

const (
	// DefaultModel is the default Gemini model for extraction and labelling.
	DefaultModel = "gemini-2.0-flash"
	// DefaultEmbeddingModel is the default model for argument embeddings.
	DefaultEmbeddingModel = "text-embedding-004"
	// DefaultEmbeddingDimensions is the output dimension for embeddings.
	DefaultEmbeddingDimensions = int32(768)
)

// GenerateRequest is one text generation call.
type GenerateRequest struct {
	Model  string
	System string        // System instruction (the stage prompt)
	Prompt string        // User content
	Schema *genai.Schema // Optional: requests JSON output matching the schema
}

// Provider is the external model service.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// EmbeddingSpec identifies the vector space a provider embeds into.
type EmbeddingSpec struct {
	Model      string
	Dimensions int
}

// EmbeddingDescriber is implemented by providers that can name their
// embedding model.
type EmbeddingDescriber interface {
	EmbeddingSpec() EmbeddingSpec
}

// Classification is one dimension the model sorts a text along, with the
// allowed answers and their descriptions.
type Classification struct {
	Name    string
	Options []ClassOption
}

// ClassOption is one allowed answer of a classification.
type ClassOption struct {
	Name        string
	Description string
}

// LabelResult is a label and takeaway for one cluster.
type LabelResult struct {
	Label    string `json:"label"`
	Takeaway string `json:"description"`
}

// ClusterSummary describes a labelled cluster sent back to the model.
type ClusterSummary struct {
	Label    string
	Takeaway string
	Value    int
}

var (
	extractionSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"extractedOpinionList": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		Required: []string{"extractedOpinionList"},
	}

	labelSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"label":       {Type: genai.TypeString},
			"description": {Type: genai.TypeString},
		},
		Required: []string{"label", "description"},
	}
)

// classificationSchema asks for one enum-constrained string per classification.
func classificationSchema(dims []Classification) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(dims)),
	}
	for _, d := range dims {
		values := make([]string, len(d.Options))
		for i, o := range d.Options {
			values[i] = o.Name
		}
		schema.Properties[d.Name] = &genai.Schema{Type: genai.TypeString, Enum: values}
		schema.Required = append(schema.Required, d.Name)
	}
	return schema
}

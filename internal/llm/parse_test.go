package llm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseArgumentList(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
		wantErr  bool
	}{
		{"bare array", `["a", "b"]`, []string{"a", "b"}, false},
		{"wrapped object", `{"extractedOpinionList": ["a"]}`, []string{"a"}, false},
		{"other key", `{"opinions": ["x", "y"]}`, []string{"x", "y"}, false},
		{"code fence", "```json\n[\"a\", \"b\"]\n```", []string{"a", "b"}, false},
		{"trailing comma", `["a", "b", ]`, []string{"a", "b"}, false},
		{"blank entries dropped", `["a", "  ", ""]`, []string{"a"}, false},
		{"empty list", `[]`, []string{}, false},
		{"empty response", "", nil, true},
		{"prose", "Sure! Here are the opinions.", nil, true},
		{"two arrays", `{"a": ["x"], "b": ["y"]}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgumentList(tt.response)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLabel(t *testing.T) {
	got, err := ParseLabel("```json\n{\"label\": \" Transit \", \"description\": \"Later buses.\",}\n```")
	if err != nil {
		t.Fatalf("ParseLabel: %v", err)
	}
	if diff := cmp.Diff(LabelResult{Label: "Transit", Takeaway: "Later buses."}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	got, err = ParseLabel(`{"label": "Parks", "takeaway": "More trees."}`)
	if err != nil || got.Takeaway != "More trees." {
		t.Errorf("takeaway alias not accepted: %+v, %v", got, err)
	}

	if _, err := ParseLabel(`{"label": "", "description": "x"}`); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("empty label should be malformed, got %v", err)
	}
}

func TestParseOverview(t *testing.T) {
	if _, err := ParseOverview("   "); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("blank overview should be malformed, got %v", err)
	}
	if got, _ := ParseOverview("  text \n"); got != "text" {
		t.Errorf("got %q", got)
	}
}

func TestParseClassification(t *testing.T) {
	got, err := ParseClassification("```json\n{\"sentiment\": \" positive \", \"topic\": \"\",}\n```")
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"sentiment": "positive"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseClassification(`{"sentiment": 3}`); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("non-string answer should be malformed, got %v", err)
	}
	if _, err := ParseClassification(`["positive"]`); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("array should be malformed, got %v", err)
	}
}

package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

// cleanJSON strips markdown code fences and trailing commas from model output.
func cleanJSON(response string) string {
	clean := strings.TrimSpace(response)
	if strings.HasPrefix(clean, "```") {
		clean = strings.TrimPrefix(clean, "```json")
		clean = strings.TrimPrefix(clean, "```JSON")
		clean = strings.TrimPrefix(clean, "```")
		clean = strings.TrimSuffix(clean, "```")
		clean = strings.TrimSpace(clean)
	}
	return trailingComma.ReplaceAllString(clean, "$1")
}

// ParseArgumentList parses an extraction response. It accepts a bare JSON
// array of strings or an object holding exactly one such array. Blank
// entries are dropped; an empty list is valid.
func ParseArgumentList(response string) ([]string, error) {
	clean := cleanJSON(response)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var list []string
	if err := json.Unmarshal([]byte(clean), &list); err != nil {
		var obj map[string]json.RawMessage
		if objErr := json.Unmarshal([]byte(clean), &obj); objErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		list, err = singleStringArray(obj)
		if err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func singleStringArray(obj map[string]json.RawMessage) ([]string, error) {
	if raw, ok := obj["extractedOpinionList"]; ok {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: extractedOpinionList: %v", ErrMalformedResponse, err)
		}
		return list, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var found []string
	matches := 0
	for _, k := range keys {
		var list []string
		if err := json.Unmarshal(obj[k], &list); err == nil {
			found = list
			matches++
		}
	}
	if matches != 1 {
		return nil, fmt.Errorf("%w: expected one string array, found %d", ErrMalformedResponse, matches)
	}
	return found, nil
}

// ParseLabel parses a {"label", "description"} response. "takeaway" is
// accepted in place of "description". Both fields must be non-empty.
func ParseLabel(response string) (LabelResult, error) {
	clean := cleanJSON(response)

	var parsed struct {
		Label       string `json:"label"`
		Description string `json:"description"`
		Takeaway    string `json:"takeaway"`
	}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return LabelResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	res := LabelResult{
		Label:    strings.TrimSpace(parsed.Label),
		Takeaway: strings.TrimSpace(parsed.Description),
	}
	if res.Takeaway == "" {
		res.Takeaway = strings.TrimSpace(parsed.Takeaway)
	}
	if res.Label == "" || res.Takeaway == "" {
		return LabelResult{}, fmt.Errorf("%w: label or description is empty", ErrMalformedResponse)
	}
	return res, nil
}

// ParseClassification parses a JSON object mapping classification names to
// the chosen category. Non-string values are rejected; blank answers are
// dropped.
func ParseClassification(response string) (map[string]string, error) {
	clean := cleanJSON(response)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make(map[string]string, len(parsed))
	for k, v := range parsed {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: classification %q is not a string", ErrMalformedResponse, k)
		}
		if s = strings.TrimSpace(s); s != "" {
			out[k] = s
		}
	}
	return out, nil
}

// ParseOverview validates free-text overview output.
func ParseOverview(response string) (string, error) {
	text := strings.TrimSpace(response)
	if text == "" {
		return "", fmt.Errorf("%w: empty overview", ErrMalformedResponse)
	}
	return text, nil
}

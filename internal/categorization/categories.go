package categorization

import (
	"maps"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"
)

// Classifications converts category sets into the model's classification input.
func Classifications(sets []core.CategorySet) []llm.Classification {
	out := make([]llm.Classification, len(sets))
	for i, set := range sets {
		out[i] = llm.Classification{Name: set.Name, Options: make([]llm.ClassOption, len(set.Categories))}
		for j, cat := range set.Categories {
			out[i].Options[j] = llm.ClassOption{Name: cat.Name, Description: cat.Description}
		}
	}
	return out
}

// GetCategoryNames returns just the category names of a set
func GetCategoryNames(set core.CategorySet) []string {
	names := make([]string, len(set.Categories))
	for i, cat := range set.Categories {
		names[i] = cat.Name
	}
	return names
}

// Apply records each argument's categories as properties of its relation.
// Relations are copied; property maps shared between relations of one
// comment are never written to.
func Apply(rels []core.Relation, assigned Assignments) []core.Relation {
	out := make([]core.Relation, len(rels))
	for i, r := range rels {
		cats := assigned[r.ArgumentID]
		if len(cats) == 0 {
			out[i] = r
			continue
		}
		props := make(map[string]string, len(r.Properties)+len(cats))
		maps.Copy(props, r.Properties)
		maps.Copy(props, cats)
		r.Properties = props
		out[i] = r
	}
	return out
}

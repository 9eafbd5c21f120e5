// Package visualization renders the static HTML report from a result
// document.
package visualization

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"sort"

	"broadlistening/internal/clustering"
	"broadlistening/internal/core"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// DefaultDenseThreshold is the highest density percentile listed as a dense group.
const DefaultDenseThreshold = 0.3

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"percent": func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
}).ParseFS(templateFS, "templates/report.html.tmpl"))

// Node is a cluster with its children, for nested rendering.
type Node struct {
	core.Cluster
	Share    float64 // Fraction of all arguments
	Children []*Node
}

type page struct {
	Title       string
	Intro       string
	Overview    template.HTML
	CommentNum  int
	ArgumentNum int
	Tree        []*Node
	Dense       []core.Cluster
}

// Render writes report.html for res. Groups on the deepest level whose
// density percentile is at most denseThreshold are listed separately.
func Render(w io.Writer, res *core.Result, denseThreshold float64) error {
	if res == nil {
		return fmt.Errorf("no result to render")
	}
	p := page{
		Title:       res.Config.Question,
		Intro:       res.Config.Intro,
		Overview:    renderMarkdown(res.Overview),
		CommentNum:  res.CommentNum,
		ArgumentNum: res.ArgumentNum,
		Tree:        Tree(res.Clusters, res.ArgumentNum),
		Dense:       DenseGroups(res.Clusters, denseThreshold),
	}
	if p.Title == "" {
		p.Title = res.Config.ID
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, p); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Tree nests clusters under their parents. Siblings are ordered by size,
// largest first.
func Tree(clusters []core.Cluster, total int) []*Node {
	nodes := make(map[string]*Node, len(clusters))
	for _, c := range clusters {
		n := &Node{Cluster: c}
		if total > 0 {
			n.Share = float64(c.Value) / float64(total)
		}
		nodes[c.ID] = n
	}

	var roots []*Node
	for _, c := range clusters {
		n := nodes[c.ID]
		if parent, ok := nodes[c.Parent]; ok {
			parent.Children = append(parent.Children, n)
		} else {
			roots = append(roots, n)
		}
	}

	var order func([]*Node)
	order = func(ns []*Node) {
		sort.SliceStable(ns, func(i, j int) bool {
			if ns[i].Value != ns[j].Value {
				return ns[i].Value > ns[j].Value
			}
			return clustering.CompareIDs(ns[i].ID, ns[j].ID) < 0
		})
		for _, n := range ns {
			order(n.Children)
		}
	}
	order(roots)
	return roots
}

// DenseGroups returns deepest-level clusters at or under the threshold,
// densest first.
func DenseGroups(clusters []core.Cluster, threshold float64) []core.Cluster {
	deepest := 0
	for _, c := range clusters {
		deepest = max(deepest, c.Level)
	}

	var out []core.Cluster
	for _, c := range clusters {
		if c.Level == deepest && c.DensityRankPercentile <= threshold {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DensityRankPercentile != out[j].DensityRankPercentile {
			return out[i].DensityRankPercentile < out[j].DensityRankPercentile
		}
		return clustering.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

// renderMarkdown converts markdown text to HTML for safe rendering.
func renderMarkdown(text string) template.HTML {
	if text == "" {
		return template.HTML("")
	}

	mdParser := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.HrefTargetBlank | html.SkipHTML,
	})

	return template.HTML(markdown.ToHTML([]byte(text), mdParser, renderer))
}

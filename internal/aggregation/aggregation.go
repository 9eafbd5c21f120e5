// Package aggregation joins every stage's output into the result document.
package aggregation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"broadlistening/internal/clustering"
	"broadlistening/internal/core"
)

// ErrUnresolvedReference means an artifact points at an argument, comment
// or cluster that does not exist.
var ErrUnresolvedReference = errors.New("unresolved reference")

// Input is everything aggregation reads.
type Input struct {
	Submission *core.Submission
	Arguments  []core.Argument
	Relations  []core.Relation
	Table      *core.ClusterTable
	Clusters   []core.Cluster
	Overview   string
}

// Build assembles the result document. The output depends only on the input,
// so running it twice gives identical documents.
func Build(in Input) (*core.Result, error) {
	if in.Submission == nil || in.Table == nil {
		return nil, fmt.Errorf("aggregation input is incomplete")
	}

	selected := in.Submission.SelectedComments()
	comments := make(map[string]core.Comment, len(selected))
	for _, c := range selected {
		comments[c.ID] = c
	}
	args := make(map[string]core.Argument, len(in.Arguments))
	for _, a := range in.Arguments {
		if _, ok := comments[a.CommentID]; !ok {
			return nil, fmt.Errorf("%w: argument %s names comment %s", ErrUnresolvedReference, a.ID, a.CommentID)
		}
		args[a.ID] = a
	}
	clusters := make(map[string]bool, len(in.Clusters))
	for _, c := range in.Clusters {
		clusters[c.ID] = true
	}
	members := make(map[string]int, len(in.Clusters))
	placed := make(map[string]bool, len(in.Table.Arguments))

	res := &core.Result{
		Arguments:    make([]core.ResultArgument, 0, len(in.Table.Arguments)),
		Comments:     make(map[string]core.ResultComment),
		PropertyMap:  make(map[string]map[string]string),
		Translations: make(map[string]map[string]string),
		Overview:     in.Overview,
		Config:       *in.Submission,
	}
	// The document carries its own comments; the config copy stays small.
	res.Config.Comments = nil

	for _, p := range in.Table.Arguments {
		a, ok := args[p.ArgumentID]
		if !ok {
			return nil, fmt.Errorf("%w: cluster table places unknown argument %s", ErrUnresolvedReference, p.ArgumentID)
		}
		if placed[a.ID] {
			return nil, fmt.Errorf("%w: cluster table places argument %s twice", ErrUnresolvedReference, a.ID)
		}
		placed[a.ID] = true
		for _, id := range p.ClusterIDs {
			if !clusters[id] {
				return nil, fmt.Errorf("%w: argument %s is in unknown cluster %s", ErrUnresolvedReference, a.ID, id)
			}
			members[id]++
		}
		res.Arguments = append(res.Arguments, core.ResultArgument{
			ID:         a.ID,
			Text:       a.Text,
			CommentID:  a.CommentID,
			X:          p.X,
			Y:          p.Y,
			ClusterIDs: append([]string(nil), p.ClusterIDs...),
		})
		c := comments[a.CommentID]
		res.Comments[c.ID] = core.ResultComment{Text: c.Text, Source: c.Source, URL: c.URL}
	}
	for _, a := range in.Arguments {
		if !placed[a.ID] {
			return nil, fmt.Errorf("%w: argument %s is not placed in the cluster tree", ErrUnresolvedReference, a.ID)
		}
	}
	sort.Slice(res.Arguments, func(i, j int) bool { return res.Arguments[i].ID < res.Arguments[j].ID })

	for _, r := range in.Relations {
		if _, ok := args[r.ArgumentID]; !ok {
			return nil, fmt.Errorf("%w: relation for unknown argument %s", ErrUnresolvedReference, r.ArgumentID)
		}
		for prop, value := range r.Properties {
			if res.PropertyMap[prop] == nil {
				res.PropertyMap[prop] = make(map[string]string)
			}
			res.PropertyMap[prop][r.ArgumentID] = value
		}
	}

	res.Clusters = append([]core.Cluster(nil), in.Clusters...)
	for _, c := range res.Clusters {
		if c.Parent != "" && !clusters[c.Parent] {
			return nil, fmt.Errorf("%w: cluster %s has unknown parent %s", ErrUnresolvedReference, c.ID, c.Parent)
		}
		if members[c.ID] != c.Value {
			return nil, fmt.Errorf("%w: cluster %s counts %d members but %d are placed in it", ErrUnresolvedReference, c.ID, c.Value, members[c.ID])
		}
	}
	sort.SliceStable(res.Clusters, func(i, j int) bool {
		return clustering.CompareIDs(res.Clusters[i].ID, res.Clusters[j].ID) < 0
	})

	res.CommentNum = len(selected)
	res.ArgumentNum = len(res.Arguments)
	return res, nil
}

// CSVHeader is the header row of the comments export.
var CSVHeader = []string{"comment-id", "original-comment", "arg-id", "argument", "category-id", "category"}

// WriteCSV writes one row per argument, categorized by its deepest cluster.
func WriteCSV(w io.Writer, res *core.Result) error {
	labels := make(map[string]string, len(res.Clusters))
	for _, c := range res.Clusters {
		labels[c.ID] = c.Label
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, a := range res.Arguments {
		if len(a.ClusterIDs) == 0 {
			return fmt.Errorf("%w: argument %s has no cluster", ErrUnresolvedReference, a.ID)
		}
		category := a.ClusterIDs[len(a.ClusterIDs)-1]
		label, ok := labels[category]
		if !ok {
			return fmt.Errorf("%w: cluster %s", ErrUnresolvedReference, category)
		}
		c, ok := res.Comments[a.CommentID]
		if !ok {
			return fmt.Errorf("%w: comment %s", ErrUnresolvedReference, a.CommentID)
		}
		row := []string{a.CommentID, strings.TrimSpace(c.Text), a.ID, a.Text, category, label}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

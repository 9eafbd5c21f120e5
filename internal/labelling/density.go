package labelling

import (
	"fmt"
	"sort"

	"broadlistening/internal/clustering"
	"broadlistening/internal/core"
)

// Density returns, for every cluster, its density rank percentile within its
// level. Density is measured as the mean distance of members to the cluster
// centroid in the reduced space divided by the member count: lower is
// denser and ranks first. Tied clusters share the lowest rank.
func Density(table *core.ClusterTable) map[string]float64 {
	points := make(map[string][]float64, len(table.Arguments))
	for _, p := range table.Arguments {
		points[p.ArgumentID] = []float64{p.X, p.Y}
	}
	members := clustering.Members(table)

	ratios := make(map[int][]ratio)
	for _, n := range table.Clusters {
		ids := members[n.ID]
		coords := make([][]float64, len(ids))
		idx := make([]int, len(ids))
		for i, id := range ids {
			coords[i] = points[id]
			idx[i] = i
		}

		spread := 0.0
		if len(ids) > 1 {
			c := clustering.Centroid(coords, idx)
			for _, p := range coords {
				spread += clustering.EuclideanDistance(p, c)
			}
			spread /= float64(len(ids))
		}

		r := 0.0
		if len(ids) > 0 {
			r = spread / float64(len(ids))
		}
		ratios[n.Level] = append(ratios[n.Level], ratio{id: n.ID, value: r})
	}

	out := make(map[string]float64, len(table.Clusters))
	for _, rs := range ratios {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].value < rs[j].value })
		n := len(rs)
		rank := 0
		for i, r := range rs {
			if i > 0 && r.value != rs[i-1].value {
				rank = i
			}
			pct := 0.0
			if n > 1 {
				pct = float64(rank) / float64(n-1)
			}
			out[r.id] = pct
		}
	}
	return out
}

type ratio struct {
	id    string
	value float64
}

// Assemble joins the cluster tree, labels and density into labelled
// clusters, ordered by level then index.
func Assemble(table *core.ClusterTable, labels []core.ClusterLabel) ([]core.Cluster, error) {
	byID := make(map[string]core.ClusterLabel, len(labels))
	for _, lb := range labels {
		byID[lb.ClusterID] = lb
	}
	density := Density(table)

	out := make([]core.Cluster, 0, len(table.Clusters))
	for _, n := range table.Clusters {
		lb, ok := byID[n.ID]
		if !ok || lb.Label == "" {
			return nil, fmt.Errorf("cluster %s has no label", n.ID)
		}
		out = append(out, core.Cluster{
			ID:                    n.ID,
			Level:                 n.Level,
			Parent:                n.Parent,
			Label:                 lb.Label,
			Takeaway:              lb.Takeaway,
			Value:                 n.Value,
			DensityRankPercentile: density[n.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return clustering.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

// ValidateClusters checks that labelled clusters match the tree one-to-one
// and carry labels and percentiles in range.
func ValidateClusters(table *core.ClusterTable, clusters []core.Cluster) error {
	if len(clusters) != len(table.Clusters) {
		return fmt.Errorf("have %d labelled clusters for %d clusters", len(clusters), len(table.Clusters))
	}
	nodes := make(map[string]core.ClusterNode, len(table.Clusters))
	for _, n := range table.Clusters {
		nodes[n.ID] = n
	}
	for _, c := range clusters {
		n, ok := nodes[c.ID]
		if !ok {
			return fmt.Errorf("unknown cluster %s", c.ID)
		}
		delete(nodes, c.ID)
		if c.Level != n.Level || c.Parent != n.Parent || c.Value != n.Value {
			return fmt.Errorf("cluster %s does not match the cluster tree", c.ID)
		}
		if c.Label == "" || c.Takeaway == "" {
			return fmt.Errorf("cluster %s has an empty label", c.ID)
		}
		if c.DensityRankPercentile < 0 || c.DensityRankPercentile > 1 {
			return fmt.Errorf("cluster %s has density percentile %v", c.ID, c.DensityRankPercentile)
		}
	}
	return nil
}

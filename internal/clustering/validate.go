package clustering

import (
	"fmt"
	"slices"

	"broadlistening/internal/core"
)

// ValidateTable checks that a cluster table is a consistent tree over args:
// every level partitions the arguments, every cluster has members, every
// non-top cluster has one parent on the level above, and each argument's
// cluster path follows those parents.
func ValidateTable(table *core.ClusterTable, args []core.Argument) error {
	if table == nil {
		return fmt.Errorf("cluster table is empty")
	}
	if err := CheckSizes(table.ClusterSizes, len(args)); err != nil {
		return err
	}
	if len(table.Arguments) != len(args) {
		return fmt.Errorf("cluster table places %d arguments, want %d", len(table.Arguments), len(args))
	}

	levels := len(table.ClusterSizes)
	nodes := make(map[string]core.ClusterNode, len(table.Clusters))
	perLevel := make([]int, levels)
	for _, n := range table.Clusters {
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate cluster %s", n.ID)
		}
		if n.Level < 1 || n.Level > levels {
			return fmt.Errorf("cluster %s has level %d outside 1-%d", n.ID, n.Level, levels)
		}
		nodes[n.ID] = n
		perLevel[n.Level-1]++
	}
	for i, want := range table.ClusterSizes {
		if perLevel[i] != want {
			return fmt.Errorf("level %d has %d clusters, want %d", i+1, perLevel[i], want)
		}
	}

	for _, n := range table.Clusters {
		if n.Value <= 0 {
			return fmt.Errorf("cluster %s has no members", n.ID)
		}
		if n.Level == 1 {
			if n.Parent != "" {
				return fmt.Errorf("top-level cluster %s has parent %s", n.ID, n.Parent)
			}
			continue
		}
		p, ok := nodes[n.Parent]
		if !ok || p.Level != n.Level-1 {
			return fmt.Errorf("cluster %s has invalid parent %q", n.ID, n.Parent)
		}
	}

	known := make(map[string]bool, len(args))
	for _, a := range args {
		known[a.ID] = true
	}
	counts := make(map[string]int, len(nodes))
	seen := make(map[string]bool, len(args))
	for _, p := range table.Arguments {
		if !known[p.ArgumentID] {
			return fmt.Errorf("cluster table places unknown argument %s", p.ArgumentID)
		}
		if seen[p.ArgumentID] {
			return fmt.Errorf("argument %s placed twice", p.ArgumentID)
		}
		seen[p.ArgumentID] = true
		if len(p.ClusterIDs) != levels {
			return fmt.Errorf("argument %s has %d cluster ids, want %d", p.ArgumentID, len(p.ClusterIDs), levels)
		}
		for i, id := range p.ClusterIDs {
			n, ok := nodes[id]
			if !ok || n.Level != i+1 {
				return fmt.Errorf("argument %s references unknown cluster %q at level %d", p.ArgumentID, id, i+1)
			}
			if i > 0 && n.Parent != p.ClusterIDs[i-1] {
				return fmt.Errorf("argument %s path breaks at %s", p.ArgumentID, id)
			}
			counts[id]++
		}
	}

	for id, n := range nodes {
		if counts[id] != n.Value {
			return fmt.Errorf("cluster %s reports %d members, has %d", id, n.Value, counts[id])
		}
	}
	return nil
}

// Members returns the argument ids of every cluster, in table order.
func Members(table *core.ClusterTable) map[string][]string {
	out := make(map[string][]string, len(table.Clusters))
	for _, p := range table.Arguments {
		for _, id := range p.ClusterIDs {
			out[id] = append(out[id], p.ArgumentID)
		}
	}
	return out
}

// Children returns the child cluster ids of every cluster, sorted.
func Children(table *core.ClusterTable) map[string][]string {
	out := make(map[string][]string)
	for _, n := range table.Clusters {
		if n.Parent != "" {
			out[n.Parent] = append(out[n.Parent], n.ID)
		}
	}
	for _, c := range out {
		slices.SortFunc(c, CompareIDs)
	}
	return out
}

// CompareIDs orders "level_index" cluster ids by level, then index.
func CompareIDs(a, b string) int {
	var la, ia, lb, ib int
	fmt.Sscanf(a, "%d_%d", &la, &ia)
	fmt.Sscanf(b, "%d_%d", &lb, &ib)
	if la != lb {
		return la - lb
	}
	return ia - ib
}

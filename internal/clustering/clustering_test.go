package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"broadlistening/internal/core"
	"broadlistening/internal/logger"
)

// groups builds n arguments per group around orthogonal directions.
func groups(count, n int) ([]core.Embedding, []core.Argument) {
	var embs []core.Embedding
	var args []core.Argument
	for g := 0; g < count; g++ {
		for i := 0; i < n; i++ {
			v := make([]float64, 10)
			v[g] = 1
			v[4+(i%6)] = 0.02 * float64(i+1)
			id := fmt.Sprintf("A%d_%d", g, i)
			embs = append(embs, core.Embedding{ArgumentID: id, Vector: v})
			args = append(args, core.Argument{ID: id, CommentID: fmt.Sprint(g), Text: id})
		}
	}
	return embs, args
}

func twoGroups(n int) ([]core.Embedding, []core.Argument) {
	return groups(2, n)
}

func TestClusterTwoLevels(t *testing.T) {
	embs, args := groups(3, 4)
	engine := NewEngine(DefaultConfig(), logger.Discard())

	table, err := engine.Cluster(context.Background(), embs, []int{3, 6})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if err := ValidateTable(table, args); err != nil {
		t.Fatalf("invalid table: %v", err)
	}
	if len(table.Clusters) != 9 {
		t.Fatalf("got %d clusters, want 9", len(table.Clusters))
	}

	// Each group lands in its own top-level cluster.
	tops := map[string]bool{}
	for g := 0; g < 3; g++ {
		top := table.Arguments[g*4].ClusterIDs[0]
		tops[top] = true
		for i := 1; i < 4; i++ {
			if got := table.Arguments[g*4+i].ClusterIDs[0]; got != top {
				t.Errorf("argument %s in %s, want %s", table.Arguments[g*4+i].ArgumentID, got, top)
			}
		}
	}
	if len(tops) != 3 {
		t.Errorf("groups share top-level clusters: %v", tops)
	}

	// Numbering follows first appearance.
	if got := table.Arguments[0].ClusterIDs; got[0] != "1_0" || got[1] != "2_0" {
		t.Errorf("first argument path = %v, want [1_0 2_0]", got)
	}
	if table.Clusters[0].ID != "1_0" || table.Clusters[0].Parent != "" {
		t.Errorf("first cluster = %+v", table.Clusters[0])
	}
}

func TestClusterDeterministic(t *testing.T) {
	embs, _ := twoGroups(6)
	engine := NewEngine(DefaultConfig(), logger.Discard())

	first, err := engine.Cluster(context.Background(), embs, []int{2, 3, 5})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	second, err := engine.Cluster(context.Background(), embs, []int{2, 3, 5})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("same input and seed produced different trees")
	}
}

func TestClusterInsufficientData(t *testing.T) {
	embs := []core.Embedding{
		{ArgumentID: "A1_0", Vector: []float64{1, 0}},
		{ArgumentID: "A2_0", Vector: []float64{0, 1}},
		{ArgumentID: "A3_0", Vector: []float64{1, 1}},
	}
	engine := NewEngine(DefaultConfig(), logger.Discard())

	_, err := engine.Cluster(context.Background(), embs, []int{10})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestCheckSizes(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		n     int
		want  error
	}{
		{"ok", []int{2, 5}, 5, nil},
		{"single", []int{3}, 3, nil},
		{"empty", nil, 5, ErrInvalidLevels},
		{"zero", []int{0, 2}, 5, ErrInvalidLevels},
		{"decreasing", []int{4, 2}, 5, ErrInvalidLevels},
		{"equal", []int{2, 2}, 5, ErrInvalidLevels},
		{"too many", []int{2, 6}, 5, ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSizes(tt.sizes, tt.n)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClusterEveryArgumentItsOwnCluster(t *testing.T) {
	embs, args := twoGroups(2)
	engine := NewEngine(DefaultConfig(), logger.Discard())

	table, err := engine.Cluster(context.Background(), embs, []int{1, 4})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if err := ValidateTable(table, args); err != nil {
		t.Fatalf("invalid table: %v", err)
	}
	for _, n := range table.Clusters {
		if n.Level == 2 && n.Value != 1 {
			t.Errorf("cluster %s has %d members, want 1", n.ID, n.Value)
		}
		if n.Level == 1 && n.Value != 4 {
			t.Errorf("root cluster has %d members, want 4", n.Value)
		}
	}
}

func TestClusterCanceled(t *testing.T) {
	embs, _ := twoGroups(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(DefaultConfig(), logger.Discard()).Cluster(ctx, embs, []int{2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestKMeansExactlyK(t *testing.T) {
	// Duplicate points force empty clusters that must be refilled.
	points := [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}, {5, 5}}
	rng := rand.New(rand.NewSource(1))

	p, err := KMeans(points, 4, rng, DefaultKMeansConfig())
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	for c, size := range p.Sizes() {
		if size == 0 {
			t.Errorf("cluster %d is empty", c)
		}
	}
	if p.Assignments[0] != 0 {
		t.Errorf("first point in cluster %d, want 0", p.Assignments[0])
	}
}

func TestKMeansInvalidK(t *testing.T) {
	points := [][]float64{{0, 0}, {1, 1}}
	rng := rand.New(rand.NewSource(1))
	if _, err := KMeans(points, 3, rng, DefaultKMeansConfig()); err == nil {
		t.Error("expected error for k > n")
	}
	if _, err := KMeans(points, 0, rng, DefaultKMeansConfig()); err == nil {
		t.Error("expected error for k = 0")
	}
}

func TestReduceSmallInputs(t *testing.T) {
	for n := 1; n <= 3; n++ {
		vectors := make([][]float64, n)
		for i := range vectors {
			vectors[i] = []float64{float64(i + 1), 1}
		}
		out, err := Reduce(vectors, 0)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(out) != n {
			t.Fatalf("n=%d: got %d points", n, len(out))
		}
		for _, p := range out {
			if len(p) != ReducedDims || math.IsNaN(p[0]) || math.IsNaN(p[1]) {
				t.Errorf("n=%d: bad point %v", n, p)
			}
		}
	}
}

func TestSilhouette(t *testing.T) {
	points := [][]float64{{0, 0}, {0, 1}, {10, 0}, {10, 1}}
	assignments := []int{0, 0, 1, 1}

	a := AnalyzeLevel(1, points, assignments, nil)
	if a.OverallScore < 0.8 {
		t.Errorf("score = %.3f, want > 0.8 for separated clusters", a.OverallScore)
	}
	if a.NumClusters != 2 || a.NumPoints != 4 {
		t.Errorf("analysis = %+v", a)
	}

	if s := SilhouetteScore(0, []int{0, 1}, DistanceMatrix(points[:2], EuclideanDistance)); s != 0 {
		t.Errorf("singleton score = %v, want 0", s)
	}
}

func TestValidateTableRejectsBrokenTrees(t *testing.T) {
	args := []core.Argument{{ID: "a"}, {ID: "b"}}
	valid := func() *core.ClusterTable {
		return &core.ClusterTable{
			ClusterSizes: []int{1, 2},
			Arguments: []core.ArgumentPlacement{
				{ArgumentID: "a", ClusterIDs: []string{"1_0", "2_0"}},
				{ArgumentID: "b", ClusterIDs: []string{"1_0", "2_1"}},
			},
			Clusters: []core.ClusterNode{
				{ID: "1_0", Level: 1, Value: 2},
				{ID: "2_0", Level: 2, Parent: "1_0", Value: 1},
				{ID: "2_1", Level: 2, Parent: "1_0", Value: 1},
			},
		}
	}
	if err := ValidateTable(valid(), args); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*core.ClusterTable)
	}{
		{"missing parent", func(tb *core.ClusterTable) { tb.Clusters[1].Parent = "" }},
		{"wrong count", func(tb *core.ClusterTable) { tb.Clusters[0].Value = 3 }},
		{"unknown cluster", func(tb *core.ClusterTable) { tb.Arguments[0].ClusterIDs[1] = "2_9" }},
		{"missing level", func(tb *core.ClusterTable) { tb.Clusters = tb.Clusters[:2] }},
		{"unknown argument", func(tb *core.ClusterTable) { tb.Arguments[1].ArgumentID = "z" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := valid()
			tt.mutate(tb)
			if err := ValidateTable(tb, args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestChildrenAndMembers(t *testing.T) {
	table := &core.ClusterTable{
		Arguments: []core.ArgumentPlacement{
			{ArgumentID: "a", ClusterIDs: []string{"1_0", "2_1"}},
			{ArgumentID: "b", ClusterIDs: []string{"1_0", "2_0"}},
		},
		Clusters: []core.ClusterNode{
			{ID: "1_0", Level: 1},
			{ID: "2_1", Level: 2, Parent: "1_0"},
			{ID: "2_0", Level: 2, Parent: "1_0"},
		},
	}
	if got := Children(table)["1_0"]; !reflect.DeepEqual(got, []string{"2_0", "2_1"}) {
		t.Errorf("children = %v", got)
	}
	if got := Members(table)["1_0"]; !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("members = %v", got)
	}
	if CompareIDs("2_10", "2_9") <= 0 || CompareIDs("1_5", "2_0") >= 0 {
		t.Error("CompareIDs should order numerically")
	}
}

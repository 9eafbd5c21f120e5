package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"broadlistening/internal/aggregation"
	"broadlistening/internal/categorization"
	"broadlistening/internal/clustering"
	"broadlistening/internal/core"
	"broadlistening/internal/embedding"
	"broadlistening/internal/extraction"
	"broadlistening/internal/labelling"
	"broadlistening/internal/llm"
	"broadlistening/internal/overview"
	"broadlistening/internal/visualization"
	"broadlistening/internal/workspace"
)

// Settings are the run parameters that do not come from the submission.
type Settings struct {
	Seed           int64
	SamplingNum    int
	DenseThreshold float64
	Clustering     clustering.Config
}

// DefaultSettings returns the pipeline defaults.
func DefaultSettings() Settings {
	return Settings{
		Seed:           42,
		SamplingNum:    labelling.DefaultSamplingNum,
		DenseThreshold: visualization.DefaultDenseThreshold,
		Clustering:     clustering.DefaultConfig(),
	}
}

// RunContext is what every step receives.
type RunContext struct {
	Submission *core.Submission
	Workspace  *workspace.Workspace
	Gateway    *llm.Gateway
	Settings   Settings
	Log        *slog.Logger
	Progress   core.ProgressFunc
}

// Step is one pipeline stage.
type Step interface {
	Stage() core.Stage
	// Outputs are the artifacts the step writes. They are deleted before
	// the step runs.
	Outputs(rc *RunContext) []string
	// Params are the inputs, beyond earlier artifacts, that the outputs
	// depend on. A change forces the step to run again.
	Params(rc *RunContext) any
	// Valid reports whether existing outputs can be reused.
	Valid(rc *RunContext) error
	Run(ctx context.Context, rc *RunContext) error
}

// DefaultSteps returns the report pipeline in execution order.
func DefaultSteps() []Step {
	return []Step{
		extractionStep{},
		embeddingStep{},
		clusteringStep{},
		initialLabellingStep{},
		mergeLabellingStep{},
		overviewStep{},
		aggregationStep{},
		visualizationStep{},
	}
}

// StageOutputs returns the artifacts a stage always writes.
func StageOutputs(stage core.Stage) []string {
	switch stage {
	case core.StageExtraction:
		return []string{workspace.ArgumentsFile, workspace.RelationsFile}
	case core.StageEmbedding:
		return []string{workspace.EmbeddingsFile}
	case core.StageClustering:
		return []string{workspace.ClustersFile}
	case core.StageInitialLabelling:
		return []string{workspace.InitialLabelsFile}
	case core.StageMergeLabelling:
		return []string{workspace.MergeLabelsFile}
	case core.StageOverview:
		return []string{workspace.OverviewFile}
	case core.StageAggregation:
		return []string{workspace.ResultFile}
	case core.StageVisualization:
		return []string{workspace.ReportHTMLFile}
	}
	return nil
}

func (rc *RunContext) arguments() ([]core.Argument, error) {
	var args []core.Argument
	if err := rc.Workspace.ReadJSON(workspace.ArgumentsFile, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (rc *RunContext) clusterTable() (*core.ClusterTable, error) {
	var table core.ClusterTable
	if err := rc.Workspace.ReadJSON(workspace.ClustersFile, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

func (rc *RunContext) clusters() ([]core.Cluster, error) {
	var clusters []core.Cluster
	if err := rc.Workspace.ReadJSON(workspace.MergeLabelsFile, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

func (rc *RunContext) labeller() *labelling.Labeller {
	return labelling.NewLabeller(rc.Gateway, labelling.Config{
		SamplingNum: rc.Settings.SamplingNum,
		Seed:        rc.Settings.Seed,
		Workers:     rc.Submission.WorkerConcurrency,
	}, rc.Log, rc.Progress)
}

// extraction

type extractionStep struct{}

func (extractionStep) Stage() core.Stage { return core.StageExtraction }

func (extractionStep) Outputs(*RunContext) []string { return StageOutputs(core.StageExtraction) }

func (extractionStep) Params(rc *RunContext) any {
	p := struct {
		Comments             []core.Comment
		Prompt               string
		Model                string
		Categories           []core.CategorySet `json:",omitempty"`
		ClassificationPrompt string             `json:",omitempty"`
	}{
		Comments: rc.Submission.SelectedComments(),
		Prompt:   rc.Submission.Prompts.Extraction,
		Model:    rc.Gateway.Model(),
	}
	if len(rc.Submission.Categories) > 0 {
		p.Categories = rc.Submission.Categories
		p.ClassificationPrompt = rc.Submission.Prompts.Classification
	}
	return p
}

func (extractionStep) Valid(rc *RunContext) error {
	args, err := rc.arguments()
	if err != nil {
		return err
	}
	var rels []core.Relation
	if err := rc.Workspace.ReadJSON(workspace.RelationsFile, &rels); err != nil {
		return err
	}
	if len(args) == 0 {
		return extraction.ErrNoArguments
	}
	if len(rels) != len(args) {
		return fmt.Errorf("have %d relations for %d arguments", len(rels), len(args))
	}
	comments := rc.Submission.CommentByID()
	for i, a := range args {
		if _, ok := comments[a.CommentID]; !ok {
			return fmt.Errorf("argument %s names unknown comment %s", a.ID, a.CommentID)
		}
		if rels[i].ArgumentID != a.ID {
			return fmt.Errorf("relation %d is for %s, want %s", i, rels[i].ArgumentID, a.ID)
		}
		for _, set := range rc.Submission.Categories {
			cat := rels[i].Properties[set.Name]
			if cat != categorization.Uncategorized && !slices.Contains(categorization.GetCategoryNames(set), cat) {
				return fmt.Errorf("argument %s has no %s category", a.ID, set.Name)
			}
		}
	}
	return nil
}

func (extractionStep) Run(ctx context.Context, rc *RunContext) error {
	ex := extraction.NewExtractor(rc.Gateway, rc.Submission.WorkerConcurrency, rc.Log, rc.Progress)
	res, err := ex.Extract(ctx, rc.Submission.SelectedComments(), rc.Submission.Prompts.Extraction)
	if err != nil {
		return err
	}
	if sets := rc.Submission.Categories; len(sets) > 0 {
		cz := categorization.NewCategorizer(rc.Gateway, sets, rc.Submission.WorkerConcurrency, rc.Log, rc.Progress)
		assigned, err := cz.Categorize(ctx, res.Arguments, rc.Submission.Prompts.Classification)
		if err != nil {
			return fmt.Errorf("categorization failed: %w", err)
		}
		res.Relations = categorization.Apply(res.Relations, assigned)
	}
	if err := rc.Workspace.WriteJSON(workspace.ArgumentsFile, res.Arguments); err != nil {
		return err
	}
	return rc.Workspace.WriteJSON(workspace.RelationsFile, res.Relations)
}

// embedding

type embeddingStep struct{}

func (embeddingStep) Stage() core.Stage { return core.StageEmbedding }

func (embeddingStep) Outputs(*RunContext) []string { return StageOutputs(core.StageEmbedding) }

func (embeddingStep) Params(rc *RunContext) any {
	return rc.Gateway.EmbeddingSpec()
}

func (embeddingStep) Valid(rc *RunContext) error {
	args, err := rc.arguments()
	if err != nil {
		return err
	}
	var embs []core.Embedding
	if err := rc.Workspace.ReadJSON(workspace.EmbeddingsFile, &embs); err != nil {
		return err
	}
	return embedding.Validate(args, embs)
}

func (embeddingStep) Run(ctx context.Context, rc *RunContext) error {
	args, err := rc.arguments()
	if err != nil {
		return err
	}
	rc.Progress.Report(0, len(args))
	embs, err := embedding.Embed(ctx, rc.Gateway, args, rc.Log)
	if err != nil {
		return err
	}
	rc.Progress.Report(len(args), len(args))
	return rc.Workspace.WriteJSON(workspace.EmbeddingsFile, embs)
}

// hierarchical clustering

type clusteringStep struct{}

func (clusteringStep) Stage() core.Stage { return core.StageClustering }

func (clusteringStep) Outputs(*RunContext) []string { return StageOutputs(core.StageClustering) }

func (clusteringStep) Params(rc *RunContext) any {
	return struct {
		ClusterSizes []int
		Clustering   clustering.Config
	}{rc.Submission.ClusterSizes, rc.Settings.Clustering}
}

func (clusteringStep) Valid(rc *RunContext) error {
	args, err := rc.arguments()
	if err != nil {
		return err
	}
	table, err := rc.clusterTable()
	if err != nil {
		return err
	}
	if !slices.Equal(table.ClusterSizes, rc.Submission.ClusterSizes) {
		return fmt.Errorf("cluster sizes changed from %v to %v", table.ClusterSizes, rc.Submission.ClusterSizes)
	}
	return clustering.ValidateTable(table, args)
}

func (clusteringStep) Run(ctx context.Context, rc *RunContext) error {
	var embs []core.Embedding
	if err := rc.Workspace.ReadJSON(workspace.EmbeddingsFile, &embs); err != nil {
		return err
	}
	table, err := clustering.NewEngine(rc.Settings.Clustering, rc.Log).Cluster(ctx, embs, rc.Submission.ClusterSizes)
	if err != nil {
		return err
	}
	return rc.Workspace.WriteJSON(workspace.ClustersFile, table)
}

// initial labelling

type initialLabellingStep struct{}

func (initialLabellingStep) Stage() core.Stage { return core.StageInitialLabelling }

func (initialLabellingStep) Outputs(*RunContext) []string {
	return StageOutputs(core.StageInitialLabelling)
}

func (initialLabellingStep) Params(rc *RunContext) any {
	return struct {
		Prompt      string
		Model       string
		SamplingNum int
		Seed        int64
	}{rc.Submission.Prompts.InitialLabelling, rc.Gateway.Model(), rc.Settings.SamplingNum, rc.Settings.Seed}
}

func (initialLabellingStep) Valid(rc *RunContext) error {
	table, err := rc.clusterTable()
	if err != nil {
		return err
	}
	var labels []core.ClusterLabel
	if err := rc.Workspace.ReadJSON(workspace.InitialLabelsFile, &labels); err != nil {
		return err
	}
	return labelling.ValidateLabels(table, labels, len(table.ClusterSizes))
}

func (initialLabellingStep) Run(ctx context.Context, rc *RunContext) error {
	table, err := rc.clusterTable()
	if err != nil {
		return err
	}
	args, err := rc.arguments()
	if err != nil {
		return err
	}
	labels, err := rc.labeller().InitialLabels(ctx, table, args, rc.Submission.Prompts.InitialLabelling)
	if err != nil {
		return err
	}
	return rc.Workspace.WriteJSON(workspace.InitialLabelsFile, labels)
}

// merge labelling

type mergeLabellingStep struct{}

func (mergeLabellingStep) Stage() core.Stage { return core.StageMergeLabelling }

func (mergeLabellingStep) Outputs(*RunContext) []string {
	return StageOutputs(core.StageMergeLabelling)
}

func (mergeLabellingStep) Params(rc *RunContext) any {
	return struct {
		Prompt      string
		Model       string
		SamplingNum int
	}{rc.Submission.Prompts.MergeLabelling, rc.Gateway.Model(), rc.Settings.SamplingNum}
}

func (mergeLabellingStep) Valid(rc *RunContext) error {
	table, err := rc.clusterTable()
	if err != nil {
		return err
	}
	clusters, err := rc.clusters()
	if err != nil {
		return err
	}
	return labelling.ValidateClusters(table, clusters)
}

func (mergeLabellingStep) Run(ctx context.Context, rc *RunContext) error {
	table, err := rc.clusterTable()
	if err != nil {
		return err
	}
	var initial []core.ClusterLabel
	if err := rc.Workspace.ReadJSON(workspace.InitialLabelsFile, &initial); err != nil {
		return err
	}
	labels, err := rc.labeller().MergeLabels(ctx, table, initial, rc.Submission.Prompts.MergeLabelling)
	if err != nil {
		return err
	}
	clusters, err := labelling.Assemble(table, labels)
	if err != nil {
		return err
	}
	return rc.Workspace.WriteJSON(workspace.MergeLabelsFile, clusters)
}

// overview

type overviewStep struct{}

func (overviewStep) Stage() core.Stage { return core.StageOverview }

func (overviewStep) Outputs(*RunContext) []string { return StageOutputs(core.StageOverview) }

func (overviewStep) Params(rc *RunContext) any {
	return struct {
		Prompt string
		Model  string
	}{rc.Submission.Prompts.Overview, rc.Gateway.Model()}
}

func (overviewStep) Valid(rc *RunContext) error {
	text, err := rc.Workspace.ReadText(workspace.OverviewFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: overview is empty", workspace.ErrCorruptArtifact)
	}
	return nil
}

func (overviewStep) Run(ctx context.Context, rc *RunContext) error {
	clusters, err := rc.clusters()
	if err != nil {
		return err
	}
	text, err := overview.Generate(ctx, rc.Gateway, clusters, rc.Submission.Prompts.Overview, rc.Log)
	if err != nil {
		return err
	}
	return rc.Workspace.WriteText(workspace.OverviewFile, text)
}

// aggregation

type aggregationStep struct{}

func (aggregationStep) Stage() core.Stage { return core.StageAggregation }

func (aggregationStep) Outputs(rc *RunContext) []string {
	// The CSV is removed even when not requested so a stale export never
	// outlives a mode change.
	return append(StageOutputs(core.StageAggregation), workspace.CommentsCSVFile)
}

func (aggregationStep) Params(rc *RunContext) any {
	return struct {
		Question   string
		Intro      string
		OutputMode core.OutputMode
		IsPublic   bool
	}{rc.Submission.Question, rc.Submission.Intro, rc.Submission.OutputMode, rc.Submission.IsPublic}
}

func (aggregationStep) Valid(rc *RunContext) error {
	var res core.Result
	if err := rc.Workspace.ReadJSON(workspace.ResultFile, &res); err != nil {
		return err
	}
	if res.ArgumentNum == 0 || len(res.Clusters) == 0 {
		return fmt.Errorf("%w: result document is empty", workspace.ErrCorruptArtifact)
	}
	if rc.Submission.OutputMode == core.OutputWithSourceCSV && !rc.Workspace.Exists(workspace.CommentsCSVFile) {
		return fmt.Errorf("%w: %s", workspace.ErrArtifactMissing, workspace.CommentsCSVFile)
	}
	return nil
}

func (aggregationStep) Run(ctx context.Context, rc *RunContext) error {
	in := aggregation.Input{Submission: rc.Submission}
	var err error
	if in.Arguments, err = rc.arguments(); err != nil {
		return err
	}
	if err := rc.Workspace.ReadJSON(workspace.RelationsFile, &in.Relations); err != nil {
		return err
	}
	if in.Table, err = rc.clusterTable(); err != nil {
		return err
	}
	if in.Clusters, err = rc.clusters(); err != nil {
		return err
	}
	if in.Overview, err = rc.Workspace.ReadText(workspace.OverviewFile); err != nil {
		return err
	}

	res, err := aggregation.Build(in)
	if err != nil {
		return err
	}
	if err := rc.Workspace.WriteJSON(workspace.ResultFile, res); err != nil {
		return err
	}

	if rc.Submission.OutputMode == core.OutputWithSourceCSV {
		var buf bytes.Buffer
		if err := aggregation.WriteCSV(&buf, res); err != nil {
			return err
		}
		if err := rc.Workspace.WriteBytes(workspace.CommentsCSVFile, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// visualization

type visualizationStep struct{}

func (visualizationStep) Stage() core.Stage { return core.StageVisualization }

func (visualizationStep) Outputs(*RunContext) []string {
	return StageOutputs(core.StageVisualization)
}

func (visualizationStep) Params(rc *RunContext) any {
	return struct{ DenseThreshold float64 }{rc.Settings.DenseThreshold}
}

func (visualizationStep) Valid(rc *RunContext) error {
	data, err := rc.Workspace.ReadBytes(workspace.ReportHTMLFile)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: report is empty", workspace.ErrCorruptArtifact)
	}
	return nil
}

func (visualizationStep) Run(ctx context.Context, rc *RunContext) error {
	var res core.Result
	if err := rc.Workspace.ReadJSON(workspace.ResultFile, &res); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := visualization.Render(&buf, &res, rc.Settings.DenseThreshold); err != nil {
		return err
	}
	return rc.Workspace.WriteBytes(workspace.ReportHTMLFile, buf.Bytes())
}

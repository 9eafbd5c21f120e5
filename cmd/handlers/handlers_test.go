package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"broadlistening/internal/config"
	"broadlistening/internal/core"
	"broadlistening/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsFromConfig(t *testing.T) {
	s := settings(config.Pipeline{Seed: 7, SamplingNum: 12, DenseThreshold: 0.5, KMeansRestarts: 3})
	assert.Equal(t, int64(7), s.Seed)
	assert.Equal(t, int64(7), s.Clustering.Seed)
	assert.Equal(t, 12, s.SamplingNum)
	assert.Equal(t, 0.5, s.DenseThreshold)
	assert.Equal(t, 3, s.Clustering.KMeans.Restarts)

	s = settings(config.Pipeline{Seed: 1})
	assert.Equal(t, 30, s.SamplingNum, "zero keeps the default")
	assert.Equal(t, 10, s.Clustering.KMeans.Restarts)
}

func TestStoreOptionsParsesLifetime(t *testing.T) {
	opts := storeOptions(config.Database{Driver: "sqlite3", DSN: "x.db", MaxOpenConns: 4, ConnMaxLifetime: "2m"})
	assert.Equal(t, 2*time.Minute, opts.ConnMaxLifetime)
	assert.Equal(t, 4, opts.MaxOpenConns)

	opts = storeOptions(config.Database{Driver: "sqlite3"})
	assert.Zero(t, opts.ConnMaxLifetime)
}

func TestRenderReports(t *testing.T) {
	var buf bytes.Buffer
	renderReports(&buf, []core.Report{
		{Slug: "city", Title: "What should the city improve?", Status: core.ReportReady, UpdatedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)},
		{Slug: "parks", Title: "Parks", Status: core.ReportError, ErrorStep: "overview"},
	})
	out := buf.String()
	assert.Contains(t, out, "city")
	assert.Contains(t, out, "2025-03-01 09:30")
	assert.Contains(t, out, "overview")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "city", &core.Report{Title: "Q", Status: core.ReportError}, core.Status{
		State:     core.RunError,
		Stage:     core.StageOverview,
		Message:   "quota exceeded",
		Completed: []core.CompletedStage{{Stage: core.StageExtraction, Skipped: true}},
	})
	out := buf.String()
	assert.Contains(t, out, "reused")
	assert.Contains(t, out, "overview: quota exceeded")
}

func TestPrintOutcome(t *testing.T) {
	root := t.TempDir()
	ws, err := workspace.Open(root, "city")
	require.NoError(t, err)
	require.NoError(t, ws.WriteText(workspace.ReportHTMLFile, "<html></html>"))

	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, root, "city", core.Status{State: core.RunCompleted}))
	assert.Contains(t, buf.String(), ws.Path(workspace.ReportHTMLFile))
	assert.NotContains(t, buf.String(), workspace.CommentsCSVFile)

	buf.Reset()
	err = printOutcome(&buf, root, "city", core.Status{State: core.RunError, Stage: core.StageEmbedding})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding")
}

func TestFetchRemoteStatus(t *testing.T) {
	want := core.Status{State: core.RunRunning, Stage: core.StageEmbedding, Total: 8, Processed: 3}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := fetchRemoteStatus(context.Background(), srv.Client(), srv.URL, "k")
	require.NoError(t, err)
	assert.Equal(t, core.StageEmbedding, got.Stage)
	assert.Equal(t, 3, got.Processed)

	_, err = fetchRemoteStatus(context.Background(), srv.Client(), srv.URL, "wrong")
	assert.ErrorContains(t, err, "401")
}

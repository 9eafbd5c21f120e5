package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"broadlistening/internal/config"
	"broadlistening/internal/core"
	"broadlistening/internal/logger"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

type fakeReports struct {
	reports []core.Report
	pingErr error
}

func (f *fakeReports) List(context.Context) ([]core.Report, error) { return f.reports, nil }
func (f *fakeReports) Ping(context.Context) error                 { return f.pingErr }

type fakeRunner struct {
	mu       sync.Mutex
	launched []*core.Submission
	opts     []pipeline.Options
	running  map[string]bool
	statuses map[string]core.Status
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: map[string]bool{}, statuses: map[string]core.Status{}}
}

func (f *fakeRunner) Launch(_ context.Context, sub *core.Submission, opts pipeline.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[sub.ID] {
		return fmt.Errorf("%w: %s", pipeline.ErrAlreadyRunning, sub.ID)
	}
	f.running[sub.ID] = true
	f.launched = append(f.launched, sub)
	f.opts = append(f.opts, opts)
	return nil
}

func (f *fakeRunner) Cancel(slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[slug] {
		return pipeline.ErrNotRunning
	}
	delete(f.running, slug)
	return nil
}

func (f *fakeRunner) Status(slug string) (core.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[slug]
	if !ok {
		return core.Status{}, fmt.Errorf("%w: %s", workspace.ErrNotFound, slug)
	}
	return st, nil
}

type fixture struct {
	srv     *Server
	runner  *fakeRunner
	reports *fakeReports
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{runner: newFakeRunner(), reports: &fakeReports{}, root: t.TempDir()}
	f.srv = New(Deps{
		Reports:    f.reports,
		Runner:     f.runner,
		ReportsDir: f.root,
		Defaults: core.SubmissionDefaults{
			Model:             "default-model",
			WorkerConcurrency: 2,
			Prompts:           core.Prompts{Extraction: "e", InitialLabelling: "i", MergeLabelling: "m", Overview: "o"},
		},
		Log: logger.Discard(),
	}, config.Server{Host: "127.0.0.1", Port: 0, AdminAPIKey: testKey, AllowedOrigins: []string{"*"}})
	return f
}

func (f *fixture) do(method, path, body string, withKey bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if withKey {
		req.Header.Set(apiKeyHeader, testKey)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

const validSubmission = `{
	"id": "city",
	"question": "What should the city improve?",
	"comments": [{"id": "1", "comment": "More buses"}, {"id": "2", "comment": "More parks"}],
	"cluster_sizes": [2, 4]
}`

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])

	f.reports.pingErr = errors.New("down")
	rec = f.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRequiresKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/reports", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/reports", nil)
	req.Header.Set(apiKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.srv.config.AdminAPIKey = ""
	rec = f.do(http.MethodGet, "/admin/reports", "", true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListReports(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/admin/reports", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.reports.reports = []core.Report{{Slug: "city", Title: "Q", Status: core.ReportReady}}
	rec = f.do(http.MethodGet, "/admin/reports", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []core.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, core.ReportReady, got[0].Status)
}

func TestCreateReport(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/reports?force=true", validSubmission, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"slug":"city","status":"processing"}`, rec.Body.String())

	require.Len(t, f.runner.launched, 1)
	sub := f.runner.launched[0]
	assert.Equal(t, "default-model", sub.Model)
	assert.Equal(t, 2, sub.WorkerConcurrency)
	assert.Equal(t, "e", sub.Prompts.Extraction)
	assert.True(t, f.runner.opts[0].Force)

	rec = f.do(http.MethodPost, "/admin/reports", validSubmission, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateReportRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"id":`},
		{"bad slug", `{"id":"Bad Slug","question":"q","comments":[{"id":"1","comment":"x"}],"cluster_sizes":[2]}`},
		{"no comments", `{"id":"ok","question":"q","comments":[],"cluster_sizes":[2]}`},
		{"decreasing sizes", `{"id":"ok","question":"q","comments":[{"id":"1","comment":"x"}],"cluster_sizes":[4,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/admin/reports", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.runner.launched)
}

func TestReportStatus(t *testing.T) {
	f := newFixture(t)
	f.runner.statuses["city"] = core.Status{State: core.RunRunning, Stage: core.StageEmbedding, Total: 10, Processed: 4}
	f.runner.statuses["failed"] = core.Status{State: core.RunError, Stage: core.StageClustering}

	rec := f.do(http.MethodGet, "/admin/reports/city/status", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "embedding", body["current_step"])
	assert.EqualValues(t, 10, body["total"])
	assert.EqualValues(t, 4, body["processed"])
	assert.NotContains(t, body, "error_step")

	rec = f.do(http.MethodGet, "/admin/reports/failed/status", "", true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["current_step"])
	assert.Equal(t, "hierarchical_clustering", body["error_step"])

	rec = f.do(http.MethodGet, "/admin/reports/missing/status", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelReport(t *testing.T) {
	f := newFixture(t)
	f.runner.running["city"] = true

	rec := f.do(http.MethodPost, "/admin/reports/city/cancel", "", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodPost, "/admin/reports/city/cancel", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReportArtifacts(t *testing.T) {
	f := newFixture(t)
	ws, err := workspace.Open(f.root, "city")
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(workspace.ResultFile, core.Result{Overview: "All good", ArgumentNum: 3}))
	require.NoError(t, ws.WriteText(workspace.ReportHTMLFile, "<html>report</html>"))

	rec := f.do(http.MethodGet, "/admin/reports/city/result", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var res core.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "All good", res.Overview)

	rec = f.do(http.MethodGet, "/admin/reports/city/html", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "report")

	// The CSV exists only in with_source_csv mode.
	rec = f.do(http.MethodGet, "/admin/reports/city/csv", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, ws.WriteText(workspace.CommentsCSVFile, "comment-id,comment\n"))
	rec = f.do(http.MethodGet, "/admin/reports/city/csv", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="city.csv"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "comment-id"))

	rec = f.do(http.MethodGet, "/admin/reports/nope/result", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/admin/reports/Bad_Slug/result", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

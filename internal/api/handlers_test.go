package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itstheanurag/judgebox/internal/api"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/sandbox/sandboxtest"
	"github.com/itstheanurag/judgebox/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*api.Handler, *sandboxtest.Runtime) {
	t.Helper()
	logger := zerolog.Nop()
	rt := sandboxtest.New()
	rt.Samples = []int64{1 << 20}
	registry := languages.NewRegistry()
	for _, p := range registry.List() {
		rt.Images[p.Image] = true
	}
	rt.ExecFn = func(_ int, _ string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
		if strings.Join(req.Cmd, " ") == "python3 main.py" {
			return sandbox.ExecResult{Stdout: "Hello\n"}, nil
		}
		return sandbox.ExecResult{}, nil
	}

	engine := executor.NewEngine(registry, rt, executor.Config{
		WorkspaceRoot: t.TempDir(),
		ImagePolicy:   images.FailFast,
	}, &logger)

	q := queue.NewManager(4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.NewWorker(0, engine, q, &logger).Start(ctx)

	return api.NewHandler(q, engine, 5*time.Second, &logger), rt
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestExecuteReturnsAggregate(t *testing.T) {
	h, _ := setup(t)

	rec := post(h.Execute, `{"language":"python","source_code":"print('Hello')","expected_output":"Hello","repeat_count":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res report.AggregateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.True(t, res.OutputMatched)
	require.Len(t, res.PerRunMetrics, 2)
	assert.Equal(t, report.StatusCompleted, res.PerRunMetrics[0].Status)
	assert.Equal(t, int64(1<<20), res.MaxMemoryBytes)
}

func TestExecuteDefaultsRepeatCount(t *testing.T) {
	h, _ := setup(t)

	rec := post(h.Execute, `{"language":"python","source_code":"print('Hello')"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res report.AggregateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.PerRunMetrics, 1)
	assert.False(t, res.OutputMatched)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	h, _ := setup(t)

	cases := map[string]string{
		"malformed json":   `{"language":`,
		"unknown language": `{"language":"cobol","source_code":"x"}`,
		"missing source":   `{"language":"python"}`,
		"negative repeat":  `{"language":"python","source_code":"x","repeat_count":-1}`,
		"huge repeat":      `{"language":"python","source_code":"x","repeat_count":1099511627776}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := post(h.Execute, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestExecuteFatalErrorIs500(t *testing.T) {
	h, rt := setup(t)
	rt.Images = map[string]bool{}
	rt.PullErr = errors.New("registry down")

	rec := post(h.Execute, `{"language":"python","source_code":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "image pull failed")
}

func TestExecuteTimesOutWithoutWorkers(t *testing.T) {
	logger := zerolog.Nop()
	engine := executor.NewEngine(languages.NewRegistry(), sandboxtest.New(), executor.Config{}, &logger)
	h := api.NewHandler(queue.NewManager(1), engine, 50*time.Millisecond, &logger)

	rec := post(h.Execute, `{"language":"python","source_code":"x"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "execution timed out")
}

func TestExecuteMethodNotAllowed(t *testing.T) {
	h, _ := setup(t)
	rec := httptest.NewRecorder()
	h.Execute(rec, httptest.NewRequest(http.MethodGet, "/execute", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLanguages(t *testing.T) {
	h, _ := setup(t)
	rec := httptest.NewRecorder()
	h.Languages(rec, httptest.NewRequest(http.MethodGet, "/languages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var langs []api.LanguageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &langs))
	require.Len(t, langs, 4)
	assert.Equal(t, "cpp", langs[0].ID)
	assert.True(t, langs[0].Compiled)
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/backend/dryrun"
	"github.com/samcharles93/kerneltune/internal/metrics"
)

const jobJSON = `{
	"kernel": "k",
	"source_inline": "__global__ void k(float *c, int n) { int i = blockIdx.x * block_size_x + threadIdx.x; if (i < n) c[i] = 0; }",
	"problem_size": [1024],
	"params": {"block_size_x": [64, 128, 256]},
	"args": [
		{"name": "c", "type": "float32", "len": 1024, "output": true},
		{"name": "n", "type": "int32", "scalar": 1024}
	]
}`

func blockCost(l dryrun.Launch) float64 { return float64(l.Block.X) / 100 }

type testEnv struct {
	e       *echo.Echo
	service *TuningService
	reg     *prometheus.Registry
}

// newTestEnv serves a dry-run backend. The worker is started only when run
// is set so that tests can observe queued tunings.
func newTestEnv(t *testing.T, b backend.Backend, run bool) testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	service := NewTuningService(b, NewTuningStore(), nil, metrics.New(reg))
	server := NewServer(service, reg)
	e := echo.New()
	server.Register(e)

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Go(func() { _ = service.Run(ctx) })
		t.Cleanup(func() {
			cancel()
			wg.Wait()
		})
	}
	return testEnv{e: e, service: service, reg: reg}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type tuningView struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Error       string         `json:"error"`
	Progress    Progress       `json:"progress"`
	Report      map[string]any `json:"report"`
}

func getTuning(t *testing.T, e *echo.Echo, id string) tuningView {
	t.Helper()
	rec := doJSON(t, e, http.MethodGet, "/v1/tunings/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v tuningView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func waitFor(t *testing.T, e *echo.Echo, id string, want Status) tuningView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		v := getTuning(t, e, id)
		if v.Status == want {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("tuning %s is %s, never reached %s", id, v.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func submit(t *testing.T, e *echo.Echo, body string) string {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/v1/tunings", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created CreateTuningResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, StatusQueued, created.Status)
	return created.ID
}

func TestTuningLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}, dryrun.WithCostModel(blockCost)), true)
	id := submit(t, env.e, jobJSON)

	done := waitFor(t, env.e, id, StatusCompleted)
	assert.Equal(t, Progress{SpaceSize: 3, Benchmarked: 3}, done.Progress)
	require.NotNil(t, done.Report)
	assert.Equal(t, false, done.Report["partial"])
	best, ok := done.Report["best"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "k_64", best["kernel"])

	rec := doJSON(t, env.e, http.MethodGet, "/v1/tunings/"+id+"/report.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "block_size_x,time,kernel\n64,0.64,k_64\n128,1.28,k_128\n256,2.56,k_256\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")

	rec = doJSON(t, env.e, http.MethodGet, "/v1/tunings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Object string       `json:"object"`
		Data   []tuningView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, id, list.Data[0].ID)
	assert.Nil(t, list.Data[0].Report, "list omits reports")

	rec = doJSON(t, env.e, http.MethodPost, "/v1/tunings/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, env.e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kerneltune_configs_total{backend="dryrun",outcome="benchmarked"} 3`)
}

func TestTuningsRunInSubmissionOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}, dryrun.WithCostModel(blockCost)), false)
	first := submit(t, env.e, jobJSON)
	second := submit(t, env.e, jobJSON)
	assert.Equal(t, []string{first, second}, env.service.store.ids(StatusQueued))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Go(func() { _ = env.service.Run(ctx) })

	a := waitFor(t, env.e, first, StatusCompleted)
	b := waitFor(t, env.e, second, StatusCompleted)
	cancel()
	wg.Wait()

	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, b.StartedAt)
	assert.False(t, b.StartedAt.Before(*a.CompletedAt), "second tuning started before the first finished")
}

func TestCancelQueuedTuning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}), false)
	id := submit(t, env.e, jobJSON)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/tunings/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	v := getTuning(t, env.e, id)
	assert.Equal(t, StatusCancelled, v.Status)
	assert.Nil(t, v.Report)
	assert.Empty(t, env.service.store.ids(StatusQueued))

	rec = doJSON(t, env.e, http.MethodGet, "/v1/tunings/"+id+"/report.csv", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRunningTuningKeepsPartialReport(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cost := func(l dryrun.Launch) float64 {
		once.Do(func() {
			close(started)
			<-release
		})
		return blockCost(l)
	}
	env := newTestEnv(t, dryrun.New(backend.Options{}, dryrun.WithCostModel(cost)), true)
	id := submit(t, env.e, jobJSON)

	<-started
	rec := doJSON(t, env.e, http.MethodPost, "/v1/tunings/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	close(release)

	v := waitFor(t, env.e, id, StatusCancelled)
	require.NotNil(t, v.Report)
	assert.Equal(t, true, v.Report["partial"])
	assert.Equal(t, "cancelled", v.Report["stop_reason"])
	assert.Len(t, v.Report["results"], 1)
	assert.Empty(t, v.Error)
}

func TestBackendFailureMarksTuningFailed(t *testing.T) {
	t.Parallel()

	b := dryrun.New(backend.Options{})
	require.NoError(t, b.Close())
	env := newTestEnv(t, b, true)
	id := submit(t, env.e, jobJSON)

	v := waitFor(t, env.e, id, StatusFailed)
	assert.NotEmpty(t, v.Error)
}

func TestCreateValidationErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}), false)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "job is required"},
		{"malformed", `{"kernel":`, ""},
		{"unknown field", `{"kernel": "k", "colour": "blue"}`, ""},
		{"source file", `{"kernel": "k", "source": "/etc/passwd"}`, "source_inline"},
		{"arg file", `{"kernel": "k", "source_inline": "k", "args": [{"name": "a", "type": "float32", "file": "a.bin"}]}`, "file references"},
		{"no params", `{"kernel": "k", "source_inline": "void k() {}", "problem_size": [1]}`, "no tunable parameters"},
		{"bad policy", `{"kernel": "k", "source_inline": "void k() {}", "problem_size": [1], "params": {"block_size_x": [1]}, "trial_policy": "median"}`, "trial policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, env.e, http.MethodPost, "/v1/tunings", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), "invalid_request_error")
			if tt.want != "" {
				assert.Contains(t, rec.Body.String(), tt.want)
			}
		})
	}
	assert.Empty(t, env.service.store.List())
}

func TestUnknownTuning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}), false)
	for _, path := range []string{"/v1/tunings/missing", "/v1/tunings/missing/report.csv"} {
		rec := doJSON(t, env.e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := doJSON(t, env.e, http.MethodPost, "/v1/tunings/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, dryrun.New(backend.Options{}), false)
	rec := doJSON(t, env.e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, backend.DryRun, body["backend"])
}

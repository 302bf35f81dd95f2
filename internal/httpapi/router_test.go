package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/events"
	"avs/internal/httpapi/handlers"
	"avs/internal/jobs"
	"avs/internal/pkg/errors"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	dispatched  []string
	cancelled   []string
	dispatchErr error
	delivered   bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.dispatched = append(d.dispatched, id)
	return nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return d.delivered, nil
}

func (d *fakeDispatcher) calls() (dispatched, cancelled []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...), append([]string(nil), d.cancelled...)
}

type testAPI struct {
	srv   *httptest.Server
	store jobs.Store
	disp  *fakeDispatcher
}

func newTestAPI(t *testing.T, checks map[string]handlers.Check) *testAPI {
	t.Helper()
	bus := events.NewBus(8, nil)
	store := events.Notify(jobs.NewMemoryStore(), bus)
	disp := &fakeDispatcher{}
	h := handlers.New(handlers.Deps{
		Store:          store,
		Bus:            bus,
		Dispatcher:     disp,
		Checks:         checks,
		StreamInterval: 20 * time.Millisecond,
	})
	srv := httptest.NewServer(NewRouter(h, Options{CORSOrigins: []string{"http://localhost:5173"}}))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, disp: disp}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (a *testAPI) seed(t *testing.T, status jobs.Status) jobs.Job {
	t.Helper()
	ctx := context.Background()
	j := jobs.New(jobs.Brief{Topic: "tides", TargetDurationSeconds: 30}, time.Now())
	require.NoError(t, a.store.Create(ctx, j))
	switch status {
	case jobs.StatusRunning:
		_, err := a.store.Update(ctx, j.ID, jobs.Started())
		require.NoError(t, err)
	case jobs.StatusCompleted:
		_, err := a.store.Update(ctx, j.ID, jobs.Started())
		require.NoError(t, err)
		_, err = a.store.Update(ctx, j.ID, jobs.Succeeded("/out/final.mp4"))
		require.NoError(t, err)
	}
	got, err := a.store.Get(ctx, j.ID)
	require.NoError(t, err)
	return got
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

func TestPostJob(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, body := api.do(t, http.MethodPost, "/jobs", `{"topic":"ocean tides","target_duration_seconds":20}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var j jobs.Job
	require.NoError(t, json.Unmarshal(body, &j))
	assert.Equal(t, jobs.StatusQueued, j.Status)
	assert.Equal(t, "ocean tides", j.Brief.Topic)
	assert.Equal(t, "/jobs/"+j.ID, resp.Header.Get("Location"))
	dispatched, _ := api.disp.calls()
	assert.Equal(t, []string{j.ID}, dispatched)
}

func TestPostJobRejectsBadInput(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := map[string]string{
		"malformed":      `{"topic":`,
		"unknown field":  `{"topic":"x","colour":"red"}`,
		"empty brief":    `{}`,
		"too long":       `{"topic":"x","target_duration_seconds":7200}`,
		"negative scene": `{"topic":"x","scene_assets":{"-1":["a.png"]}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, b := api.do(t, http.MethodPost, "/jobs", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(errors.CodeValidation), errorCode(t, b))
		})
	}
	dispatched, _ := api.disp.calls()
	assert.Empty(t, dispatched)
}

func TestPostJobDispatchFailure(t *testing.T) {
	api := newTestAPI(t, nil)
	api.disp.dispatchErr = errors.New(errors.CodeUnavailable, "redis down")

	resp, body := api.do(t, http.MethodPost, "/jobs", `{"topic":"tides"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))

	list, err := api.store.List(context.Background(), jobs.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, jobs.StatusFailed, list[0].Status, "an undispatched job is not left queued")
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, nil)
	seeded := api.seed(t, jobs.StatusRunning)

	resp, body := api.do(t, http.MethodGet, "/jobs/"+seeded.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var j jobs.Job
	require.NoError(t, json.Unmarshal(body, &j))
	assert.Equal(t, seeded.ID, j.ID)
	assert.Equal(t, jobs.StatusRunning, j.Status)

	resp, body = api.do(t, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(errors.CodeNotFound), errorCode(t, body))
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, jobs.StatusQueued)
	running := api.seed(t, jobs.StatusRunning)

	resp, body := api.do(t, http.MethodGet, "/jobs?status=running", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, running.ID, out.Jobs[0].ID)

	resp, _ = api.do(t, http.MethodGet, "/jobs?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/jobs?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	t.Run("queued is cancelled in the store", func(t *testing.T) {
		api := newTestAPI(t, nil)
		j := api.seed(t, jobs.StatusQueued)
		resp, body := api.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
		got, _ := api.store.Get(context.Background(), j.ID)
		assert.Equal(t, jobs.StatusCancelled, got.Status)
	})

	t.Run("running is left to its executor", func(t *testing.T) {
		api := newTestAPI(t, nil)
		api.disp.delivered = true
		j := api.seed(t, jobs.StatusRunning)
		resp, _ := api.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		_, cancelled := api.disp.calls()
		assert.Equal(t, []string{j.ID}, cancelled)
		got, _ := api.store.Get(context.Background(), j.ID)
		assert.Equal(t, jobs.StatusRunning, got.Status)
	})

	t.Run("orphaned running job is cancelled in the store", func(t *testing.T) {
		api := newTestAPI(t, nil)
		j := api.seed(t, jobs.StatusRunning)
		resp, _ := api.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		got, _ := api.store.Get(context.Background(), j.ID)
		assert.Equal(t, jobs.StatusCancelled, got.Status)
	})

	t.Run("terminal is a conflict", func(t *testing.T) {
		api := newTestAPI(t, nil)
		j := api.seed(t, jobs.StatusCompleted)
		resp, body := api.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, string(errors.CodeConflict), errorCode(t, body))
		got, _ := api.store.Get(context.Background(), j.ID)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
		assert.Equal(t, "/out/final.mp4", got.OutputPath)
	})
}

type sseEvent struct {
	name string
	job  jobs.Job
}

// readEvents parses an event stream until EOF.
func readEvents(t *testing.T, r io.Reader, out chan<- sseEvent) {
	defer close(out)
	sc := bufio.NewScanner(r)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.job); err != nil {
				t.Errorf("bad event data %q: %v", line, err)
			}
		case line == "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func TestStreamJob(t *testing.T) {
	api := newTestAPI(t, nil)
	j := api.seed(t, jobs.StatusRunning)

	resp, err := api.srv.Client().Get(api.srv.URL + "/jobs/" + j.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.Equal(t, "identity", resp.Header.Get("Content-Encoding"))

	evs := make(chan sseEvent, 64)
	go readEvents(t, resp.Body, evs)

	first := <-evs
	assert.Equal(t, "progress", first.name)
	assert.Equal(t, j.ID, first.job.ID)

	ctx := context.Background()
	for _, p := range []int{15, 40, 75} {
		_, err := api.store.Update(ctx, j.ID, jobs.AtStage(jobs.StageExport, p))
		require.NoError(t, err)
	}
	_, err = api.store.Update(ctx, j.ID, jobs.Succeeded("/out/final.mp4"))
	require.NoError(t, err)

	var all []sseEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-evs:
			if !ok {
				done = true
				break
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatal("stream did not close after the terminal event")
		}
	}

	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, "terminal", last.name)
	assert.Equal(t, jobs.StatusCompleted, last.job.Status)
	assert.Equal(t, 100, last.job.Progress)
	assert.Equal(t, "/out/final.mp4", last.job.OutputPath)

	prev := first.job.Progress
	for _, ev := range all {
		assert.GreaterOrEqual(t, ev.job.Progress, prev, "progress went backwards")
		prev = ev.job.Progress
	}
}

func TestStreamTerminalJobSendsOneEvent(t *testing.T) {
	api := newTestAPI(t, nil)
	j := api.seed(t, jobs.StatusCompleted)

	resp, body := api.do(t, http.MethodGet, "/jobs/"+j.ID+"/stream", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, strings.Count(string(body), "event: terminal"))
}

func TestStreamUnknownJob(t *testing.T) {
	api := newTestAPI(t, nil)
	resp, body := api.do(t, http.MethodGet, "/jobs/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(errors.CodeNotFound), errorCode(t, body))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, map[string]handlers.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New(errors.CodeUnavailable, "connection refused") },
	})

	resp, _ := api.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/health?deep=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var out struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "ok", out.Checks["postgres"]["status"])
	assert.Equal(t, "error", out.Checks["redis"]["status"])
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, api.srv.URL+"/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := api.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

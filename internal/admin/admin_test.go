package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/client"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	st  storage.Store
	clk *clock.Fake
	c   *client.Client
	srv *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewFake(t0)
	c := client.New(st, client.WithClock(clk))
	snap := func() scheduler.Snapshot {
		return scheduler.Snapshot{
			StartedOn: t0,
			Cycles:    3,
			Tracked:   []int64{4},
			Engine:    engine.Snapshot{Mode: "threads", Running: []int64{4}},
		}
	}
	s := NewServer("127.0.0.1:0", token, c, snap, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{st: st, clk: clk, c: c, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// seed indexes a task straight into status to, bypassing the spool.
func (f *fixture) seed(t *testing.T, tk *task.Task, to task.Status) *task.Task {
	t.Helper()
	ctx := context.Background()
	err := storage.WithRetry(ctx, f.st, storage.Retry{Log: logx.Nop()}, func(tx *storage.Txn) error {
		tk.ID = 0
		m := state.New(tx, f.clk)
		if to == task.StatusQueued {
			_, err := m.AddTaskToWaitingQueue(ctx, tk, true)
			return err
		}
		if err := m.IndexTask(ctx, tk); err != nil {
			return err
		}
		return m.MoveTask(ctx, tk, task.StatusSpooled, to, nil, false)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tk
}

func (f *fixture) spool(t *testing.T) []state.SpoolEntry {
	t.Helper()
	sp, err := f.c.GetSpool(context.Background())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	return sp
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	cases := []struct {
		name string
		path string
		hdr  string
		want int
	}{
		{"no token", "/v1/status", "", http.StatusUnauthorized},
		{"wrong token", "/v1/status", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/v1/status", "Bearer secret", http.StatusOK},
		{"query", "/v1/status?token=secret", "", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+tc.path, nil)
		if tc.hdr != "" {
			req.Header.Set("Authorization", tc.hdr)
		}
		resp, err := f.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestProfiler(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s := NewServer("127.0.0.1:0", "secret", client.New(st), nil, logx.Nop())
	s.MountProfiler()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	for _, tc := range []struct {
		path string
		want int
	}{
		{"/debug/pprof/", http.StatusUnauthorized},
		{"/debug/pprof/?token=secret", http.StatusOK},
		{"/debug/pprof/cmdline?token=secret", http.StatusOK},
	} {
		resp, err := srv.Client().Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.seed(t, &task.Task{UID: "a", Type: "k", StartOn: t0}, task.StatusQueued)

	var got struct {
		State      string `json:"state"`
		Waiting    int    `json:"waiting"`
		Dispatcher struct {
			Mode    string  `json:"mode"`
			Cycles  uint64  `json:"cycles"`
			Workers []int64 `json:"workers"`
		} `json:"dispatcher"`
	}
	if code := f.do(t, http.MethodGet, "/v1/status", nil, &got); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if got.State != client.StateStopped || got.Waiting != 1 || got.Dispatcher.Mode != "threads" || got.Dispatcher.Cycles != 3 || len(got.Dispatcher.Workers) != 1 {
		t.Fatalf("status = %+v", got)
	}
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	start := t0.Add(time.Hour)

	var acc acceptedResponse
	code := f.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Type: "sample", StartOn: &start, Params: json.RawMessage(`{"sleep":"2s"}`)}, &acc)
	if code != http.StatusAccepted || acc.UID == "" || acc.Op != "add" {
		t.Fatalf("create = %d %+v", code, acc)
	}
	code = f.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Type: "tick", Rule: "@hourly", StartOn: &start, Count: 3}, &acc)
	if code != http.StatusAccepted {
		t.Fatalf("create periodic = %d", code)
	}

	sp := f.spool(t)
	if len(sp) != 2 {
		t.Fatalf("spool = %+v", sp)
	}
	one, rep := sp[0].Task, sp[1].Task
	if one.Type != "sample" || !one.StartOn.Equal(start) || string(one.Params) != `{"sleep":"2s"}` {
		t.Fatalf("one-shot = %+v", one)
	}
	if rep.Periodic == nil || rep.Periodic.Count != 3 || !rep.Periodic.NextOccurrence.Equal(start) {
		t.Fatalf("periodic = %+v", rep.Periodic)
	}

	until := start.Add(-time.Minute)
	for name, req := range map[string]TaskRequest{
		"no type":        {StartOn: &start},
		"bad rule":       {Type: "tick", Rule: "whenever"},
		"until no rule":  {Type: "sample", Until: &until},
		"until too soon": {Type: "tick", Rule: "@hourly", StartOn: &start, Until: &until},
	} {
		if code := f.do(t, http.MethodPost, "/v1/tasks", req, nil); code != http.StatusBadRequest {
			t.Fatalf("%s: code = %d", name, code)
		}
	}
	if len(f.spool(t)) != 2 {
		t.Fatal("rejected requests reached the spool")
	}
}

func TestTaskRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	queued := f.seed(t, &task.Task{UID: "q-1", Type: "k", StartOn: t0}, task.StatusQueued)
	failed := f.seed(t, &task.Task{UID: "f-1", Type: "k", StartOn: t0}, task.StatusFailed)
	periodic, err := task.NewPeriodic("tick", "@hourly", t0, nil)
	if err != nil {
		t.Fatalf("periodic: %v", err)
	}
	periodic.UID = "p-1"
	f.seed(t, periodic, task.StatusQueued)

	var got task.Task
	if code := f.do(t, http.MethodGet, fmt.Sprintf("/v1/tasks/%d", queued.ID), nil, &got); code != http.StatusOK || got.UID != "q-1" {
		t.Fatalf("get by id = %d %+v", code, got)
	}
	if code := f.do(t, http.MethodGet, "/v1/tasks/f-1", nil, &got); code != http.StatusOK || got.Status != task.StatusFailed {
		t.Fatalf("get by uid = %d %+v", code, got)
	}
	if code := f.do(t, http.MethodGet, "/v1/tasks/404", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/tasks/p-1/occurrences", nil, nil); code != http.StatusOK {
		t.Fatalf("occurrences = %d", code)
	}

	checks := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodPost, "/v1/tasks/q-1/retry", nil, http.StatusConflict},
		{http.MethodPost, "/v1/tasks/p-1/move", moveTaskRequest{StartOn: t0.Add(time.Hour)}, http.StatusConflict},
		{http.MethodPost, "/v1/tasks/q-1/move", map[string]string{}, http.StatusBadRequest},
		{http.MethodPost, "/v1/tasks/q-1/move", moveTaskRequest{StartOn: t0.Add(time.Hour)}, http.StatusAccepted},
		{http.MethodPost, fmt.Sprintf("/v1/tasks/%d/retry", failed.ID), nil, http.StatusAccepted},
		{http.MethodDelete, "/v1/tasks/q-1", nil, http.StatusAccepted},
		{http.MethodPost, "/v1/shutdown", shutdownRequest{Message: "bye"}, http.StatusAccepted},
	}
	for _, c := range checks {
		if code := f.do(t, c.method, c.path, c.body, nil); code != c.want {
			t.Fatalf("%s %s = %d, want %d", c.method, c.path, code, c.want)
		}
	}

	sp := f.spool(t)
	ops := ""
	for _, e := range sp {
		ops += string(e.Op) + " "
	}
	if ops != "change change del shutdown " {
		t.Fatalf("spooled ops = %q", ops)
	}
	if !sp[1].FromFailed || sp[1].UID != "f-1" || sp[3].Message != "bye" {
		t.Fatalf("spool = %+v", sp)
	}

	var cleared map[string]int
	if code := f.do(t, http.MethodDelete, "/v1/spool", nil, &cleared); code != http.StatusOK || cleared["cleared"] != 4 {
		t.Fatalf("clear = %d %v", code, cleared)
	}
}

func TestIndexRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.seed(t, &task.Task{UID: "f-1", Type: "k", StartOn: t0}, task.StatusFailed)
	f.clk.Advance(time.Hour)
	f.seed(t, &task.Task{UID: "f-2", Type: "k", StartOn: t0}, task.StatusFailed)

	var got struct {
		Entries []state.IndexEntry `json:"entries"`
	}
	if code := f.do(t, http.MethodGet, "/v1/failed", nil, &got); code != http.StatusOK || len(got.Entries) != 2 {
		t.Fatalf("failed = %d %+v", code, got)
	}
	from := t0.Add(30 * time.Minute).Format(time.RFC3339)
	if code := f.do(t, http.MethodGet, "/v1/failed?from="+from, nil, &got); code != http.StatusOK || len(got.Entries) != 1 {
		t.Fatalf("failed since = %d %+v", code, got)
	}
	if code := f.do(t, http.MethodGet, "/v1/finished?to=yesterday", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad range = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/waiting", nil, nil); code != http.StatusOK {
		t.Fatalf("waiting = %d", code)
	}
}

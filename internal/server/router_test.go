//go:build !windows

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/loykin/pyker/internal/manager"
	"github.com/loykin/pyker/internal/process"
)

type fakeManager struct {
	recs    map[string]process.Record
	started []mng.StartRequest
	logs    []string
	lastN   int
	err     error
}

func newFake() *fakeManager {
	return &fakeManager{recs: map[string]process.Record{
		"bot_1": {ID: "bot_1", Name: "bot", Status: process.StatusRunning, PID: 42, MaxRestarts: 3},
	}}
}

func (f *fakeManager) lookup(ref string) (process.Record, error) {
	if f.err != nil {
		return process.Record{}, f.err
	}
	if r, ok := f.recs[ref]; ok {
		return r, nil
	}
	for _, r := range f.recs {
		if r.Name == ref {
			return r, nil
		}
	}
	return process.Record{}, process.Errorf(process.ErrProcessNotFound, ref, "process not found")
}

func (f *fakeManager) Start(_ context.Context, req mng.StartRequest) (process.Record, error) {
	if f.err != nil {
		return process.Record{}, f.err
	}
	f.started = append(f.started, req)
	return process.Record{ID: req.Name + "_9", Name: req.Name, ScriptPath: req.ScriptPath, Status: process.StatusStarting}, nil
}

func (f *fakeManager) Stop(_ context.Context, ref string) (process.Record, error) {
	r, err := f.lookup(ref)
	r.Status, r.PID = process.StatusStopped, 0
	return r, err
}

func (f *fakeManager) Restart(_ context.Context, ref string) (process.Record, error) {
	r, err := f.lookup(ref)
	r.Status, r.RestartCount = process.StatusStarting, 0
	return r, err
}

func (f *fakeManager) Delete(_ context.Context, ref string) error {
	r, err := f.lookup(ref)
	if err == nil {
		delete(f.recs, r.ID)
	}
	return err
}

func (f *fakeManager) Get(ref string) (process.Record, error) { return f.lookup(ref) }

func (f *fakeManager) List() []process.Record {
	out := make([]process.Record, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out
}

func (f *fakeManager) Logs(ref string, n int) ([]string, error) {
	if _, err := f.lookup(ref); err != nil {
		return nil, err
	}
	f.lastN = n
	return f.logs, nil
}

func (f *fakeManager) Follow(_ context.Context, ref string, n int, emit func(string)) error {
	if _, err := f.lookup(ref); err != nil {
		return err
	}
	f.lastN = n
	for _, l := range f.logs {
		emit(l)
	}
	return nil
}

func (f *fakeManager) Info() mng.Info {
	return mng.Info{Total: len(f.recs), Counts: map[process.Status]int{process.StatusRunning: 1}, Interpreter: "python3"}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

func TestHealthAndInfo(t *testing.T) {
	h := NewRouter(newFake(), "/api").Handler()
	w := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	var in mng.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &in))
	assert.Equal(t, 1, in.Total)
	assert.Equal(t, 1, in.Counts[process.StatusRunning])
}

func TestStartValidation(t *testing.T) {
	f := newFake()
	h := NewRouter(f, "api/").Handler()

	cases := []struct {
		name, body string
	}{
		{"bad json", `{"name":`},
		{"bad name", `{"name":"../x","script_path":"/tmp/x.py"}`},
		{"relative script", `{"name":"x","script_path":"x.py"}`},
		{"traversal", `{"name":"x","script_path":"/tmp/../etc/x.py"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/processes", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "InvalidArgument", decodeError(t, w).Kind)
		})
	}
	assert.Empty(t, f.started)

	w := do(t, h, http.MethodPost, "/api/processes", `{"name":"x","script_path":"/tmp/x.py","auto_restart":true,"max_restarts":5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, f.started, 1)
	assert.Equal(t, mng.StartRequest{Name: "x", ScriptPath: "/tmp/x.py", AutoRestart: true, MaxRestarts: 5}, f.started[0])
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{process.Errorf(process.ErrAlreadyRunning, "x", "busy"), http.StatusConflict, "AlreadyRunning"},
		{process.Errorf(process.ErrScriptNotFound, "", "missing"), http.StatusBadRequest, "ScriptNotFound"},
		{process.Errorf(process.ErrSpawnFailure, "x", "exec"), http.StatusInternalServerError, "SpawnFailure"},
		{process.Errorf(process.ErrLogIO, "x", "disk"), http.StatusInternalServerError, "LogIOFailure"},
	}
	for _, tc := range cases {
		f := newFake()
		f.err = tc.err
		h := NewRouter(f, "").Handler()
		w := do(t, h, http.MethodPost, "/processes", `{"name":"x","script_path":"/tmp/x.py"}`)
		assert.Equal(t, tc.code, w.Code, tc.kind)
		assert.Equal(t, tc.kind, decodeError(t, w).Kind)
	}
}

func TestProcessRoutes(t *testing.T) {
	f := newFake()
	h := NewRouter(f, "/api").Handler()

	w := do(t, h, http.MethodGet, "/api/processes", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []process.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// by name
	w = do(t, h, http.MethodGet, "/api/processes/bot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec process.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "bot_1", rec.ID)

	w = do(t, h, http.MethodPost, "/api/processes/bot_1/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, process.StatusStopped, rec.Status)

	w = do(t, h, http.MethodPost, "/api/processes/bot_1/restart", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/processes/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ProcessNotFound", decodeError(t, w).Kind)

	w = do(t, h, http.MethodDelete, "/api/processes/bot_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodDelete, "/api/processes/bot_1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsRoute(t *testing.T) {
	f := newFake()
	f.logs = []string{"[2026-01-02 03:04:05] a", "[2026-01-02 03:04:06] b"}
	h := NewRouter(f, "/api").Handler()

	w := do(t, h, http.MethodGet, "/api/processes/bot/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, mng.DefaultLogLines, f.lastN)
	var resp LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bot_1", resp.ID)
	assert.Equal(t, f.logs, resp.Lines)

	w = do(t, h, http.MethodGet, "/api/processes/bot/logs?lines=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, f.lastN)

	for _, q := range []string{"0", "-1", "abc"} {
		w = do(t, h, http.MethodGet, "/api/processes/bot/logs?lines="+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := NewRouter(newFake(), "/api", WithMetrics(true)).Handler()
	w := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	h = NewRouter(newFake(), "/api").Handler()
	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsFollowStreamsPlainText(t *testing.T) {
	f := newFake()
	f.logs = []string{"one", "two"}
	h := NewRouter(f, "/api").Handler()

	w := do(t, h, http.MethodGet, "/api/processes/bot/logs?follow=true&lines=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one\ntwo\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, 5, f.lastN)

	w = do(t, h, http.MethodGet, "/api/processes/ghost/logs?follow=1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

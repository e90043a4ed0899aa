package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /api/processes", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		if req.Name == "dup" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"dup_1: process \"dup\" is already running","kind":"AlreadyRunning"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Process{ID: req.Name + "_1", Name: req.Name, ScriptPath: req.ScriptPath, Status: "starting", AutoRestart: req.AutoRestart})
	})
	mux.HandleFunc("GET /api/processes/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "bot" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"process not found","kind":"ProcessNotFound"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"bot_1","name":"bot","status":"running","pid":12,"start_time":"2026-01-02T03:04:05Z","max_restarts":3}`))
	})
	mux.HandleFunc("GET /api/processes/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("follow") == "true" {
			for i := 0; i < 3; i++ {
				_, _ = fmt.Fprintf(w, "line %d\n", i)
			}
			return
		}
		_ = json.NewEncoder(w).Encode(logsResponse{ID: "bot_1", Lines: []string{"n=" + r.URL.Query().Get("lines")}})
	})
	mux.HandleFunc("DELETE /api/processes/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/info", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total":2,"counts":{"running":1,"stopped":1},"interpreter":"python3"}`))
	})
	mux.HandleFunc("POST /api/processes/{id}/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrips(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	p, err := c.Start(ctx, StartRequest{Name: "bot", ScriptPath: "/srv/bot.py", AutoRestart: true})
	require.NoError(t, err)
	assert.Equal(t, "bot_1", p.ID)
	assert.True(t, p.AutoRestart)

	p, err = c.Get(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 12, p.PID)
	require.NotNil(t, p.StartTime)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), p.StartTime.UTC())

	lines, err := c.Logs(ctx, "bot", 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"n=25"}, lines)

	var streamed []string
	require.NoError(t, c.FollowLogs(ctx, "bot", 0, func(l string) { streamed = append(streamed, l) }))
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, streamed)

	in, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, in.Total)
	assert.Equal(t, 1, in.Counts["running"])

	require.NoError(t, c.Delete(ctx, "bot"))
}

func TestClientErrorsCarryKind(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{Name: "dup", ScriptPath: "/srv/dup.py"})
	require.Error(t, err)
	assert.Equal(t, "AlreadyRunning", KindOf(err))
	assert.Contains(t, err.Error(), "AlreadyRunning: ")

	_, err = c.Get(ctx, "ghost")
	assert.Equal(t, "ProcessNotFound", KindOf(err))

	_, err = c.Stop(ctx, "bot")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.Status)
	assert.Empty(t, ae.Kind)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Config{BaseURL: base, Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.List(context.Background())
	assert.Equal(t, KindUnreachable, KindOf(err))
}

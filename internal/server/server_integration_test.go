//go:build !windows

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/loykin/pyker/internal/manager"
	"github.com/loykin/pyker/internal/process"
	"github.com/loykin/pyker/internal/store"
)

func TestRouterWithRealManager(t *testing.T) {
	dir := t.TempDir()
	m, err := mng.New(context.Background(), mng.Options{
		Spec:        process.Spec{Interpreter: "/bin/sh", Extensions: []string{".sh"}},
		Store:       store.NewMemory(),
		LogDir:      filepath.Join(dir, "logs"),
		Backoff:     20 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	script := filepath.Join(dir, "svc.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo ready\nsleep 30\n"), 0o600))
	h := NewRouter(m, "/api").Handler()

	w := do(t, h, http.MethodPost, "/api/processes", `{"name":"svc","script_path":"`+script+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/processes", `{"name":"svc","script_path":"`+script+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyRunning", decodeError(t, w).Kind)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/processes/svc/logs?lines=10", "")
		var resp LogsResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		for _, l := range resp.Lines {
			if len(l) > 0 && l[len(l)-5:] == "ready" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	w = do(t, h, http.MethodPost, "/api/processes/svc/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec process.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, process.StatusStopped, rec.Status)

	w = do(t, h, http.MethodDelete, "/api/processes/svc", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/api/processes/svc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

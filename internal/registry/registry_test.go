package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pyker/internal/process"
	"github.com/loykin/pyker/internal/store"
)

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("print('hi')\n"), 0o600))
	return p
}

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestCreate_AssignsUniqueIDs(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "bot.py")
	r := New(store.NewMemory(), WithClock(fixedClock(1700000000)), WithLogDir(filepath.Join(dir, "logs")))
	ctx := context.Background()

	a, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)
	b, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)
	c, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)

	assert.Equal(t, "bot_1700000000", a.ID)
	assert.Equal(t, "bot_1700000000_1", b.ID)
	assert.Equal(t, "bot_1700000000_2", c.ID)
	assert.Equal(t, process.StatusStarting, a.Status)
	assert.Equal(t, process.DefaultMaxRestarts, a.MaxRestarts)
	assert.Equal(t, filepath.Join(dir, "logs", "bot_1700000000.log"), a.LogFile)

	latest, err := r.FindByName("bot")
	require.NoError(t, err)
	assert.Equal(t, c.ID, latest.ID)
}

func TestFindByName_OrdersBySecondThenSuffix(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "bot.py")
	now := int64(1000)
	r := New(store.NewMemory(), WithClock(func() time.Time { return time.Unix(now, 0) }))
	ctx := context.Background()

	for _, name := range []string{"bot", "bot", "my_bot", "my_bot"} {
		_, err := r.Create(ctx, CreateRequest{Name: name, ScriptPath: script})
		require.NoError(t, err)
	}
	now = 1001
	later, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)
	laterMy, err := r.Create(ctx, CreateRequest{Name: "my_bot", ScriptPath: script})
	require.NoError(t, err)

	got, err := r.FindByName("bot")
	require.NoError(t, err)
	assert.Equal(t, "bot_1001", got.ID)
	assert.Equal(t, later.ID, got.ID)

	got, err = r.FindByName("my_bot")
	require.NoError(t, err)
	assert.Equal(t, laterMy.ID, got.ID)

	assert.True(t, newer("bot", "bot_1000_2", "bot_1000_1"))
	assert.True(t, newer("bot", "bot_1001", "bot_1000_9"))
	assert.False(t, newer("bot", "bot_999_3", "bot_1000"))
}

func TestFindActive(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "bot.py")
	r := New(store.NewMemory(), WithClock(fixedClock(1000)))
	ctx := context.Background()

	a, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)
	b, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: script})
	require.NoError(t, err)
	_, err = r.Update(ctx, b.ID, func(p *process.Record) error {
		p.Status = process.StatusStopped
		return nil
	})
	require.NoError(t, err)

	got, ok := r.FindActive("bot", "")
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	_, ok = r.FindActive("bot", a.ID)
	assert.False(t, ok)
	_, ok = r.FindActive("other", "")
	assert.False(t, ok)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	r := New(store.NewMemory())
	ctx := context.Background()

	_, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: filepath.Join(dir, "missing.py")})
	assert.ErrorIs(t, err, process.ErrScriptNotFound)

	_, err = r.Create(ctx, CreateRequest{Name: "../evil", ScriptPath: writeScript(t, dir, "x.py")})
	assert.ErrorIs(t, err, process.ErrInvalidArgument)
	assert.Empty(t, r.List())
}

func TestUpdate_EnforcesTransitions(t *testing.T) {
	dir := t.TempDir()
	r := New(store.NewMemory())
	ctx := context.Background()
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, dir, "bot.py")})
	require.NoError(t, err)

	// running without a pid violates the pid invariant
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusRunning
		return nil
	})
	require.ErrorIs(t, err, process.ErrInvalidTransition)
	got, _ := r.Get(rec.ID)
	assert.Equal(t, process.StatusStarting, got.Status, "rejected update must not commit")

	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusRunning
		p.PID = 4321
		return nil
	})
	require.NoError(t, err)

	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusStopped
		p.PID = 0
		return nil
	})
	require.NoError(t, err)

	// stopped cannot jump straight back to running
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusRunning
		p.PID = 1
		return nil
	})
	assert.ErrorIs(t, err, process.ErrInvalidTransition)

	sentinel := errors.New("abort")
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Name = "changed"
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	got, _ = r.Get(rec.ID)
	assert.Equal(t, "bot", got.Name)

	_, err = r.Update(ctx, "nope", func(*process.Record) error { return nil })
	assert.ErrorIs(t, err, process.ErrProcessNotFound)
}

func TestUpdate_RestartCountBounded(t *testing.T) {
	r := New(store.NewMemory())
	ctx := context.Background()
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, t.TempDir(), "bot.py"), MaxRestarts: 2})
	require.NoError(t, err)
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.RestartCount = 3
		return nil
	})
	assert.ErrorIs(t, err, process.ErrInvalidTransition)
}

func TestRemove(t *testing.T) {
	r := New(store.NewMemory())
	ctx := context.Background()
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, t.TempDir(), "bot.py")})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Remove(ctx, rec.ID), process.ErrAlreadyRunning)

	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusStopped
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Remove(ctx, rec.ID))
	_, err = r.Get(rec.ID)
	assert.ErrorIs(t, err, process.ErrProcessNotFound)
	assert.ErrorIs(t, r.Remove(ctx, rec.ID), process.ErrProcessNotFound)
}

func TestWriteThroughAndReload(t *testing.T) {
	dir := t.TempDir()
	f, err := store.NewFile(filepath.Join(dir, "processes.json"))
	require.NoError(t, err)
	ctx := context.Background()
	r := New(f)
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, dir, "bot.py"), AutoRestart: true})
	require.NoError(t, err)
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusRunning
		p.PID = 777
		p.StartTime = process.At(time.Now())
		return nil
	})
	require.NoError(t, err)

	again := New(f)
	require.NoError(t, again.Load(ctx))
	got, err := again.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusRunning, got.Status)
	assert.Equal(t, 777, got.PID)
	assert.True(t, got.AutoRestart)
}

func TestLoad_RepairsInvalidRecords(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Save(ctx, map[string]process.Record{
		"a": {ID: "a", Status: process.StatusRunning, MaxRestarts: 3},
		"b": {ID: "b", Status: process.StatusErrored, RestartCount: 9, MaxRestarts: 3},
	}))
	r := New(mem)
	require.NoError(t, r.Load(ctx))
	a, _ := r.Get("a")
	assert.Equal(t, process.StatusStopped, a.Status)
	b, _ := r.Get("b")
	assert.Equal(t, 3, b.RestartCount)
}

func TestLoad_UnknownStatusSettlesStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "bot_1": {"id": "bot_1", "name": "bot", "status": "paused", "pid": 4242, "max_restarts": 3},
  "bot_2": {"id": "bot_2", "name": "bot", "status": "Stopped", "max_restarts": 3}
}`), 0o600))
	fs, err := store.NewFile(path)
	require.NoError(t, err)

	r := New(fs)
	require.NoError(t, r.Load(context.Background()))
	a, err := r.Get("bot_1")
	require.NoError(t, err)
	assert.Equal(t, process.StatusStopped, a.Status)
	assert.Zero(t, a.PID)
	b, err := r.Get("bot_2")
	require.NoError(t, err)
	assert.Equal(t, process.StatusStopped, b.Status)
}

type failingStore struct{ store.Memory }

func (f *failingStore) Save(context.Context, map[string]process.Record) error {
	return errors.New("disk full")
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	r := New(&failingStore{})
	rec, err := r.Create(context.Background(), CreateRequest{Name: "bot", ScriptPath: writeScript(t, t.TempDir(), "bot.py")})
	require.NoError(t, err)
	_, err = r.Get(rec.ID)
	assert.NoError(t, err)
}

func TestHooksSeeCommitOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []process.Status
	r := New(store.NewMemory(), WithHook(func(c Change) {
		if c.New == nil {
			return
		}
		mu.Lock()
		seen = append(seen, c.New.Status)
		mu.Unlock()
	}))
	ctx := context.Background()
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, t.TempDir(), "bot.py")})
	require.NoError(t, err)
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusRunning
		p.PID = 1
		return nil
	})
	require.NoError(t, err)
	_, err = r.Update(ctx, rec.ID, func(p *process.Record) error {
		p.Status = process.StatusStopped
		p.PID = 0
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []process.Status{process.StatusStarting, process.StatusRunning, process.StatusStopped}, seen)
}

func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	r := New(store.NewMemory())
	ctx := context.Background()
	rec, err := r.Create(ctx, CreateRequest{Name: "bot", ScriptPath: writeScript(t, t.TempDir(), "bot.py")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Update(ctx, rec.ID, func(p *process.Record) error {
				p.CPUPercent++
				return nil
			})
		}()
	}
	wg.Wait()
	got, _ := r.Get(rec.ID)
	assert.Equal(t, 50.0, got.CPUPercent)
}

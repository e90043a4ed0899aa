package env

import (
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestWithLayersAndExpands(t *testing.T) {
	t.Setenv("PYKER_ENV_TEST_HOME", "/srv")
	e := New(true).With([]string{"DATA=${PYKER_ENV_TEST_HOME}/data", "PYTHONUNBUFFERED=1", "=bad", "novalue"})
	list := e.List()

	if v, _ := lookup(list, "DATA"); v != "/srv/data" {
		t.Fatalf("DATA = %q", v)
	}
	if v, _ := lookup(list, "PYTHONUNBUFFERED"); v != "1" {
		t.Fatalf("PYTHONUNBUFFERED = %q", v)
	}
	if _, ok := lookup(list, "novalue"); ok {
		t.Fatalf("malformed entry leaked")
	}
	for _, kv := range list {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("empty key in %q", kv)
		}
	}
}

func TestNoInherit(t *testing.T) {
	t.Setenv("PYKER_ENV_TEST_SECRET", "x")
	list := New(false).With([]string{"A=1"}).List()
	if len(list) != 1 || list[0] != "A=1" {
		t.Fatalf("unexpected env %v", list)
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	parent := New(false).With([]string{"A=1"})
	_ = parent.With([]string{"A=2"})
	if list := parent.List(); list[0] != "A=1" {
		t.Fatalf("parent mutated: %v", list)
	}
}

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", "  /v1/x// ": "/v1/x"}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}

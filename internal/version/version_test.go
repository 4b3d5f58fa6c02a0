package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	got := Get()
	assert.True(t, strings.HasPrefix(got, "v"))
	assert.Equal(t, "v"+strings.TrimSpace(VERSION), got)
}

func TestResolve_PrefersLdflags(t *testing.T) {
	assert.Equal(t, "v9.9.9", Resolve("v9.9.9"))
	assert.NotEmpty(t, Resolve(""))
}

package etcfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterResolvesGlobalsToGlobalFd(t *testing.T) {
	m := NewModel(fakeCapture(nil))
	require.NoError(t, m.Apply("add_global /etc/hostname"))

	r := &Router{Model: m, LocalRefFd: 11, GlobalRefFd: 22, LocalStratum: "arch"}

	fd, label := r.Resolve("/etc/hostname")
	assert.Equal(t, 22, fd)
	assert.Equal(t, "global", label)
}

func TestRouterResolvesNonGlobalsToLocalFd(t *testing.T) {
	m := NewModel(fakeCapture(nil))
	r := &Router{Model: m, LocalRefFd: 11, GlobalRefFd: 22, LocalStratum: "arch"}

	fd, label := r.Resolve("/etc/fstab")
	assert.Equal(t, 11, fd)
	assert.Equal(t, "arch", label)
}

package strataio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrataOpenerAcquireUnknownAliasErrors(t *testing.T) {
	var o StrataOpener
	_, err := o.Acquire("definitely-not-a-real-stratum")
	assert.Error(t, err)
}

func TestCallerResolverBedrockStratumName(t *testing.T) {
	var r CallerResolver
	assert.Equal(t, "bedrock", r.BedrockStratum())
}

func TestCallerResolverUnresolvablePidErrors(t *testing.T) {
	var r CallerResolver
	_, err := r.ResolveCaller(context.Background(), 0)
	assert.Error(t, err)
}

func TestBouncerFileSizeAndReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bouncer")
	require.NoError(t, os.WriteFile(path, []byte("hello bouncer"), 0755))

	b := BouncerFile{Path: path}
	assert.Equal(t, int64(len("hello bouncer")), b.Size())

	buf := make([]byte, 5)
	n, err := b.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "bounc", string(buf[:n]))
}

func TestBouncerFileSizeMissingFileIsZero(t *testing.T) {
	b := BouncerFile{Path: "/nonexistent/bouncer"}
	assert.Equal(t, int64(0), b.Size())
}

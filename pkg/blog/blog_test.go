package blog

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, Warn, lvl)

	_, err = ParseLevel("bogus")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(Warn, &buf)
	l.Infof("should not appear")
	l.Warnf("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(Debug, &buf).With("op", "readdir").With("path", "/etc")
	l.Debugf("classified")

	out := buf.String()
	assert.True(t, strings.Contains(out, "op=readdir"))
	assert.True(t, strings.Contains(out, "path=/etc"))
}

func TestRotatorRotatesOnSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "crossfs.log")
	r, err := NewRotator(RotationConfig{Filename: path, MaxSizeMB: 0, MaxBackups: 2})
	require.NoError(t, err)
	defer r.Close()

	// With a 1 MiB threshold, the second write would reach it, so the
	// current file is first moved aside to a timestamped backup.
	r.cfg.MaxSizeMB = 1
	payload := bytes.Repeat([]byte("x"), 10)
	_, err = r.Write(payload)
	require.NoError(t, err)
	_, err = r.Write(bytes.Repeat([]byte("x"), 1024*1024))
	require.NoError(t, err)

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

package etcfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openDirFd(t *testing.T, dir string) int {
	t.Helper()
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestContainsSubstringFindsMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f", "hello bedrock world")
	f, err := os.Open(filepath.Join(dir, "f"))
	require.NoError(t, err)
	defer f.Close()

	off, found, err := ContainsSubstring(f, []byte("bedrock"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(6), off)
}

func TestContainsSubstringNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f", "hello world")
	f, err := os.Open(filepath.Join(dir, "f"))
	require.NoError(t, err)
	defer f.Close()

	_, found, err := ContainsSubstring(f, []byte("bedrock"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestContainsSubstringEmptyNeedle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f", "hello world")
	f, err := os.Open(filepath.Join(dir, "f"))
	require.NoError(t, err)
	defer f.Close()

	_, found, err := ContainsSubstring(f, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInjectFileSkipsEmptySource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "")
	dirFd := openDirFd(t, dir)

	require.NoError(t, InjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "", readFile(t, dir, "profile"))
}

func TestInjectFileSkipsAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "base\nexport X=1\nmore\n")
	dirFd := openDirFd(t, dir)

	require.NoError(t, InjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "base\nexport X=1\nmore\n", readFile(t, dir, "profile"))
}

func TestInjectFileAppendsPayload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "base\n")
	dirFd := openDirFd(t, dir)

	require.NoError(t, InjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "base\nexport X=1\n", readFile(t, dir, "profile"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp backup file should be renamed away, not left behind")
}

func TestUninjectFileRemovesGap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "base\nexport X=1\nmore\n")
	dirFd := openDirFd(t, dir)

	require.NoError(t, UninjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "base\nmore\n", readFile(t, dir, "profile"))
}

func TestUninjectFileNoMatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "base\nmore\n")
	dirFd := openDirFd(t, dir)

	require.NoError(t, UninjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "base\nmore\n", readFile(t, dir, "profile"))
}

func TestUninjectFileMatchAtFileEnd(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile", "base\nexport X=1\n")
	dirFd := openDirFd(t, dir)

	require.NoError(t, UninjectFile(dirFd, "profile", []byte("export X=1\n")))
	assert.Equal(t, "base\n", readFile(t, dir, "profile"))
}

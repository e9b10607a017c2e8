package crossfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-go/internal/rootfs"
	"github.com/bedrocklinux/bedrock-go/pkg/blog"
)

func openDirFd(t *testing.T, dir string) int {
	t.Helper()
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestFirstExistingSkipsMissingAndReturnsFirstHit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("second"), 0644))
	rootFd := openDirFd(t, dir)
	root := rootfs.Select()

	rbs := []ResolvedBack{
		{Bpath: "/a.txt", RootFd: rootFd, Release: func() {}},
		{Bpath: "/b.txt", RootFd: rootFd, Release: func() {}},
	}

	content, _, rb, err := firstExisting(root, rbs)
	require.NoError(t, err)
	assert.Equal(t, "/b.txt", rb.Bpath)
	assert.Equal(t, "second", string(content))
}

func TestFirstExistingAllMissing(t *testing.T) {
	dir := t.TempDir()
	rootFd := openDirFd(t, dir)
	root := rootfs.Select()

	rbs := []ResolvedBack{{Bpath: "/missing.txt", RootFd: rootFd, Release: func() {}}}
	_, _, _, err := firstExisting(root, rbs)
	assert.Error(t, err)
}

func TestFirstExistingStatDetectsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "applications"), 0755))
	rootFd := openDirFd(t, dir)
	root := rootfs.Select()

	rbs := []ResolvedBack{{Bpath: "/applications", RootFd: rootFd, Release: func() {}}}
	st, rb, err := firstExistingStat(root, rbs)
	require.NoError(t, err)
	assert.Equal(t, "/applications", rb.Bpath)
	assert.EqualValues(t, unix.S_IFDIR, st.Mode&unix.S_IFMT)
}

func TestEngineMergeBackContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fonts.dir"), []byte("a 1\n"), 0644))
	rootFd := openDirFd(t, dir)

	e := &Engine{Root: rootfs.Select(), Concurrency: 2, Log: blog.New(blog.Debug, io.Discard)}
	rbs := []ResolvedBack{
		{Bpath: "/fonts.dir", RootFd: rootFd, Release: func() {}},
		{Bpath: "/missing", RootFd: rootFd, Release: func() {}},
	}

	contents, err := e.mergeBackContents(context.Background(), rbs)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "a 1\n", string(contents[0]))
}

func TestResolveCallerFallsBackToBedrock(t *testing.T) {
	e := &Engine{Resolver: &stubResolver{err: assertErr}}
	assert.Equal(t, "bedrock", e.ResolveCaller(context.Background(), 1))
}

type stubResolver struct {
	stratum string
	err     error
}

func (s *stubResolver) ResolveCaller(ctx context.Context, pid uint32) (string, error) {
	return s.stratum, s.err
}
func (s *stubResolver) BedrockStratum() string { return "bedrock" }

var assertErr = errTest("resolve failed")

type errTest string

func (e errTest) Error() string { return string(e) }

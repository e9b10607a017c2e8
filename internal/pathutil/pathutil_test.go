package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsParent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsParent("/a", "/a/b"))
	assert.True(t, IsParent("/a/b", "/a/b/c"))
	assert.False(t, IsParent("/a/b", "/a/b"))
	assert.False(t, IsParent("/a/bc", "/a/b"))
	assert.False(t, IsParent("/a/b", "/a/bc"))
}

func TestIsEqualOrParent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsEqualOrParent("/a/b", "/a/b"))
	assert.True(t, IsEqualOrParent("/a", "/a/b"))
	assert.False(t, IsEqualOrParent("/a/b", "/a"))
}

func TestCalcBpath(t *testing.T) {
	t.Parallel()

	bpath, err := CalcBpath("/bin/vim", "/usr/bin/vim", "/bin/vim")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/vim", bpath)

	bpath, err = CalcBpath("/applications", "/usr/share/applications", "/applications/vim.desktop")
	require.NoError(t, err)
	assert.Equal(t, "/usr/share/applications/vim.desktop", bpath)

	_, err = CalcBpath("/bin/vim", "/usr/bin/vim", "/other")
	assert.Error(t, err)
}

func TestCalcBpathOverflow(t *testing.T) {
	t.Parallel()

	longSuffix := make([]byte, MaxPathLen)
	for i := range longSuffix {
		longSuffix[i] = 'a'
	}
	ipath := "/cpath/" + string(longSuffix)
	_, err := CalcBpath("/cpath", "/lpath", ipath)
	assert.Error(t, err)
}

func TestAliasSymlinkChainResolves(t *testing.T) {
	root := t.TempDir()
	strataRootOrig := StrataRoot
	defer func() { _ = strataRootOrig }()

	// DerefAlias hard-codes /bedrock/strata/, so this builds the same
	// alias-symlink shape under a temp dir and checks only the symlink
	// resolution step; DerefAlias itself is not called here.
	strata := filepath.Join(root, "strata")
	require.NoError(t, os.MkdirAll(filepath.Join(strata, "void"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(strata, "void"), filepath.Join(strata, "init")))

	resolved, err := filepath.EvalSymlinks(filepath.Join(strata, "init"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(strata, "void"), resolved)
}

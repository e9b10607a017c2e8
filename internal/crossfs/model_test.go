package crossfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	opened map[string]int
	fd     int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(map[string]int)}
}

func (f *fakeOpener) Acquire(alias string) (int, error) {
	f.fd++
	f.opened[alias]++
	return f.fd, nil
}

func (f *fakeOpener) Release(alias string, fd int) {
	f.opened[alias]--
}

func TestModelAddAndClassify(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)

	require.NoError(t, m.Apply("add bin /bin debian:/usr/bin"))
	require.NoError(t, m.Apply("add bin /bin arch:/bin"))

	class, entry := m.Classify("/bin/vim", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassBack, class)
	require.NotNil(t, entry)
	assert.Equal(t, "/bin", entry.Cpath)
	assert.Len(t, entry.Back, 2)

	bpaths, err := m.Bpaths(entry, "/bin/vim", "void")
	require.NoError(t, err)
	require.Len(t, bpaths, 2)
	assert.Equal(t, "/usr/bin/vim", bpaths[0].Bpath)
	assert.Equal(t, "/bin/vim", bpaths[1].Bpath)
}

func TestModelClassifyVdirAndSpecials(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add pass /usr/share/applications debian:/usr/share/applications"))

	class, _ := m.Classify("/usr", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassVdir, class)

	class, _ = m.Classify("/", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassRoot, class)

	class, _ = m.Classify("/.bedrock-config-filesystem", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassCfg, class)

	class, _ = m.Classify("/bedrock-local-alias", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassLocal, class)

	class, _ = m.Classify("/nope", "/.bedrock-config-filesystem", "/bedrock-local-alias")
	assert.Equal(t, ClassEnoent, class)
}

func TestModelRmDropsEntryWhenLastBackRemoved(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add bin /bin debian:/usr/bin"))
	require.NoError(t, m.Apply("rm bin /bin debian:/usr/bin"))

	class, _ := m.Classify("/bin/vim", "/cfg", "/local")
	assert.Equal(t, ClassEnoent, class)
	assert.Equal(t, 0, opener.opened["debian"])
}

func TestModelClearReleasesAllFds(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add bin /bin debian:/usr/bin"))
	require.NoError(t, m.Apply("add bin /sbin debian:/usr/sbin"))
	require.NoError(t, m.Apply("clear"))

	assert.Empty(t, m.Entries())
	assert.Equal(t, 0, opener.opened["debian"])
}

func TestModelFilterIgnoredOnSubsequentAdd(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add bin /bin debian:/usr/bin"))
	require.NoError(t, m.Apply("add pass /bin arch:/bin"))

	_, entry := m.Classify("/bin", "/cfg", "/local")
	require.NotNil(t, entry)
	assert.Equal(t, FilterBin, entry.Filter)
}

func TestModelSerializeNormalForm(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add bin /bin debian:/usr/bin"))

	assert.Equal(t, "bin /bin debian:/usr/bin\n", string(m.Serialize()))
}

func TestModelDeeperCpaths(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add pass /usr/share/applications debian:/usr/share/applications"))
	require.NoError(t, m.Apply("add pass /usr/share/icons debian:/usr/share/icons"))

	names := m.DeeperCpaths("/usr/share")
	assert.Equal(t, []string{"applications", "icons"}, names)
}

func TestModelLocalBackResolvesPerCaller(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)
	require.NoError(t, m.Apply("add pass /etc/hostname local:/etc/hostname"))

	_, entry := m.Classify("/etc/hostname", "/cfg", "/local")
	require.NotNil(t, entry)

	bpaths, err := m.Bpaths(entry, "/etc/hostname", "void")
	require.NoError(t, err)
	require.Len(t, bpaths, 1)
	assert.Equal(t, "/etc/hostname", bpaths[0].Bpath)
	assert.Equal(t, 1, opener.opened["void"])
	bpaths[0].Release()
	assert.Equal(t, 0, opener.opened["void"])
}

func TestModelRejectsMalformedCommands(t *testing.T) {
	opener := newFakeOpener()
	m := NewModel(opener)

	assert.Error(t, m.Apply("add bin /bin"))
	assert.Error(t, m.Apply("add badfilter /bin debian:/bin"))
	assert.Error(t, m.Apply("add bin relative debian:/bin"))
	assert.Error(t, m.Apply("add bin /bin debian/bin"))
	assert.Error(t, m.Apply("bogus"))
}

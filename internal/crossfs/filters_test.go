package crossfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRewriteIniExecDirective(t *testing.T) {
	in := "[Desktop Entry]\nExec=/usr/bin/vim %f\nName=Vim\n"
	out := string(RewriteIni([]byte(in), "debian"))
	assert.Contains(t, out, "Exec=/bedrock/bin/strat debian /usr/bin/vim %f")
	assert.Contains(t, out, "Name=Vim")
}

func TestRewriteIniPathDirective(t *testing.T) {
	in := "Icon=/usr/share/icons/vim.png\n"
	out := string(RewriteIni([]byte(in), "arch"))
	assert.Contains(t, out, "Icon=/bedrock/strata/arch/usr/share/icons/vim.png")
}

func TestRewriteIniPathDirectiveNonAbsoluteUntouched(t *testing.T) {
	in := "Icon=vim\n"
	out := string(RewriteIni([]byte(in), "arch"))
	assert.Equal(t, "Icon=vim\n", out)
}

func TestRewriteIniPassthroughLines(t *testing.T) {
	in := "Type=Application\nTerminal=false\n"
	out := string(RewriteIni([]byte(in), "arch"))
	assert.Equal(t, in, out)
}

func TestServiceRewriterSystemdUsesIni(t *testing.T) {
	r := NewServiceRewriter()
	content := []byte("Exec=/bin/foo\n")
	out := r.Rewrite("/etc/systemd/system/foo.service", "void", content, false, time.Now())
	assert.Contains(t, string(out), "/bedrock/bin/strat void /bin/foo")
}

func TestServiceRewriterRunitSynthesizesAndMemoizes(t *testing.T) {
	r := NewServiceRewriter()
	mtime := time.Now()
	out1 := r.Rewrite("/etc/sv/foo/run", "void", []byte("ignored"), true, mtime)
	assert.Contains(t, string(out1), "strat -r void /bedrock/strata/void/run")

	out2 := r.Rewrite("/etc/sv/foo/run", "void", []byte("different"), true, mtime)
	assert.Equal(t, out1, out2)

	out3 := r.Rewrite("/etc/sv/foo/run", "void", []byte("different"), true, mtime.Add(time.Second))
	assert.Equal(t, out1, out3)
	assert.True(t, r.memo["/etc/sv/foo/run"].mtime.Equal(mtime.Add(time.Second)))
}

func TestServiceRewriterPassthroughOutsideSV(t *testing.T) {
	r := NewServiceRewriter()
	out := r.Rewrite("/etc/other/file", "void", []byte("raw"), false, time.Now())
	assert.Equal(t, "raw", string(out))
}

func TestMergeFontDedupAndSort(t *testing.T) {
	a := []byte("zeta 100\nalpha 50\n")
	b := []byte("alpha 999\nbeta 10\n!comment\n")
	out := string(MergeFont("fonts.alias", [][]byte{a, b}))
	assert.Equal(t, "alpha 50\nbeta 10\nzeta 100\n", out)
}

func TestMergeFontDirCountsEntries(t *testing.T) {
	a := []byte("a 1\nb 2\n")
	out := string(MergeFont("fonts.dir", [][]byte{a}))
	assert.Equal(t, "2\na 1\nb 2\n", out)
}

func TestSecurityMaskClearsBits(t *testing.T) {
	mode := uint32(04000 | 02000 | 01000 | 0777)
	masked := SecurityMask(mode)
	assert.EqualValues(t, 0555, masked)
}

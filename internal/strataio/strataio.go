// Package strataio provides the on-disk production implementations of the
// narrow interfaces crossfs.Engine and etcfs.Engine depend on:
// /bedrock/strata/ root-fd acquisition, the "local" alias's per-request
// caller-stratum resolution, and the bouncer binary's bytes. Kept outside
// internal/crossfs and internal/etcfs so both engines share one
// implementation rather than duplicating /proc parsing.
package strataio

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
	"github.com/bedrocklinux/bedrock-go/internal/pathutil"
)

// StrataOpener implements crossfs.RootFdOpener against the real
// /bedrock/strata/ hierarchy, dereferencing aliases with pathutil.DerefAlias
// before opening the resolved stratum's root directory.
type StrataOpener struct{}

// Acquire opens /bedrock/strata/<alias>, following alias symlink chains.
func (StrataOpener) Acquire(alias string) (int, error) {
	stratum, err := pathutil.DerefAlias(alias)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Open(pathutil.StrataRoot+stratum, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, berrors.NewError(berrors.ErrCodeStratumNotFound, "cannot open stratum root").
			WithContext("alias", alias).WithContext("stratum", stratum).WithCause(err)
	}
	return fd, nil
}

// Release closes a root fd previously returned by Acquire.
func (StrataOpener) Release(alias string, fd int) {
	_ = unix.Close(fd)
}

// xattrStratum mirrors the constant named in internal/strat and
// internal/etcfs; duplicated here rather than imported to avoid a
// dependency from this package onto either FUSE engine.
const xattrStratum = "user.bedrock.stratum"

// bedrockStratumName is the well-known stratum hosting /bedrock itself,
// used as the fallback identity for the "local" alias per spec.md §3.
const bedrockStratumName = "bedrock"

// CallerResolver implements crossfs.CallerStratumResolver by reading the
// caller process's root stratum identity off /proc/<pid>/root's
// user.bedrock.stratum xattr.
type CallerResolver struct{}

// ResolveCaller reads user.bedrock.stratum off /proc/<pid>/root.
func (CallerResolver) ResolveCaller(ctx context.Context, pid uint32) (string, error) {
	path := fmt.Sprintf("/proc/%d/root", pid)
	buf := make([]byte, 256)
	n, err := unix.Getxattr(path, xattrStratum, buf)
	if err != nil {
		return "", berrors.NewError(berrors.ErrCodeStratumNotFound, "cannot read caller stratum xattr").
			WithContext("pid", fmt.Sprint(pid)).WithCause(err)
	}
	return string(buf[:n]), nil
}

// BedrockStratum names the fallback stratum for callers whose root can't
// be resolved (kernel threads, processes in another PID namespace).
func (CallerResolver) BedrockStratum() string { return bedrockStratumName }

// BouncerFile implements crossfs.BouncerBinary by reading the bouncer
// executable's bytes from disk, reopening lazily so a bouncer rebuild
// during the FUSE server's lifetime is picked up on the next access.
type BouncerFile struct {
	Path string
}

// Size stats the bouncer binary's current length.
func (b BouncerFile) Size() int64 {
	info, err := os.Stat(b.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadAt reads a byte range of the bouncer binary.
func (b BouncerFile) ReadAt(p []byte, off int64) (int, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

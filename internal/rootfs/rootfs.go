// Package rootfs implements the thread-safe "as if chrooted" substrate
// shared by crossfs and etcfs: given a stratum root fd and a path relative
// to it, perform a VFS operation as though running inside chroot(root)
// from cwd "/". Two implementations exist, selected once at process start:
// a mutex-guarded chroot (the universal fallback) and an openat2-based
// resolver that avoids any global lock on kernels that support
// RESOLVE_IN_ROOT (Linux >= 5.6). See spec.md §4.2 and §9.
package rootfs

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// Root performs filesystem operations as if chrooted into a stratum root
// fd, without requiring the calling goroutine to actually chroot the
// process (which would affect every other goroutine).
type Root interface {
	// Open opens path relative to rootFd as though chrooted, following
	// symlinks the way a normal open(2) would within that root.
	Open(rootFd int, path string, flags int, mode uint32) (*os.File, error)

	// Lstat lstats path relative to rootFd.
	Lstat(rootFd int, path string) (unix.Stat_t, error)

	// Readlink reads the symlink target at path relative to rootFd.
	Readlink(rootFd int, path string) (string, error)

	// Mode reports which substrate is active, for /healthz reporting.
	Mode() string
}

var (
	selectOnce   sync.Once
	selected     Root
	openat2Works bool
)

// Select probes openat2(RESOLVE_IN_ROOT) support once and returns the
// chosen substrate for the remainder of the process lifetime. Safe to call
// from multiple goroutines; only the first caller's probe runs.
func Select() Root {
	selectOnce.Do(func() {
		if probeOpenat2() {
			openat2Works = true
			selected = &parallelRoot{}
		} else {
			selected = newLockedRoot()
		}
	})
	return selected
}

// probeOpenat2 issues a trial RESOLVE_IN_ROOT lookup of "." against "/" and
// reports whether the kernel understands it.
func probeOpenat2() bool {
	root, err := os.Open("/")
	if err != nil {
		return false
	}
	defer root.Close()

	how := unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_DIRECTORY,
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	fd, err := unix.Openat2(int(root.Fd()), ".", &how)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// Locked returns the always-available fallback, used unconditionally for
// filldir (directory iteration with per-entry symlink checks) regardless
// of which Root is selected for everything else, per spec.md §4.2.
func Locked() Root {
	lockedOnce.Do(func() {
		lockedInstance = newLockedRoot()
	})
	return lockedInstance
}

var (
	lockedOnce     sync.Once
	lockedInstance Root
)

func toBedrockErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		if errno == unix.ENOENT {
			return berrors.NewError(berrors.ErrCodeNotFound, "no such file or directory").
				WithOperation(op).WithCause(err)
		}
		if errno == unix.EACCES {
			return berrors.NewError(berrors.ErrCodePermissionDenied, "permission denied").
				WithOperation(op).WithCause(err)
		}
		// Preserve the raw errno for anything else: callers mapping to
		// FUSE errno via pkg/errors.ToErrno handle syscall.Errno directly.
		return errno
	}
	return berrors.NewError(berrors.ErrCodeIO, "root substrate operation failed").
		WithOperation(op).WithCause(err)
}

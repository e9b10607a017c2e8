package rootfs

import (
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// lockedRoot is the universal-fallback substrate: a process-global mutex
// guards an actual chroot(2) into the target root fd, so only one goroutine
// at a time may resolve a path "as if chrooted". The OS thread performing
// the chroot is locked for the duration so the Go scheduler can't migrate
// the goroutine to a thread sitting in a different root.
type lockedRoot struct {
	mu         sync.Mutex
	curRootFd  int
	curRootSet bool
}

func newLockedRoot() *lockedRoot {
	return &lockedRoot{curRootFd: -1}
}

func (l *lockedRoot) Mode() string { return "chroot" }

// enter locks the mutex, locks the calling goroutine to its OS thread, and
// chroots into rootFd if it isn't already the installed root. The returned
// unlock func must be deferred by the caller.
func (l *lockedRoot) enter(rootFd int) (unlock func(), err error) {
	runtime.LockOSThread()
	l.mu.Lock()

	if !l.curRootSet || l.curRootFd != rootFd {
		if err := unix.Fchdir(rootFd); err != nil {
			l.mu.Unlock()
			runtime.UnlockOSThread()
			return nil, toBedrockErr("fchdir", err)
		}
		if err := unix.Chroot("."); err != nil {
			l.mu.Unlock()
			runtime.UnlockOSThread()
			return nil, toBedrockErr("chroot", err)
		}
		l.curRootFd = rootFd
		l.curRootSet = true
	} else {
		if err := unix.Fchdir(rootFd); err != nil {
			l.mu.Unlock()
			runtime.UnlockOSThread()
			return nil, toBedrockErr("fchdir", err)
		}
	}
	if err := unix.Chdir("/"); err != nil {
		l.mu.Unlock()
		runtime.UnlockOSThread()
		return nil, toBedrockErr("chdir", err)
	}

	return func() {
		l.mu.Unlock()
		runtime.UnlockOSThread()
	}, nil
}

func (l *lockedRoot) Open(rootFd int, path string, flags int, mode uint32) (*os.File, error) {
	unlock, err := l.enter(rootFd)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fd, err := unix.Open(relativize(path), flags, mode)
	if err != nil {
		return nil, toBedrockErr("open", err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (l *lockedRoot) Lstat(rootFd int, path string) (unix.Stat_t, error) {
	unlock, err := l.enter(rootFd)
	if err != nil {
		return unix.Stat_t{}, err
	}
	defer unlock()

	var st unix.Stat_t
	if err := unix.Lstat(relativize(path), &st); err != nil {
		return unix.Stat_t{}, toBedrockErr("lstat", err)
	}
	return st, nil
}

func (l *lockedRoot) Readlink(rootFd int, path string) (string, error) {
	unlock, err := l.enter(rootFd)
	if err != nil {
		return "", err
	}
	defer unlock()

	buf := make([]byte, 4096)
	n, err := unix.Readlink(relativize(path), buf)
	if err != nil {
		return "", toBedrockErr("readlink", err)
	}
	return string(buf[:n]), nil
}

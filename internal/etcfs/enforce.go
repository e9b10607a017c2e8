package etcfs

import (
	"time"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// DebounceWindow is the minimum interval between repeat applications of
// the same override, per spec.md §4.5 ("rate-limited... to avoid
// confusing package managers that remove-and-immediately-recreate
// files"). Comparisons use whole seconds, matching the original's
// time_t-based check.
const DebounceWindow = 1 * time.Second

// Enforce applies the "check then fix" rule for a single override
// against dirFd, the reference directory the request was routed to. now
// is injected for testability.
func Enforce(dirFd int, o *Override, now time.Time) error {
	nowSec := now.Unix()
	if nowSec-o.lastApplied < int64(DebounceWindow/time.Second) && o.lastApplied != 0 {
		return nil
	}

	switch o.Type {
	case OverrideSymlink:
		return enforceSymlink(dirFd, o, nowSec)
	case OverrideDirectory:
		return enforceDirectory(dirFd, o, nowSec)
	case OverrideInject:
		return enforceInject(dirFd, o, nowSec)
	}
	return berrors.NewError(berrors.ErrCodeInternal, "unknown override type").WithContext("type", o.Type)
}

func enforceSymlink(dirFd int, o *Override, nowSec int64) error {
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(dirFd, relName(o.Path), buf)
	if err == nil && string(buf[:n]) == o.Content {
		return nil
	}

	removeExisting(dirFd, o.Path)
	if err := unix.Symlinkat(o.Content, dirFd, relName(o.Path)); err != nil {
		return toErr("symlinkat", err)
	}
	o.lastApplied = nowSec
	return nil
}

func enforceDirectory(dirFd int, o *Override, nowSec int64) error {
	var st unix.Stat_t
	err := unix.Fstatat(dirFd, relName(o.Path), &st, unix.AT_SYMLINK_NOFOLLOW)
	if err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return nil
	}

	removeExisting(dirFd, o.Path)
	if err := unix.Mkdirat(dirFd, relName(o.Path), 0755); err != nil {
		return toErr("mkdirat", err)
	}
	o.lastApplied = nowSec
	return nil
}

func enforceInject(dirFd int, o *Override, nowSec int64) error {
	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, relName(o.Path), &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil // nothing to inject into yet; try again next request
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil
	}

	if err := InjectFile(dirFd, relName(o.Path), o.Inject); err != nil {
		return err
	}
	o.lastApplied = nowSec
	return nil
}

func removeExisting(dirFd int, path string) {
	name := relName(path)
	_ = unix.Unlinkat(dirFd, name, 0)
	_ = unix.Unlinkat(dirFd, name, unix.AT_REMOVEDIR)
}

// relName strips the leading '/' since enforcement operates relative to
// a routed reference dirfd.
func relName(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

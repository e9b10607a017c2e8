package strat

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

const (
	stateDir         = "/bedrock/run/enabled_strata/"
	restrictedCmdDir = "/bedrock/run/restricted_cmds/"
	strataRoot       = "/bedrock/strata/"

	// CrossDir is the mount point whose PATH entries strat skips when
	// resolving a command, so switching strata actually changes which
	// binary runs instead of bouncing straight back through the union.
	CrossDir = "/bedrock/cross"

	// LocalAlias names the no-op stratum switch target.
	LocalAlias = "local"
)

// CheckConfigSecure walks path and every parent directory up to "/",
// requiring each to be root-owned, not group/world-writable, and not a
// symlink. This guards both the readiness-marker file (enabled_strata/
// <stratum>) and the restricted-cmd marker (restricted_cmds/<cmd>)
// against a non-root user re-pointing a loosely-permissioned parent
// directory to smuggle a fake marker in. A symlink anywhere in the chain
// is rejected outright rather than followed and re-checked, matching the
// original's "lazy shortcut" of disallowing symlinks entirely.
func CheckConfigSecure(path string) error {
	p := path
	for {
		st, err := lstatPath(p)
		if err != nil {
			return berrors.NewError(berrors.ErrCodeNotFound, "secure path component does not exist").
				WithContext("path", p).WithCause(err)
		}
		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			return berrors.NewError(berrors.ErrCodeInsecurePath, "secure path component is a symlink").
				WithContext("path", p)
		}
		if st.Uid != 0 {
			return berrors.NewError(berrors.ErrCodeInsecurePath, "secure path component not owned by root").
				WithContext("path", p)
		}
		if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
			return berrors.NewError(berrors.ErrCodeInsecurePath, "secure path component is group/world writable").
				WithContext("path", p)
		}

		parent := filepath.Dir(p)
		if parent == p {
			return nil
		}
		p = parent
	}
}

func lstatPath(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ReadinessMarkerPath returns the path whose security (and existence)
// gates switching into stratum.
func ReadinessMarkerPath(stratum string) string {
	return stateDir + stratum
}

// RestrictedCmdMarkerPath returns the path whose presence (and security)
// flags basename cmd as restricted-by-default.
func RestrictedCmdMarkerPath(cmd string) string {
	base := cmd
	if idx := strings.LastIndexByte(cmd, '/'); idx >= 0 {
		base = cmd[idx+1:]
	}
	return restrictedCmdDir + base
}

// IsCmdRestrictedByDefault reports whether cmd's basename has a secure
// restricted-cmd marker. An empty cmd (no command given; falling back to
// $SHELL) is never restricted by this check.
func IsCmdRestrictedByDefault(cmd string) bool {
	if cmd == "" {
		return false
	}
	return CheckConfigSecure(RestrictedCmdMarkerPath(cmd)) == nil
}

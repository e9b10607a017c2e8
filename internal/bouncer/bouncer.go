// Package bouncer implements bouncer's own-xattr-read-and-reexec: a
// bouncer binary is planted (via a hardlink or copy) wherever a
// cross-stratum command should appear to live, tagged with the target
// stratum and path via xattrs, and when executed it reads those tags off
// its own /proc/self/exe and re-execs strat to run the real command —
// preserving the caller's original argv[0], which a #!/bin/sh hashbang
// redirect would lose.
package bouncer

import (
	"os"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

const (
	xattrStratum   = "user.bedrock.stratum"
	xattrLocalpath = "user.bedrock.localpath"

	stratBinary = "/bedrock/bin/strat"
)

// Target is the stratum+path a bouncer stub redirects to, read from its
// own executable's xattrs.
type Target struct {
	Stratum string
	Path    string
}

// ReadTarget reads the target stratum and local path from /proc/self/exe's
// xattrs.
func ReadTarget() (Target, error) {
	stratum, err := getxattrString("/proc/self/exe", xattrStratum)
	if err != nil {
		return Target{}, berrors.NewError(berrors.ErrCodeStratumNotFound, "unable to determine target stratum").WithCause(err)
	}
	path, err := getxattrString("/proc/self/exe", xattrLocalpath)
	if err != nil {
		return Target{}, berrors.NewError(berrors.ErrCodeNotFound, "unable to determine target path").WithCause(err)
	}
	return Target{Stratum: stratum, Path: path}, nil
}

func getxattrString(path, attr string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Getxattr(path, attr, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Argv builds the argv to re-exec as strat, preserving argv0 (the
// caller's own invocation name) via strat's --arg0 flag and passing the
// rest of the caller's arguments through to the target executable.
func Argv(argv0 string, target Target, rest []string) []string {
	out := make([]string, 0, 5+len(rest))
	out = append(out, stratBinary, "--arg0", argv0, target.Stratum, target.Path)
	out = append(out, rest...)
	return out
}

// Exec re-execs strat with the target's argv. Only returns on failure.
func Exec(argv []string) error {
	return unix.Exec(stratBinary, argv, os.Environ())
}

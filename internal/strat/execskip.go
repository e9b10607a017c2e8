package strat

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecSkip behaves like execvp(3) except that it skips $PATH entries
// prefixed with skip — used to keep strat from re-invoking a
// /bedrock/cross hook when resolving the requested command, which would
// defeat the purpose of switching strata in the first place. On success
// this never returns (the process image is replaced); on failure it
// returns the last error encountered.
func ExecSkip(file string, argv []string, skip string) error {
	if file == "" {
		return syscall.ENOENT
	}

	if strings.ContainsRune(file, '/') {
		return unix.Exec(file, argv, os.Environ())
	}

	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/bin:/bin"
	}

	var lastErr error = syscall.ENOENT
	for _, dir := range strings.Split(path, ":") {
		if strings.HasPrefix(dir, skip) {
			continue
		}
		entry := filepath.Join(dir, file)
		if err := unix.Exec(entry, argv, os.Environ()); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

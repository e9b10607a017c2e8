// Package pathutil implements the pure path-classification primitives
// shared by crossfs and etcfs: parent/child tests on absolute paths, the
// bpath calculation from a configured path plus an incoming path, and
// stratum alias dereferencing under /bedrock/strata/.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// StrataRoot is the directory under which stratum roots and aliases live.
const StrataRoot = "/bedrock/strata/"

// MaxPathLen bounds the length of a calculated bpath; exceeding it is an
// overflow per spec.md's calc_bpath.
const MaxPathLen = 4096

// IsParent reports whether a is a strict parent directory of b, i.e.
// a is a prefix of b followed by a '/'.
func IsParent(a, b string) bool {
	if len(a) >= len(b) {
		return false
	}
	if b[len(a)] != '/' {
		return false
	}
	return b[:len(a)] == a
}

// IsEqualOrParent reports whether a equals b or is a strict parent of b.
func IsEqualOrParent(a, b string) bool {
	return a == b || IsParent(a, b)
}

// PathEqual reports byte-equality of two paths. Provided for symmetry with
// the C pstrcmp, which compared (pointer, length) pairs rather than
// NUL-terminated C strings; in Go this degenerates to ==, but keeping the
// named function documents the invariant call sites rely on (exact byte
// match, not path-semantic equivalence).
func PathEqual(a, b string) bool {
	return a == b
}

// CalcBpath computes the backing path for an incoming path ipath given a
// CfgEntry's cpath and one of its BackEntry lpaths:
//
//   - if ipath == cpath, the bpath is exactly lpath.
//   - if ipath is a child of cpath, the bpath is lpath + the ipath suffix
//     beyond cpath.
//   - otherwise ipath does not belong to this cpath and CalcBpath returns
//     an error (callers should not reach this case if classification ran
//     first; it exists for defense in depth).
//
// Returns ErrCodePathTooLong if the concatenation would exceed MaxPathLen.
func CalcBpath(cpath, lpath, ipath string) (string, error) {
	var bpath string
	switch {
	case ipath == cpath:
		bpath = lpath
	case IsParent(cpath, ipath):
		bpath = lpath + ipath[len(cpath):]
	default:
		return "", berrors.NewError(berrors.ErrCodeInvalidPath, "ipath does not belong to cpath").
			WithContext("cpath", cpath).WithContext("ipath", ipath)
	}
	if len(bpath) > MaxPathLen {
		return "", berrors.NewError(berrors.ErrCodePathTooLong, "calculated bpath exceeds maximum length")
	}
	return bpath, nil
}

// DerefAlias resolves a stratum alias — a symlink chain under
// /bedrock/strata/ — down to the bare stratum name. It fails if the
// resolved path escapes /bedrock/strata/ or names a nested path (a
// directory underneath a stratum root, rather than the root itself).
func DerefAlias(alias string) (string, error) {
	aliasPath := filepath.Join(StrataRoot, alias)

	resolved, err := filepath.EvalSymlinks(aliasPath)
	if err != nil {
		return "", berrors.NewError(berrors.ErrCodeStratumNotFound, "cannot resolve stratum alias").
			WithContext("alias", alias).WithCause(err)
	}

	if !strings.HasPrefix(resolved, filepath.Clean(StrataRoot)+string(os.PathSeparator)) &&
		resolved != filepath.Clean(StrataRoot) {
		return "", berrors.NewError(berrors.ErrCodeStratumNotFound, "alias resolves outside strata root").
			WithContext("alias", alias).WithContext("resolved", resolved)
	}

	stratum := strings.TrimPrefix(resolved, filepath.Clean(StrataRoot)+string(os.PathSeparator))
	if strings.Contains(stratum, string(os.PathSeparator)) {
		return "", berrors.NewError(berrors.ErrCodeStratumNotFound, "alias resolves to a nested path").
			WithContext("alias", alias).WithContext("resolved", resolved)
	}
	if stratum == "" {
		return "", berrors.NewError(berrors.ErrCodeStratumNotFound, "alias resolves to strata root itself").
			WithContext("alias", alias)
	}

	return stratum, nil
}

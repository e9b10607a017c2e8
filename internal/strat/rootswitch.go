package strat

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// RootMode selects how strat installs the new stratum as "/".
type RootMode int

const (
	ModeChroot RootMode = iota
	ModeNamespace
)

// breakOutOfChroot escapes whatever chroot this process is currently
// confined to, using the classic chroot(referenceDir)+chdir("..")-until-
// stable trick: chrooting into a subdirectory of the current root doesn't
// remove the real filesystem tree above it from the directory-entry
// cache, so repeatedly chdir("..") eventually reaches the true root,
// detected by comparing "." and ".." device+inode.
func breakOutOfChroot(referenceDir string) error {
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Chroot(referenceDir); err != nil {
		return err
	}

	for {
		if err := os.Chdir(".."); err != nil {
			return err
		}
		var cur, parent unix.Stat_t
		if err := unix.Lstat(".", &cur); err != nil {
			return err
		}
		if err := unix.Lstat("..", &parent); err != nil {
			return err
		}
		if cur.Ino == parent.Ino && cur.Dev == parent.Dev {
			break
		}
	}
	return unix.Chroot(".")
}

// chrootToStratum chroots into stratumPath, unless stratumPath is
// already the real root (the stratum providing init lives there and
// needs no chroot at all).
func chrootToStratum(stratumPath string) error {
	var realRoot, target unix.Stat_t
	if err := unix.Stat("/", &realRoot); err != nil {
		return err
	}
	if err := unix.Stat(stratumPath, &target); err != nil {
		return err
	}
	if realRoot.Dev == target.Dev && realRoot.Ino == target.Ino {
		return nil
	}

	if err := os.Chdir(stratumPath); err != nil {
		return err
	}
	return unix.Chroot(".")
}

// pivotRootToStratum makes stratumPath the new root of a fresh mount
// namespace, relocating the prior root (and /bedrock) underneath it, so
// the target stratum looks like it was the init stratum all along. This
// is strat's -n/--namespace mode, an alternative to chroot for callers
// that want full filesystem-namespace isolation rather than a shared
// mount table.
func pivotRootToStratum(stratumPath, currentStratum string) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "unshare(CLONE_NEWNS) failed").WithCause(err)
	}
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "mount(/, MS_PRIVATE|MS_REC) failed").WithCause(err)
	}

	dst := fmt.Sprintf("%s/bedrock/strata/%s", stratumPath, currentStratum)
	if err := unix.PivotRoot(stratumPath, dst); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "pivot_root failed").WithCause(err)
	}

	src := fmt.Sprintf("/bedrock/strata/%s/bedrock", currentStratum)
	if err := unix.Mount(src, "/tmp", "", unix.MS_MOVE, ""); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "move current stratum's /bedrock to /tmp failed").WithCause(err)
	}

	src = fmt.Sprintf("/bedrock/strata/%s", currentStratum)
	dst = fmt.Sprintf("/tmp/strata/%s", currentStratum)
	if err := unix.Mount(src, dst, "", unix.MS_MOVE, ""); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "move current stratum into /tmp/strata failed").WithCause(err)
	}

	dst = fmt.Sprintf("/tmp/strata/%s/bedrock", currentStratum)
	if err := unix.Mount("/bedrock", dst, "", unix.MS_MOVE, ""); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "move /bedrock under relocated stratum failed").WithCause(err)
	}

	if err := unix.Mount("/tmp", "/bedrock", "", unix.MS_MOVE, ""); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "move /tmp to /bedrock failed").WithCause(err)
	}
	return nil
}

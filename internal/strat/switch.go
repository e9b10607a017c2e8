package strat

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-go/internal/pathutil"
	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

const xattrStratum = "user.bedrock.stratum"

// Switch implements strat.c's switch_stratum: dereference alias to a bare
// stratum name, short-circuit if already there, verify CAP_SYS_CHROOT,
// verify the stratum's readiness marker, break out of any existing
// chroot, then install the target stratum as root via chroot or
// pivot_root, finally restoring (or falling back from) the prior working
// directory.
func Switch(alias string, mode RootMode) error {
	if alias == LocalAlias {
		return nil
	}

	stratum, err := pathutil.DerefAlias(alias)
	if err != nil {
		return berrors.NewError(berrors.ErrCodeStratumNotFound, "unable to find stratum").
			WithContext("alias", alias).WithCause(err)
	}

	currentStratum, err := currentStratumName()
	if err != nil {
		return berrors.NewError(berrors.ErrCodeStratumNotFound, "unable to determine current stratum").WithCause(err)
	}
	if currentStratum == stratum {
		return nil
	}

	// The two early returns above matter beyond convenience: this avoids
	// the CAP_SYS_CHROOT check firing on a no-op switch, keeping strat
	// usable even under a debugger attached to a process already in its
	// own stratum.
	ok, err := HasCapSysChroot()
	if err != nil {
		return berrors.NewError(berrors.ErrCodeMissingCap, "unable to query capabilities").WithCause(err)
	}
	if !ok {
		return berrors.NewError(berrors.ErrCodeMissingCap,
			"wrong cap_sys_chroot capability; this may occur when using ptrace across stratum "+
				"boundaries such as with strace or gdb; install those tools in the same stratum "+
				"as the traced program and use strat to invoke them there")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return berrors.NewError(berrors.ErrCodeInternal, "unable to determine current working directory").WithCause(err)
	}

	if err := CheckConfigSecure(ReadinessMarkerPath(stratum)); err != nil {
		return berrors.NewError(berrors.ErrCodeStratumDisabled, "stratum is not enabled, or its state file is insecure").
			WithContext("stratum", stratum).WithCause(err)
	}

	if err := breakOutOfChroot("/bedrock"); err != nil {
		return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "unable to break out of chroot").WithCause(err)
	}

	stratumPath := strataRoot + stratum
	switch mode {
	case ModeChroot:
		if err := chrootToStratum(stratumPath); err != nil {
			return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "unable to chroot to stratum").
				WithContext("stratum", stratum).WithCause(err)
		}
	case ModeNamespace:
		if err := pivotRootToStratum(stratumPath, currentStratum); err != nil {
			return berrors.NewError(berrors.ErrCodeRootSwitchFailed, "unable to create namespace for stratum").
				WithContext("stratum", stratum).WithCause(err)
		}
	}

	if err := os.Chdir(cwd); err != nil {
		_ = os.Chdir("/")
	}
	return nil
}

func currentStratumName() (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Getxattr("/", xattrStratum, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

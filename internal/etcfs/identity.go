package etcfs

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Impersonation locks the calling goroutine to its OS thread and sets
// that thread's fsuid/fsgid to the FUSE caller's identity for the
// duration of one request, per spec.md §4.5's "caller identity
// impersonation": POSIX's process-global setreuid/setregid families
// can't be used safely from concurrent FUSE handler goroutines, but
// Go's per-thread fsuid/fsgid syscalls can once the goroutine is pinned.
type Impersonation struct {
	prevUID int
	prevGID int
}

// Begin locks the OS thread and switches its fsuid/fsgid to (uid, gid).
// Callers must defer the returned End.
func Begin(uid, gid uint32) *Impersonation {
	runtime.LockOSThread()
	prevUID, _ := unix.SetfsuidRetUid(int(uid))
	prevGID, _ := unix.SetfsgidRetGid(int(gid))

	return &Impersonation{prevUID: prevUID, prevGID: prevGID}
}

// End restores the thread's prior fsuid/fsgid and unlocks the goroutine
// from its OS thread.
func (i *Impersonation) End() {
	unix.Setfsuid(i.prevUID)
	unix.Setfsgid(i.prevGID)
	runtime.UnlockOSThread()
}

// SupplementaryGroups reads the caller's supplementary group list from
// /proc/<pid>/status's "Groups:" line. Returns an empty list (not an
// error) if the proc entry is gone or unreadable — a kernel thread or a
// process in a different PID namespace gets no privilege beyond the
// uid/gid-based mechanisms, per spec.md §4.5.
func SupplementaryGroups(pid uint32) []uint32 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Groups:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Groups:"))
		groups := make([]uint32, 0, len(fields))
		for _, f := range fields {
			g, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				continue
			}
			groups = append(groups, uint32(g))
		}
		return groups
	}
	return nil
}

package etcfs

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
	"github.com/bedrocklinux/bedrock-go/pkg/retry"
)

// syscallRetryer absorbs the EINTR/EAGAIN that renameat/openat can return
// under signal pressure or on a busy /etc; anything else is returned as-is
// on the first attempt.
var syscallRetryer = retry.New(retry.DefaultConfig())

// ContainsSubstring scans f for needle, handling arbitrary byte content
// including embedded NULs (a plain bytes.Index over the whole file, since
// /etc configuration files are small enough that streaming search isn't
// worth the complexity). Returns the byte offset of the first match, or
// found=false.
func ContainsSubstring(f *os.File, needle []byte) (offset int64, found bool, err error) {
	if len(needle) == 0 {
		return 0, false, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false, err
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return 0, false, err
	}
	idx := bytes.Index(content, needle)
	if idx < 0 {
		return 0, false, nil
	}
	return int64(idx), true, nil
}

// InjectFile implements the atomic inject algorithm from spec.md §4.5:
// early-exit on an empty source (some package managers probe files
// pre-write) or an already-present payload, otherwise build a sibling
// temp file containing source-verbatim-then-payload and renameat it over
// the original.
func InjectFile(dirFd int, name string, payload []byte) error {
	f, err := openRelative(dirFd, name, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return toErr("stat", err)
	}
	if info.Size() == 0 {
		return nil
	}

	if _, found, err := ContainsSubstring(f, payload); err != nil {
		return toErr("scan", err)
	} else if found {
		return nil
	}

	tmpName := fmt.Sprintf("%s-bedrock-backup", name)
	if err := copyThenAppend(dirFd, name, tmpName, f, payload); err != nil {
		_ = unix.Unlinkat(dirFd, tmpName, 0)
		return err
	}
	if err := syscallRetryer.Do(func() error {
		return unix.Renameat(dirFd, tmpName, dirFd, name)
	}); err != nil {
		_ = unix.Unlinkat(dirFd, tmpName, 0)
		return toErr("renameat", err)
	}
	return nil
}

func copyThenAppend(dirFd int, origName, tmpName string, src *os.File, payload []byte) error {
	tmpFd, err := unix.Openat(dirFd, tmpName, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_EXCL, 0644)
	if err != nil {
		return toErr("openat-tmp", err)
	}
	tmp := os.NewFile(uintptr(tmpFd), tmpName)
	defer tmp.Close()

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return toErr("seek", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		return toErr("copy", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		return toErr("append", err)
	}
	return nil
}

// UninjectFile implements the atomic uninject algorithm from spec.md
// §4.5: locate the first occurrence of payload, copy the file into a
// temp sibling with the match region removed (tail shifted left by
// len(payload)), and renameat over the original.
func UninjectFile(dirFd int, name string, payload []byte) error {
	f, err := openRelative(dirFd, name, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return toErr("stat", err)
	}
	origSize := info.Size()

	offset, found, err := ContainsSubstring(f, payload)
	if err != nil {
		return toErr("scan", err)
	}
	if !found {
		return nil
	}

	tmpName := fmt.Sprintf("%s-bedrock-backup", name)
	if err := writeWithGapRemoved(dirFd, tmpName, f, offset, int64(len(payload)), origSize); err != nil {
		_ = unix.Unlinkat(dirFd, tmpName, 0)
		return err
	}
	if err := syscallRetryer.Do(func() error {
		return unix.Renameat(dirFd, tmpName, dirFd, name)
	}); err != nil {
		_ = unix.Unlinkat(dirFd, tmpName, 0)
		return toErr("renameat", err)
	}
	return nil
}

func writeWithGapRemoved(dirFd int, tmpName string, src *os.File, matchOffset, matchLen, origSize int64) error {
	tmpFd, err := unix.Openat(dirFd, tmpName, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_EXCL, 0644)
	if err != nil {
		return toErr("openat-tmp", err)
	}
	tmp := os.NewFile(uintptr(tmpFd), tmpName)
	defer tmp.Close()

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return toErr("seek", err)
	}
	if _, err := io.CopyN(tmp, src, matchOffset); err != nil {
		return toErr("copy-head", err)
	}

	matchEnd := matchOffset + matchLen
	if _, err := src.Seek(matchEnd, io.SeekStart); err != nil {
		return toErr("seek-tail", err)
	}
	if _, err := io.CopyN(tmp, src, origSize-matchEnd); err != nil && err != io.EOF {
		return toErr("copy-tail", err)
	}
	return nil
}

func openRelative(dirFd int, name string, flags int) (*os.File, error) {
	var fd int
	err := syscallRetryer.Do(func() error {
		var oerr error
		fd, oerr = unix.Openat(dirFd, name, flags, 0)
		return oerr
	})
	if err != nil {
		return nil, toErr("openat", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

func toErr(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return berrors.NewError(berrors.ErrCodeIO, "etcfs file operation failed").
			WithOperation(op).WithCause(errno)
	}
	return berrors.NewError(berrors.ErrCodeIO, "etcfs file operation failed").WithOperation(op).WithCause(err)
}

package etcfs

import (
	"context"
	"hash/fnv"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-go/internal/bcfg"
	"github.com/bedrocklinux/bedrock-go/pkg/blog"
	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

func ino(ipath string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ipath))
	return h.Sum64()
}

const configFileName = ".bedrock-config-filesystem"

// Engine is the live etcfs state threaded through every Node.
type Engine struct {
	Core    *bcfg.Core
	Model   *Model
	Router  *Router
	Log     *blog.Logger
	Bedrock string // bedrock stratum name, reported on the config pseudo-file

	Metrics MetricsSink // optional; nil-safe no-op if unset
}

// MetricsSink is implemented by internal/bmetrics; kept as a narrow
// interface here so etcfs doesn't import the metrics package directly.
type MetricsSink interface {
	ObserveRequest(op string)
	ObserveMutation()
	ObserveOverrideApplied(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string)         {}
func (noopMetrics) ObserveMutation()              {}
func (noopMetrics) ObserveOverrideApplied(string) {}

func (e *Engine) metrics() MetricsSink {
	if e.Metrics == nil {
		return noopMetrics{}
	}
	return e.Metrics
}

// Node is etcfs's single go-fuse inode type: behavior is determined by
// routing+override enforcement against n.ipath at request time, the same
// dynamic-dispatch shape crossfs uses for the same reason (the union's
// shape and overrides change on every config mutation).
type Node struct {
	fs.Inode
	engine *Engine
	ipath  string
}

func NewRoot(e *Engine) *Node {
	return &Node{engine: e, ipath: "/"}
}

func (n *Node) childPath(name string) string {
	if n.ipath == "/" {
		return "/" + name
	}
	return n.ipath + "/" + name
}

// setup runs the override-enforcement hook and returns the routed dirfd
// for n.ipath, per spec.md §4.5's "SETUP hook, runs before every non-CFG
// operation".
func (n *Node) setup() (dirFd int, relPath string) {
	if o, ok := n.engine.Model.OverrideFor(n.ipath); ok {
		dirFd, _ = n.engine.Router.Resolve(n.ipath)
		if err := Enforce(dirFd, o, time.Now()); err != nil {
			n.engine.Log.Warnf("override enforcement failed for %s: %v", n.ipath, err)
			n.engine.metrics().ObserveOverrideApplied("error")
		} else {
			n.engine.metrics().ObserveOverrideApplied("applied")
		}
	}
	dirFd, _ = n.engine.Router.Resolve(n.ipath)
	return dirFd, relName(n.ipath)
}

func isConfigPath(ipath string) bool {
	return ipath == "/"+configFileName
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ipath := n.childPath(name)

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	if isConfigPath(ipath) {
		out.Attr.Mode = fuse.S_IFREG | 0600
		out.Attr.Size = uint64(n.engine.Core.Size())
		child := &Node{engine: n.engine, ipath: ipath}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino(ipath)}), 0
	}

	child := &Node{engine: n.engine, ipath: ipath}
	dirFd, relPath := n.setupFor(ipath)

	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, berrors.ToErrno(toErr("fstatat", err))
	}
	fillAttr(&out.Attr, &st)

	return n.NewInode(ctx, child, fs.StableAttr{Mode: uint32(st.Mode) & fuse.S_IFMT, Ino: ino(ipath)}), 0
}

// setupFor runs the SETUP hook for an arbitrary path (used by Lookup,
// which computes a child path before a Node for it exists).
func (n *Node) setupFor(ipath string) (dirFd int, relPath string) {
	if o, ok := n.engine.Model.OverrideFor(ipath); ok {
		dirFd, _ = n.engine.Router.Resolve(ipath)
		if err := Enforce(dirFd, o, time.Now()); err != nil {
			n.engine.Log.Warnf("override enforcement failed for %s: %v", ipath, err)
			n.engine.metrics().ObserveOverrideApplied("error")
		} else {
			n.engine.metrics().ObserveOverrideApplied("applied")
		}
	}
	dirFd, _ = n.engine.Router.Resolve(ipath)
	return dirFd, relName(ipath)
}

func fillAttr(attr *fuse.Attr, st *unix.Stat_t) {
	attr.Mode = st.Mode
	attr.Size = uint64(st.Size)
	attr.Uid = st.Uid
	attr.Gid = st.Gid
	attr.Mtime = uint64(st.Mtim.Sec)
	attr.Atime = uint64(st.Atim.Sec)
	attr.Ctime = uint64(st.Ctim.Sec)
	attr.Nlink = uint32(st.Nlink)
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if isConfigPath(n.ipath) {
		if err := bcfg.RequireRoot(callerUID(ctx)); err != nil {
			return berrors.ToErrno(err)
		}
		n.engine.Core.RLock()
		defer n.engine.Core.RUnlock()
		out.Attr.Mode = fuse.S_IFREG | 0600
		out.Attr.Size = uint64(n.engine.Core.Size())
		return 0
	}

	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	dirFd, relPath := n.setup()
	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return berrors.ToErrno(toErr("fstatat", err))
	}
	fillAttr(&out.Attr, &st)
	return 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	dirFd, relPath := n.setup()
	buf := make([]byte, 4096)
	nb, err := unix.Readlinkat(dirFd, relPath, buf)
	if err != nil {
		return nil, berrors.ToErrno(toErr("readlinkat", err))
	}
	return buf[:nb], 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	dirFd, relPath := n.setup()
	f, err := openRelative(dirFd, orDot(relPath), unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return nil, berrors.ToErrno(err)
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(infos)+1)
	if n.ipath == "/" {
		entries = append(entries, fuse.DirEntry{Name: configFileName, Mode: fuse.S_IFREG})
	}
	for _, info := range infos {
		mode := uint32(fuse.S_IFREG)
		if info.IsDir() {
			mode = fuse.S_IFDIR
		} else if info.Mode()&os.ModeSymlink != 0 {
			mode = fuse.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{Name: info.Name(), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func orDot(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if isConfigPath(n.ipath) {
		if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
			return &cfgWriteHandle{engine: n.engine}, 0, 0
		}
		if err := bcfg.RequireRoot(callerUID(ctx)); err != nil {
			return nil, 0, berrors.ToErrno(err)
		}
		return &cfgReadHandle{engine: n.engine}, 0, 0
	}

	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	dirFd, relPath := n.setup()
	fd, err := unix.Openat(dirFd, relPath, int(flags), 0644)
	if err != nil {
		return nil, 0, berrors.ToErrno(toErr("openat", err))
	}
	return &fdHandle{f: os.NewFile(uintptr(fd), relPath)}, 0, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	ipath := n.childPath(name)
	dirFd, relPath := n.setupFor(ipath)

	fd, err := unix.Openat(dirFd, relPath, int(flags)|unix.O_CREAT, mode)
	if err != nil {
		return nil, nil, 0, berrors.ToErrno(toErr("openat-create", err))
	}

	var st unix.Stat_t
	_ = unix.Fstat(fd, &st)
	fillAttr(&out.Attr, &st)

	child := &Node{engine: n.engine, ipath: ipath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino(ipath)})
	return inode, &fdHandle{f: os.NewFile(uintptr(fd), relPath)}, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	ipath := n.childPath(name)
	dirFd, relPath := n.setupFor(ipath)
	if err := unix.Mkdirat(dirFd, relPath, mode); err != nil {
		return nil, berrors.ToErrno(toErr("mkdirat", err))
	}
	child := &Node{engine: n.engine, ipath: ipath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: ino(ipath)}), 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	ipath := n.childPath(name)
	dirFd, relPath := n.setupFor(ipath)
	if err := unix.Symlinkat(target, dirFd, relPath); err != nil {
		return nil, berrors.ToErrno(toErr("symlinkat", err))
	}
	child := &Node{engine: n.engine, ipath: ipath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFLNK, Ino: ino(ipath)}), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	ipath := n.childPath(name)
	dirFd, relPath := n.setupFor(ipath)
	if err := unix.Unlinkat(dirFd, relPath, 0); err != nil {
		return berrors.ToErrno(toErr("unlinkat", err))
	}
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	ipath := n.childPath(name)
	dirFd, relPath := n.setupFor(ipath)
	if err := unix.Unlinkat(dirFd, relPath, unix.AT_REMOVEDIR); err != nil {
		return berrors.ToErrno(toErr("rmdir", err))
	}
	return 0
}

// Rename implements spec.md §4.5's routing-aware rename: both paths may
// cross reference dirfds (a file moving between globals and non-globals),
// in which case a cross-dirfd renameat EXDEV falls back to copy-then-
// unlink dispatched on the source's file type. Any non-zero flags
// (RENAME_NOREPLACE, RENAME_EXCHANGE) returns EOPNOTSUPP. A directory
// source is recreated as an empty directory at the target; its children
// are not copied, and removing the source fails unless it is empty.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EOPNOTSUPP
	}
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	oldIpath := n.childPath(name)
	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	newIpath := newParentNode.childPath(newName)

	oldDirFd, oldRel := n.setupFor(oldIpath)
	newDirFd, newRel := n.setupFor(newIpath)

	err := unix.Renameat(oldDirFd, oldRel, newDirFd, newRel)
	if err == nil {
		return 0
	}
	if err != unix.EXDEV {
		return berrors.ToErrno(toErr("renameat", err))
	}
	return berrors.ToErrno(crossDirfdMove(oldDirFd, oldRel, newDirFd, newRel))
}

// crossDirfdMove implements the manual "copy then unlink" fallback from
// spec.md §4.5, dispatched on the source's file type.
func crossDirfdMove(oldDirFd int, oldRel string, newDirFd int, newRel string) error {
	var st unix.Stat_t
	if err := unix.Fstatat(oldDirFd, oldRel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return toErr("fstatat", err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		target := make([]byte, 4096)
		n, err := unix.Readlinkat(oldDirFd, oldRel, target)
		if err != nil {
			return toErr("readlinkat", err)
		}
		if err := unix.Symlinkat(string(target[:n]), newDirFd, newRel); err != nil {
			return toErr("symlinkat", err)
		}
	case unix.S_IFDIR:
		if err := unix.Mkdirat(newDirFd, newRel, st.Mode&0777); err != nil {
			return toErr("mkdirat", err)
		}
	case unix.S_IFBLK, unix.S_IFCHR, unix.S_IFIFO, unix.S_IFSOCK:
		if err := unix.Mknodat(newDirFd, newRel, st.Mode, int(st.Rdev)); err != nil {
			return toErr("mknodat", err)
		}
	default:
		if err := copyRegularAcrossDirfds(oldDirFd, oldRel, newDirFd, newRel, &st); err != nil {
			return err
		}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return unix.Unlinkat(oldDirFd, oldRel, unix.AT_REMOVEDIR)
	}
	return unix.Unlinkat(oldDirFd, oldRel, 0)
}

func copyRegularAcrossDirfds(oldDirFd int, oldRel string, newDirFd int, newRel string, st *unix.Stat_t) error {
	src, err := openRelative(oldDirFd, oldRel, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpName := newRel + "-bedrock-tmpfile"
	dstFd, err := unix.Openat(newDirFd, tmpName, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_EXCL, uint32(st.Mode&0777))
	if err != nil {
		return toErr("openat-dst", err)
	}
	dst := os.NewFile(uintptr(dstFd), tmpName)

	if _, err := ioCopy(dst, src); err != nil {
		dst.Close()
		_ = unix.Unlinkat(newDirFd, tmpName, 0)
		return toErr("copy", err)
	}
	dst.Close()

	_ = unix.Fchownat(newDirFd, tmpName, int(st.Uid), int(st.Gid), unix.AT_SYMLINK_NOFOLLOW)
	if err := unix.Renameat(newDirFd, tmpName, newDirFd, newRel); err != nil {
		_ = unix.Unlinkat(newDirFd, tmpName, 0)
		return toErr("renameat", err)
	}
	return nil
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string
	switch attr {
	case xattrStratum:
		if isConfigPath(n.ipath) {
			value = n.engine.Bedrock
		} else {
			_, value = n.engine.Router.Resolve(n.ipath)
		}
	case xattrLocalpath:
		if isConfigPath(n.ipath) {
			value = "/"
		} else {
			value = n.ipath
		}
	default:
		return n.delegateGetxattr(ctx, attr, dest)
	}

	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

const (
	xattrStratum   = "user.bedrock.stratum"
	xattrLocalpath = "user.bedrock.localpath"
)

// delegateGetxattr forwards unrecognized xattrs to the underlying file
// via /proc/self/fd/<fd>, the only fd-based path that also respects
// AT_SYMLINK_NOFOLLOW semantics for getxattr, per spec.md §4.5.
func (n *Node) delegateGetxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	imp := Begin(callerUID(ctx), callerGID(ctx))
	defer imp.End()

	dirFd, relPath := n.setup()
	fd, err := unix.Openat(dirFd, relPath, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, berrors.ToErrno(toErr("openat-path", err))
	}
	defer unix.Close(fd)

	procPath := path.Join("/proc/self/fd", itoa(fd))
	sz, err := unix.Getxattr(procPath, attr, dest)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			switch errno {
			case unix.EACCES, unix.EINVAL, unix.ELOOP, unix.ENAMETOOLONG:
				return 0, syscall.ENODATA
			}
		}
		return 0, berrors.ToErrno(toErr("getxattr", err))
	}
	return uint32(sz), 0
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func callerUID(ctx context.Context) uint32 {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid
	}
	return 0
}

func callerGID(ctx context.Context) uint32 {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Gid
	}
	return 0
}

// fdHandle wraps a real open fd for regular-file read/write, used for
// all non-config files (etcfs does no content rewriting, unlike crossfs).
type fdHandle struct{ f *os.File }

func (h *fdHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fdHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.f.WriteAt(data, off)
	if err != nil {
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

func (h *fdHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *fdHandle) Release(ctx context.Context) syscall.Errno {
	h.f.Close()
	return 0
}

func (h *fdHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.f.Sync(); err != nil {
		return syscall.EIO
	}
	return 0
}

// cfgReadHandle/cfgWriteHandle mirror crossfs's config pseudo-file
// handles: reads snapshot the serialized model, writes apply one atomic
// command per spec.md §4.3.
type cfgReadHandle struct{ engine *Engine }

func (h *cfgReadHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := h.engine.Core.Serialize()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

type cfgWriteHandle struct {
	engine *Engine
	buf    []byte
}

func (h *cfgWriteHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.buf = append(h.buf, data...)
	return uint32(len(data)), 0
}

func (h *cfgWriteHandle) Flush(ctx context.Context) syscall.Errno {
	if len(h.buf) == 0 {
		return 0
	}
	if err := h.engine.Core.Apply(callerUID(ctx), string(h.buf)); err != nil {
		return berrors.ToErrno(err)
	}
	h.engine.metrics().ObserveMutation()
	h.buf = nil
	return 0
}

func ioCopy(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return total, nil
			}
			return total, err
		}
	}
}

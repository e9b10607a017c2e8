package crossfs

import (
	"bytes"
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-go/internal/bcfg"
	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

const (
	xattrStratum   = "user.bedrock.stratum"
	xattrLocalpath = "user.bedrock.localpath"
	xattrRestrict  = "user.bedrock.restrict"
)

// Node is the single go-fuse inode type crossfs uses for every path: its
// behavior is entirely determined by classifying n.ipath against the live
// Model at request time, rather than by a fixed node-per-directory tree
// (the union's shape changes on every config mutation).
type Node struct {
	fs.Inode
	engine *Engine
	ipath  string
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeGetxattrer = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
)

// NewRoot builds the root inode of a crossfs mount.
func NewRoot(e *Engine) *Node {
	return &Node{engine: e, ipath: "/"}
}

func (n *Node) childPath(name string) string {
	if n.ipath == "/" {
		return "/" + name
	}
	return n.ipath + "/" + name
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.engine.metrics().ObserveRequest("lookup")
	ipath := n.childPath(name)

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	class, entry := n.engine.Model.Classify(ipath, n.engine.CfgPath, n.engine.LocalPath)
	if class == ClassEnoent {
		return nil, syscall.ENOENT
	}

	attr, errno := n.statForClass(ctx, class, entry, ipath)
	if errno != 0 {
		return nil, errno
	}
	out.Attr = attr

	child := &Node{engine: n.engine, ipath: ipath}
	mode := uint32(fuse.S_IFREG)
	if class == ClassVdir || class == ClassRoot {
		mode = fuse.S_IFDIR
	} else if class == ClassLocal {
		mode = fuse.S_IFLNK
	} else if class == ClassBack && attr.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		mode = fuse.S_IFDIR
	}

	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: ino(ipath)}), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.engine.metrics().ObserveRequest("getattr")

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	class, entry := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)
	attr, errno := n.statForClass(ctx, class, entry, n.ipath)
	if errno != 0 {
		return errno
	}
	out.Attr = attr
	return 0
}

// statForClass computes the fuse.Attr appropriate for a classified path,
// applying filter-specific size rewrites and the security bit mask.
func (n *Node) statForClass(ctx context.Context, class Class, entry *CfgEntry, ipath string) (fuse.Attr, syscall.Errno) {
	var attr fuse.Attr
	now := uint64(time.Now().Unix())
	attr.Mtime, attr.Ctime, attr.Atime = now, now, now

	switch class {
	case ClassRoot, ClassVdir:
		attr.Mode = fuse.S_IFDIR | 0555
		return attr, 0
	case ClassCfg:
		if err := bcfg.RequireRoot(callerUID(ctx)); err != nil {
			return fuse.Attr{}, berrors.ToErrno(err)
		}
		attr.Mode = fuse.S_IFREG | 0600
		attr.Size = uint64(n.engine.Core.Size())
		return attr, 0
	case ClassLocal:
		attr.Mode = fuse.S_IFLNK | 0777
		return attr, 0
	case ClassBack:
		return n.statBack(ctx, entry, ipath)
	}
	return attr, syscall.ENOENT
}

func (n *Node) statBack(ctx context.Context, entry *CfgEntry, ipath string) (fuse.Attr, syscall.Errno) {
	caller := n.engine.ResolveCaller(ctx, callerPID(ctx))
	rbs, err := n.engine.Model.Bpaths(entry, ipath, caller)
	if err != nil {
		return fuse.Attr{}, berrors.ToErrno(err)
	}
	defer releaseAll(rbs)

	var attr fuse.Attr
	now := uint64(time.Now().Unix())
	attr.Mtime, attr.Ctime, attr.Atime = now, now, now

	switch entry.Filter {
	case FilterBin, FilterBinRestrict:
		attr.Mode = fuse.S_IFREG | 0555
		attr.Size = uint64(n.engine.Bouncer.Size())
		return attr, 0
	}

	st, _, err := firstExistingStat(n.engine.Root, rbs)
	if err != nil {
		return fuse.Attr{}, syscall.ENOENT
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		attr.Mode = fuse.S_IFDIR | 0555
		attr.Mtime = uint64(st.Mtim.Sec)
		return attr, 0
	}

	content, mtime, rb, err := firstExisting(n.engine.Root, rbs)
	if err != nil {
		return fuse.Attr{}, syscall.ENOENT
	}
	attr.Mtime = uint64(mtime.Unix())

	rewritten := n.applyFilter(entry, rb.Bpath, rb.Alias, content, mtime, rbs)
	attr.Mode = fuse.S_IFREG | 0444
	attr.Size = uint64(len(rewritten))
	attr.Mode = SecurityMask(attr.Mode)
	return attr, 0
}

func callerPID(ctx context.Context) uint32 {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Pid
	}
	return 0
}

func releaseAll(rbs []ResolvedBack) {
	for _, rb := range rbs {
		rb.Release()
	}
}

// applyFilter produces the final bytes for a BACK path under its assigned
// filter. FONT is special in that it merges every bpath rather than just
// the first existing one, so it ignores the single (content, bpath) pair
// passed in and re-reads all bpaths itself. alias is the stratum that
// actually produced bpath (LOCAL already resolved to the caller's own
// stratum), used by filters that need to name the stratum in rewritten
// content (INI, the synthesized SERVICE unit).
func (n *Node) applyFilter(entry *CfgEntry, bpath, alias string, content []byte, mtime time.Time, rbs []ResolvedBack) []byte {
	name := path.Base(bpath)
	switch entry.Filter {
	case FilterIni:
		return RewriteIni(content, alias)
	case FilterFont:
		if name != "fonts.dir" && name != "fonts.alias" {
			return content
		}
		contents, _ := n.engine.mergeBackContents(context.Background(), rbs)
		return MergeFont(name, contents)
	case FilterService:
		return n.engine.Service.Rewrite(bpath, alias, content, isSVPath(bpath), mtime)
	case FilterPass:
		return content
	default:
		return content
	}
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	n.engine.metrics().ObserveRequest("readlink")

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	class, _ := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)
	if class != ClassLocal {
		return nil, syscall.EINVAL
	}
	caller := n.engine.ResolveCaller(ctx, callerPID(ctx))
	return []byte("/bedrock/strata/" + caller), 0
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	n.engine.metrics().ObserveRequest("getxattr")

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	class, entry := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)

	var value string
	switch {
	case class == ClassBack:
		switch attr {
		case xattrStratum, xattrLocalpath:
			// Both attributes are read off whichever BackEntry actually
			// resolves for this ipath, not just entry.Back[0] — a cpath
			// with more than one back location, or an ipath that is a
			// child of cpath (bpath gains a suffix), both need the real
			// resolved location, per spec.md §8 property 4.
			caller := n.engine.ResolveCaller(ctx, callerPID(ctx))
			rbs, err := n.engine.Model.Bpaths(entry, n.ipath, caller)
			if err != nil {
				return 0, berrors.ToErrno(err)
			}
			_, rb, ferr := firstExistingStat(n.engine.Root, rbs)
			releaseAll(rbs)
			if ferr != nil {
				return 0, syscall.ENOENT
			}
			if attr == xattrStratum {
				value = rb.Alias
			} else {
				value = rb.Bpath
			}
		case xattrRestrict:
			if entry.Filter != FilterBinRestrict {
				return 0, syscall.ENOTSUP
			}
			value = "restrict"
		default:
			return 0, syscall.ENOTSUP
		}
	default:
		switch attr {
		case xattrStratum:
			value = n.engine.Resolver.BedrockStratum()
		case xattrLocalpath:
			value = "/"
		default:
			return 0, syscall.ENOTSUP
		}
	}

	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.engine.metrics().ObserveRequest("readdir")

	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	names := make(map[string]uint32)

	if n.ipath == "/" {
		names[configFileName(n.engine.CfgPath)] = fuse.S_IFREG
		names[localAliasName(n.engine.LocalPath)] = fuse.S_IFLNK
	}

	class, entry := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)
	if class == ClassBack {
		caller := n.engine.ResolveCaller(ctx, callerPID(ctx))
		rbs, err := n.engine.Model.Bpaths(entry, n.ipath, caller)
		if err == nil {
			n.mergeDirChildren(rbs, names)
			releaseAll(rbs)
		}
	}

	for _, name := range n.engine.Model.DeeperCpaths(n.ipath) {
		names[name] = fuse.S_IFDIR
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for name, mode := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) mergeDirChildren(rbs []ResolvedBack, names map[string]uint32) {
	for _, rb := range rbs {
		f, err := n.engine.LockedDir.Open(rb.RootFd, rb.Bpath, 0, 0)
		if err != nil {
			continue
		}
		infos, err := f.Readdir(-1)
		f.Close()
		if err != nil {
			continue
		}
		for _, info := range infos {
			if _, ok := names[info.Name()]; ok {
				continue
			}
			mode := uint32(fuse.S_IFREG)
			if info.IsDir() {
				mode = fuse.S_IFDIR
			}
			names[info.Name()] = mode
		}
	}
}

func configFileName(cfgPath string) string  { return path.Base(cfgPath) }
func localAliasName(localPath string) string { return path.Base(localPath) }

// Open serves read-only content for BACK/CFG paths as an in-memory byte
// buffer: crossfs's filters all need to transform content before it can
// be handed to the kernel, so there is no passthrough fast path.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.engine.metrics().ObserveRequest("open")

	n.engine.Core.RLock()
	class, entry := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)
	n.engine.Core.RUnlock()

	switch class {
	case ClassCfg:
		if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
			return &cfgWriteHandle{engine: n.engine}, 0, 0
		}
		if err := bcfg.RequireRoot(callerUID(ctx)); err != nil {
			return nil, 0, berrors.ToErrno(err)
		}
		return &byteHandle{data: n.engine.Core.Serialize()}, 0, 0
	case ClassBack:
		data, errno := n.readBack(ctx, entry)
		if errno != 0 {
			return nil, 0, errno
		}
		return &byteHandle{data: data}, 0, 0
	case ClassLocal:
		return nil, 0, syscall.ELOOP
	}
	return nil, 0, syscall.ENOENT
}

func (n *Node) readBack(ctx context.Context, entry *CfgEntry) ([]byte, syscall.Errno) {
	n.engine.Core.RLock()
	defer n.engine.Core.RUnlock()

	caller := n.engine.ResolveCaller(ctx, callerPID(ctx))
	rbs, err := n.engine.Model.Bpaths(entry, n.ipath, caller)
	if err != nil {
		return nil, berrors.ToErrno(err)
	}
	defer releaseAll(rbs)

	if entry.Filter == FilterBin || entry.Filter == FilterBinRestrict {
		buf := make([]byte, n.engine.Bouncer.Size())
		if _, err := n.engine.Bouncer.ReadAt(buf, 0); err != nil {
			return nil, syscall.EIO
		}
		return buf, 0
	}

	content, mtime, rb, err := firstExisting(n.engine.Root, rbs)
	if err != nil {
		return nil, syscall.ENOENT
	}
	return n.applyFilter(entry, rb.Bpath, rb.Alias, content, mtime, rbs), 0
}

// Write handles the config pseudo-file's only write semantics: the whole
// write buffer is one atomic command per spec.md §4.3.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.engine.metrics().ObserveRequest("write")

	class, _ := n.engine.Model.Classify(n.ipath, n.engine.CfgPath, n.engine.LocalPath)
	if class != ClassCfg {
		return 0, syscall.EROFS
	}

	caller := callerUID(ctx)
	if err := n.engine.Core.Apply(caller, string(data)); err != nil {
		return 0, berrors.ToErrno(err)
	}
	n.engine.metrics().ObserveMutation()
	return uint32(len(data)), 0
}

func callerUID(ctx context.Context) uint32 {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid
	}
	return ^uint32(0)
}

// byteHandle serves a fixed in-memory buffer for reads.
type byteHandle struct{ data []byte }

func (h *byteHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), 0
}

// cfgWriteHandle accumulates a single atomic command write, since
// spec.md §4.3 treats each write as one complete command (≤ PIPE_BUF
// bytes, independently parseable).
type cfgWriteHandle struct {
	engine *Engine
	buf    bytes.Buffer
}

func (h *cfgWriteHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.buf.Write(data)
	return uint32(len(data)), 0
}

func (h *cfgWriteHandle) Flush(ctx context.Context) syscall.Errno {
	if h.buf.Len() == 0 {
		return 0
	}
	caller := callerUID(ctx)
	if err := h.engine.Core.Apply(caller, h.buf.String()); err != nil {
		return berrors.ToErrno(err)
	}
	h.engine.metrics().ObserveMutation()
	h.buf.Reset()
	return 0
}

// Package crossfs implements the crossfs union/filter filesystem: a
// read-only (except for its configuration pseudo-file) view that merges
// per-path "backing" files from multiple strata through a small set of
// content filters. See internal/pathutil for the path arithmetic crossfs
// and etcfs share, and internal/bcfg for the mutation core both engines
// embed.
package crossfs

import (
	"fmt"
	"sort"
	"strings"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
	"github.com/bedrocklinux/bedrock-go/internal/pathutil"
)

// Filter names a content-rewriting transform applied to a BACK classified
// path's content and reported size.
type Filter string

const (
	FilterBin         Filter = "bin"
	FilterBinRestrict Filter = "bin_restrict"
	FilterIni         Filter = "ini"
	FilterFont        Filter = "font"
	FilterService     Filter = "service"
	FilterPass        Filter = "pass"
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case FilterBin, FilterBinRestrict, FilterIni, FilterFont, FilterService, FilterPass:
		return Filter(s), nil
	}
	return "", berrors.NewError(berrors.ErrCodeInvalidConfig, "unknown filter").WithContext("filter", s)
}

// LocalAlias is the sentinel stratum name meaning "whatever stratum the
// caller's root happens to be", resolved per request rather than stored.
const LocalAlias = "local"

// BackEntry is one candidate backing location for a CfgEntry, in
// declaration order (first match wins for getattr/open/getxattr).
type BackEntry struct {
	Alias string // stratum name, or LocalAlias
	Lpath string
	// rootFd is the open fd for Alias's stratum root, or -1 for LocalAlias
	// (whose root is resolved per-caller, not stored).
	rootFd int
}

// CfgEntry is one configured mount point in the crossfs union.
type CfgEntry struct {
	Cpath  string
	Filter Filter
	Back   []BackEntry
}

// RootFdOpener abstracts acquiring/releasing a stratum's root fd so the
// model doesn't need to know how strata are located on disk; production
// wiring opens /bedrock/strata/<alias>, tests can stub it.
type RootFdOpener interface {
	Acquire(alias string) (fd int, err error)
	Release(alias string, fd int)
}

// Model holds the live crossfs configuration: an ordered list of
// CfgEntry, each with unique cpath, plus refcounted stratum root fds.
// All mutation goes through Apply under the embedding bcfg.Core's write
// lock; reads (classification, lookup) are called with at least a read
// lock held by the caller.
// Model is never mutated outside bcfg.Core's write lock and never read
// outside at least its read lock, so it needs no locking of its own.
type Model struct {
	entries []*CfgEntry
	byCpath map[string]*CfgEntry
	fds     map[string]int // alias -> open root fd
	fdRefs  map[string]int // alias -> BackEntry reference count
	opener  RootFdOpener
}

func NewModel(opener RootFdOpener) *Model {
	return &Model{
		byCpath: make(map[string]*CfgEntry),
		fds:     make(map[string]int),
		fdRefs:  make(map[string]int),
		opener:  opener,
	}
}

// Apply implements bcfg.Parser.
func (m *Model) Apply(cmd string) error {
	cmd = strings.TrimSuffix(cmd, "\n")
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return berrors.NewError(berrors.ErrCodeConfigParse, "empty command")
	}

	switch fields[0] {
	case "clear":
		m.clear()
		return nil
	case "add":
		if len(fields) != 4 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "add requires filter, cpath, stratum:lpath")
		}
		return m.add(fields[1], fields[2], fields[3])
	case "rm":
		if len(fields) != 4 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "rm requires filter, cpath, stratum:lpath")
		}
		return m.rm(fields[2], fields[3])
	default:
		return berrors.NewError(berrors.ErrCodeConfigParse, "unrecognized command").WithContext("command", fields[0])
	}
}

func (m *Model) clear() {
	for alias, fd := range m.fds {
		m.opener.Release(alias, fd)
	}
	m.entries = nil
	m.byCpath = make(map[string]*CfgEntry)
	m.fds = make(map[string]int)
	m.fdRefs = make(map[string]int)
}

func splitStratumLpath(tok string) (alias, lpath string, err error) {
	idx := strings.IndexByte(tok, ':')
	if idx < 0 {
		return "", "", berrors.NewError(berrors.ErrCodeConfigParse, "expected stratum:lpath").WithContext("token", tok)
	}
	alias, lpath = tok[:idx], tok[idx+1:]
	if !strings.HasPrefix(lpath, "/") {
		return "", "", berrors.NewError(berrors.ErrCodeInvalidPath, "lpath must be absolute").WithContext("lpath", lpath)
	}
	if strings.Contains(alias, "/") {
		return "", "", berrors.NewError(berrors.ErrCodeInvalidPath, "stratum must not contain '/'").WithContext("alias", alias)
	}
	return alias, lpath, nil
}

func (m *Model) add(filterTok, cpath, backTok string) error {
	if !strings.HasPrefix(cpath, "/") {
		return berrors.NewError(berrors.ErrCodeInvalidPath, "cpath must be absolute").WithContext("cpath", cpath)
	}
	filter, err := ParseFilter(filterTok)
	if err != nil {
		return err
	}
	alias, lpath, err := splitStratumLpath(backTok)
	if err != nil {
		return err
	}

	entry, ok := m.byCpath[cpath]
	if !ok {
		entry = &CfgEntry{Cpath: cpath, Filter: filter}
		m.entries = append(m.entries, entry)
		m.byCpath[cpath] = entry
	}
	// filter is assigned on first add and ignored thereafter.

	for _, b := range entry.Back {
		if b.Alias == alias && b.Lpath == lpath {
			return nil // duplicate (alias, lpath) pair: no-op
		}
	}

	fd := -1
	if alias != LocalAlias {
		existing, ok := m.fds[alias]
		if !ok {
			acquired, err := m.opener.Acquire(alias)
			if err != nil {
				return err
			}
			m.fds[alias] = acquired
			existing = acquired
		}
		fd = existing
		m.fdRefs[alias]++
	}

	entry.Back = append(entry.Back, BackEntry{Alias: alias, Lpath: lpath, rootFd: fd})
	return nil
}

func (m *Model) rm(cpath, backTok string) error {
	alias, lpath, err := splitStratumLpath(backTok)
	if err != nil {
		return err
	}

	entry, ok := m.byCpath[cpath]
	if !ok {
		return nil
	}

	idx := -1
	for i, b := range entry.Back {
		if b.Alias == alias && b.Lpath == lpath {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	entry.Back = append(entry.Back[:idx], entry.Back[idx+1:]...)

	if alias != LocalAlias {
		m.fdRefs[alias]--
		if m.fdRefs[alias] <= 0 {
			delete(m.fdRefs, alias)
			if fd, ok := m.fds[alias]; ok {
				m.opener.Release(alias, fd)
				delete(m.fds, alias)
			}
		}
	}

	if len(entry.Back) == 0 {
		delete(m.byCpath, cpath)
		for i, e := range m.entries {
			if e == entry {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Serialize implements bcfg.Serializer: "<filter> <cpath> <stratum>:<lpath>\n"
// per BackEntry, in CfgEntry declaration order then BackEntry order.
func (m *Model) Serialize() []byte {
	var b strings.Builder
	for _, e := range m.entries {
		for _, back := range e.Back {
			fmt.Fprintf(&b, "%s %s %s:%s\n", e.Filter, e.Cpath, back.Alias, back.Lpath)
		}
	}
	return []byte(b.String())
}

// Class is the result of classifying an incoming path against the
// current configuration, per spec.md §4.4.
type Class int

const (
	ClassEnoent Class = iota
	ClassBack
	ClassVdir
	ClassRoot
	ClassCfg
	ClassLocal
)

// Classify implements the classification order: BACK, then VDIR, then the
// exact-path specials, per spec.md §4.4 ("tries CLASS_BACK first").
func (m *Model) Classify(ipath, cfgPath, localPath string) (Class, *CfgEntry) {
	if entry := m.bestBackMatch(ipath); entry != nil {
		return ClassBack, entry
	}
	if m.hasDeeperCpath(ipath) {
		return ClassVdir, nil
	}
	if ipath == "/" {
		return ClassRoot, nil
	}
	if ipath == cfgPath {
		return ClassCfg, nil
	}
	if ipath == localPath {
		return ClassLocal, nil
	}
	return ClassEnoent, nil
}

// bestBackMatch finds the CfgEntry with the longest cpath that is equal
// to or a parent of ipath, satisfying the "at most one matching cpath"
// invariant from spec.md's data model.
func (m *Model) bestBackMatch(ipath string) *CfgEntry {
	var best *CfgEntry
	for _, e := range m.entries {
		if pathutil.IsEqualOrParent(e.Cpath, ipath) {
			if best == nil || len(e.Cpath) > len(best.Cpath) {
				best = e
			}
		}
	}
	return best
}

func (m *Model) hasDeeperCpath(ipath string) bool {
	for _, e := range m.entries {
		if pathutil.IsParent(ipath, e.Cpath) {
			return true
		}
	}
	return false
}

// DeeperCpaths returns, for a virtual directory ipath, the set of
// next-path-component names contributed by every cpath strictly deeper
// than ipath — used to synthesize readdir entries for virtual directories.
func (m *Model) DeeperCpaths(ipath string) []string {
	seen := make(map[string]bool)
	var names []string
	prefix := ipath
	if prefix != "/" {
		prefix += "/"
	}
	for _, e := range m.entries {
		if !pathutil.IsParent(ipath, e.Cpath) {
			continue
		}
		rest := strings.TrimPrefix(e.Cpath, prefix)
		next := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			next = rest[:idx]
		}
		if next == "" || seen[next] {
			continue
		}
		seen[next] = true
		names = append(names, next)
	}
	sort.Strings(names)
	return names
}

// ResolvedBack pairs a computed bpath with the stratum root fd it must be
// resolved against. For a LOCAL BackEntry, RootFd is opened fresh for this
// request (not refcounted, since LOCAL varies by caller) and Release must
// be called once the caller is done with it. Alias is the BackEntry's
// stratum name, with LocalAlias already resolved to the caller's own
// stratum — callers needing to attribute a resolved bpath back to a
// stratum (Getxattr, the INI/SERVICE filters) use this instead of
// re-deriving it from the CfgEntry.
type ResolvedBack struct {
	Bpath   string
	Alias   string
	RootFd  int
	Release func()
}

// Bpaths computes the ordered list of backing locations for a
// BACK-classified entry, resolving LocalAlias against the caller's own
// stratum (callerStratum, derived from /proc/<pid>/root's xattr).
func (m *Model) Bpaths(entry *CfgEntry, ipath, callerStratum string) ([]ResolvedBack, error) {
	out := make([]ResolvedBack, 0, len(entry.Back))
	for _, back := range entry.Back {
		bpath, err := pathutil.CalcBpath(entry.Cpath, back.Lpath, ipath)
		if err != nil {
			return nil, err
		}

		if back.Alias != LocalAlias {
			out = append(out, ResolvedBack{Bpath: bpath, Alias: back.Alias, RootFd: back.rootFd, Release: func() {}})
			continue
		}

		fd, err := m.opener.Acquire(callerStratum)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedBack{Bpath: bpath, Alias: callerStratum, RootFd: fd, Release: func() { m.opener.Release(callerStratum, fd) }})
	}
	return out, nil
}

// Entries exposes the live CfgEntry list for readdir merge and metrics;
// callers must hold at least a read lock via the embedding bcfg.Core.
func (m *Model) Entries() []*CfgEntry { return m.entries }

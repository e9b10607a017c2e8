package crossfs

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-go/internal/bcfg"
	"github.com/bedrocklinux/bedrock-go/internal/rootfs"
	"github.com/bedrocklinux/bedrock-go/pkg/blog"
)

// BouncerBinary abstracts the bouncer executable's bytes and size, so
// BIN/BIN_RESTRICT classified paths can report and serve it without the
// engine needing to know where it lives on disk (production wiring,
// strataio.BouncerFile, stats and reopens the file on every access).
type BouncerBinary interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
}

// CallerStratumResolver resolves the "local" alias for a given FUSE
// request by inspecting the caller's root, per spec.md §3's definition of
// the local alias (falls back to the bedrock stratum on failure).
type CallerStratumResolver interface {
	ResolveCaller(ctx context.Context, pid uint32) (stratum string, err error)
	BedrockStratum() string
}

// Engine is the live crossfs state: the config core/model plus the
// ancillary services (bouncer bytes, caller resolution, filters,
// concurrency pool) needed to answer FUSE requests.
type Engine struct {
	Core      *bcfg.Core
	Model     *Model
	Resolver  CallerStratumResolver
	Bouncer   BouncerBinary
	Service   *ServiceRewriter
	Log       *blog.Logger
	Root      rootfs.Root
	LockedDir rootfs.Root // always-chroot substrate, used for filldir

	CfgPath   string
	LocalPath string

	Concurrency int // bound on conc/pool fan-out during the FONT merge

	Metrics MetricsSink // optional; nil-safe no-op if unset
}

// MetricsSink is implemented by internal/bmetrics; kept as a narrow
// interface here so crossfs doesn't import the metrics package directly.
type MetricsSink interface {
	ObserveRequest(op string)
	ObserveMutation()
	ObserveServiceCache(hit bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string)    {}
func (noopMetrics) ObserveMutation()         {}
func (noopMetrics) ObserveServiceCache(bool) {}

func (e *Engine) metrics() MetricsSink {
	if e.Metrics == nil {
		return noopMetrics{}
	}
	return e.Metrics
}

// ino derives a stable-enough inode number from an ipath for go-fuse's
// StableAttr, since crossfs nodes have no backing device/inode pair of
// their own (a single ipath can merge several bpaths' worth of content).
func ino(ipath string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ipath))
	return h.Sum64()
}

// readBackFile reads the full content of a resolved backing location.
// crossfs's content filters (INI/FONT/SERVICE rewrite, FONT merge) all
// need the whole file in memory to rewrite it, so this is the common
// path; BIN avoids it by serving the bouncer's bytes directly.
func readBackFile(root rootfs.Root, rb ResolvedBack) ([]byte, time.Time, error) {
	f, err := root.Open(rb.RootFd, rb.Bpath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	return content, info.ModTime(), nil
}

// firstExisting walks bpaths in order and returns the first whose open
// succeeds (along with the ResolvedBack it came from, so callers can
// attribute the content back to the stratum that produced it), or the
// first non-ENOENT error (which aborts the search immediately), per
// spec.md §4.4's "backing enumeration" rule.
func firstExisting(root rootfs.Root, bpaths []ResolvedBack) (content []byte, mtime time.Time, rb ResolvedBack, err error) {
	for _, cand := range bpaths {
		c, m, e := readBackFile(root, cand)
		if e == nil {
			return c, m, cand, nil
		}
		if !os.IsNotExist(e) && !isENOENT(e) {
			return nil, time.Time{}, ResolvedBack{}, e
		}
	}
	return nil, time.Time{}, ResolvedBack{}, os.ErrNotExist
}

// isENOENT matches a raw ENOENT as well as the ErrCodeNotFound wrapper
// internal/rootfs returns, whose cause is the raw errno.
func isENOENT(err error) bool {
	return errors.Is(err, unix.ENOENT)
}

// firstExistingStat returns the Lstat of the first bpath that exists,
// following the same "first success, abort on non-ENOENT error" rule as
// firstExisting. A BACK-classified cpath may itself name a directory (its
// configured backing location, not a file under it), in which case
// content filters never apply — only the merged-directory readdir and
// unfiltered directory attributes do.
func firstExistingStat(root rootfs.Root, bpaths []ResolvedBack) (st unix.Stat_t, rb ResolvedBack, err error) {
	for _, cand := range bpaths {
		s, e := root.Lstat(cand.RootFd, cand.Bpath)
		if e == nil {
			return s, cand, nil
		}
		if !isENOENT(e) {
			return unix.Stat_t{}, ResolvedBack{}, e
		}
	}
	return unix.Stat_t{}, ResolvedBack{}, os.ErrNotExist
}

// mergeBackContents concurrently reads every bpath, bounded by
// Concurrency, aggregating per-bpath read errors for logging without
// failing the whole merge (the FONT merge skips bpaths that don't exist
// rather than erroring out).
func (e *Engine) mergeBackContents(ctx context.Context, rbs []ResolvedBack) ([][]byte, error) {
	type result struct {
		idx     int
		content []byte
		err     error
	}

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	p := pool.NewWithResults[result]().WithMaxGoroutines(concurrency)
	for i, rb := range rbs {
		i, rb := i, rb
		p.Go(func() result {
			content, _, err := readBackFile(e.Root, rb)
			return result{idx: i, content: content, err: err}
		})
	}
	results := p.Wait()

	ordered := make([][]byte, len(rbs))
	var errs error
	var found int
	for _, r := range results {
		if r.err != nil {
			if !isENOENT(r.err) && !os.IsNotExist(r.err) {
				errs = multierr.Append(errs, r.err)
			}
			continue
		}
		ordered[r.idx] = r.content
		found++
	}
	if errs != nil {
		e.Log.Warnf("font merge: %v", errs)
	}

	out := make([][]byte, 0, found)
	for _, c := range ordered {
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// ResolveCaller wraps Resolver.ResolveCaller, falling back to the bedrock
// stratum on any failure per spec.md §3's "local" alias definition.
func (e *Engine) ResolveCaller(ctx context.Context, pid uint32) string {
	stratum, err := e.Resolver.ResolveCaller(ctx, pid)
	if err != nil || stratum == "" {
		return e.Resolver.BedrockStratum()
	}
	return stratum
}

// isSVPath reports whether bpath lies within a runit-style /etc/sv/ tree.
func isSVPath(bpath string) bool {
	return strings.Contains(bpath, "/etc/sv/") || strings.HasPrefix(bpath, "/sv/")
}

package blog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationConfig controls size-based log rotation, adapted from the
// teacher's pkg/utils.RotationConfig (age/compression fields dropped: the
// FUSE servers' logs are small and short-lived compared to ObjectFS's
// data-plane logs, so only size-based rotation and a backup cap earn their
// keep here).
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int64
	MaxBackups int
}

// Rotator is an io.Writer that rotates Filename to Filename.<n> once it
// would exceed MaxSizeMB, keeping at most MaxBackups old files.
type Rotator struct {
	mu   sync.Mutex
	cfg  RotationConfig
	file *os.File
	size int64
}

// NewRotator opens (creating if necessary) cfg.Filename for appending.
func NewRotator(cfg RotationConfig) (*Rotator, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("blog: rotation filename required")
	}
	r := &Rotator{cfg: cfg}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) openFile() error {
	f, err := os.OpenFile(r.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxSizeMB > 0 && r.size+int64(len(p)) >= r.cfg.MaxSizeMB*1024*1024 {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("blog: rotate: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *Rotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	ts := time.Now().Format("20060102T150405")
	backup := fmt.Sprintf("%s.%s", r.cfg.Filename, ts)
	if err := os.Rename(r.cfg.Filename, backup); err != nil {
		return err
	}

	if r.cfg.MaxBackups > 0 {
		r.pruneBackups()
	}

	return r.openFile()
}

func (r *Rotator) pruneBackups() {
	dir := filepath.Dir(r.cfg.Filename)
	base := filepath.Base(r.cfg.Filename)
	matches, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return
	}
	sort.Strings(matches)
	if excess := len(matches) - r.cfg.MaxBackups; excess > 0 {
		for _, stale := range matches[:excess] {
			os.Remove(stale)
		}
	}
}

// Close closes the underlying file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

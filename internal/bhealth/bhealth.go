// Package bhealth implements the /healthz endpoint shared by crossfs and
// etcfs, adapted from the teacher's pkg/health.Tracker: a background
// goroutine periodically probes the mount point and records success or
// error, and an HTTP handler reports the latest probe result as JSON.
package bhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RootMode names which root substrate the FUSE server's caller-side
// resolution relies on, surfaced for operator diagnosis.
type RootMode string

// These mirror the exact strings internal/rootfs.Root.Mode() returns, so
// callers can pass that value straight through.
const (
	// ModeLocked means the server serializes path resolution through a
	// mutex-guarded chroot (internal/rootfs's universal fallback).
	ModeLocked RootMode = "chroot"
	// ModeOpenat2 means the server resolves paths with openat2's
	// RESOLVE_IN_ROOT instead of a locked chroot.
	ModeOpenat2 RootMode = "openat2"
)

// Status is the JSON body served at /healthz.
type Status struct {
	Mode              RootMode  `json:"mode"`
	MountPoint        string    `json:"mount_point"`
	Healthy           bool      `json:"healthy"`
	LastProbe         time.Time `json:"last_probe"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Monitor periodically probes a FUSE mount point's liveness with a cheap
// Lstat call and serves the latest result over HTTP.
type Monitor struct {
	mu         sync.RWMutex
	mode       RootMode
	mountPoint string
	interval   time.Duration
	probeTO    time.Duration

	healthy           bool
	lastProbe         time.Time
	consecutiveErrors int
	lastErr           error

	server *http.Server
}

// New builds a Monitor for mountPoint, probing every interval. probeTimeout
// bounds how long a single Lstat is allowed to take before it counts as a
// failed probe.
func New(mode RootMode, mountPoint string, interval, probeTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	return &Monitor{
		mode:       mode,
		mountPoint: mountPoint,
		interval:   interval,
		probeTO:    probeTimeout,
		healthy:    true,
		lastProbe:  time.Time{},
	}
}

// Run starts the periodic probe loop; it blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

// probeOnce runs a single liveness check and records its outcome. The
// Lstat itself is run in a goroutine so a wedged FUSE channel (one that
// never returns from the syscall) cannot hang the probe loop past probeTO;
// a late result is simply swallowed and the next tick retries.
func (m *Monitor) probeOnce() {
	result := make(chan error, 1)
	go func() {
		var st unix.Stat_t
		result <- unix.Lstat(m.mountPoint, &st)
	}()

	var err error
	select {
	case err = <-result:
	case <-time.After(m.probeTO):
		err = fmt.Errorf("bhealth: probe of %s timed out after %s", m.mountPoint, m.probeTO)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProbe = time.Now()
	if err != nil {
		m.consecutiveErrors++
		m.lastErr = err
		m.healthy = false
		return
	}
	m.consecutiveErrors = 0
	m.lastErr = nil
	m.healthy = true
}

// Status returns the latest probe result.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Mode:              m.mode,
		MountPoint:        m.mountPoint,
		Healthy:           m.healthy,
		LastProbe:         m.lastProbe,
		ConsecutiveErrors: m.consecutiveErrors,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Serve starts the /healthz HTTP endpoint on port, returning once the
// listener is up; it shuts down when ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealthz)

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- m.server.ListenAndServe() }()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (m *Monitor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := m.Status()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

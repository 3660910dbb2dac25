// Package lock provides file-based mutual exclusion across cooperating
// processes on one machine.
//
// A lock is a file created with O_EXCL under the locks directory. Its body
// names the holder (host, pid, random token). A lock whose holder process is
// gone, or whose file has not been touched for StaleAfter, is reclaimed by
// the next contender. Acquisition retries with exponential backoff and
// gives up with E_LOCK_TIMEOUT after MaxWait.
//
// Locks are reentrant along a call chain: WithLock records the held
// resource in the context, and nested WithLock calls carrying that context
// run without re-acquiring. Any other goroutine or process is excluded.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Well-known resources. Operations that need both take them in this order.
const (
	ResourceProfile  = "profile"
	ResourceSettings = "settings"
)

const (
	defaultStaleAfter = 30 * time.Second
	defaultMaxWait    = 10 * time.Second
)

var errBusy = errors.New("lock held by another owner")

// Options configures a Manager.
type Options struct {
	StaleAfter time.Duration
	MaxWait    time.Duration
}

// Manager hands out locks stored under a directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	maxWait    time.Duration
	host       string
	pid        int
	logger     zerolog.Logger

	// isAlive reports whether a pid on this host is still running.
	isAlive func(pid int) bool
}

// NewManager creates a lock manager rooted at dir.
func NewManager(dir string, opts Options) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	host, _ := os.Hostname()
	return &Manager{
		dir:        dir,
		staleAfter: opts.StaleAfter,
		maxWait:    opts.MaxWait,
		host:       host,
		pid:        os.Getpid(),
		logger:     observability.Logger("lock"),
		isAlive:    processAlive,
	}
}

// owner is the body of a lock file.
type owner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is one held lock. Release it exactly once.
type Lock struct {
	m        *Manager
	resource string
	path     string
	token    string

	mu       sync.Mutex
	released bool
}

// Resource returns the locked resource name.
func (l *Lock) Resource() string { return l.resource }

func (m *Manager) path(resource string) string {
	return filepath.Join(m.dir, resource+".lock")
}

// Acquire blocks until the resource is locked, the bounded wait expires
// (E_LOCK_TIMEOUT), or ctx is done.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Lock, error) {
	if err := fileutil.EnsureDir(m.dir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := m.path(resource)
	token := uuid.NewString()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = m.maxWait

	attempt := func() error {
		err := m.tryCreate(path, token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return backoff.Permanent(err)
		}
		if m.reclaimIfStale(resource, path) {
			if err := m.tryCreate(path, token); err == nil {
				return nil
			}
		}
		return errBusy
	}

	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))
	observability.ObserveLockWait(resource, time.Since(start))

	if err != nil {
		if errors.Is(err, errBusy) {
			observability.ObserveLockTimeout(resource)
			return nil, models.NewError(models.ErrLockTimeout,
				fmt.Sprintf("timed out after %s waiting for the %s lock", m.maxWait, resource)).
				On(resource, "acquire")
		}
		return nil, fmt.Errorf("acquire %s lock: %w", resource, err)
	}

	logger := observability.WithResource(m.logger, resource)
	logger.Debug().
		Dur("waited", time.Since(start)).
		Msg("lock acquired")

	return &Lock{m: m, resource: resource, path: path, token: token}, nil
}

func (m *Manager) tryCreate(path, token string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(owner{
		PID:        m.pid,
		Host:       m.host,
		Token:      token,
		AcquiredAt: time.Now().UTC(),
	})
	_, werr := f.Write(body)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return fmt.Errorf("write lock file: %w", werr)
	}
	return nil
}

// reclaimIfStale removes the lock at path when its holder is dead or it has
// expired. It reports whether the caller should retry immediately.
func (m *Manager) reclaimIfStale(resource, path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return os.IsNotExist(err)
	}

	age := time.Since(info.ModTime())
	var o owner
	parseErr := json.Unmarshal(data, &o)

	reason := ""
	switch {
	case parseErr != nil || o.Token == "":
		// A holder that crashed mid-write leaves an empty or partial body.
		if age > m.staleAfter {
			reason = "unreadable"
		}
	case o.Host == m.host && o.PID != m.pid && !m.isAlive(o.PID):
		reason = "owner exited"
	case age > m.staleAfter:
		reason = "expired"
	}
	if reason == "" {
		return false
	}

	// Move the lock aside, then confirm it is the one we judged. Someone
	// may have reclaimed and re-created it in between.
	aside := fmt.Sprintf("%s.stale-%s", path, uuid.NewString()[:8])
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	moved, _ := os.ReadFile(aside)
	if !bytes.Equal(moved, data) {
		_ = os.Link(aside, path)
		os.Remove(aside)
		return false
	}
	os.Remove(aside)

	observability.ObserveStaleLock(resource)
	observability.LogEvent(m.logger, observability.EventLockReclaimed, map[string]interface{}{
		"resource":  resource,
		"reason":    reason,
		"owner_pid": o.PID,
		"age":       age.String(),
	})
	return true
}

// Release removes the lock file if this lock still owns it. Releasing
// twice is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	if !l.owned() {
		logger := observability.WithResource(l.m.logger, l.resource)
		logger.Warn().Msg("lock was reclaimed before release")
		return fmt.Errorf("release %s lock: ownership lost", l.resource)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %s lock: %w", l.resource, err)
	}
	return nil
}

// Refresh touches the lock so long-running holders are not judged stale.
func (l *Lock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || !l.owned() {
		return fmt.Errorf("refresh %s lock: not held", l.resource)
	}
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

func (l *Lock) owned() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return false
	}
	return o.Token == l.token
}

type heldKey struct{}

// heldSet maps resource to the lock held by the current call chain.
type heldSet map[string]*Lock

func heldFrom(ctx context.Context) heldSet {
	if h, ok := ctx.Value(heldKey{}).(heldSet); ok {
		return h
	}
	return nil
}

// Held reports whether ctx already carries the lock for resource.
func Held(ctx context.Context, resource string) bool {
	_, ok := heldFrom(ctx)[resource]
	return ok
}

// FromContext returns the lock for resource held by this call chain.
func FromContext(ctx context.Context, resource string) *Lock {
	return heldFrom(ctx)[resource]
}

func withHeld(ctx context.Context, l *Lock) context.Context {
	prev := heldFrom(ctx)
	next := make(heldSet, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[l.resource] = l
	return context.WithValue(ctx, heldKey{}, next)
}

// WithLock runs fn while holding resource. If ctx already holds it, fn runs
// directly. The lock is released on every return path, including panics.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (err error) {
	if Held(ctx, resource) {
		return fn(ctx)
	}

	l, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	return fn(withHeld(ctx, l))
}

// WithLocks acquires resources in the given order and runs fn holding all
// of them.
func (m *Manager) WithLocks(ctx context.Context, resources []string, fn func(ctx context.Context) error) error {
	if len(resources) == 0 {
		return fn(ctx)
	}
	return m.WithLock(ctx, resources[0], func(ctx context.Context) error {
		return m.WithLocks(ctx, resources[1:], fn)
	})
}

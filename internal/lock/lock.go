package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so long-running daemons
// do not accumulate a mutex per workspace ever seen.
type MutexMap struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{} // capacity 1; a token in the channel means locked
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{entries: make(map[string]*entry)}
}

func (m *MutexMap) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *MutexMap) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock blocks until key is held.
func (m *MutexMap) Lock(key string) {
	e := m.acquire(key)
	e.ch <- struct{}{}
}

// LockContext blocks until key is held or ctx is done.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	<-e.ch
	m.release(key, e)
}

// WithLock runs fn while holding key. ctx only bounds the wait for the lock.
func (m *MutexMap) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := m.LockContext(ctx, key); err != nil {
		return err
	}
	defer m.Unlock(key)
	return fn()
}

// Len reports the number of live keys.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// FileLock is an flock(2) based single-instance guard. The holder's pid is
// written into the file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (is another cogno daemon running?): %w", err)
	}

	fail := func(step string, err error) error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(fl.path)
	return nil
}

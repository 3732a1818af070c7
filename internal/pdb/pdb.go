// Package pdb is a small keyed byte store: each key names a flat file
// under a root directory, opened lazily and read/written at an
// explicit offset or at one of the CurrentPos/Tail sentinels.
package pdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Seek sentinels, passed in place of an offset.
const (
	CurrentPos = -1 // don't seek, read/write from the file's current position
	Tail       = -2 // seek to end of file before the operation
)

// ErrNotExists is returned for any operation on an unknown key.
var ErrNotExists = errors.New("pdb: key does not exist")

type fileRef struct {
	f  *os.File
	mu sync.Mutex
}

// DB is a directory of keyed files. The zero value is not usable; use New.
type DB struct {
	location string
	log      *slog.Logger

	mu    sync.Mutex // protects files and refs
	files map[string]string
	refs  map[string]*fileRef
}

// New opens (creating if needed) a DB rooted at location, and recovers
// any files already present from a prior run so a restart doesn't lose
// track of data written before a crash.
func New(location string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(location, 0o755); err != nil {
		return nil, fmt.Errorf("pdb: create %s: %w", location, err)
	}

	d := &DB{
		location: location,
		log:      log,
		files:    make(map[string]string),
		refs:     make(map[string]*fileRef),
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) recover() error {
	entries, err := os.ReadDir(d.location)
	if err != nil {
		return fmt.Errorf("pdb: scan %s: %w", d.location, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d.files[e.Name()] = filepath.Join(d.location, e.Name())
		d.log.Debug("pdb recovered key", "key", e.Name())
	}
	return nil
}

// Create registers key and its backing file, if not already present.
func (d *DB) Create(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.files[key]; exists {
		return nil
	}

	path := filepath.Join(d.location, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pdb: create %s: %w", key, err)
	}
	f.Close()
	d.files[key] = path
	return nil
}

// IsExists reports whether key is registered.
func (d *DB) IsExists(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[key]
	return ok
}

// Path returns key's backing file path, or false if key is unregistered.
func (d *DB) Path(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.files[key]
	return p, ok
}

// Open opens key's backing file for reads/writes, if not already open.
func (d *DB) Open(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked(key)
}

// openLocked assumes d.mu is held.
func (d *DB) openLocked(key string) error {
	if _, open := d.refs[key]; open {
		return nil
	}
	path, ok := d.files[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExists, key)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("pdb: open %s: %w", key, err)
	}
	d.refs[key] = &fileRef{f: f}
	return nil
}

// IsOpen reports whether key currently has an open file handle.
func (d *DB) IsOpen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.refs[key]
	return ok
}

// Close releases key's open file handle. A no-op key that isn't open is
// an error, mirroring the original's PERSISTENT_DB_FILE_NOT_EXISTS.
func (d *DB) Close(key string) error {
	d.mu.Lock()
	ref, ok := d.refs[key]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotExists, key)
	}
	delete(d.refs, key)
	d.mu.Unlock()

	ref.mu.Lock()
	defer ref.mu.Unlock()
	return ref.f.Close()
}

// Remove deletes key's backing file and forgets it. A no-op if key
// isn't registered.
func (d *DB) Remove(key string) error {
	d.mu.Lock()
	path, ok := d.files[key]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	ref, open := d.refs[key]
	delete(d.files, key)
	delete(d.refs, key)
	d.mu.Unlock()

	if open {
		ref.mu.Lock()
		ref.f.Close()
		ref.mu.Unlock()
	}
	return os.Remove(path)
}

// acquire returns key's fileRef, opening it on first use.
func (d *DB) acquire(key string) (*fileRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openLocked(key); err != nil {
		return nil, err
	}
	return d.refs[key], nil
}

func seek(f *os.File, pos int64) error {
	switch pos {
	case Tail:
		_, err := f.Seek(0, io.SeekEnd)
		return err
	case CurrentPos:
		return nil
	default:
		_, err := f.Seek(pos, io.SeekStart)
		return err
	}
}

// Read reads up to length bytes from key at pos (or a seek sentinel).
// The registry lock is released before the I/O runs; only the per-key
// lock is held, so reads/writes on different keys never block each other.
func (d *DB) Read(key string, length int, pos int64) ([]byte, error) {
	ref, err := d.acquire(key)
	if err != nil {
		return nil, err
	}

	ref.mu.Lock()
	defer ref.mu.Unlock()
	if err := seek(ref.f, pos); err != nil {
		return nil, fmt.Errorf("pdb: seek %s: %w", key, err)
	}

	buf := make([]byte, length)
	n, err := ref.f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pdb: read %s: %w", key, err)
	}
	return buf[:n], nil
}

// Write writes data to key at pos (or a seek sentinel), and flushes to
// disk before returning so a subsequent read observes it immediately.
func (d *DB) Write(key string, data []byte, pos int64) error {
	ref, err := d.acquire(key)
	if err != nil {
		return err
	}

	ref.mu.Lock()
	defer ref.mu.Unlock()
	if err := seek(ref.f, pos); err != nil {
		return fmt.Errorf("pdb: seek %s: %w", key, err)
	}
	if _, err := ref.f.Write(data); err != nil {
		return fmt.Errorf("pdb: write %s: %w", key, err)
	}
	return ref.f.Sync()
}

// WriteAsync schedules a Write on a separate goroutine and logs the
// error instead of returning it, for callers that don't need to wait
// on durability before continuing.
func (d *DB) WriteAsync(key string, data []byte, pos int64) {
	go func() {
		if err := d.Write(key, data, pos); err != nil {
			d.log.Error("pdb async write failed", "key", key, "error", err)
		}
	}()
}

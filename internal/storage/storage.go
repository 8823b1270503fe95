// Package storage manages the firmware image on flash. Incoming images
// are streamed into a staging file and hashed incrementally; a verified
// image is promoted over the canonical one with a rename so the device
// never holds a half-written canonical image.
package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"syscall"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
)

const (
	stagingName   = "temp.bin"
	canonicalName = "final.bin"

	// DefaultMinFreeBytes is the headroom that must remain free after
	// accepting a block.
	DefaultMinFreeBytes = 500000
)

var (
	ErrNoSpace    = errors.New("insufficient free space for firmware block")
	ErrNotStaged  = errors.New("no staged firmware image")
	ErrStagedOpen = errors.New("staging file still open")
)

// Store owns the firmware directory.
type Store struct {
	dir     string
	minFree uint64
}

// NewStore creates the firmware directory if needed. minFree of zero
// selects the default headroom.
func NewStore(dir string, minFree uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("firmware dir: %w", err)
	}
	if minFree == 0 {
		minFree = DefaultMinFreeBytes
	}
	return &Store{dir: dir, minFree: minFree}, nil
}

func (s *Store) stagingPath() string   { return filepath.Join(s.dir, stagingName) }
func (s *Store) canonicalPath() string { return filepath.Join(s.dir, canonicalName) }

// CanonicalPath returns where the active firmware image lives.
func (s *Store) CanonicalPath() string { return s.canonicalPath() }

// Staging is an in-progress firmware image. It implements io.Writer so a
// transfer can stream blocks straight into it; every accepted block also
// feeds the running digest.
type Staging struct {
	store  *Store
	f      *os.File
	digest hash.Hash
	size   int64
	closed bool
}

// OpenStaging truncates any previous staging leftovers and starts a
// fresh image.
func (s *Store) OpenStaging() (*Staging, error) {
	f, err := os.OpenFile(s.stagingPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open staging: %w", err)
	}
	return &Staging{store: s, f: f, digest: sha256.New()}, nil
}

// Write appends a firmware block, refusing it when the filesystem would
// drop below the free-space headroom.
func (st *Staging) Write(p []byte) (int, error) {
	free, err := freeBytes(st.store.dir)
	if err != nil {
		return 0, fmt.Errorf("query free space: %w", err)
	}
	if free < st.store.minFree+uint64(len(p)) {
		return 0, fmt.Errorf("%d bytes free, need %d headroom: %w", free, st.store.minFree, ErrNoSpace)
	}
	n, err := st.f.Write(p)
	if n > 0 {
		st.digest.Write(p[:n])
		st.size += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("write staging: %w", err)
	}
	return n, nil
}

// Finalize flushes and closes the staging file and returns the digest
// and size of everything written.
func (st *Staging) Finalize() ([sha256.Size]byte, int64, error) {
	var sum [sha256.Size]byte
	if st.closed {
		copy(sum[:], st.digest.Sum(nil))
		return sum, st.size, nil
	}
	if err := st.f.Sync(); err != nil {
		st.f.Close()
		return sum, st.size, fmt.Errorf("sync staging: %w", err)
	}
	if err := st.f.Close(); err != nil {
		return sum, st.size, fmt.Errorf("close staging: %w", err)
	}
	st.closed = true
	copy(sum[:], st.digest.Sum(nil))
	common.Logf("storage: staged %d bytes", st.size)
	return sum, st.size, nil
}

// Close releases the staging file without finalizing. Safe to call after
// Finalize.
func (st *Staging) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	return st.f.Close()
}

// Promote replaces the canonical image with the staged one. The old
// image is removed first; its absence is only worth a log line. The
// staged file must be finalized before promotion.
func (s *Store) Promote(st *Staging) error {
	if st != nil && !st.closed {
		return ErrStagedOpen
	}
	if _, err := os.Stat(s.stagingPath()); err != nil {
		return fmt.Errorf("%s: %w", stagingName, ErrNotStaged)
	}
	if err := os.Remove(s.canonicalPath()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove old image: %w", err)
		}
		common.Logf("storage: no previous image to remove")
	}
	if err := os.Rename(s.stagingPath(), s.canonicalPath()); err != nil {
		return fmt.Errorf("promote image: %w", err)
	}
	common.Logf("storage: new image promoted to %s", canonicalName)
	return nil
}

// Discard deletes any staged image. Used on abort paths.
func (s *Store) Discard() error {
	err := os.Remove(s.stagingPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard staging: %w", err)
	}
	if err == nil {
		common.Logf("storage: staged image discarded")
	}
	return nil
}

func freeBytes(dir string) (uint64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}

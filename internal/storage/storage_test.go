package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStagingHashesIncrementally(t *testing.T) {
	store := newTestStore(t)
	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}

	chunks := [][]byte{
		bytes.Repeat([]byte{0x01}, 512),
		bytes.Repeat([]byte{0x02}, 512),
		[]byte("tail block"),
	}
	var all []byte
	for _, c := range chunks {
		if _, err := st.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
		all = append(all, c...)
	}

	sum, size, err := st.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if size != int64(len(all)) {
		t.Fatalf("size = %d, want %d", size, len(all))
	}
	if want := sha256.Sum256(all); sum != want {
		t.Fatal("incremental digest differs from whole-image digest")
	}
}

func TestPromoteReplacesCanonicalImage(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.CanonicalPath(), []byte("old firmware"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	if _, err := st.Write([]byte("new firmware")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, _, err := st.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := store.Promote(st); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	got, err := os.ReadFile(store.CanonicalPath())
	if err != nil {
		t.Fatalf("read canonical: %v", err)
	}
	if !bytes.Equal(got, []byte("new firmware")) {
		t.Fatalf("canonical = %q", got)
	}
	if _, err := os.Stat(store.stagingPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("staging file left behind after promote")
	}
}

func TestPromoteToleratesMissingCanonicalImage(t *testing.T) {
	store := newTestStore(t)
	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	st.Write([]byte("first ever firmware"))
	if _, _, err := st.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := store.Promote(st); err != nil {
		t.Fatalf("Promote on empty device: %v", err)
	}
	if _, err := os.Stat(store.CanonicalPath()); err != nil {
		t.Fatalf("canonical image missing after promote: %v", err)
	}
}

func TestPromoteRejectsOpenStaging(t *testing.T) {
	store := newTestStore(t)
	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	defer st.Close()
	st.Write([]byte("half written"))

	if err := store.Promote(st); !errors.Is(err, ErrStagedOpen) {
		t.Fatalf("err = %v, want ErrStagedOpen", err)
	}
}

func TestPromoteWithoutStagedImage(t *testing.T) {
	store := newTestStore(t)
	if err := store.Promote(nil); !errors.Is(err, ErrNotStaged) {
		t.Fatalf("err = %v, want ErrNotStaged", err)
	}
}

func TestDiscardRemovesStagedImage(t *testing.T) {
	store := newTestStore(t)
	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	st.Write([]byte("aborted upload"))
	st.Close()

	if err := store.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(store.stagingPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("staging file survived Discard")
	}
	// Discard with nothing staged is not an error.
	if err := store.Discard(); err != nil {
		t.Fatalf("second Discard: %v", err)
	}
}

func TestWriteRejectedWhenHeadroomImpossible(t *testing.T) {
	store, err := NewStore(t.TempDir(), 1<<62)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	st, err := store.OpenStaging()
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	defer st.Close()

	if _, err := st.Write([]byte("block")); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want ErrNoSpace", err)
	}
}

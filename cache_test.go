package tftp

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeServedFile(t *testing.T, root, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFileCacheHitNeverRereads(t *testing.T) {
	root := t.TempDir()
	writeServedFile(t, root, "boot.img", []byte("first"))

	cache := NewFileCache(root, 0, zerolog.Nop())

	got, err := cache.Read("boot.img")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("first")) {
		t.Fatalf("got %q, want %q", got, "first")
	}

	// A change on disk must stay invisible while the entry is cached.
	writeServedFile(t, root, "boot.img", []byte("second"))

	got, err = cache.Read("boot.img")
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("first")) {
		t.Fatalf("cache re-read the file: got %q", got)
	}
}

func TestFileCacheNotFound(t *testing.T) {
	cache := NewFileCache(t.TempDir(), 0, zerolog.Nop())

	if _, err := cache.Read("missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileCacheFailedFetchIsNotCached(t *testing.T) {
	root := t.TempDir()
	cache := NewFileCache(root, 0, zerolog.Nop())

	if _, err := cache.Read("late.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	writeServedFile(t, root, "late.bin", []byte("here now"))

	got, err := cache.Read("late.bin")
	if err != nil {
		t.Fatalf("read after creation failed: %v", err)
	}
	if !bytes.Equal(got, []byte("here now")) {
		t.Fatalf("got %q, want %q", got, "here now")
	}
}

func TestFileCacheTTLEviction(t *testing.T) {
	root := t.TempDir()
	writeServedFile(t, root, "config.txt", []byte("old"))

	cache := NewFileCache(root, 10*time.Millisecond, zerolog.Nop())

	if _, err := cache.Read("config.txt"); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	writeServedFile(t, root, "config.txt", []byte("new"))
	time.Sleep(30 * time.Millisecond)

	got, err := cache.Read("config.txt")
	if err != nil {
		t.Fatalf("read after eviction failed: %v", err)
	}
	if !bytes.Equal(got, []byte("new")) {
		t.Fatalf("expired entry served stale data: got %q", got)
	}
}

func TestFileCacheConcurrentReadsShareOneFetch(t *testing.T) {
	root := t.TempDir()
	writeServedFile(t, root, "shared.bin", bytes.Repeat([]byte{0xEE}, 2048))

	cache := NewFileCache(root, 0, zerolog.Nop())

	const readers = 16
	results := make([][]byte, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := cache.Read("shared.bin")
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			results[i] = data
		}(i)
	}
	wg.Wait()

	// All readers must see the one buffer populated by the single fetch.
	for i := 1; i < readers; i++ {
		if results[i] == nil || &results[i][0] != &results[0][0] {
			t.Fatalf("reader %d got a separately fetched buffer", i)
		}
	}
}

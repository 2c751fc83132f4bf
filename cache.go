package tftp

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is the only failure a content source reports. The protocol has
// a single error code for a file it cannot serve, so permission and I/O
// failures collapse into it as well.
var ErrNotFound = errors.New("file not found")

// ContentSource supplies complete file contents by name. *FileCache is the
// standard implementation; tests substitute their own.
type ContentSource interface {
	Read(filename string) ([]byte, error)
}

// FileCache reads files below a root directory and keeps their full contents
// in memory, so repeated transfers of the same file hit the disk once.
// Transfers need the whole buffer up front anyway: the terminal block is
// detected against total file size.
type FileCache struct {
	root string
	ttl  time.Duration
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// cacheEntry serializes population per key: concurrent first reads of the
// same name share one disk fetch through the sync.Once.
type cacheEntry struct {
	once      sync.Once
	fetchedAt time.Time
	data      []byte
	err       error
}

// NewFileCache serves files below root. Entries older than ttl are
// re-fetched on next read; ttl <= 0 caches forever.
func NewFileCache(root string, ttl time.Duration, log zerolog.Logger) *FileCache {
	return &FileCache{
		root:    root,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]*cacheEntry),
	}
}

// Read returns the full contents of name. A hit never touches the disk; a
// miss populates the cache before returning. Failed fetches are not cached,
// so a file that appears later is picked up on the next request.
func (c *FileCache) Read(name string) ([]byte, error) {
	e := c.entry(name)
	e.once.Do(func() {
		c.fetch(name, e)
	})
	return e.data, e.err
}

func (c *FileCache) entry(name string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if ok && c.ttl > 0 && time.Since(e.fetchedAt) > c.ttl {
		delete(c.entries, name)
		ok = false
	}
	if !ok {
		e = &cacheEntry{fetchedAt: time.Now()}
		c.entries[name] = e
	}
	return e
}

func (c *FileCache) fetch(name string, e *cacheEntry) {
	data, err := os.ReadFile(filepath.Join(c.root, name))
	if err != nil {
		c.log.Warn().Str("file", name).Err(err).Msg("content fetch failed")
		e.err = ErrNotFound
		c.drop(name, e)
		return
	}

	c.log.Debug().Str("file", name).Int("size", len(data)).Msg("cached file contents")
	e.data = data
}

func (c *FileCache) drop(name string, e *cacheEntry) {
	c.mu.Lock()
	if c.entries[name] == e {
		delete(c.entries, name)
	}
	c.mu.Unlock()
}

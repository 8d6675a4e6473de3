package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	extCompressed = ".zst"
	extRaw        = ".pcm"
)

// Disk stores one file per key under dir. File modification times double as
// last-access times, so the index can be rebuilt from a directory scan.
type Disk struct {
	dir      string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

type diskEntry struct {
	path       string
	size       int64
	lastAccess time.Time
}

// NewDisk opens (or creates) a disk tier in dir. A compressionLevel of 0
// stores entries uncompressed.
func NewDisk(dir string, capacity int64, compressionLevel int) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	d := &Disk{
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
		now:      time.Now,
	}

	if compressionLevel > 0 {
		var err error
		d.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	d.decoder = decoder

	if err := d.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return d, nil
}

// Get reads and decodes the entry for key.
func (d *Disk) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[key]
	if !ok {
		d.stats.Misses++
		return nil, false
	}

	data, err := d.read(entry)
	if err != nil {
		d.drop(key, entry)
		d.stats.Misses++
		return nil, false
	}

	now := d.now()
	entry.lastAccess = now
	_ = os.Chtimes(entry.path, now, now)
	d.stats.Hits++
	return data, true
}

// Put writes value for key, evicting the least recently used files when the
// tier is over capacity.
func (d *Disk) Put(key string, value []byte) error {
	payload, ext := value, extRaw
	if d.encoder != nil {
		if packed := d.encoder.EncodeAll(value, nil); len(packed) < len(value) {
			payload, ext = packed, extCompressed
		}
	}
	size := int64(len(payload))
	if size > d.capacity {
		return ErrItemTooLarge
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.index[key]; ok {
		d.drop(key, existing)
	}
	for d.size+size > d.capacity && len(d.index) > 0 {
		d.evictOldest()
	}

	path := filepath.Join(d.dir, key[:min(2, len(key))], key+ext)
	if err := writeAtomic(path, payload); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	d.index[key] = &diskEntry{path: path, size: size, lastAccess: d.now()}
	d.size += size
	return nil
}

// Prune removes entries not accessed since maxAge ago and returns how many
// were dropped.
func (d *Disk) Prune(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-maxAge)
	removed := 0
	for key, entry := range d.index {
		if entry.lastAccess.Before(cutoff) {
			d.drop(key, entry)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (d *Disk) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for key, entry := range d.index {
		if err := os.Remove(entry.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		delete(d.index, key)
	}
	d.size = 0
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Capacity = d.capacity
	s.Size = d.size
	s.Items = len(d.index)
	return s
}

// Close releases the codec resources.
func (d *Disk) Close() error {
	if d.encoder != nil {
		_ = d.encoder.Close()
	}
	d.decoder.Close()
	return nil
}

func (d *Disk) read(entry *diskEntry) ([]byte, error) {
	data, err := os.ReadFile(entry.path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(entry.path, extCompressed) {
		out, err := d.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
		return out, nil
	}
	return data, nil
}

// drop must be called with mu held.
func (d *Disk) drop(key string, entry *diskEntry) {
	_ = os.Remove(entry.path)
	d.size -= entry.size
	delete(d.index, key)
}

func (d *Disk) evictOldest() {
	var oldestKey string
	var oldest *diskEntry
	for key, entry := range d.index {
		if oldest == nil || entry.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest != nil {
		d.drop(oldestKey, oldest)
		d.stats.Evictions++
	}
}

func (d *Disk) scan() error {
	var found []*diskEntry
	keys := map[*diskEntry]string{}

	err := filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != extCompressed && ext != extRaw {
			if strings.HasSuffix(path, ".tmp") {
				_ = os.Remove(path)
			}
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		entry := &diskEntry{path: path, size: info.Size(), lastAccess: info.ModTime()}
		keys[entry] = strings.TrimSuffix(filepath.Base(path), ext)
		found = append(found, entry)
		return nil
	})
	if err != nil {
		return err
	}

	// newest last so duplicates resolve to the most recent write
	sort.Slice(found, func(i, j int) bool { return found[i].lastAccess.Before(found[j].lastAccess) })
	for _, entry := range found {
		key := keys[entry]
		if prev, ok := d.index[key]; ok {
			d.drop(key, prev)
		}
		d.index[key] = entry
		d.size += entry.size
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

package cache

import (
	"fmt"
	"path/filepath"

	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
)

// Manager layers the memory tier over the disk tier. Disk hits are promoted
// into memory.
type Manager struct {
	memory *Memory
	disk   *Disk // nil when no directory could be used
	config Config
}

// NewManager opens the cache described by config. An empty Dir falls back to
// the user cache directory.
func NewManager(config Config) (*Manager, error) {
	m := &Manager{memory: NewMemory(config.MemoryCapacity), config: config}

	if config.DiskCapacity <= 0 {
		return m, nil
	}

	dir := config.Dir
	if dir == "" {
		dirs, err := gap.NewScope(gap.User, "voicepipe").CacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
		}
		dir = filepath.Join(dirs, "audio")
	}

	disk, err := NewDisk(dir, config.DiskCapacity, config.CompressionLevel)
	if err != nil {
		return nil, err
	}
	m.disk = disk

	if config.MaxAge > 0 {
		if n := disk.Prune(config.MaxAge); n > 0 {
			log.Debug("Audio cache: pruned stale entries", "count", n)
		}
	}
	st := disk.Stats()
	log.Debug("Audio cache: opened", "dir", dir, "items", st.Items, "size", humanize.IBytes(uint64(st.Size))) //nolint:gosec
	return m, nil
}

// Get looks up a synthesized utterance.
func (m *Manager) Get(key string) (ttypes.AudioPayload, bool) {
	if data, ok := m.memory.Get(key); ok {
		return ttypes.AudioPayload{Data: data}, true
	}
	if m.disk == nil {
		return ttypes.AudioPayload{}, false
	}
	data, ok := m.disk.Get(key)
	if !ok {
		return ttypes.AudioPayload{}, false
	}
	_ = m.memory.Put(key, data)
	return ttypes.AudioPayload{Data: data}, true
}

// Put stores a synthesized utterance in both tiers.
func (m *Manager) Put(key string, payload ttypes.AudioPayload) error {
	if payload.Empty() {
		return nil
	}
	if err := m.memory.Put(key, payload.Data); err != nil && err != ErrItemTooLarge {
		return err
	}
	if m.disk != nil {
		if err := m.disk.Put(key, payload.Data); err != nil {
			return fmt.Errorf("disk cache: %w", err)
		}
	}
	log.Debug("Audio cache: stored", "size", humanize.IBytes(uint64(len(payload.Data))))
	return nil
}

// Stats returns the counters of both tiers.
func (m *Manager) Stats() (memory, disk Stats) {
	memory = m.memory.Stats()
	if m.disk != nil {
		disk = m.disk.Stats()
	}
	return memory, disk
}

// Clear empties both tiers.
func (m *Manager) Clear() error {
	m.memory.Clear()
	if m.disk != nil {
		return m.disk.Clear()
	}
	return nil
}

// Close releases the disk tier.
func (m *Manager) Close() error {
	if m.disk != nil {
		return m.disk.Close()
	}
	return nil
}

// Package localcache keeps the device-local copy of the app state document.
// Reads never touch the network and always return a usable document.
package localcache

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/fsutil"
)

// StorageKey names the stored document.
const StorageKey = "prop_lifecycle_data"

var ErrCorrupt = errors.New("local cache is corrupt")

type Options struct {
	Logger zerolog.Logger
	Mode   os.FileMode
}

// File stores the document as JSON at <dir>/prop_lifecycle_data.json.
type File struct {
	path     string
	lockPath string
	mode     os.FileMode
	logger   zerolog.Logger

	mu          sync.Mutex
	lastWritten [sha256.Size]byte
}

func NewFile(dir string, opts Options) *File {
	return OpenPath(filepath.Join(dir, StorageKey+".json"), opts)
}

func OpenPath(path string, opts Options) *File {
	mode := opts.Mode
	if mode == 0 {
		mode = 0o600
	}
	return &File{
		path:     path,
		lockPath: path + ".lock",
		mode:     mode,
		logger:   opts.Logger,
	}
}

func (c *File) Path() string {
	return c.path
}

// Read returns the stored document, or the initial document when nothing
// has been stored. Documents written by older versions are backfilled.
func (c *File) Read() (appstate.AppState, error) {
	data, err := c.readRaw()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return appstate.Initial(), nil
		}
		return appstate.AppState{}, fmt.Errorf("read local cache: %w", err)
	}
	state, backfilled, err := appstate.Decode(data)
	if err != nil {
		return appstate.AppState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(backfilled) > 0 {
		c.logger.Debug().Str("path", c.path).Strs("fields", backfilled).Msg("backfilled local cache fields")
	}
	return state, nil
}

func (c *File) readRaw() ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, err
	}
	lock, err := fsutil.Lock(c.lockPath, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()
	return os.ReadFile(c.path)
}

// Write replaces the stored document. Either the whole document is written
// or the previous one is left in place.
func (c *File) Write(state appstate.AppState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode local cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("write local cache: %w", err)
	}
	lock, err := fsutil.Lock(c.lockPath, true)
	if err != nil {
		return fmt.Errorf("lock local cache: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	if err := fsutil.WriteFileAtomic(c.path, data, c.mode); err != nil {
		return fmt.Errorf("write local cache: %w", err)
	}
	c.mu.Lock()
	c.lastWritten = sha256.Sum256(data)
	c.mu.Unlock()
	return nil
}

func (c *File) wroteLast(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWritten == sha256.Sum256(data)
}

// Memory is an in-process cache with the same contract as File. It stores
// the serialized document so callers never share memory with it.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read() (appstate.AppState, error) {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()
	if data == nil {
		return appstate.Initial(), nil
	}
	state, _, err := appstate.Decode(data)
	if err != nil {
		return appstate.AppState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return state, nil
}

func (m *Memory) Write(state appstate.AppState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode local cache: %w", err)
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Seed stores raw bytes as-is, which lets tests plant documents written by
// older versions.
func (m *Memory) Seed(data []byte) {
	m.mu.Lock()
	m.data = append([]byte(nil), data...)
	m.mu.Unlock()
}

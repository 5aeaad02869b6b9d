// ABOUTME: Library persistence as TOML, used for the player's last-known state and the server catalogue
// ABOUTME: Saves go through a temp file and rename so a crash never leaves a torn file
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

// file is the on-disk layout
type file struct {
	Songs     []reconcile.Song     `toml:"songs"`
	Playlists []reconcile.Playlist `toml:"playlists"`
}

// Store reads and writes one library file
type Store struct {
	path   string
	logger *log.Logger

	mu sync.Mutex
}

// New creates a store for path
func New(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: path, logger: logger.With("component", "store")}
}

// Path is the backing file
func (s *Store) Path() string { return s.path }

// Load fills lib from the file. A missing file leaves lib untouched and is not an error.
func (s *Store) Load(lib *reconcile.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("no saved library", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read library: %w", err)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse library %s: %w", s.path, err)
	}
	lib.Load(f.Playlists, f.Songs)
	s.logger.Debug("library loaded", "path", s.path, "playlists", len(f.Playlists), "songs", len(f.Songs))
	return nil
}

// Save writes a snapshot of lib
func (s *Store) Save(lib *reconcile.Library) error {
	f := file{Songs: lib.Songs(), Playlists: lib.Snapshot()}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("encode library: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".library-*")
	if err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(buf.Bytes())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Store holds the decoded configuration documents for all users and reloads
// them when the files change on disk. Readers get copies; the store never
// hands out internal state.
type Store struct {
	mu   sync.RWMutex
	root string

	users      map[string]UserConfig
	presets    map[string]Preset
	characters map[string]CharacterCard
	worlds     map[string]WorldBook

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	watchDone chan struct{}
	log       *logger.Logger
}

const (
	dirUsers      = "users"
	dirPresets    = "presets"
	dirCharacters = "characters"
	dirWorlds     = "worlds"
)

var storeDirs = []string{dirUsers, dirPresets, dirCharacters, dirWorlds}

// Open loads every document under root and starts watching for changes. The
// subdirectories are created when missing so a fresh data dir just works.
func Open(root string) (*Store, error) {
	s := &Store{
		root:       root,
		users:      make(map[string]UserConfig),
		presets:    make(map[string]Preset),
		characters: make(map[string]CharacterCard),
		worlds:     make(map[string]WorldBook),
		stopWatch:  make(chan struct{}),
		watchDone:  make(chan struct{}),
		log:        logger.Global().WithPrefix("config"),
	}

	for _, dir := range storeDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config dir %s: %w", dir, err)
		}
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	s.watcher = watcher
	for _, dir := range storeDirs {
		if err := watcher.Add(filepath.Join(root, dir)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config dir %s: %w", dir, err)
		}
	}
	go s.watchLoop()

	return s, nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.stopWatch)
	<-s.watchDone
	return s.watcher.Close()
}

func (s *Store) loadAll() error {
	for _, dir := range storeDirs {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return fmt.Errorf("failed to read config dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			if err := s.loadFile(filepath.Join(s.root, dir, entry.Name())); err != nil {
				// A single broken document must not take the store down.
				s.log.Warn("skipping %s: %v", entry.Name(), err)
			}
		}
	}
	return nil
}

// loadFile decodes one document into the map matching its parent directory.
func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	kind := filepath.Base(filepath.Dir(path))
	name := strings.TrimSuffix(filepath.Base(path), ".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case dirUsers:
		var cfg UserConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("invalid user config: %w", err)
		}
		cfg.applyDefaults()
		s.users[name] = cfg
	case dirPresets:
		var preset Preset
		if err := json.Unmarshal(data, &preset); err != nil {
			return fmt.Errorf("invalid preset: %w", err)
		}
		s.presets[name] = preset
	case dirCharacters:
		var card CharacterCard
		if err := json.Unmarshal(data, &card); err != nil {
			return fmt.Errorf("invalid character card: %w", err)
		}
		s.characters[name] = card
	case dirWorlds:
		var world WorldBook
		if err := json.Unmarshal(data, &world); err != nil {
			return fmt.Errorf("invalid world book: %w", err)
		}
		s.worlds[name] = world
	}
	return nil
}

func (s *Store) removeFile(path string) {
	kind := filepath.Base(filepath.Dir(path))
	name := strings.TrimSuffix(filepath.Base(path), ".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case dirUsers:
		delete(s.users, name)
	case dirPresets:
		delete(s.presets, name)
	case dirCharacters:
		delete(s.characters, name)
	case dirWorlds:
		delete(s.worlds, name)
	}
}

func (s *Store) watchLoop() {
	defer close(s.watchDone)
	for {
		select {
		case <-s.stopWatch:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := s.loadFile(event.Name); err != nil {
					s.log.Warn("reload of %s failed: %v", event.Name, err)
				} else {
					s.log.Debug("reloaded %s", event.Name)
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.removeFile(event.Name)
				s.log.Debug("dropped %s", event.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("config watcher error: %v", err)
		}
	}
}

// User returns the settings for id, falling back to defaults for users that
// never saved a config.
func (s *Store) User(id string) UserConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.users[id]
	if !ok {
		return DefaultUserConfig()
	}
	return cloneUserConfig(cfg)
}

// SaveUser persists cfg for id and updates the in-memory view immediately so
// callers do not race the watcher.
func (s *Store) SaveUser(id string, cfg UserConfig) error {
	cfg.applyDefaults()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode user config: %w", err)
	}
	path := filepath.Join(s.root, dirUsers, id+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}

	s.mu.Lock()
	s.users[id] = cfg
	s.mu.Unlock()
	return nil
}

// Preset looks up a preset by name.
func (s *Store) Preset(name string) (Preset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	preset, ok := s.presets[name]
	return preset, ok
}

// Character looks up a character card or persona by name.
func (s *Store) Character(name string) (CharacterCard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.characters[name]
	return card, ok
}

// World looks up a world book by name.
func (s *Store) World(name string) (WorldBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	world, ok := s.worlds[name]
	return world, ok
}

// PresetNames lists the loaded presets, sorted.
func (s *Store) PresetNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneUserConfig(cfg UserConfig) UserConfig {
	out := cfg
	out.APIKeys = append([]string(nil), cfg.APIKeys...)
	out.WorldInfo = append([]string(nil), cfg.WorldInfo...)
	out.Service.HordeModels = append([]string(nil), cfg.Service.HordeModels...)
	if cfg.ActiveModules != nil {
		out.ActiveModules = make(map[string][]string, len(cfg.ActiveModules))
		for preset, ids := range cfg.ActiveModules {
			out.ActiveModules[preset] = append([]string(nil), ids...)
		}
	}
	return out
}

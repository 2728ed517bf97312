package store

import (
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

const fileVersion = 1

// scheduleFile is the on-disk shape. Version exists for future migrations;
// records written before it existed decode with Version 0 and are accepted.
type scheduleFile struct {
	Version   int                 `json:"version"`
	Schedules []schedule.Schedule `json:"schedules"`
}

// Store is the durable schedule repository: one JSON file, loaded whole and
// rewritten whole. It carries no business logic and no caching; the engine
// owns the in-memory list and treats the store as a load/flush boundary.
type Store struct {
	path string
	log  logx.Logger

	mu sync.Mutex
	// lastHash is the content hash of the bytes we wrote last, used by the
	// watcher to tell our own saves apart from external edits.
	lastHash uint64
}

func New(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// LoadAll reads every schedule from disk. A missing file is an empty store,
// not an error; an unreadable or corrupt file degrades to an empty list
// with a warning so one bad write never takes the engine down.
func (s *Store) LoadAll() []schedule.Schedule {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("schedule store unreadable; treating as empty", logx.String("path", s.path), logx.Err(err))
		}
		return []schedule.Schedule{}
	}

	var file scheduleFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.log.Warn("schedule store corrupt; treating as empty", logx.String("path", s.path), logx.Err(err))
		return []schedule.Schedule{}
	}

	s.mu.Lock()
	s.lastHash = hashBytes(data)
	s.mu.Unlock()

	for i := range file.Schedules {
		file.Schedules[i].Normalize()
	}
	return file.Schedules
}

// SaveAll atomically rewrites the whole file (tmp write + rename).
func (s *Store) SaveAll(entries []schedule.Schedule) error {
	if entries == nil {
		entries = []schedule.Schedule{}
	}
	data, err := json.MarshalIndent(scheduleFile{Version: fileVersion, Schedules: entries}, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastHash = hashBytes(data)
	s.mu.Unlock()
	return nil
}

// unchanged reports whether data matches the last content this process
// wrote or loaded.
func (s *Store) unchanged(data []byte) bool {
	h := hashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != 0 && h == s.lastHash
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

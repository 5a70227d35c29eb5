// Package localfs implements spool.Spool as a flat-file local directory
// tree: one meta file (meta/<id>.json) and one data file (data/<id>.eml)
// per SpoolId.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycore/kumogo/internal/spool"
)

// Spool is a local-filesystem backed spool.Spool. Writes for a single id
// are serialized via a per-id lock; different ids proceed concurrently.
type Spool struct {
	metaDir, dataDir string

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New creates a Spool rooted at dir, with "meta" and "data" subdirectories.
func New(dir string) (*Spool, error) {
	metaDir := filepath.Join(dir, "meta")
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		return nil, fmt.Errorf("localfs: create meta dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("localfs: create data dir: %w", err)
	}
	return &Spool{metaDir: metaDir, dataDir: dataDir, locks: map[uuid.UUID]*sync.Mutex{}}, nil
}

func (s *Spool) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Spool) metaPath(id uuid.UUID) string { return filepath.Join(s.metaDir, id.String()+".json") }
func (s *Spool) dataPath(id uuid.UUID) string { return filepath.Join(s.dataDir, id.String()+".eml") }

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Spool) SaveMeta(_ context.Context, id uuid.UUID, meta []byte) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return writeAtomic(s.metaPath(id), meta)
}

func (s *Spool) LoadMeta(_ context.Context, id uuid.UUID) ([]byte, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, spool.ErrNotFound
	}
	return data, err
}

func (s *Spool) SaveData(_ context.Context, id uuid.UUID, data []byte) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return writeAtomic(s.dataPath(id), data)
}

func (s *Spool) LoadData(_ context.Context, id uuid.UUID) ([]byte, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	data, err := os.ReadFile(s.dataPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, spool.ErrNotFound
	}
	return data, err
}

func (s *Spool) Remove(_ context.Context, id uuid.UUID) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	err1 := os.Remove(s.metaPath(id))
	err2 := os.Remove(s.dataPath(id))
	if err1 != nil && !errors.Is(err1, os.ErrNotExist) {
		return err1
	}
	if err2 != nil && !errors.Is(err2, os.ErrNotExist) {
		return err2
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

func (s *Spool) Enumerate(_ context.Context, fn func(uuid.UUID) error) error {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".json" {
			continue
		}
		id, err := uuid.Parse(name[:len(name)-len(ext)])
		if err != nil {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

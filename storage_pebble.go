package convsync

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStorage keeps cached pages and the offline queue in a local Pebble
// database so they survive a restart. Writes are synced.
type PebbleStorage struct {
	db *pebble.DB
}

// OpenPebbleStorage opens or creates the database at path.
func OpenPebbleStorage(path string) (*PebbleStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return openPebble(path, &pebble.Options{})
}

// OpenPebbleStorageFS opens the database on the given filesystem, e.g.
// vfs.NewMem() in tests.
func OpenPebbleStorageFS(path string, fs vfs.FS) (*PebbleStorage, error) {
	return openPebble(path, &pebble.Options{FS: fs})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStorage, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *PebbleStorage) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleStorage) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

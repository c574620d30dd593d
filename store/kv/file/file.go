// Package file implements the kv.Driver interface on top of plain files,
// one file per key. It is the default driver for development and for
// single-user desktop installs of the portal client.
package file

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/store/kv"
)

// DB stores each key as a file under a root directory. Writes go through
// a temp file plus rename so a crash mid-write never corrupts the value.
type DB struct {
	mu   sync.Mutex
	root string
}

// NewDB creates a file-backed driver rooted at dir, creating it if needed.
func NewDB(dir string) (kv.Driver, error) {
	if dir == "" {
		return nil, errors.New("data directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", dir)
	}
	return &DB{root: dir}, nil
}

// path maps a key like "chat/outbox" onto a flat file name. Key separators
// become dots so keys cannot escape the root directory.
func (d *DB) path(key string) string {
	name := strings.ReplaceAll(key, "/", ".") + ".json"
	return filepath.Join(d.root, name)
}

func (d *DB) Get(key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path(key))
	if os.IsNotExist(err) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key %s", key)
	}
	return data, nil
}

func (d *DB) Set(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write key %s", key)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to commit key %s", key)
	}
	return nil
}

func (d *DB) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

func (d *DB) Close() error {
	return nil
}

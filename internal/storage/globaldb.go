// Package storage implements the durable, JSON-file-backed address
// stores: GlobalDB (server-maintained, all verified addresses) and
// MirrorDB (per-consumer view with its own status per address).
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

type globalFile struct {
	Prefix string                          `json:"prefix"`
	Addrs  map[model.Address]model.GlobalEntry `json:"addrs"`
}

// GlobalDB holds every address the spawner has verified usable. It is
// the single source of truth mirrors sync from.
type GlobalDB struct {
	path string

	mu     sync.RWMutex
	prefix string
	addrs  map[model.Address]model.GlobalEntry
}

// OpenGlobalDB loads path if it exists (renaming and discarding a
// corrupt file rather than failing startup) and returns a ready store.
func OpenGlobalDB(path string) (*GlobalDB, error) {
	db := &GlobalDB{path: path, addrs: map[model.Address]model.GlobalEntry{}}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *GlobalDB) load() error {
	data, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Internal("read global db", err)
	}

	var f globalFile
	if err := json.Unmarshal(data, &f); err != nil {
		return quarantine(db.path)
	}

	db.mu.Lock()
	db.prefix = f.Prefix
	if f.Addrs != nil {
		db.addrs = f.Addrs
	}
	db.mu.Unlock()
	return nil
}

// quarantine renames a corrupt db file aside so the caller can start
// fresh instead of crashing on a partial write.
func quarantine(path string) error {
	if err := os.Rename(path, path+".corrupt"); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal("quarantine corrupt db file", err)
	}
	return nil
}

// Save atomically persists the store to disk (temp file + rename).
func (db *GlobalDB) Save() error {
	db.mu.RLock()
	f := globalFile{Prefix: db.prefix, Addrs: cloneGlobal(db.addrs)}
	db.mu.RUnlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return apperrors.Internal("marshal global db", err)
	}
	return atomicWrite(db.path, data)
}

// SetPrefix records the interface prefix the stored addresses belong
// to, used to detect a prefix change on the next load.
func (db *GlobalDB) SetPrefix(prefix string) {
	db.mu.Lock()
	db.prefix = prefix
	db.mu.Unlock()
}

// Prefix returns the last-recorded prefix string.
func (db *GlobalDB) Prefix() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.prefix
}

// Add inserts addr if not already present; adding an address that is
// already known is a no-op and returns nil.
func (db *GlobalDB) Add(addr model.Address) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.addrs[addr]; ok {
		return nil
	}
	db.addrs[addr] = model.GlobalEntry{CreatedAt: time.Now().Unix()}
	return nil
}

// Has reports whether addr is already known.
func (db *GlobalDB) Has(addr model.Address) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.addrs[addr]
	return ok
}

// All returns every known address, sorted for deterministic output.
func (db *GlobalDB) All() []model.Address {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]model.Address, 0, len(db.addrs))
	for a := range db.addrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of known addresses.
func (db *GlobalDB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.addrs)
}

// Flush clears the in-memory table and persists the empty state.
func (db *GlobalDB) Flush() error {
	db.mu.Lock()
	db.addrs = map[model.Address]model.GlobalEntry{}
	db.mu.Unlock()
	return db.Save()
}

func cloneGlobal(m map[model.Address]model.GlobalEntry) map[model.Address]model.GlobalEntry {
	out := make(map[model.Address]model.GlobalEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Internal("create db dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".db-*.json")
	if err != nil {
		return apperrors.Internal("create temp db file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Internal("write temp db file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Internal("close temp db file", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return apperrors.Internal("chmod temp db file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apperrors.Internal("rename db file", err)
	}
	return nil
}

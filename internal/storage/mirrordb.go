package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

type mirrorFile struct {
	DBName string                          `json:"dbname"`
	Addrs  map[model.Address]model.MirrorEntry `json:"addrs"`
}

// MirrorDB is a per-consumer view of GlobalDB: it mirrors the set of
// known addresses but tracks its own idle/using/bad status for each.
type MirrorDB struct {
	dbname string
	path   string

	mu    sync.RWMutex
	addrs map[model.Address]model.MirrorEntry
}

// OpenMirrorDB loads dir/<dbname>.json if present.
func OpenMirrorDB(dir, dbname string) (*MirrorDB, error) {
	db := &MirrorDB{
		dbname: dbname,
		path:   filepath.Join(dir, dbname+".json"),
		addrs:  map[model.Address]model.MirrorEntry{},
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *MirrorDB) load() error {
	data, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Internal("read mirror db", err)
	}

	var f mirrorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return quarantine(db.path)
	}

	db.mu.Lock()
	if f.Addrs != nil {
		db.addrs = f.Addrs
	}
	db.mu.Unlock()
	return nil
}

// Save atomically persists the mirror to disk.
func (db *MirrorDB) Save() error {
	db.mu.RLock()
	f := mirrorFile{DBName: db.dbname, Addrs: cloneMirror(db.addrs)}
	db.mu.RUnlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return apperrors.Internal("marshal mirror db", err)
	}
	return atomicWrite(db.path, data)
}

// Flush clears the mirror and persists the empty state.
func (db *MirrorDB) Flush() error {
	db.mu.Lock()
	db.addrs = map[model.Address]model.MirrorEntry{}
	db.mu.Unlock()
	return db.Save()
}

// SyncFromGlobal adds any address present in global that the mirror
// doesn't know about yet (as idle) and drops any it knows about that
// global no longer has, e.g. after a prefix change flushed the pool.
func (db *MirrorDB) SyncFromGlobal(global []model.Address) {
	present := make(map[model.Address]bool, len(global))
	for _, a := range global {
		present[a] = true
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, a := range global {
		if _, ok := db.addrs[a]; !ok {
			db.addrs[a] = model.MirrorEntry{Status: model.StatusIdle}
		}
	}
	for a := range db.addrs {
		if !present[a] {
			delete(db.addrs, a)
		}
	}
}

// GetIdleAddr selects the idle address least recently used (oldest
// LastUsedAt, zero counts as oldest; ties broken by textual order),
// atomically transitions it to using, and returns it. Returns
// ("", false) if none are idle.
func (db *MirrorDB) GetIdleAddr() (model.Address, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var best model.Address
	found := false
	for addr, entry := range db.addrs {
		if entry.Status != model.StatusIdle {
			continue
		}
		if !found {
			best, found = addr, true
			continue
		}
		bestEntry := db.addrs[best]
		if entry.LastUsedAt < bestEntry.LastUsedAt ||
			(entry.LastUsedAt == bestEntry.LastUsedAt && addr < best) {
			best = addr
		}
	}
	if !found {
		return "", false
	}

	entry := db.addrs[best]
	entry.Status = model.StatusUsing
	entry.LastUsedAt = time.Now().Unix()
	entry.UseCount++
	db.addrs[best] = entry
	return best, true
}

// ReleaseAddr transitions addr from using to the reported status,
// returning whether the transition was applied. Per the using → idle|bad
// invariant, an address that is unknown or not currently using is a
// silent no-op: it returns (false, nil), not an error, since the client
// may be reporting on an address a concurrent prefix change already
// evicted or that was already released by a duplicate report.
func (db *MirrorDB) ReleaseAddr(report model.ReportInfo) (bool, error) {
	if err := report.Validate(); err != nil {
		return false, apperrors.Malformed(err.Error())
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	entry, ok := db.addrs[report.Addr]
	if !ok || entry.Status != model.StatusUsing {
		return false, nil
	}
	entry.Status = report.Status
	db.addrs[report.Addr] = entry
	return true, nil
}

// Stats is the per-mirror summary used by the /stats RPC.
type Stats struct {
	DBName string `json:"dbname"`
	Total  int    `json:"total"`
	Idle   int    `json:"idle"`
	Using  int    `json:"using"`
	Bad    int    `json:"bad"`
}

// GetStats summarizes the mirror's current address counts by status.
func (db *MirrorDB) GetStats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s := Stats{DBName: db.dbname, Total: len(db.addrs)}
	for _, entry := range db.addrs {
		switch entry.Status {
		case model.StatusIdle:
			s.Idle++
		case model.StatusUsing:
			s.Using++
		case model.StatusBad:
			s.Bad++
		}
	}
	return s
}

func cloneMirror(m map[model.Address]model.MirrorEntry) map[model.Address]model.MirrorEntry {
	out := make(map[model.Address]model.MirrorEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of kv + history)
//   - <prefix>.journal.jsonl (append-only journal)
//
// Every write appends a journal record before returning, so state survives a
// crash at any point; the journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	kv      map[string]json.RawMessage
	history []notification.Notification // timestamp descending

	writes int
}

type journalRecord struct {
	Op    string                     `json:"op"` // kv, kvdel, append, viewed, clear
	Key   string                     `json:"key,omitempty"`
	Value json.RawMessage            `json:"value,omitempty"`
	N     *notification.Notification `json:"n,omitempty"`
}

type snapshot struct {
	KV      map[string]json.RawMessage  `json:"kv"`
	History []notification.Notification `json:"history"`
}

func openFile(cfg Config, log logx.Logger) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		kv:           map[string]json.RawMessage{},
	}
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)
	st.pruneLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journalFile = jf
	return st, nil
}

func (s *fileStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Best-effort final compaction so restarts load a single snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) putKV(ctx context.Context, key string, value json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.kv[key] = append(json.RawMessage(nil), value...)
	return s.journalLocked(journalRecord{Op: "kv", Key: key, Value: value})
}

func (s *fileStore) getKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (s *fileStore) deleteKV(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.journalLocked(journalRecord{Op: "kvdel", Key: key})
}

func (s *fileStore) appendNotification(ctx context.Context, n notification.Notification) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.insertLocked(n)
	s.pruneLocked()
	return s.journalLocked(journalRecord{Op: "append", N: &n})
}

func (s *fileStore) notifications(ctx context.Context, limit int) ([]notification.Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	return append([]notification.Notification(nil), s.history[:limit]...), nil
}

func (s *fileStore) markAllViewed(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	for i := range s.history {
		s.history[i].IsNew = false
	}
	return s.journalLocked(journalRecord{Op: "viewed"})
}

func (s *fileStore) clearHistory(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.history = nil
	return s.journalLocked(journalRecord{Op: "clear"})
}

// insertLocked keeps history ordered by timestamp descending; an existing id
// is replaced in place.
func (s *fileStore) insertLocked(n notification.Notification) {
	for i := range s.history {
		if s.history[i].ID == n.ID {
			s.history[i] = n
			sort.SliceStable(s.history, func(a, b int) bool {
				return s.history[a].Timestamp > s.history[b].Timestamp
			})
			return
		}
	}
	s.history = append(s.history, n)
	sort.SliceStable(s.history, func(a, b int) bool {
		return s.history[a].Timestamp > s.history[b].Timestamp
	})
}

func (s *fileStore) pruneLocked() {
	if len(s.history) > HistoryCap {
		s.history = s.history[:HistoryCap]
	}
}

func (s *fileStore) journalLocked(r journalRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := snapshot{KV: s.kv, History: s.history}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	if snap.KV != nil {
		s.kv = snap.KV
	}
	s.history = snap.History
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "kv":
			if r.Key != "" {
				s.kv[r.Key] = append(json.RawMessage(nil), r.Value...)
			}
		case "kvdel":
			delete(s.kv, r.Key)
		case "append":
			if r.N != nil {
				s.insertLocked(*r.N)
				s.pruneLocked()
			}
		case "viewed":
			for i := range s.history {
				s.history[i].IsNew = false
			}
		case "clear":
			s.history = nil
		}
	}
	return sc.Err()
}

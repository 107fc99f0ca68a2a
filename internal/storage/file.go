package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hooknotify/pkg/logx"
)

// recentCap bounds the in-memory tail served by RecentDeliveries.
const recentCap = 500

// fileStore appends records to <prefix>.deliveries.jsonl.
//
// When the journal grows past MaxEntries lines it is compacted down to the
// newest half (tmp file + rename).
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path  string
	f     *os.File
	lines int
	max   int

	recent []DeliveryRecord // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journal := filepath.Join(dir, base) + ".deliveries.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recs, lines, err := replayJournal(journal)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("delivery journal replay failed", logx.String("path", journal), logx.Err(err))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:    log,
		path:   journal,
		f:      f,
		lines:  lines,
		max:    maxEntries(cfg),
		recent: recs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.recent = append(s.recent, r)
	if len(s.recent) > recentCap {
		s.recent = s.recent[len(s.recent)-recentCap:]
	}

	if s.lines > s.max {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("delivery journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.recent, limit), nil
}

// compactLocked keeps the newest max/2 lines.
func (s *fileStore) compactLocked() error {
	keep := s.max / 2
	if keep < 1 {
		keep = 1
	}
	tail, err := readTail(s.path, keep)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range tail {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	s.lines = len(tail)
	return nil
}

func replayJournal(path string) ([]DeliveryRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		recs  []DeliveryRecord
		lines int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		recs = append(recs, r)
		if len(recs) > recentCap {
			recs = recs[1:]
		}
	}
	return recs, lines, sc.Err()
}

func readTail(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
		if len(out) > n {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func newestFirst(recs []DeliveryRecord, limit int) []DeliveryRecord {
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]DeliveryRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out
}

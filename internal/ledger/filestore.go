package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

const (
	trialsFile = "trials.jsonl"
	metaFile   = "meta.json"
)

// FileStore appends one JSON object per trial change to trials.jsonl and
// keeps run metadata in meta.json.
type FileStore struct {
	dir string

	mu sync.Mutex
	f  *os.File
}

// NewFileStore opens (creating if needed) the ledger directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, trialsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &FileStore{dir: dir, f: f}, nil
}

func (s *FileStore) LoadMeta() (*Meta, error) {
	path := filepath.Join(s.dir, metaFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &models.LedgerCorruption{Path: path, Reason: "unreadable meta", Err: err}
	}
	return &m, nil
}

// SaveMeta replaces meta.json atomically.
func (s *FileStore) SaveMeta(m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, metaFile))
}

// Load replays trials.jsonl. Later lines for the same id replace earlier
// ones; the result is ordered by first appearance.
func (s *FileStore) Load() ([]*models.Trial, error) {
	path := filepath.Join(s.dir, trialsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var (
		order []int
		byID  = make(map[int]*models.Trial)
		line  int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var t models.Trial
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&t); err != nil {
			return nil, &models.LedgerCorruption{Path: path, Line: line, Reason: "invalid JSON", Err: err}
		}
		if !t.State.Valid() {
			return nil, &models.LedgerCorruption{Path: path, Line: line, Reason: fmt.Sprintf("unknown state %q", t.State)}
		}
		if prev, seen := byID[t.ID]; !seen {
			order = append(order, t.ID)
		} else if !prev.State.CanTransition(t.State) {
			return nil, &models.LedgerCorruption{Path: path, Line: line, Reason: fmt.Sprintf("trial %d regresses from %s to %s", t.ID, prev.State, t.State)}
		}
		byID[t.ID] = &t
	}
	if err := sc.Err(); err != nil {
		return nil, &models.LedgerCorruption{Path: path, Line: line + 1, Err: err}
	}

	out := make([]*models.Trial, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Append writes the snapshot and syncs it to disk.
func (s *FileStore) Append(t *models.Trial) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trial %d: %w", t.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("ledger closed")
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append trial %d: %w", t.ID, err)
	}
	return s.f.Sync()
}

func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("ledger closed")
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, metaFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

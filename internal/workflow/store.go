package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/agentgov/internal/errs"
)

// Store persists workflows. Suspended workflows must survive a restart, so
// production deployments use FileStore.
type Store interface {
	Create(w Workflow) error
	Save(w Workflow) error
	Get(id string) (Workflow, error)
	List(f ListFilter) ([]Workflow, error)
}

// MemoryStore keeps workflows in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]Workflow)}
}

func (s *MemoryStore) Create(w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; ok {
		return errs.Conflict("workflow", w.ID, string(w.Status), "create")
	}
	s.workflows[w.ID] = w.clone()
	return nil
}

func (s *MemoryStore) Save(w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return errs.NotFound("workflow", w.ID)
	}
	s.workflows[w.ID] = w.clone()
	return nil
}

func (s *MemoryStore) Get(id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, errs.NotFound("workflow", id)
	}
	return w.clone(), nil
}

func (s *MemoryStore) List(f ListFilter) ([]Workflow, error) {
	s.mu.RLock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if f.matches(w) {
			out = append(out, w.clone())
		}
	}
	s.mu.RUnlock()
	sortWorkflows(out)
	return out, nil
}

// FileStore keeps one JSON file per workflow under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore backed by dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create workflow directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Create(w Workflow) error {
	if err := validateKey(w.ID); err != nil {
		return errs.Validation("workflow create", "id: "+err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(w.ID)); err == nil {
		return errs.Conflict("workflow", w.ID, string(w.Status), "create")
	}
	return s.writeAtomic(w)
}

func (s *FileStore) Save(w Workflow) error {
	if err := validateKey(w.ID); err != nil {
		return errs.NotFound("workflow", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(w.ID)); err != nil {
		return errs.NotFound("workflow", w.ID)
	}
	return s.writeAtomic(w)
}

func (s *FileStore) Get(id string) (Workflow, error) {
	if err := validateKey(id); err != nil {
		return Workflow{}, errs.NotFound("workflow", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(id), id)
}

func (s *FileStore) List(f ListFilter) ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow directory: %w", err)
	}
	var out []Workflow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		w, err := s.read(filepath.Join(s.dir, entry.Name()), id)
		if err != nil {
			return nil, err
		}
		if f.matches(w) {
			out = append(out, w)
		}
	}
	sortWorkflows(out)
	return out, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(path, id string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Workflow{}, errs.NotFound("workflow", id)
		}
		return Workflow{}, fmt.Errorf("read workflow %s: %w", id, err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("parse workflow %s: %w", id, err)
	}
	if w.StageResults == nil {
		w.StageResults = make(map[string]StageResult)
	}
	return w, nil
}

func (s *FileStore) writeAtomic(w Workflow) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	path := s.path(w.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename workflow: %w", err)
	}
	return nil
}

func sortWorkflows(ws []Workflow) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects ids that could escape the store directory.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

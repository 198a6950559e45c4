// Package store persists scheduler tasks so they can be recovered after a
// restart. Stores are written through an AsyncWriter so the scheduler loop
// never waits on I/O.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/scheduler/domain"
)

// TaskRecord is the reloadable form of a task.
type TaskRecord struct {
	ID  string                `json:"id"`
	Seq uint64                `json:"seq"`
	Def domain.TaskDefinition `json:"def"`

	Status         domain.Status `json:"status"`
	PauseRequested bool          `json:"pauseRequested,omitempty"`
	Nodes          []node.ID     `json:"nodes,omitempty"`
	Excluded       []node.ID     `json:"excluded,omitempty"`
	Attempts       int           `json:"attempts"`
	Failures       int           `json:"failures"`
	Error          string        `json:"error,omitempty"`

	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitempty"`
	Ended     time.Time `json:"ended,omitempty"`
}

type Store interface {
	Put(rec TaskRecord) error
	Delete(id string) error
	// List returns every record ordered by Seq.
	List() ([]TaskRecord, error)
	Close() error
}

const (
	KindMemory = "memory"
	KindBolt   = "bolt"
)

type Config struct {
	Kind string `yaml:"kind"`
	// Path of the bolt database file.
	Path string `yaml:"path"`
	// WriteRetries is how many times a failed write is retried.
	WriteRetries uint64 `yaml:"writeRetries"`
	// RetryInterval is the wait between two write attempts.
	RetryInterval time.Duration `yaml:"retryInterval"`
}

func DefaultConfig() Config {
	return Config{Kind: KindMemory, WriteRetries: 3, RetryInterval: 100 * time.Millisecond}
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindBolt:
		if cfg.Path == "" {
			return nil, errors.New("bolt store needs a path")
		}
		return NewBoltStore(cfg.Path)
	}
	return nil, errors.Errorf("unknown store kind %q", cfg.Kind)
}

func sortBySeq(recs []TaskRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
}

// MemoryStore keeps records in a map. It survives a scheduler, not a process.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]TaskRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]TaskRecord{}}
}

func (m *MemoryStore) Put(rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Nodes = append([]node.ID(nil), rec.Nodes...)
	rec.Excluded = append([]node.ID(nil), rec.Excluded...)
	m.recs[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *MemoryStore) List() ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]TaskRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		recs = append(recs, rec)
	}
	sortBySeq(recs)
	return recs, nil
}

func (m *MemoryStore) Close() error { return nil }

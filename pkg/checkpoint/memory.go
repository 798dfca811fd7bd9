package checkpoint

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps checkpoints in process memory. It is used for dry runs and tests.
type MemoryStore struct {
	rows *xsync.Map[string, Checkpoint]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: xsync.NewMap[string, Checkpoint]()}
}

func (s *MemoryStore) Initialize(context.Context) error { return nil }

func (s *MemoryStore) Get(_ context.Context, processName string) (*Checkpoint, error) {
	cp, ok := s.rows.Load(processName)
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cp *Checkpoint) error {
	s.rows.Store(cp.ProcessName, *cp)
	return nil
}

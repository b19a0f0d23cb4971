package bonds

import (
	"context"
	"sync"

	"missionline/internal/domain"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	bonds []domain.Bond
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) InsertBond(_ context.Context, b domain.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bonds = append(s.bonds, b)
	return nil
}

func (s *MemoryStore) DeleteBonds(_ context.Context, agentID, missionID string) ([]domain.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []domain.Bond
	kept := s.bonds[:0]
	for _, b := range s.bonds {
		if b.AgentID == agentID && b.MissionID == missionID {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	s.bonds = kept
	return removed, nil
}

func (s *MemoryStore) ListBondsByAgent(_ context.Context, agentID string) ([]domain.Bond, error) {
	return s.filter(func(b domain.Bond) bool { return b.AgentID == agentID }), nil
}

func (s *MemoryStore) ListBondsByMission(_ context.Context, missionID string) ([]domain.Bond, error) {
	return s.filter(func(b domain.Bond) bool { return b.MissionID == missionID }), nil
}

func (s *MemoryStore) filter(keep func(domain.Bond) bool) []domain.Bond {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bond
	for _, b := range s.bonds {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

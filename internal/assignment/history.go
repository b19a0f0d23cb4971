package assignment

import (
	"context"
	"sync"
)

// DefaultWindow is the number of wins the tracker reports at most.
const DefaultWindow = 10

// WinStore persists assignment wins.
type WinStore interface {
	RecordWin(ctx context.Context, agentID, missionID string) error
	CountWins(ctx context.Context, agentID string) (int, error)
}

// Tracker reports an agent's recent wins as min(total, Window). The count is
// all-time, capped at the window, not a sliding time window.
type Tracker struct {
	Store  WinStore
	Window int
}

func (t Tracker) window() int {
	if t.Window <= 0 {
		return DefaultWindow
	}
	return t.Window
}

func (t Tracker) RecordWin(ctx context.Context, agentID, missionID string) error {
	return t.Store.RecordWin(ctx, agentID, missionID)
}

func (t Tracker) RecentWins(ctx context.Context, agentID string) (int, error) {
	n, err := t.Store.CountWins(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if w := t.window(); n > w {
		return w, nil
	}
	return n, nil
}

// MemoryWins is an in-process WinStore.
type MemoryWins struct {
	mu   sync.Mutex
	wins map[string][]string
}

func NewMemoryWins() *MemoryWins {
	return &MemoryWins{wins: map[string][]string{}}
}

func (m *MemoryWins) RecordWin(_ context.Context, agentID, missionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wins[agentID] = append(m.wins[agentID], missionID)
	return nil
}

func (m *MemoryWins) CountWins(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wins[agentID]), nil
}

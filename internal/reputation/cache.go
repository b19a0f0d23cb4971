package reputation

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"missionline/internal/domain"
)

// HistorySource loads an agent's complete job history in recorded order.
type HistorySource interface {
	ListHistory(ctx context.Context, agentID string) ([]domain.JobHistoryEntry, error)
}

// Cache memoises computed scores per agent. Callers must Invalidate an agent
// after appending to its history. A fill that started before an Invalidate
// of the same agent is not stored.
type Cache struct {
	rules Rules
	lru   *lru.Cache[string, Breakdown]

	mu  sync.Mutex
	gen map[string]uint64
}

func NewCache(size int, rules Rules) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, Breakdown](size)
	if err != nil {
		return nil, err
	}
	return &Cache{rules: rules, lru: c, gen: map[string]uint64{}}, nil
}

// Breakdown returns the explained score for agentID, computing it from src on a miss.
func (c *Cache) Breakdown(ctx context.Context, src HistorySource, agentID string) (Breakdown, error) {
	var gen uint64
	if c != nil {
		if b, ok := c.lru.Get(agentID); ok {
			return b, nil
		}
		gen = c.generation(agentID)
	}
	history, err := src.ListHistory(ctx, agentID)
	if err != nil {
		return Breakdown{}, err
	}
	rules := DefaultRules()
	if c != nil {
		rules = c.rules
	}
	b := rules.Explain(history)
	if c != nil {
		c.mu.Lock()
		if c.gen[agentID] == gen {
			c.lru.Add(agentID, b)
		}
		c.mu.Unlock()
	}
	return b, nil
}

func (c *Cache) generation(agentID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[agentID]
}

func (c *Cache) Score(ctx context.Context, src HistorySource, agentID string) (float64, error) {
	b, err := c.Breakdown(ctx, src, agentID)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

func (c *Cache) Invalidate(agentIDs ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range agentIDs {
		c.gen[id]++
		c.lru.Remove(id)
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

package budget

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// MemoryStorage keeps running daily totals in memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	totals map[string]*big.Int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{totals: make(map[string]*big.Int)}
}

func memoryKey(agent, day string) string {
	return strings.ToLower(agent) + "@" + day
}

func (s *MemoryStorage) SpentOn(_ context.Context, agent, day string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.totals[memoryKey(agent, day)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (s *MemoryStorage) Add(_ context.Context, agent, day string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(agent, day)
	cur, ok := s.totals[k]
	if !ok {
		cur = new(big.Int)
		s.totals[k] = cur
	}
	cur.Add(cur, amount)
	return nil
}

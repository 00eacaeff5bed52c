package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// ReplayGuard is an in-process domain.ReplayGuard. Expired tokens are swept
// lazily on Claim.
type ReplayGuard struct {
	mu        sync.Mutex
	until     map[string]time.Time
	nextSweep time.Time
	now       func() time.Time
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{until: make(map[string]time.Time), now: time.Now}
}

// Claim holds token until ttl has passed.
func (g *ReplayGuard) Claim(_ context.Context, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("local: replay ttl %s: %w", ttl, domain.ErrInvalidAmount)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !now.Before(g.nextSweep) {
		for k, exp := range g.until {
			if !now.Before(exp) {
				delete(g.until, k)
			}
		}
		g.nextSweep = now.Add(ttl)
	}
	if exp, ok := g.until[token]; ok && now.Before(exp) {
		return false, nil
	}
	g.until[token] = now.Add(ttl)
	return true, nil
}

// Len reports how many tokens are currently remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.until)
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

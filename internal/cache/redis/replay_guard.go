package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX PX, so every
// instance sharing the Redis sees the same claims.
type ReplayGuard struct {
	c *Client
}

func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

func (g *ReplayGuard) Claim(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay", token), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", token, err)
	}
	return ok, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

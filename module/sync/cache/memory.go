package cache

import (
	"context"
	"sync"

	"PSync/module/sync/model"
)

// memCache 内存镜像：单测用，语义与 Redis 实现对齐（只升不降、窗口裁剪）。
type memCache struct {
	mu     sync.RWMutex
	window int
	pts    map[string]int64
	tails  map[string][]*model.CommitEntry
}

func NewMemCache(window int) Cache {
	if window <= 0 {
		window = 100
	}
	return &memCache{
		window: window,
		pts:    make(map[string]int64),
		tails:  make(map[string][]*model.CommitEntry),
	}
}

func (c *memCache) Pts(ctx context.Context, channelID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.pts[channelID]
	return v, ok
}

func (c *memCache) BumpPts(ctx context.Context, channelID string, pts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pts > c.pts[channelID] {
		c.pts[channelID] = pts
	}
	return nil
}

func (c *memCache) AppendTail(ctx context.Context, e *model.CommitEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *e
	tail := append(c.tails[e.ChannelID], &cp)
	if len(tail) > c.window {
		tail = tail[len(tail)-c.window:]
	}
	c.tails[e.ChannelID] = tail
	return nil
}

func (c *memCache) Tail(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, bool) {
	if limit <= 0 {
		limit = c.window
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*model.CommitEntry
	next := afterPts + 1
	for _, e := range c.tails[channelID] {
		if e.Pts <= afterPts {
			continue
		}
		if e.Pts != next {
			return nil, false
		}
		cp := *e
		out = append(out, &cp)
		next++
		if len(out) >= limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

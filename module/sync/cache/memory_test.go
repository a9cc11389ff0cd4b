package cache

import (
	"context"
	"testing"

	"PSync/module/sync/model"
)

func entry(channel string, pts int64) *model.CommitEntry {
	return &model.CommitEntry{
		Pts:       pts,
		ChannelID: channel,
		EventType: model.EventSend,
	}
}

func TestBumpOnlyRaises(t *testing.T) {
	c := NewMemCache(10)
	ctx := context.Background()

	if err := c.BumpPts(ctx, "ch1", 5); err != nil {
		t.Fatal(err)
	}
	if err := c.BumpPts(ctx, "ch1", 3); err != nil { // 乱序到达的旧水位
		t.Fatal(err)
	}
	v, ok := c.Pts(ctx, "ch1")
	if !ok || v != 5 {
		t.Fatalf("pts = %d ok=%v, want 5 true", v, ok)
	}
}

func TestPtsMiss(t *testing.T) {
	c := NewMemCache(10)
	if _, ok := c.Pts(context.Background(), "nope"); ok {
		t.Fatal("want miss for unknown channel")
	}
}

func TestTailContiguous(t *testing.T) {
	c := NewMemCache(10)
	ctx := context.Background()
	for p := int64(1); p <= 5; p++ {
		if err := c.AppendTail(ctx, entry("ch1", p)); err != nil {
			t.Fatal(err)
		}
	}

	got, hit := c.Tail(ctx, "ch1", 2, 10)
	if !hit {
		t.Fatal("want hit")
	}
	if len(got) != 3 || got[0].Pts != 3 || got[2].Pts != 5 {
		t.Fatalf("tail = %v", got)
	}
}

func TestTailWindowTrimForcesMiss(t *testing.T) {
	c := NewMemCache(3)
	ctx := context.Background()
	for p := int64(1); p <= 5; p++ {
		_ = c.AppendTail(ctx, entry("ch1", p))
	}

	// 窗口只剩 3..5；从 0 起读覆盖不到，必须 miss 逼回源
	if _, hit := c.Tail(ctx, "ch1", 0, 10); hit {
		t.Fatal("want miss when window does not cover afterPts+1")
	}
	// 从 2 起读正好从 3 接上
	got, hit := c.Tail(ctx, "ch1", 2, 10)
	if !hit || len(got) != 3 {
		t.Fatalf("hit=%v len=%d", hit, len(got))
	}
}

func TestTailLimit(t *testing.T) {
	c := NewMemCache(10)
	ctx := context.Background()
	for p := int64(1); p <= 5; p++ {
		_ = c.AppendTail(ctx, entry("ch1", p))
	}
	got, hit := c.Tail(ctx, "ch1", 0, 2)
	if !hit || len(got) != 2 || got[1].Pts != 2 {
		t.Fatalf("hit=%v got=%v", hit, got)
	}
}

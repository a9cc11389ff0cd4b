package diff

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"PSync/module/sync/cache"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
)

func seed(t *testing.T, st store.Store, channel string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := st.AllocateAndCommit(ctx, &store.EntryDraft{
			ChannelID:      channel,
			SenderID:       "alice",
			LocalMessageID: fmt.Sprintf("%s-m%d", channel, i),
			EventType:      model.EventSend,
			Content:        json.RawMessage(`{}`),
		}, fmt.Sprintf("%s-s%d", channel, i))
		if err != nil {
			t.Fatal(err)
		}
	}
}

func newTestReader(limit int) (*Reader, store.Store, cache.Cache) {
	st := store.NewMemStore(store.Options{})
	c := cache.NewMemCache(100)
	return NewReader(st, c, Config{Limit: limit}), st, c
}

func TestGetDifferenceFromStore(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 5)

	res, err := r.GetDifference(context.Background(), &DiffInput{ChannelID: "ch1", KnownPts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 3 || res.Entries[0].Pts != 3 || res.Entries[2].Pts != 5 {
		t.Fatalf("entries = %v", res.Entries)
	}
	if res.HasMore {
		t.Fatal("has_more should be false when caught up")
	}
	if res.CurrentPts != 5 {
		t.Fatalf("current_pts = %d", res.CurrentPts)
	}
}

func TestGetDifferencePaged(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 10)
	ctx := context.Background()

	known := int64(0)
	var collected []int64
	for {
		res, err := r.GetDifference(ctx, &DiffInput{ChannelID: "ch1", KnownPts: known, Limit: 3})
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range res.Entries {
			collected = append(collected, e.Pts)
		}
		if len(res.Entries) > 0 {
			known = res.Entries[len(res.Entries)-1].Pts
		}
		if !res.HasMore {
			break
		}
	}
	if len(collected) != 10 {
		t.Fatalf("collected %d entries: %v", len(collected), collected)
	}
	for i, p := range collected {
		if p != int64(i+1) {
			t.Fatalf("out of order at %d: %v", i, collected)
		}
	}
}

func TestGetDifferenceIdempotent(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 5)
	ctx := context.Background()

	in := &DiffInput{ChannelID: "ch1", KnownPts: 1, Limit: 2}
	a, err := r.GetDifference(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetDifference(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Entries) != len(b.Entries) {
		t.Fatalf("lengths differ: %d vs %d", len(a.Entries), len(b.Entries))
	}
	for i := range a.Entries {
		if a.Entries[i].Pts != b.Entries[i].Pts || a.Entries[i].ServerMsgID != b.Entries[i].ServerMsgID {
			t.Fatalf("entry %d differs", i)
		}
	}
}

func TestGetDifferenceCaughtUp(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 3)

	res, err := r.GetDifference(context.Background(), &DiffInput{ChannelID: "ch1", KnownPts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 0 || res.HasMore {
		t.Fatalf("res = %+v", res)
	}

	// 客户端声称超前：按服务端水位处理，不报错
	res, err = r.GetDifference(context.Background(), &DiffInput{ChannelID: "ch1", KnownPts: 99})
	if err != nil || len(res.Entries) != 0 {
		t.Fatalf("res = %+v err = %v", res, err)
	}
}

// 谎报超前的 known_pts 不能写进设备簿记：local_pts 是 $max 推进，
// 一次被顶到 99 之后就永远降不回来
func TestCaughtUpClaimDoesNotPoisonDeviceState(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 3)
	ctx := context.Background()

	_, err := r.GetDifference(ctx, &DiffInput{
		ChannelID: "ch1", KnownPts: 99,
		UserID: "u1", DeviceID: "d1",
	})
	if err != nil {
		t.Fatal(err)
	}
	ds, err := st.GetDeviceState(ctx, "u1", "d1", "ch1")
	if err != nil || ds == nil {
		t.Fatalf("device state: %v %v", ds, err)
	}
	if ds.LocalPts != 3 || ds.ServerPts != 3 {
		t.Fatalf("device state = local %d server %d, want 3/3", ds.LocalPts, ds.ServerPts)
	}

	// 正常追平（known == cur）照常推进
	if _, err := r.GetDifference(ctx, &DiffInput{
		ChannelID: "ch1", KnownPts: 3,
		UserID: "u2", DeviceID: "d1",
	}); err != nil {
		t.Fatal(err)
	}
	ds, _ = st.GetDeviceState(ctx, "u2", "d1", "ch1")
	if ds == nil || ds.LocalPts != 3 {
		t.Fatalf("caught-up device state = %+v", ds)
	}
}

func TestGetDifferenceCacheTail(t *testing.T) {
	r, st, c := newTestReader(100)
	seed(t, st, "ch1", 5)
	ctx := context.Background()

	// 尾窗只缓存 4..5；从 3 起读应命中缓存
	entries, _ := st.QueryCommits(ctx, "ch1", 3, 10)
	for _, e := range entries {
		_ = c.AppendTail(ctx, e)
		_ = c.BumpPts(ctx, e.ChannelID, e.Pts)
	}

	res, err := r.GetDifference(ctx, &DiffInput{ChannelID: "ch1", KnownPts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Pts != 4 {
		t.Fatalf("entries = %v", res.Entries)
	}

	// 从 0 起读缓存覆盖不到，回源也必须给全量
	res, err = r.GetDifference(ctx, &DiffInput{ChannelID: "ch1", KnownPts: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 5 {
		t.Fatalf("store fallback entries = %d", len(res.Entries))
	}
}

func TestGetDifferenceAdvancesDeviceState(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 5)
	ctx := context.Background()

	_, err := r.GetDifference(ctx, &DiffInput{
		ChannelID: "ch1", KnownPts: 0, Limit: 3,
		UserID: "u1", DeviceID: "d1",
	})
	if err != nil {
		t.Fatal(err)
	}
	ds, err := st.GetDeviceState(ctx, "u1", "d1", "ch1")
	if err != nil || ds == nil {
		t.Fatalf("device state: %v %v", ds, err)
	}
	// 只推进到实际返回的最大 pts，而非服务端水位
	if ds.LocalPts != 3 || ds.ServerPts != 5 {
		t.Fatalf("device state = local %d server %d, want 3/5", ds.LocalPts, ds.ServerPts)
	}
}

func TestChannelPts(t *testing.T) {
	r, st, c := newTestReader(100)
	seed(t, st, "ch1", 4)
	ctx := context.Background()

	v, err := r.ChannelPts(ctx, "ch1")
	if err != nil || v != 4 {
		t.Fatalf("pts = %d err = %v", v, err)
	}
	// miss 回源后回填缓存
	if cached, ok := c.Pts(ctx, "ch1"); !ok || cached != 4 {
		t.Fatalf("cache backfill = %d ok=%v", cached, ok)
	}

	v, err = r.ChannelPts(ctx, "unknown")
	if err != nil || v != 0 {
		t.Fatalf("unknown channel pts = %d err = %v", v, err)
	}
}

func TestBatchChannelPts(t *testing.T) {
	r, st, _ := newTestReader(100)
	seed(t, st, "ch1", 2)
	seed(t, st, "ch2", 7)
	ctx := context.Background()

	m, err := r.BatchChannelPts(ctx, []string{"ch1", "ch2", "ch3", "ch1"})
	if err != nil {
		t.Fatal(err)
	}
	if m["ch1"] != 2 || m["ch2"] != 7 || m["ch3"] != 0 {
		t.Fatalf("batch = %v", m)
	}

	// 单调：不会低于上次观察值
	seed(t, st, "ch1", 0)
	again, err := r.BatchChannelPts(ctx, []string{"ch1"})
	if err != nil {
		t.Fatal(err)
	}
	if again["ch1"] < 2 {
		t.Fatalf("pts went backwards: %v", again)
	}
}

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"PSync/module/sync/cache"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
	"PSync/tools/errs"
)

type captureDisp struct {
	mu      sync.Mutex
	entries []*model.CommitEntry
}

func (d *captureDisp) Dispatch(e *model.CommitEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()
}

func newTestPipeline(disp Dispatcher) (*Pipeline, store.Store) {
	st := store.NewMemStore(store.Options{})
	return NewPipeline(st, cache.NewMemCache(100), disp, UUIDGen{}, Config{GapThreshold: 10}), st
}

func submitIn(channel, sender, localID, text string) *SubmitInput {
	return &SubmitInput{
		SenderID:       sender,
		ChannelID:      channel,
		LocalMessageID: localID,
		EventType:      model.EventSend,
		Content:        json.RawMessage(fmt.Sprintf(`{"text":%q}`, text)),
	}
}

func TestSubmitBasic(t *testing.T) {
	disp := &captureDisp{}
	p, st := newTestPipeline(disp)
	ctx := context.Background()

	res, err := p.Submit(ctx, submitIn("ch1", "alice", "m1", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pts != 1 || res.Decision != model.DecisionAccepted || res.ServerMsgID == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.CurrentPts != 1 {
		t.Fatalf("current_pts = %d, want 1", res.CurrentPts)
	}

	cur, _ := st.CurrentPts(ctx, "ch1")
	if cur != 1 {
		t.Fatalf("store pts = %d", cur)
	}
	if len(disp.entries) != 1 || disp.entries[0].Pts != 1 {
		t.Fatalf("dispatched = %v", disp.entries)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	disp := &captureDisp{}
	p, st := newTestPipeline(disp)
	ctx := context.Background()

	first, err := p.Submit(ctx, submitIn("ch1", "alice", "m1", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Submit(ctx, submitIn("ch1", "alice", "m1", "hello"))
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if again.Pts != first.Pts || again.ServerMsgID != first.ServerMsgID || again.Decision != first.Decision {
			t.Fatalf("retry %d diverged: %+v vs %+v", i, again, first)
		}
	}

	// 重放不产生新日志条目
	entries, _ := st.QueryCommits(ctx, "ch1", 0, 100)
	if len(entries) != 1 {
		t.Fatalf("commit log has %d entries, want 1", len(entries))
	}
	// fan-out 只发生一次
	if len(disp.entries) != 1 {
		t.Fatalf("dispatched %d times", len(disp.entries))
	}
}

func TestSubmitPayloadMismatch(t *testing.T) {
	p, _ := newTestPipeline(&captureDisp{})
	ctx := context.Background()

	if _, err := p.Submit(ctx, submitIn("ch1", "alice", "m1", "hello")); err != nil {
		t.Fatal(err)
	}
	_, err := p.Submit(ctx, submitIn("ch1", "alice", "m1", "DIFFERENT"))
	if !errors.Is(err, errs.ErrPayloadMismatch) {
		t.Fatalf("want payload mismatch, got %v", err)
	}
}

func TestSubmitMissingFields(t *testing.T) {
	p, _ := newTestPipeline(&captureDisp{})
	_, err := p.Submit(context.Background(), &SubmitInput{ChannelID: "ch1"})
	if !errors.Is(err, errs.ErrInvalidSubmit) {
		t.Fatalf("want invalid submit, got %v", err)
	}
}

func TestSubmitGapHint(t *testing.T) {
	p, _ := newTestPipeline(&captureDisp{})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := p.Submit(ctx, submitIn("ch1", "alice", fmt.Sprintf("m%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	// 阈值 10；声称还在 0 的客户端落后 15，要求提示
	res, err := p.Submit(ctx, &SubmitInput{
		SenderID: "bob", ChannelID: "ch1", LocalMessageID: "lagging",
		EventType: model.EventSend, Content: json.RawMessage(`{}`), LastKnownPts: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.GapHint {
		t.Fatal("want gap hint for lagging client")
	}

	// 紧跟水位的客户端不该收到提示
	res, err = p.Submit(ctx, &SubmitInput{
		SenderID: "bob", ChannelID: "ch1", LocalMessageID: "current",
		EventType: model.EventSend, Content: json.RawMessage(`{}`), LastKnownPts: res.Pts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.GapHint {
		t.Fatal("unexpected gap hint")
	}
}

func TestSubmitConcurrentDistinctIDs(t *testing.T) {
	p, st := newTestPipeline(&captureDisp{})
	ctx := context.Background()
	const n = 32

	var wg sync.WaitGroup
	ptsCh := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Submit(ctx, submitIn("ch1", "alice", fmt.Sprintf("m%d", i), "x"))
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ptsCh <- res.Pts
		}(i)
	}
	wg.Wait()
	close(ptsCh)

	seen := make(map[int64]bool)
	for v := range ptsCh {
		if seen[v] {
			t.Fatalf("duplicate pts %d", v)
		}
		seen[v] = true
	}
	cur, _ := st.CurrentPts(ctx, "ch1")
	if cur != n {
		t.Fatalf("final pts = %d, want %d", cur, n)
	}
}

func TestSubmitConcurrentSameID(t *testing.T) {
	p, st := newTestPipeline(&captureDisp{})
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	results := make(chan *SubmitResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Submit(ctx, submitIn("ch1", "alice", "same", "hello"))
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var first *SubmitResult
	for res := range results {
		if first == nil {
			first = res
			continue
		}
		if res.Pts != first.Pts || res.ServerMsgID != first.ServerMsgID {
			t.Fatalf("diverged: %+v vs %+v", res, first)
		}
	}
	cur, _ := st.CurrentPts(ctx, "ch1")
	if cur != 1 {
		t.Fatalf("pts = %d after racing same id, want 1", cur)
	}
}

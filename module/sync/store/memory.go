package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"PSync/module/sync/model"
)

var (
	ErrUniqueLocalMsgID = errors.New("unique local_message_id violated")
	ErrUniquePts        = errors.New("unique (channel_id, pts) violated")
)

// memStore 内存实现：供单测与本地联调，语义与 Mongo 实现对齐
// （发号+日志+注册同一把锁内完成，等价于事务）。
type memStore struct {
	mu   sync.RWMutex
	opts Options

	seq      map[string]int64                  // channel -> current_pts
	commits  map[string][]*model.CommitEntry   // channel -> entries（下标 = pts-1）
	registry map[string]*model.RegistryRecord  // local_message_id -> record
	offline  map[string][]*model.OfflineEntry  // user -> entries
	device   map[string]*model.DeviceSyncState // user|device|channel -> state
	members  map[string][]string               // channel -> users
}

func NewMemStore(opts Options) Store {
	opts.norm()
	return &memStore{
		opts:     opts,
		seq:      make(map[string]int64),
		commits:  make(map[string][]*model.CommitEntry),
		registry: make(map[string]*model.RegistryRecord),
		offline:  make(map[string][]*model.OfflineEntry),
		device:   make(map[string]*model.DeviceSyncState),
		members:  make(map[string][]string),
	}
}

func devKey(user, device, channel string) string { return user + "|" + device + "|" + channel }

func (m *memStore) AllocateAndCommit(ctx context.Context, draft *EntryDraft, serverMsgID string) (*model.CommitEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registry[draft.LocalMessageID]; ok {
		return nil, ErrUniqueLocalMsgID
	}

	now := time.Now()
	pts := m.seq[draft.ChannelID] + 1
	entry := &model.CommitEntry{
		Pts:            pts,
		ServerMsgID:    serverMsgID,
		LocalMessageID: draft.LocalMessageID,
		ChannelID:      draft.ChannelID,
		EventType:      draft.EventType,
		Content:        draft.Content,
		ServerTS:       now.UnixMilli(),
		SenderID:       draft.SenderID,
	}

	m.seq[draft.ChannelID] = pts
	m.commits[draft.ChannelID] = append(m.commits[draft.ChannelID], entry)
	m.registry[draft.LocalMessageID] = &model.RegistryRecord{
		LocalMessageID: draft.LocalMessageID,
		ServerMsgID:    serverMsgID,
		Pts:            pts,
		ChannelID:      draft.ChannelID,
		SenderID:       draft.SenderID,
		Decision:       model.DecisionAccepted,
		PayloadHash:    draft.PayloadHash,
		CreateTime:     now,
	}
	return entry, nil
}

func (m *memStore) CheckRegistry(ctx context.Context, localMessageID string) (*model.RegistryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.registry[localMessageID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) CurrentPts(ctx context.Context, channelID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq[channelID], nil
}

func (m *memStore) BatchCurrentPts(ctx context.Context, channelIDs []string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(channelIDs))
	for _, id := range channelIDs {
		out[id] = m.seq[id]
	}
	return out, nil
}

func (m *memStore) QueryCommits(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.commits[channelID]
	if afterPts < 0 {
		afterPts = 0
	}
	if afterPts >= int64(len(all)) {
		return nil, nil
	}
	out := make([]*model.CommitEntry, 0, limit)
	for _, e := range all[afterPts:] {
		if len(out) >= limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) EnqueueOffline(ctx context.Context, userID string, e *model.CommitEntry, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := append(m.offline[userID], &model.OfflineEntry{
		UserID:      userID,
		ChannelID:   e.ChannelID,
		Pts:         e.Pts,
		ServerMsgID: e.ServerMsgID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.opts.OfflineTTL),
	})

	// 超限裁最旧的未投递条目
	outstanding := 0
	for _, oe := range q {
		if !oe.Delivered {
			outstanding++
		}
	}
	for outstanding > m.opts.OfflineMax {
		for i, oe := range q {
			if !oe.Delivered {
				q = append(q[:i], q[i+1:]...)
				outstanding--
				break
			}
		}
	}
	m.offline[userID] = q
	return nil
}

func (m *memStore) PendingOffline(ctx context.Context, userID string, limit int) ([]*model.OfflineEntry, error) {
	if limit <= 0 {
		limit = m.opts.OfflineMax
	}
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.OfflineEntry
	for _, oe := range m.offline[userID] {
		if oe.Delivered || !oe.ExpiresAt.After(now) {
			continue
		}
		cp := *oe
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Pts < out[j].Pts
	})
	return out, nil
}

func (m *memStore) MarkDelivered(ctx context.Context, userID, channelID string, pts int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, oe := range m.offline[userID] {
		if oe.ChannelID == channelID && oe.Pts == pts {
			oe.Delivered = true
			oe.DeliveredAt = at
		}
	}
	return nil
}

func (m *memStore) PurgeExpiredOffline(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for user, q := range m.offline {
		kept := q[:0]
		for _, oe := range q {
			if oe.Delivered || !oe.ExpiresAt.After(now) {
				purged++
				continue
			}
			kept = append(kept, oe)
		}
		m.offline[user] = kept
	}
	return purged, nil
}

func (m *memStore) PurgeRegistryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for k, rec := range m.registry {
		if rec.CreateTime.Before(cutoff) {
			delete(m.registry, k)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) UpsertDeviceState(ctx context.Context, st *model.DeviceSyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := devKey(st.UserID, st.DeviceID, st.ChannelID)
	old, ok := m.device[k]
	if !ok {
		cp := *st
		m.device[k] = &cp
		return nil
	}
	// 只前移
	if st.LocalPts > old.LocalPts {
		old.LocalPts = st.LocalPts
	}
	if st.ServerPts > old.ServerPts {
		old.ServerPts = st.ServerPts
	}
	old.LastSyncAt = st.LastSyncAt
	return nil
}

func (m *memStore) GetDeviceState(ctx context.Context, userID, deviceID, channelID string) (*model.DeviceSyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.device[devKey(userID, deviceID, channelID)]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) AddMember(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.members[channelID] {
		if u == userID {
			return nil
		}
	}
	m.members[channelID] = append(m.members[channelID], userID)
	return nil
}

func (m *memStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	us := m.members[channelID]
	for i, u := range us {
		if u == userID {
			m.members[channelID] = append(us[:i], us[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) Members(ctx context.Context, channelID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us := m.members[channelID]
	out := make([]string, len(us))
	copy(out, us)
	return out, nil
}

func (m *memStore) IsDuplicateKeyErr(err error) bool {
	return errors.Is(err, ErrUniqueLocalMsgID) || errors.Is(err, ErrUniquePts)
}

func (m *memStore) IsTransientErr(err error) bool { return false } // 内存版无瞬时错误

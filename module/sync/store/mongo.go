package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PSync/module/sync/model"
)

// MongoStore 权威存储的 Mongo 实现。
// 集合：channel_seq / commit_log / client_msg_registry / offline_queue / device_sync_state
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	opts   Options

	seqColl      *mongo.Collection
	commitColl   *mongo.Collection
	registryColl *mongo.Collection
	offlineColl  *mongo.Collection
	deviceColl   *mongo.Collection
	memberColl   *mongo.Collection
}

func NewMongoStore(client *mongo.Client, db *mongo.Database, opts Options) *MongoStore {
	opts.norm()
	return &MongoStore{
		client:       client,
		db:           db,
		opts:         opts,
		seqColl:      db.Collection(model.ChannelSeqTableName),
		commitColl:   db.Collection(model.CommitLogTableName),
		registryColl: db.Collection(model.RegistryTableName),
		offlineColl:  db.Collection(model.OfflineQueueTableName),
		deviceColl:   db.Collection(model.DeviceSyncTableName),
		memberColl:   db.Collection(model.ChannelMemberTableName),
	}
}

// AllocateAndCommit 单事务内：$inc current_pts（不存在则按 0 起步 upsert）→
// 插入日志条目 → 插入幂等记录。唯一索引 (channel_id,pts) 与 local_message_id
// 兜底并发；事务回滚即计数器不消耗。
func (s *MongoStore) AllocateAndCommit(ctx context.Context, draft *EntryDraft, serverMsgID string) (*model.CommitEntry, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "start session")
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now()

		var seq model.ChannelSeq
		err := s.seqColl.FindOneAndUpdate(sc,
			bson.M{model.SeqFieldChannelID: draft.ChannelID},
			bson.M{
				"$inc":         bson.M{model.SeqFieldCurrentPts: int64(1)},
				"$set":         bson.M{model.SeqFieldUpdateTime: now},
				"$setOnInsert": bson.M{model.SeqFieldCreateTime: now},
			},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&seq)
		if err != nil {
			return nil, err
		}

		entry := &model.CommitEntry{
			Pts:            seq.CurrentPts,
			ServerMsgID:    serverMsgID,
			LocalMessageID: draft.LocalMessageID,
			ChannelID:      draft.ChannelID,
			EventType:      draft.EventType,
			Content:        draft.Content,
			ServerTS:       now.UnixMilli(),
			SenderID:       draft.SenderID,
		}
		if _, err := s.commitColl.InsertOne(sc, entry); err != nil {
			return nil, err
		}

		rec := &model.RegistryRecord{
			LocalMessageID: draft.LocalMessageID,
			ServerMsgID:    serverMsgID,
			Pts:            entry.Pts,
			ChannelID:      draft.ChannelID,
			SenderID:       draft.SenderID,
			Decision:       model.DecisionAccepted,
			PayloadHash:    draft.PayloadHash,
			CreateTime:     now,
		}
		if _, err := s.registryColl.InsertOne(sc, rec); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*model.CommitEntry), nil
}

func (s *MongoStore) CheckRegistry(ctx context.Context, localMessageID string) (*model.RegistryRecord, error) {
	var rec model.RegistryRecord
	err := s.registryColl.FindOne(ctx,
		bson.M{model.RegFieldLocalMsgID: localMessageID},
	).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) CurrentPts(ctx context.Context, channelID string) (int64, error) {
	var seq model.ChannelSeq
	err := s.seqColl.FindOne(ctx,
		bson.M{model.SeqFieldChannelID: channelID},
		options.FindOne().SetProjection(bson.M{model.SeqFieldCurrentPts: 1}),
	).Decode(&seq)
	if err == mongo.ErrNoDocuments {
		// 未知频道按 0 处理，首次提交时懒创建
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.CurrentPts, nil
}

func (s *MongoStore) BatchCurrentPts(ctx context.Context, channelIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}
	for _, id := range channelIDs {
		out[id] = 0
	}
	cur, err := s.seqColl.Find(ctx,
		bson.M{model.SeqFieldChannelID: bson.M{"$in": channelIDs}},
		options.Find().SetProjection(bson.M{model.SeqFieldChannelID: 1, model.SeqFieldCurrentPts: 1}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		var seq model.ChannelSeq
		if err := cur.Decode(&seq); err != nil {
			return nil, err
		}
		out[seq.ChannelID] = seq.CurrentPts
	}
	return out, cur.Err()
}

func (s *MongoStore) QueryCommits(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.commitColl.Find(ctx,
		bson.M{
			model.CommitFieldChannelID: channelID,
			model.CommitFieldPts:       bson.M{"$gt": afterPts},
		},
		options.Find().
			SetSort(bson.D{{Key: model.CommitFieldPts, Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*model.CommitEntry
	for cur.Next(ctx) {
		var e model.CommitEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, cur.Err()
}

// EnqueueOffline 插入未投递义务；超过每用户上限时裁掉最旧的未投递条目。
// 裁剪丢的只是快路径，正确性由 get_difference 兜底。
func (s *MongoStore) EnqueueOffline(ctx context.Context, userID string, e *model.CommitEntry, now time.Time) error {
	entry := &model.OfflineEntry{
		UserID:      userID,
		ChannelID:   e.ChannelID,
		Pts:         e.Pts,
		ServerMsgID: e.ServerMsgID,
		Delivered:   false,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.OfflineTTL),
	}
	if _, err := s.offlineColl.InsertOne(ctx, entry); err != nil {
		return err
	}

	outstanding := bson.M{model.OffFieldUserID: userID, model.OffFieldDelivered: false}
	cnt, err := s.offlineColl.CountDocuments(ctx, outstanding)
	if err != nil {
		return err
	}
	over := cnt - int64(s.opts.OfflineMax)
	if over <= 0 {
		return nil
	}

	cur, err := s.offlineColl.Find(ctx, outstanding,
		options.Find().
			SetSort(bson.D{{Key: model.OffFieldCreatedAt, Value: 1}, {Key: model.OffFieldPts, Value: 1}}).
			SetLimit(over).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return err
	}
	var rows []bson.M
	if err := cur.All(ctx, &rows); err != nil {
		return err
	}
	ids := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r["_id"])
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.offlineColl.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (s *MongoStore) PendingOffline(ctx context.Context, userID string, limit int) ([]*model.OfflineEntry, error) {
	if limit <= 0 {
		limit = s.opts.OfflineMax
	}
	cur, err := s.offlineColl.Find(ctx,
		bson.M{
			model.OffFieldUserID:    userID,
			model.OffFieldDelivered: false,
			model.OffFieldExpiresAt: bson.M{"$gt": time.Now()},
		},
		options.Find().
			SetSort(bson.D{{Key: model.OffFieldChannelID, Value: 1}, {Key: model.OffFieldPts, Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*model.OfflineEntry
	for cur.Next(ctx) {
		var e model.OfflineEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, cur.Err()
}

func (s *MongoStore) MarkDelivered(ctx context.Context, userID, channelID string, pts int64, at time.Time) error {
	_, err := s.offlineColl.UpdateOne(ctx,
		bson.M{
			model.OffFieldUserID:    userID,
			model.OffFieldChannelID: channelID,
			model.OffFieldPts:       pts,
		},
		bson.M{"$set": bson.M{
			model.OffFieldDelivered:   true,
			model.OffFieldDeliveredAt: at,
		}},
	)
	return err
}

// PurgeExpiredOffline 过期即删，不看投递状态；已投递的也顺带清掉。
func (s *MongoStore) PurgeExpiredOffline(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.offlineColl.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{model.OffFieldExpiresAt: bson.M{"$lte": now}},
		bson.M{model.OffFieldDelivered: true},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) PurgeRegistryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.registryColl.DeleteMany(ctx,
		bson.M{model.RegFieldCreateTime: bson.M{"$lt": cutoff}},
	)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) UpsertDeviceState(ctx context.Context, st *model.DeviceSyncState) error {
	_, err := s.deviceColl.UpdateOne(ctx,
		bson.M{
			model.DevFieldUserID:    st.UserID,
			model.DevFieldDeviceID:  st.DeviceID,
			model.DevFieldChannelID: st.ChannelID,
		},
		bson.M{
			// local_pts/server_pts 只前移，防并发回退
			"$max": bson.M{
				model.DevFieldLocalPts:  st.LocalPts,
				model.DevFieldServerPts: st.ServerPts,
			},
			"$set": bson.M{model.DevFieldLastSyncAt: st.LastSyncAt},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetDeviceState(ctx context.Context, userID, deviceID, channelID string) (*model.DeviceSyncState, error) {
	var st model.DeviceSyncState
	err := s.deviceColl.FindOne(ctx, bson.M{
		model.DevFieldUserID:    userID,
		model.DevFieldDeviceID:  deviceID,
		model.DevFieldChannelID: channelID,
	}).Decode(&st)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AddMember 幂等：重复加入走 upsert，不报错
func (s *MongoStore) AddMember(ctx context.Context, channelID, userID string) error {
	_, err := s.memberColl.UpdateOne(ctx,
		bson.M{model.MemFieldChannelID: channelID, model.MemFieldUserID: userID},
		bson.M{"$setOnInsert": bson.M{model.MemFieldJoinedAt: time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	_, err := s.memberColl.DeleteOne(ctx,
		bson.M{model.MemFieldChannelID: channelID, model.MemFieldUserID: userID},
	)
	return err
}

func (s *MongoStore) Members(ctx context.Context, channelID string) ([]string, error) {
	cur, err := s.memberColl.Find(ctx,
		bson.M{model.MemFieldChannelID: channelID},
		options.Find().SetProjection(bson.M{model.MemFieldUserID: 1}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var m model.ChannelMember
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m.UserID)
	}
	return out, cur.Err()
}

func (s *MongoStore) IsDuplicateKeyErr(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func (s *MongoStore) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var le mongo.ServerError
	if errors.As(err, &le) {
		return le.HasErrorLabel("TransientTransactionError") ||
			le.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}

// EnsureIndexes 幂等建索引：已存在的跳过
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	collections := map[*mongo.Collection][]mongo.IndexModel{
		s.seqColl: {{
			Keys:    bson.D{{Key: model.SeqFieldChannelID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_channel"),
		}},
		s.commitColl: {
			{
				Keys:    bson.D{{Key: model.CommitFieldChannelID, Value: 1}, {Key: model.CommitFieldPts, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_channel_pts"),
			},
			{
				Keys:    bson.D{{Key: model.CommitFieldLocalMsgID, Value: 1}},
				Options: options.Index().SetName("ix_local_msg_id"),
			},
		},
		s.registryColl: {{
			Keys:    bson.D{{Key: model.RegFieldLocalMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_local_msg_id"),
		}},
		s.offlineColl: {
			{
				Keys:    bson.D{{Key: model.OffFieldUserID, Value: 1}, {Key: model.OffFieldDelivered, Value: 1}},
				Options: options.Index().SetName("ix_user_delivered"),
			},
			{
				Keys:    bson.D{{Key: model.OffFieldExpiresAt, Value: 1}},
				Options: options.Index().SetName("ix_expires_at"),
			},
		},
		s.deviceColl: {{
			Keys: bson.D{
				{Key: model.DevFieldUserID, Value: 1},
				{Key: model.DevFieldDeviceID, Value: 1},
				{Key: model.DevFieldChannelID, Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_user_device_channel"),
		}},
		s.memberColl: {{
			Keys:    bson.D{{Key: model.MemFieldChannelID, Value: 1}, {Key: model.MemFieldUserID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_channel_user"),
		}},
	}

	for coll, indexes := range collections {
		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return errors.Wrapf(err, "list indexes for %s", coll.Name())
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}
		for _, idx := range indexes {
			if idx.Options != nil && idx.Options.Name != nil {
				if _, ok := existingNames[*idx.Options.Name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return errors.Wrapf(err, "create index on %s", coll.Name())
			}
		}
	}
	return nil
}

package model

const DeviceSyncTableName = "device_sync_state"

// DeviceSyncState 每 (user, device, channel) 的追赶簿记。
// LocalPts 只推进到实际返回给设备的位置，绝不越过。
type DeviceSyncState struct {
	UserID     string `bson:"user_id"`      // PK1
	DeviceID   string `bson:"device_id"`    // PK2
	ChannelID  string `bson:"channel_id"`   // PK3
	LocalPts   int64  `bson:"local_pts"`    // 设备已应用的最大 pts
	ServerPts  int64  `bson:"server_pts"`   // 上次对账时的频道水位
	LastSyncAt int64  `bson:"last_sync_at"` // Unix ms
}

const (
	DevFieldUserID     = "user_id"
	DevFieldDeviceID   = "device_id"
	DevFieldChannelID  = "channel_id"
	DevFieldLocalPts   = "local_pts"
	DevFieldServerPts  = "server_pts"
	DevFieldLastSyncAt = "last_sync_at"
)

// Gap 待追赶条数
func (s *DeviceSyncState) Gap() int64 {
	if s.ServerPts <= s.LocalPts {
		return 0
	}
	return s.ServerPts - s.LocalPts
}

func (*DeviceSyncState) GetTableName() string { return DeviceSyncTableName }

package errs

// 同步引擎错误码分配：
// 12xx 提交链路；13xx 读链路；14xx 下游（缓存/推送，吞掉不外抛，仅内部分类用）
const (
	ServerInternalError  = 500
	AllocContentionCode  = 1201
	PersistenceCode      = 1202
	DuplicateKeyCode     = 1203
	PayloadMismatchCode  = 1204
	InvalidSubmitCode    = 1205
	InvalidArgumentCode  = 1301
	CacheUnavailableCode = 1401
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "server internal error")

	// ErrAllocContention 发号事务瞬时冲突，重试耗尽后才会抛给调用方；可安全原样重投
	ErrAllocContention = NewCodeError(AllocContentionCode, "pts allocation contention")
	// ErrPersistence 事务已回滚，未消耗 pts；可安全原样重投
	ErrPersistence = NewCodeError(PersistenceCode, "persistence failure")
	// ErrDuplicateKey 唯一索引冲突（幂等键竞争的败者路径，内部消化）
	ErrDuplicateKey = NewCodeError(DuplicateKeyCode, "duplicate key")
	// ErrPayloadMismatch 同一 local_message_id 带不同内容重放
	ErrPayloadMismatch = NewCodeError(PayloadMismatchCode, "local_message_id reused with different payload")
	ErrInvalidSubmit   = NewCodeError(InvalidSubmitCode, "invalid submit request")
	ErrInvalidArgument = NewCodeError(InvalidArgumentCode, "invalid argument")
	// ErrCacheUnavailable 只记日志，不外抛
	ErrCacheUnavailable = NewCodeError(CacheUnavailableCode, "cache unavailable")
)

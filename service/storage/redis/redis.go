package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 同步引擎里 Redis 只承担镜像性质的缓存：频道 pts 低水位键和提交尾窗。
// 连接不可用不影响正确性，消费方统一回源 Mongo。
var (
	once   sync.Once
	client *redis.Client
)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int // <=0 取 64
}

func (c *Config) norm() {
	if c.PoolSize <= 0 {
		c.PoolSize = 64
	}
}

// InitRedis 建连并 ping 验活；进程内只初始化一次
func InitRedis(c Config) error {
	var initErr error
	once.Do(func() {
		c.norm()
		rdb := redis.NewClient(&redis.Options{
			Addr:         c.Addr,
			Password:     c.Password,
			DB:           c.DB,
			PoolSize:     c.PoolSize,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  500 * time.Millisecond, // 缓存路径预算很小，慢了宁可回源
			WriteTimeout: 500 * time.Millisecond,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = err
			_ = rdb.Close()
			return
		}
		client = rdb
	})
	return initErr
}

func GetRedis() *redis.Client {
	if client == nil {
		panic("redis: InitRedis not called")
	}
	return client
}

func CloseRedis() error {
	if client == nil {
		return nil
	}
	return client.Close()
}

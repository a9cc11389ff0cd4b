package cleanup

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/sync/store"
	"PSync/tools/safe"
)

type Config struct {
	Interval          time.Duration
	RegistryRetention time.Duration
}

func (c *Config) norm() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.RegistryRetention <= 0 {
		c.RegistryRetention = 7 * 24 * time.Hour
	}
}

// Job 后台清理：过期/已投递的离线条目、超保留期的幂等注册记录。
// commit_log 不在清理范围内，它是权威历史。
type Job struct {
	st   store.Store
	cfg  Config
	stop chan struct{}
	done chan struct{}
}

func NewJob(st store.Store, cfg Config) *Job {
	cfg.norm()
	return &Job{
		st:   st,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (j *Job) Start() {
	safe.Go(func() {
		defer close(j.done)
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				j.RunOnce(ctx)
				cancel()
			}
		}
	})
}

// RunOnce 跑一轮，返回两类删除量（方便单测断言）。
func (j *Job) RunOnce(ctx context.Context) (offline, registry int64) {
	now := time.Now()

	n, err := j.st.PurgeExpiredOffline(ctx, now)
	if err != nil {
		logger.Warnf("[cleanup] offline purge failed err=%v", err)
	} else {
		offline = n
	}

	m, err := j.st.PurgeRegistryBefore(ctx, now.Add(-j.cfg.RegistryRetention))
	if err != nil {
		logger.Warnf("[cleanup] registry purge failed err=%v", err)
	} else {
		registry = m
	}

	if offline > 0 || registry > 0 {
		logger.Infof("[cleanup] purged offline=%d registry=%d", offline, registry)
	}
	return offline, registry
}

func (j *Job) Stop() {
	close(j.stop)
	<-j.done
}

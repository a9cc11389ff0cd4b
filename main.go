package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"PSync/global/config"
	"PSync/logger"
	"PSync/module/sync/cache"
	"PSync/module/sync/cleanup"
	"PSync/module/sync/diff"
	"PSync/module/sync/fanout"
	"PSync/module/sync/flow"
	"PSync/module/sync/handler"
	"PSync/module/sync/store"
	"PSync/service/gate"
	"PSync/service/kafka"
	"PSync/service/mgo"
	storagerd "PSync/service/storage/redis"
	"PSync/tools/ids"
)

func main() {
	confPath := flag.String("conf", "", "yaml config path (empty = defaults)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := mgo.Init(ctx, cfg.Mongo.URI, cfg.Mongo.Database); err != nil {
		logger.Errorf("mongo init: %v", err)
		os.Exit(1)
	}
	cancel()

	st := store.NewMongoStore(mgo.GetClient(), mgo.GetDB(), store.Options{
		OfflineMax: cfg.Sync.OfflineMax,
		OfflineTTL: cfg.Sync.OfflineTTL,
	})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.EnsureIndexes(ctx); err != nil {
			logger.Errorf("ensure indexes: %v", err)
			os.Exit(1)
		}
		cancel()
	}

	if err := storagerd.InitRedis(storagerd.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}); err != nil {
		logger.Errorf("redis init: %v", err)
		os.Exit(1)
	}
	syncCache := cache.NewRedisCache(storagerd.GetRedis(), cfg.Sync.CacheWindow, cfg.Sync.CacheTTL)

	connMgr := gate.NewManager()

	// Kafka 可选：关掉时 relay 为 nil，fan-out 只走本节点长连接。
	// 开启时每个节点还要订阅总线，把异地节点的提交推给自己持有的连接。
	var relay fanout.Relay
	var busConsumer *kafka.CommitConsumer
	origin := strconv.FormatInt(cfg.NodeID, 10)
	if cfg.Kafka.Enabled {
		if err := kafka.InitKafkaClient(cfg.Kafka.Brokers); err != nil {
			logger.Errorf("kafka init: %v", err)
			os.Exit(1)
		}
		if err := kafka.InitSyncProducerFromClient(); err != nil {
			logger.Errorf("kafka producer init: %v", err)
			os.Exit(1)
		}
		relay = kafka.NewCommitPublisher(cfg.Kafka.Topic, origin)
		busConsumer, err = kafka.StartCommitConsumer(cfg.Kafka.Brokers,
			"psync-gate-"+origin, cfg.Kafka.Topic, origin, st, connMgr, connMgr)
		if err != nil {
			logger.Errorf("kafka consumer init: %v", err)
			os.Exit(1)
		}
	}
	disp := fanout.NewDispatcher(st, st, connMgr, connMgr, relay, fanout.Config{
		Workers: cfg.Sync.FanoutWorkers,
		Queue:   cfg.Sync.FanoutQueue,
	})

	pipeline := flow.NewPipeline(st, syncCache, disp, flow.SnowGen{}, flow.Config{
		GapThreshold: cfg.Sync.GapThreshold,
		AllocRetry:   cfg.Sync.AllocRetry,
		CacheTimeout: cfg.Sync.CacheTimeout,
	})
	reader := diff.NewReader(st, syncCache, diff.Config{Limit: cfg.Sync.DiffLimit})

	sweeper := cleanup.NewJob(st, cleanup.Config{
		Interval:          cfg.Sync.CleanupInterval,
		RegistryRetention: cfg.Sync.RegistryRetention,
	})
	sweeper.Start()

	wsServer := gate.NewServer(connMgr, disp)

	r := gin.New()
	r.Use(gin.Recovery())
	handler.New(pipeline, reader, st).Register(r)
	r.GET("/ws", wsServer.HandleWS)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("sync engine listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http serve: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)

	sweeper.Stop()
	disp.Close()
	connMgr.Close()
	if busConsumer != nil {
		busConsumer.Close()
	}
	kafka.Close()
	_ = storagerd.CloseRedis()
	_ = mgo.Close(shutCtx)
}

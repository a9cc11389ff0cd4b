package mgo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"PSync/tools/errs"
)

type MongoManager struct {
	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

var globalMgr MongoManager

// Init 同步连接（带超时）。提交链路依赖事务，这里统一 majority 读写关注。
func Init(ctx context.Context, uri, database string) error {
	opts := options.Client().
		ApplyURI(uri).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority()).
		SetConnectTimeout(5 * time.Second)

	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errs.WrapMsg(err, "mongo connect", "uri", uri)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		return errs.WrapMsg(err, "mongo ping", "uri", uri)
	}

	globalMgr.mu.Lock()
	globalMgr.client = cli
	globalMgr.db = cli.Database(database)
	globalMgr.mu.Unlock()
	return nil
}

func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.db == nil {
		panic("Mongo not ready: call Init first")
	}
	return globalMgr.db
}

func GetClient() *mongo.Client {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.client == nil {
		panic("Mongo not ready: call Init first")
	}
	return globalMgr.client
}

func TryGetDB() (*mongo.Database, bool) {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.db == nil {
		return nil, false
	}
	return globalMgr.db, true
}

func Close(ctx context.Context) error {
	globalMgr.mu.Lock()
	defer globalMgr.mu.Unlock()
	if globalMgr.client == nil {
		return nil
	}
	err := globalMgr.client.Disconnect(ctx)
	globalMgr.client = nil
	globalMgr.db = nil
	return err
}

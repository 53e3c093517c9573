// Package builders 注册需要网络连接的后端实现（Redis、Milvus、Qdrant）。
// 在入口处 import _ "github.com/rushteam/streamrec/config/builders" 即可通过配置选用。
package builders

import (
	"context"
	"fmt"

	"github.com/rushteam/streamrec/config"
	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/store"
	"github.com/rushteam/streamrec/vector"
)

func init() {
	config.RegisterStore("redis", BuildRedisStore)
	config.RegisterVector("milvus", BuildMilvus)
	config.RegisterVector("qdrant", BuildQdrant)
}

// BuildRedisStore 连接 Redis，二级缓存与画像存储共用同一组连接参数
func BuildRedisStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	if cfg.Backends.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s, err := store.NewRedisStore(ctx, cfg.Backends.Redis)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// BuildMilvus 连接 Milvus
func BuildMilvus(ctx context.Context, cfg *config.Config) (core.VectorDatabaseService, error) {
	m := cfg.Backends.Milvus
	if m.Address == "" {
		return nil, fmt.Errorf("milvus address is required")
	}
	opts := []vector.MilvusOption{vector.WithMilvusDatabase(m.Database)}
	if m.Username != "" {
		opts = append(opts, vector.WithMilvusAuth(m.Username, m.Password))
	}
	s, err := vector.NewMilvusService(ctx, m.Address, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// BuildQdrant 创建 Qdrant 客户端
func BuildQdrant(_ context.Context, cfg *config.Config) (core.VectorDatabaseService, error) {
	if cfg.Backends.Qdrant.Host == "" {
		return nil, fmt.Errorf("qdrant host is required")
	}
	s, err := vector.NewQdrantService(cfg.Backends.Qdrant)
	if err != nil {
		return nil, err
	}
	return s, nil
}

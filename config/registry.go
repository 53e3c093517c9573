package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/store"
)

// 内置只注册内存实现。使用 Redis/Milvus/Qdrant 时，需在 main 或入口处
// import _ "github.com/rushteam/streamrec/config/builders" 以触发其 init 注册。

// VectorBuilder 根据配置创建权威向量存储
type VectorBuilder func(ctx context.Context, cfg *Config) (core.VectorDatabaseService, error)

// StoreBuilder 根据配置创建 KV 存储（二级缓存或画像存储）
type StoreBuilder func(ctx context.Context, cfg *Config) (core.Store, error)

// StoreNone 表示不使用二级缓存
const StoreNone = "none"

var (
	registryMu     sync.RWMutex
	vectorBuilders = make(map[string]VectorBuilder)
	storeBuilders  = make(map[string]StoreBuilder)
)

func init() {
	RegisterVector("memory", func(context.Context, *Config) (core.VectorDatabaseService, error) {
		return store.NewMemoryVectorService(), nil
	})
	RegisterStore("memory", func(context.Context, *Config) (core.Store, error) {
		return store.NewMemoryStore(), nil
	})
}

// RegisterVector 注册一种向量存储实现，重复注册时后者覆盖前者
func RegisterVector(name string, builder VectorBuilder) {
	if name == "" || builder == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	vectorBuilders[name] = builder
}

// RegisterStore 注册一种 KV 存储实现
func RegisterStore(name string, builder StoreBuilder) {
	if name == "" || name == StoreNone || builder == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	storeBuilders[name] = builder
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SupportedVectors 返回已注册的向量存储类型（排序）
func SupportedVectors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(vectorBuilders)
}

// SupportedStores 返回已注册的 KV 存储类型（排序）
func SupportedStores() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(storeBuilders)
}

func validateBackends(b *BackendConfig) error {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if _, ok := vectorBuilders[b.Vector]; !ok {
		return invalid("unsupported vector backend %q (supported: %v)", b.Vector, sortedKeys(vectorBuilders))
	}
	if _, ok := storeBuilders[b.Cache]; !ok && b.Cache != StoreNone {
		return invalid("unsupported cache backend %q (supported: %v)", b.Cache, sortedKeys(storeBuilders))
	}
	if _, ok := storeBuilders[b.Profile]; !ok {
		return invalid("unsupported profile backend %q (supported: %v)", b.Profile, sortedKeys(storeBuilders))
	}
	return nil
}

// BuildVector 创建配置选定的权威向量存储
func (c *Config) BuildVector(ctx context.Context) (core.VectorDatabaseService, error) {
	registryMu.RLock()
	builder, ok := vectorBuilders[c.Backends.Vector]
	registryMu.RUnlock()
	if !ok {
		return nil, invalid("unsupported vector backend %q", c.Backends.Vector)
	}
	svc, err := builder(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("build vector backend %s: %w", c.Backends.Vector, err)
	}
	return svc, nil
}

// BuildStore 创建指定类型的 KV 存储。name 为 "none" 时返回 nil
func (c *Config) BuildStore(ctx context.Context, name string) (core.Store, error) {
	if name == StoreNone {
		return nil, nil
	}
	registryMu.RLock()
	builder, ok := storeBuilders[name]
	registryMu.RUnlock()
	if !ok {
		return nil, invalid("unsupported store backend %q", name)
	}
	s, err := builder(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("build store %s: %w", name, err)
	}
	return s, nil
}

// OpenAudit 打开审计存储。未配置路径时返回 nil
func (c *Config) OpenAudit() (core.AuditStore, error) {
	if c.Backends.Audit.Path == "" {
		return nil, nil
	}
	a, err := store.OpenSQLiteAudit(c.Backends.Audit)
	if err != nil {
		return nil, err
	}
	return a, nil
}

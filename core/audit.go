package core

import "context"

// AuditStore 是审计/备份用的持久化存储，不在服务读写热路径上。
type AuditStore interface {
	RecordAction(ctx context.Context, action UserAction) error
	RecordProfile(ctx context.Context, profile *UserProfile) error
	Close() error
}

package core

import (
	"errors"
	"fmt"
)

// DomainError 是领域层的统一错误类型。
//
// 设计原则：
//   - 所有对外暴露的错误都使用此类型，调用方通过 Code 判断错误种类
//   - Module 标识产生错误的模块，Stage 标识失败的处理阶段（用于排查问题）
//   - Err 保存底层错误，支持 errors.Is / errors.As 链式判断
//
// 错误种类：
//   - INVALID_INPUT：输入不合法（维度不匹配、字段缺失），在任何状态变更之前拒绝
//   - NOT_FOUND：用户/物品不存在
//   - JOIN_MISS：行为在重试窗口内未能关联到物品特征
//   - TIMEOUT：下游调用超时
//   - CONFLICT：同 key 并发更新冲突，仅内部使用，不会返回给调用方
type DomainError struct {
	Code    string // 错误代码（如 "NOT_FOUND", "TIMEOUT"）
	Message string // 错误消息
	Module  string // 模块名称（如 "embedding", "vector", "cache"）
	Stage   string // 失败阶段（如 "profile", "search"）
	Err     error  // 底层错误
}

func (e *DomainError) Error() string {
	msg := e.Module
	if e.Stage != "" {
		msg += "/" + e.Stage
	}
	if msg != "" {
		msg += ": "
	}
	msg += e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is 按错误代码匹配。target 的 Module 为空时匹配任意模块。
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Module == "" || t.Module == e.Module
}

// WithStage 返回带有阶段信息的副本，原错误不变。
func (e *DomainError) WithStage(stage string) *DomainError {
	cp := *e
	cp.Stage = stage
	return &cp
}

// IsDomainError 检查错误是否为 DomainError 类型
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError 获取错误链中的 DomainError，如果不存在则返回 nil
func GetDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// NewDomainError 创建新的领域错误
func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
	}
}

// Errorf 创建带格式化消息的领域错误
func Errorf(module, code, format string, args ...any) *DomainError {
	return NewDomainError(module, code, fmt.Sprintf(format, args...))
}

// WrapError 用领域错误包装底层错误。err 本身已是 DomainError 时保留其错误代码。
func WrapError(module, stage string, err error) error {
	if err == nil {
		return nil
	}
	if de := GetDomainError(err); de != nil {
		cp := *de
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	return &DomainError{
		Module:  module,
		Code:    ErrorCodeInternalError,
		Stage:   stage,
		Message: "unexpected failure",
		Err:     err,
	}
}

// 错误代码常量
const (
	ErrorCodeInvalidInput  = "INVALID_INPUT"  // 输入无效
	ErrorCodeNotFound      = "NOT_FOUND"      // 资源不存在
	ErrorCodeJoinMiss      = "JOIN_MISS"      // 流关联失败
	ErrorCodeTimeout       = "TIMEOUT"        // 下游超时
	ErrorCodeConflict      = "CONFLICT"       // 并发冲突（内部）
	ErrorCodeUnavailable   = "UNAVAILABLE"    // 服务不可用
	ErrorCodeInternalError = "INTERNAL_ERROR" // 内部错误
)

// 模块名称常量
const (
	ModuleStore     = "store"
	ModuleEmbedding = "embedding"
	ModuleVector    = "vector"
	ModuleCache     = "cache"
	ModuleProfile   = "profile"
	ModuleFeature   = "feature"
	ModuleStream    = "stream"
	ModuleEngine    = "engine"
	ModuleConfig    = "config"
)

// 哨兵错误，用于 errors.Is 判断（不限定模块）
var (
	ErrValidation  = &DomainError{Code: ErrorCodeInvalidInput, Message: "invalid input"}
	ErrNotFound    = &DomainError{Code: ErrorCodeNotFound, Message: "not found"}
	ErrJoinMiss    = &DomainError{Code: ErrorCodeJoinMiss, Message: "join miss"}
	ErrTimeout     = &DomainError{Code: ErrorCodeTimeout, Message: "timeout"}
	ErrUnavailable = &DomainError{Code: ErrorCodeUnavailable, Message: "unavailable"}
)

// IsValidation 检查错误是否为 INVALID_INPUT
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound 检查错误是否为 NOT_FOUND
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsJoinMiss 检查错误是否为 JOIN_MISS
func IsJoinMiss(err error) bool { return errors.Is(err, ErrJoinMiss) }

// IsTimeout 检查错误是否为 TIMEOUT
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsUnavailable 检查错误是否为 UNAVAILABLE
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

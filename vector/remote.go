package vector

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rushteam/streamrec/core"
)

// remoteErr 把 Milvus/Qdrant 客户端返回的 gRPC 状态映射为领域错误代码，
// 使上层可以区分超时、不可用与调用方错误。
func remoteErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	code := core.ErrorCodeInternalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = core.ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		code = core.ErrorCodeUnavailable
	default:
		if st, ok := status.FromError(err); ok {
			code = grpcCode(st.Code())
		}
	}
	return &core.DomainError{
		Module:  core.ModuleVector,
		Code:    code,
		Stage:   stage,
		Message: stage + " failed",
		Err:     err,
	}
}

func grpcCode(c codes.Code) string {
	switch c {
	case codes.DeadlineExceeded:
		return core.ErrorCodeTimeout
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return core.ErrorCodeUnavailable
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return core.ErrorCodeInvalidInput
	case codes.NotFound:
		return core.ErrorCodeNotFound
	case codes.AlreadyExists:
		return core.ErrorCodeConflict
	default:
		return core.ErrorCodeInternalError
	}
}

package grpcnet

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnaryClient logs method, code and duration of every call. Payloads are never logged.
func LoggingUnaryClient(log *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		log.Info("grpc call",
			zap.String("method", method),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
		)
		return err
	}
}

// RecoverUnaryClient turns a panic below it into codes.Internal.
func RecoverUnaryClient(log *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", method),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Package rpc serves the request core over gRPC. Requests and results travel
// as google.protobuf.Struct and google.protobuf.Value, so the service needs no
// generated code.
package rpc

import (
	"CustomDetServe/logger"
	"CustomDetServe/serve"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "detserve.v1.DetServe"

const (
	// CodeKey is the trailer that carries the failure code.
	CodeKey      = "x-error-code"
	RequestIDKey = "x-request-id"
)

// rpcNames maps request core methods to their rpc names.
var rpcNames = map[string]string{
	serve.MethodGetOutputClassesAndTags:    "GetOutputClassesAndTags",
	serve.MethodGetCustomInferenceSettings: "GetCustomInferenceSettings",
	serve.MethodGetSessionInfo:             "GetSessionInfo",
	serve.MethodInferenceImageURL:          "InferenceImageURL",
	serve.MethodInferenceImageID:           "InferenceImageID",
	serve.MethodInferenceBatchIDs:          "InferenceBatchIDs",
	serve.MethodInferenceImage:             "InferenceImage",
}

var grpcCodes = map[string]codes.Code{
	serve.CodeUnsupportedInput: codes.InvalidArgument,
	serve.CodeValidation:       codes.InvalidArgument,
	serve.CodeSchemaMismatch:   codes.FailedPrecondition,
	serve.CodeNotFound:         codes.NotFound,
	serve.CodeFetchFailed:      codes.Unavailable,
	serve.CodeInternal:         codes.Internal,
}

// DetServeServer is the handler type of the service description.
type DetServeServer interface {
	Call(ctx context.Context, method string, state *structpb.Struct) (*structpb.Value, error)
}

type Server struct {
	svc *serve.Service
}

func NewServer(svc *serve.Service) *Server {
	return &Server{svc: svc}
}

// Call decodes the state, runs the method and encodes its result.
func (s *Server) Call(ctx context.Context, method string, state *structpb.Struct) (*structpb.Value, error) {
	var req serve.Request
	if err := decodeState(state, &req); err != nil {
		return nil, s.fail(ctx, &serve.Failure{Message: err.Error(), Code: serve.CodeUnsupportedInput})
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDKey); len(ids) > 0 {
			ctx = serve.WithRequestID(ctx, ids[0])
		}
	}
	res, fail := s.svc.Handle(ctx, method, req)
	if fail != nil {
		return nil, s.fail(ctx, fail)
	}
	v, err := toValue(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return v, nil
}

func (s *Server) fail(ctx context.Context, f *serve.Failure) error {
	_ = grpc.SetTrailer(ctx, metadata.Pairs(CodeKey, f.Code))
	return status.Error(grpcCodes[f.Code], f.Message)
}

func decodeState(state *structpb.Struct, req *serve.Request) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, req)
}

func toValue(res any) (*structpb.Value, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return structpb.NewValue(plain)
}

func methodHandler(method, rpcName string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(DetServeServer).Call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + rpcName,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(DetServeServer).Call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc lists one unary rpc per request core method.
func ServiceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*DetServeServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "detserve.proto",
	}
	for _, method := range serve.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: rpcNames[method],
			Handler:    methodHandler(method, rpcNames[method]),
		})
	}
	return desc
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Log().Info("gRPC request",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, err
}

// NewGRPCServer registers the service and the standard health service.
func NewGRPCServer(svc *serve.Service) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(logInterceptor))
	s.RegisterService(ServiceDesc(), NewServer(svc))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, svc *serve.Service) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := NewGRPCServer(svc)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

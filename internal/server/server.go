// Package server 以 gRPC 提供派工系統的對外 API
//
// 服務沒有產生的 pb 程式碼：ServiceDesc 手寫，請求與回應一律使用
// google.protobuf.Struct，內容與 REST API 的 JSON 相同。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ServiceName gRPC 服務全名
const ServiceName = "labordispatch.v1.DispatchService"

// Service gRPC 方法使用的排程器操作
type Service interface {
	PostJob(ctx context.Context, in dispatch.NewJob) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	Accept(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
	Decline(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID, by, reason string) (*types.Job, error)
	MarkAttendance(ctx context.Context, id types.JobID) (*types.Job, error)
	MarkPaid(ctx context.Context, id types.JobID) (*types.Job, error)
	Stats(ctx context.Context) dispatch.Stats
}

// JobRequest 以工作 ID 為主的請求
type JobRequest struct {
	JobID  types.JobID `json:"job_id"`
	Phone  string      `json:"phone,omitempty"`
	By     string      `json:"by,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// DispatchServer 手寫 ServiceDesc 的處理器型別
type DispatchServer interface {
	PostJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Accept(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Decline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MarkAttendance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MarkPaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type method func(DispatchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DispatchServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispatchServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc DispatchService 描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PostJob", DispatchServer.PostJob),
		unary("GetJob", DispatchServer.GetJob),
		unary("Accept", DispatchServer.Accept),
		unary("Decline", DispatchServer.Decline),
		unary("Cancel", DispatchServer.Cancel),
		unary("MarkAttendance", DispatchServer.MarkAttendance),
		unary("MarkPaid", DispatchServer.MarkPaid),
		unary("Stats", DispatchServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "labordispatch/v1/dispatch.proto",
}

// Server 實作 DispatchServer
type Server struct {
	service Service
}

var _ DispatchServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(service Service) *Server {
	return &Server{service: service}
}

// Register 將服務掛到 grpc.Server
func Register(g *grpc.Server, s *Server) {
	g.RegisterService(&ServiceDesc, s)
}

// LoggingInterceptor 記錄每次呼叫的方法、耗時與錯誤碼
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// PostJob handles job submission from contractors.
func (s *Server) PostJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in dispatch.NewJob
	if err := FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return jobReply(s.service.PostJob(ctx, in))
}

func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.GetJob(ctx, r.JobID))
}

func (s *Server) Accept(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.Accept(ctx, r.JobID, r.Phone))
}

func (s *Server) Decline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.Decline(ctx, r.JobID, r.Phone))
}

func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.Cancel(ctx, r.JobID, r.By, r.Reason))
}

func (s *Server) MarkAttendance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.MarkAttendance(ctx, r.JobID))
}

func (s *Server) MarkPaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := jobRequest(req)
	if err != nil {
		return nil, err
	}
	return jobReply(s.service.MarkPaid(ctx, r.JobID))
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := ToStruct(s.service.Stats(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Helpers

func jobRequest(req *structpb.Struct) (JobRequest, error) {
	var r JobRequest
	if err := FromStruct(req, &r); err != nil {
		return r, status.Error(codes.InvalidArgument, err.Error())
	}
	if r.JobID == "" {
		return r, status.Error(codes.InvalidArgument, "job_id is required")
	}
	return r, nil
}

func jobReply(job *types.Job, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	out, err := ToStruct(job)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ToStatus 將領域錯誤對應到 gRPC 狀態
func ToStatus(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrInvalidJob), errors.Is(err, dispatch.ErrInvalidWorker):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobstore.ErrConflict):
		return status.Error(codes.FailedPrecondition, "job no longer available")
	case errors.Is(err, dispatch.ErrWorkerBusy):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, dispatch.ErrNotOffered):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ToStruct 透過 JSON 將 Go 值轉成 Struct
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct 透過 JSON 將 Struct 轉回 Go 值
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

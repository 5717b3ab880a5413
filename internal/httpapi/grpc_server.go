package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"yardops.org/internal/auth"
	"yardops.org/internal/obs"
	"yardops.org/internal/permissions"
)

const permissionServiceName = "yardops.permissions.v1.PermissionService"

// PermissionServiceServer is the gRPC face of the engine. Requests and
// responses are google.protobuf.Struct values shaped like the HTTP bodies
// of /v1/check and /v1/mask.
type PermissionServiceServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Mask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var PermissionServiceDesc = grpc.ServiceDesc{
	ServiceName: permissionServiceName,
	HandlerType: (*PermissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler("Check", PermissionServiceServer.Check)},
		{MethodName: "Mask", Handler: unaryHandler("Mask", PermissionServiceServer.Mask)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "yardops/permissions/v1/permissions.proto",
}

func unaryHandler(method string, call func(PermissionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + permissionServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PermissionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PermissionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements PermissionService and the standard health service.
type GRPCServer struct {
	engine  *permissions.Engine
	service *permissions.Service
	health  *healthServer
}

var _ PermissionServiceServer = (*GRPCServer)(nil)

func NewGRPCServer(engine *permissions.Engine, service *permissions.Service, r readinessChecker) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		engine:  engine,
		service: service,
		health:  &healthServer{readiness: r},
	}
}

// Register attaches both services to s.
func (g *GRPCServer) Register(s *grpc.Server) {
	s.RegisterService(&PermissionServiceDesc, g)
	healthpb.RegisterHealthServer(s, g.health)
}

// AuthInterceptor validates the bearer token in the authorization metadata
// for every method except the health service.
func AuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	token, err := extractBearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return nil, status.Error(codes.Internal, "authentication error")
	}
	ctx = auth.ContextWithIdentity(ctx, claims.Identity())
	ctx = auth.ContextWithToken(ctx, token)
	return handler(ctx, req)
}

func (g *GRPCServer) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, subject, ac, err := g.resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if req.Action == "" {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}
	d, err := g.engine.Check(ctx, subject, permissions.Request{
		Module:  req.Module,
		Action:  req.Action,
		Record:  req.Record,
		Fields:  req.Fields,
		Context: ac,
	})
	if err != nil {
		if d.Reason != permissions.ReasonPolicyError {
			return nil, toStatus(err)
		}
		obs.Logger().ErrorContext(ctx, "guard evaluation failed", "error", err)
	}
	return structFrom(d)
}

func (g *GRPCServer) Mask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, subject, _, err := g.resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if req.Record == nil {
		return nil, status.Error(codes.InvalidArgument, "record is required")
	}
	masked, fields, err := g.engine.Mask(ctx, subject, req.Module, req.Record)
	if err != nil {
		return nil, toStatus(err)
	}
	return structFrom(maskResponse{Record: masked, MaskedFields: fields})
}

func (g *GRPCServer) resolve(ctx context.Context, in *structpb.Struct) (decisionRequest, permissions.Subject, permissions.AccessContext, error) {
	var req decisionRequest
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return req, permissions.Subject{}, permissions.AccessContext{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, permissions.Subject{}, permissions.AccessContext{}, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Module = strings.TrimSpace(req.Module)
	req.Action = strings.TrimSpace(req.Action)
	if req.Module == "" {
		return req, permissions.Subject{}, permissions.AccessContext{}, status.Error(codes.InvalidArgument, "module is required")
	}

	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return req, permissions.Subject{}, permissions.AccessContext{}, status.Error(codes.Unauthenticated, "authentication required")
	}
	subject, err := g.service.LoadSubject(ctx, subjectFor(id))
	if err != nil {
		return req, permissions.Subject{}, permissions.AccessContext{}, toStatus(err)
	}
	ac := grpcAccessContext(ctx, id)
	if req.Subject == nil && req.Context == nil {
		return req, subject, ac, nil
	}

	d, err := g.engine.Check(ctx, subject, permissions.Request{Module: adminModule, Action: adminAction, Context: ac})
	if err != nil && d.Reason != permissions.ReasonPolicyError {
		return req, permissions.Subject{}, permissions.AccessContext{}, toStatus(err)
	}
	if !d.Allowed {
		return req, permissions.Subject{}, permissions.AccessContext{}, status.Errorf(codes.PermissionDenied, "evaluating other subjects requires %s.%s", adminModule, adminAction)
	}
	if req.Context != nil {
		ac = *req.Context
	}
	if req.Subject != nil {
		subject, err = g.service.LoadSubject(ctx, permissions.Subject{
			UserID:       strings.TrimSpace(req.Subject.UserID),
			Role:         strings.ToLower(strings.TrimSpace(req.Subject.Role)),
			YardID:       strings.TrimSpace(req.Subject.YardID),
			DepartmentID: strings.TrimSpace(req.Subject.DepartmentID),
		})
		if err != nil {
			return req, permissions.Subject{}, permissions.AccessContext{}, toStatus(err)
		}
	}
	return req, subject, ac, nil
}

func grpcAccessContext(ctx context.Context, id auth.Identity) permissions.AccessContext {
	ac := permissions.AccessContext{MFAVerified: id.MFA, YardID: id.YardID}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			ac.IP = host
		}
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get("x-device-type"); len(v) > 0 {
		ac.DeviceType = strings.ToLower(strings.TrimSpace(v[0]))
	}
	return ac
}

func structFrom(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, permissions.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, trimSentinel(err))
	case errors.Is(err, permissions.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, permissions.ErrConflict):
		return status.Error(codes.AlreadyExists, trimSentinel(err))
	case errors.Is(err, permissions.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "forbidden")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

type healthServer struct {
	healthpb.UnimplementedHealthServer
	readiness readinessChecker
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (h *healthServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

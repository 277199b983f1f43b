package agentpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ComplianceAgent_Register_FullMethodName        = "/compliance.ComplianceAgent/Register"
	ComplianceAgent_ReportDrift_FullMethodName     = "/compliance.ComplianceAgent/ReportDrift"
	ComplianceAgent_ReportHealing_FullMethodName   = "/compliance.ComplianceAgent/ReportHealing"
	ComplianceAgent_Heartbeat_FullMethodName       = "/compliance.ComplianceAgent/Heartbeat"
	ComplianceAgent_ReportRMMStatus_FullMethodName = "/compliance.ComplianceAgent/ReportRMMStatus"
)

// ComplianceAgentClient is the client API for the ComplianceAgent service.
type ComplianceAgentClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	ReportDrift(ctx context.Context, opts ...grpc.CallOption) (ComplianceAgent_ReportDriftClient, error)
	ReportHealing(ctx context.Context, in *HealingResult, opts ...grpc.CallOption) (*HealingAck, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	ReportRMMStatus(ctx context.Context, in *RMMStatusReport, opts ...grpc.CallOption) (*RMMAck, error)
}

type complianceAgentClient struct {
	cc grpc.ClientConnInterface
}

func NewComplianceAgentClient(cc grpc.ClientConnInterface) ComplianceAgentClient {
	return &complianceAgentClient{cc}
}

func (c *complianceAgentClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, ComplianceAgent_Register_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *complianceAgentClient) ReportDrift(ctx context.Context, opts ...grpc.CallOption) (ComplianceAgent_ReportDriftClient, error) {
	stream, err := c.cc.NewStream(ctx, &ComplianceAgent_ServiceDesc.Streams[0], ComplianceAgent_ReportDrift_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &complianceAgentReportDriftClient{stream}, nil
}

// ComplianceAgent_ReportDriftClient is the client side of the bidirectional
// drift stream.
type ComplianceAgent_ReportDriftClient interface {
	Send(*DriftEvent) error
	Recv() (*DriftAck, error)
	grpc.ClientStream
}

type complianceAgentReportDriftClient struct {
	grpc.ClientStream
}

func (x *complianceAgentReportDriftClient) Send(m *DriftEvent) error {
	return x.ClientStream.SendMsg(m)
}

func (x *complianceAgentReportDriftClient) Recv() (*DriftAck, error) {
	m := new(DriftAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *complianceAgentClient) ReportHealing(ctx context.Context, in *HealingResult, opts ...grpc.CallOption) (*HealingAck, error) {
	out := new(HealingAck)
	if err := c.cc.Invoke(ctx, ComplianceAgent_ReportHealing_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *complianceAgentClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, ComplianceAgent_Heartbeat_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *complianceAgentClient) ReportRMMStatus(ctx context.Context, in *RMMStatusReport, opts ...grpc.CallOption) (*RMMAck, error) {
	out := new(RMMAck)
	if err := c.cc.Invoke(ctx, ComplianceAgent_ReportRMMStatus_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ComplianceAgentServer is the server API for the ComplianceAgent service.
// Implementations must embed UnimplementedComplianceAgentServer.
type ComplianceAgentServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	ReportDrift(ComplianceAgent_ReportDriftServer) error
	ReportHealing(context.Context, *HealingResult) (*HealingAck, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	ReportRMMStatus(context.Context, *RMMStatusReport) (*RMMAck, error)
	mustEmbedUnimplementedComplianceAgentServer()
}

// UnimplementedComplianceAgentServer must be embedded for forward
// compatibility.
type UnimplementedComplianceAgentServer struct{}

func (UnimplementedComplianceAgentServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Register not implemented")
}

func (UnimplementedComplianceAgentServer) ReportDrift(ComplianceAgent_ReportDriftServer) error {
	return status.Errorf(codes.Unimplemented, "method ReportDrift not implemented")
}

func (UnimplementedComplianceAgentServer) ReportHealing(context.Context, *HealingResult) (*HealingAck, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ReportHealing not implemented")
}

func (UnimplementedComplianceAgentServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Heartbeat not implemented")
}

func (UnimplementedComplianceAgentServer) ReportRMMStatus(context.Context, *RMMStatusReport) (*RMMAck, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ReportRMMStatus not implemented")
}

func (UnimplementedComplianceAgentServer) mustEmbedUnimplementedComplianceAgentServer() {}

func RegisterComplianceAgentServer(s grpc.ServiceRegistrar, srv ComplianceAgentServer) {
	s.RegisterService(&ComplianceAgent_ServiceDesc, srv)
}

func _ComplianceAgent_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceAgentServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ComplianceAgent_Register_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceAgentServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ComplianceAgent_ReportDrift_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ComplianceAgentServer).ReportDrift(&complianceAgentReportDriftServer{stream})
}

// ComplianceAgent_ReportDriftServer is the server side of the bidirectional
// drift stream.
type ComplianceAgent_ReportDriftServer interface {
	Send(*DriftAck) error
	Recv() (*DriftEvent, error)
	grpc.ServerStream
}

type complianceAgentReportDriftServer struct {
	grpc.ServerStream
}

func (x *complianceAgentReportDriftServer) Send(m *DriftAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *complianceAgentReportDriftServer) Recv() (*DriftEvent, error) {
	m := new(DriftEvent)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _ComplianceAgent_ReportHealing_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealingResult)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceAgentServer).ReportHealing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ComplianceAgent_ReportHealing_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceAgentServer).ReportHealing(ctx, req.(*HealingResult))
	}
	return interceptor(ctx, in, info, handler)
}

func _ComplianceAgent_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceAgentServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ComplianceAgent_Heartbeat_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceAgentServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ComplianceAgent_ReportRMMStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RMMStatusReport)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceAgentServer).ReportRMMStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ComplianceAgent_ReportRMMStatus_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceAgentServer).ReportRMMStatus(ctx, req.(*RMMStatusReport))
	}
	return interceptor(ctx, in, info, handler)
}

// ComplianceAgent_ServiceDesc is the grpc.ServiceDesc for the
// ComplianceAgent service. Handlers resolve message types through the
// struct tags in this package, so the wire format tracks
// proto/compliance_agent.proto.
var ComplianceAgent_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "compliance.ComplianceAgent",
	HandlerType: (*ComplianceAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    _ComplianceAgent_Register_Handler,
		},
		{
			MethodName: "ReportHealing",
			Handler:    _ComplianceAgent_ReportHealing_Handler,
		},
		{
			MethodName: "Heartbeat",
			Handler:    _ComplianceAgent_Heartbeat_Handler,
		},
		{
			MethodName: "ReportRMMStatus",
			Handler:    _ComplianceAgent_ReportRMMStatus_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReportDrift",
			Handler:       _ComplianceAgent_ReportDrift_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/compliance_agent.proto",
}

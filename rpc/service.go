package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ParticipantServiceName = "ceremony.v1.ParticipantService"
	AdminServiceName       = "ceremony.v1.AdminService"
)

// ParticipantServer is the participant facing API.
type ParticipantServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	RequestChunk(context.Context, *RequestChunkRequest) (*RequestChunkResponse, error)
	SubmitContribution(context.Context, *SubmitContributionRequest) (*SubmitContributionResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Transcript(context.Context, *TranscriptRequest) (*TranscriptResponse, error)
	Audit(context.Context, *AuditRequest) (*AuditResponse, error)
}

// AdminServer runs operator commands.
type AdminServer interface {
	RunCommand(context.Context, *RunCommandRequest) (*RunCommandResponse, error)
	ListCommands(context.Context, *ListCommandsRequest) (*ListCommandsResponse, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var participantServiceDesc = grpc.ServiceDesc{
	ServiceName: ParticipantServiceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ParticipantServiceName, "Join", ParticipantServer.Join),
		unary(ParticipantServiceName, "RequestChunk", ParticipantServer.RequestChunk),
		unary(ParticipantServiceName, "SubmitContribution", ParticipantServer.SubmitContribution),
		unary(ParticipantServiceName, "Status", ParticipantServer.Status),
		unary(ParticipantServiceName, "Transcript", ParticipantServer.Transcript),
		unary(ParticipantServiceName, "Audit", ParticipantServer.Audit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ceremony/v1/participant",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "RunCommand", AdminServer.RunCommand),
		unary(AdminServiceName, "ListCommands", AdminServer.ListCommands),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ceremony/v1/admin",
}

func RegisterParticipantServer(s grpc.ServiceRegistrar, srv ParticipantServer) {
	s.RegisterService(&participantServiceDesc, srv)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

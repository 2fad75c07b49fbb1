package proto

import (
	"google.golang.org/grpc"
)

// FarmServer serves connections of workers and clients.
type FarmServer interface {
	Connect(grpc.ServerStream) error
}

// ConnectMethod is the full name of the stream method.
const ConnectMethod = "/grade.Farm/Connect"

// FarmServiceDesc describes the farm service to gRPC.
// A connection is one bidirectional stream of Messages.
var FarmServiceDesc = grpc.ServiceDesc{
	ServiceName: "grade.Farm",
	HandlerType: (*FarmServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "grade",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FarmServer).Connect(stream)
}

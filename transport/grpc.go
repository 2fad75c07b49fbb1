package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/imagvfx/grade/proto"
)

// SecretHeader is the metadata key carrying the shared secret.
const SecretHeader = "x-grade-secret"

type stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

type grpcConn struct {
	sendMu sync.Mutex
	s      stream
	addr   string
	close  func() error
}

func (c *grpcConn) Send(m *proto.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.s.SendMsg(m)
}

func (c *grpcConn) Recv() (*proto.Message, error) {
	m := new(proto.Message)
	err := c.s.RecvMsg(m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *grpcConn) Close() error {
	return c.close()
}

func (c *grpcConn) Context() context.Context {
	return c.s.Context()
}

func (c *grpcConn) RemoteAddr() string {
	return c.addr
}

// Dial connects to a farm at addr.
// The connection is closed when ctx is done.
func Dial(ctx context.Context, addr, secret string) (Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	if secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SecretHeader, secret)
	}
	cs, err := cc.NewStream(ctx, &proto.FarmServiceDesc.Streams[0], proto.ConnectMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("connect %v: %w", addr, err)
	}
	c := &grpcConn{
		s:    cs,
		addr: addr,
	}
	var once sync.Once
	c.close = func() error {
		var err error
		once.Do(func() {
			c.sendMu.Lock()
			cs.CloseSend()
			c.sendMu.Unlock()
			cancel()
			err = cc.Close()
		})
		return err
	}
	return c, nil
}

// Handler serves a connection until it ends.
type Handler func(Conn) error

type farmServer struct {
	handle Handler
}

func (s *farmServer) Connect(ss grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(ss.Context())
	defer cancel()
	addr := ""
	if p, ok := peer.FromContext(ctx); ok {
		addr = p.Addr.String()
	}
	c := &grpcConn{
		s:    serverStream{ss, ctx},
		addr: addr,
		close: func() error {
			cancel()
			return nil
		},
	}
	return s.handle(c)
}

// serverStream reports a context that is also done when the handler closes the connection.
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s serverStream) Context() context.Context {
	return s.ctx
}

// NewServer creates a gRPC server handing every connection to h.
// When secret isn't empty, peers must present it.
func NewServer(secret string, h Handler) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(proto.Codec{}),
	}
	if secret != "" {
		opts = append(opts, grpc.StreamInterceptor(checkSecret(secret)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&proto.FarmServiceDesc, &farmServer{handle: h})
	return srv
}

func checkSecret(secret string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		got := md.Get(SecretHeader)
		if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(secret)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid secret")
		}
		return handler(srv, ss)
	}
}

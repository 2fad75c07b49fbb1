// Package transport carries protocol messages between the farm and its peers.
package transport

import (
	"context"

	"github.com/imagvfx/grade/proto"
)

// Conn is a connection to a peer.
//
// Send may be called from several goroutines at once.
// Recv should be called from one goroutine only.
type Conn interface {
	Send(m *proto.Message) error
	Recv() (*proto.Message, error)
	Close() error

	// Context is done when the connection is closed.
	Context() context.Context

	// RemoteAddr is the address of the peer, if known.
	RemoteAddr() string
}

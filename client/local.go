package client

import (
	"context"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/server"
	"github.com/imagvfx/grade/transport"
)

// Local runs a server for farm with n workers in this process and connects
// a client to it. Closing the client stops all of them.
func Local(farm *grade.Farm, n int, sb sandbox.Sandbox) (*Client, error) {
	srv := server.New(farm)
	ctx, cancel := context.WithCancel(context.Background())
	workers := srv.StartLocalWorkers(ctx, n, sb)
	stop := func() {
		srv.Shutdown()
		cancel()
		workers.Wait()
	}
	a, b := transport.Pipe()
	go srv.Serve(a)
	c, err := New(b, "local", farm.Store())
	if err != nil {
		stop()
		return nil, err
	}
	c.stop = stop
	return c, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/transport"
	"github.com/imagvfx/grade/worker"
)

// StartLocalWorkers runs n workers in this process, connected through pipes.
// They share the farm's store, so no file is copied.
// The returned WaitGroup is done when all of them have stopped after ctx is done.
func (s *Server) StartLocalWorkers(ctx context.Context, n int, sb sandbox.Sandbox) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		a, b := transport.Pipe()
		go s.Serve(a)
		w := &worker.Worker{
			Name:    fmt.Sprintf("local-%d", i),
			Store:   s.Store,
			Sandbox: sb,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Run(ctx, b)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("worker", w.Name).Msg("local worker stopped")
			}
		}()
	}
	return &wg
}

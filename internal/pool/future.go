package pool

import (
	"context"

	"github.com/chatmesh/meshd/internal/protocol"
)

// Future is the pending result of an asynchronous send.
type Future struct {
	done chan struct{}
	resp *protocol.Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp *protocol.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the send finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the send finishes.
func (f *Future) Result() (*protocol.Response, error) {
	<-f.done
	return f.resp, f.err
}

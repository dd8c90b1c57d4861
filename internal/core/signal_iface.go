package core

import (
	"context"
	"errors"
)

// Frame is one raw text message on the signaling socket.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// SignalConnection abstracts the gateway messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Send enqueues f, waiting for queue space until ctx is done.
	Send(ctx context.Context, f Frame) error
	// TrySend enqueues f or fails with ErrBackpressure when the queue is full.
	TrySend(f Frame) error
	// Inbound yields received frames in arrival order. It is closed when
	// the connection goes down.
	Inbound() <-chan Frame
	Done() <-chan struct{}
	// Err reports why the connection went down, nil after a local Close.
	Err() error
	Close() error
}

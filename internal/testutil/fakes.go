package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aaronromeo/paywatch/internal/mailbox"
)

// FakeConn is a mailbox.Conn driven by the test.
type FakeConn struct {
	in       chan push
	messages chan mailbox.RawMessage
	done     chan struct{}

	mu     sync.Mutex
	err    error
	ended  bool
	closes atomic.Int32
}

type push struct {
	msg mailbox.RawMessage
	ack chan struct{}
}

func NewFakeConn() *FakeConn {
	c := &FakeConn{
		in:       make(chan push),
		messages: make(chan mailbox.RawMessage),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *FakeConn) pump() {
	defer close(c.messages)
	for {
		select {
		case p := <-c.in:
			select {
			case c.messages <- p.msg:
				close(p.ack)
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *FakeConn) Messages() <-chan mailbox.RawMessage { return c.messages }

func (c *FakeConn) Done() <-chan struct{} { return c.done }

func (c *FakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Push delivers msg, blocking until it is received. It returns false once
// the connection has ended.
func (c *FakeConn) Push(msg mailbox.RawMessage) bool {
	p := push{msg: msg, ack: make(chan struct{})}
	select {
	case c.in <- p:
	case <-c.done:
		return false
	}
	select {
	case <-p.ack:
		return true
	case <-c.done:
		return false
	}
}

// Fail ends the connection with err.
func (c *FakeConn) Fail(err error) {
	c.end(err)
}

func (c *FakeConn) Close() error {
	c.closes.Add(1)
	c.end(nil)
	return nil
}

// Closes reports how many times Close was called.
func (c *FakeConn) Closes() int {
	return int(c.closes.Load())
}

func (c *FakeConn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.done)
}

// DialFunc adapts a function to mailbox.Dialer.
type DialFunc func(ctx context.Context, creds mailbox.Credentials) (mailbox.Conn, error)

func (f DialFunc) Dial(ctx context.Context, creds mailbox.Credentials) (mailbox.Conn, error) {
	return f(ctx, creds)
}

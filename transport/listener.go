package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/splice/stream"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// listenConnector binds on the first Connect and accepts one connection per
// call. The listener stays bound until Close.
type listenConnector struct {
	kind    Kind
	network string
	address string
	// prepare may replace the accepted connection, for example with a TLS session.
	prepare func(ctx context.Context, conn net.Conn) (net.Conn, error)

	mu     sync.Mutex
	ln     deadlineListener
	closed bool
}

func (c *listenConnector) Kind() Kind {
	return c.kind
}

func (c *listenConnector) Connect(ctx context.Context) (stream.Stream, error) {
	ln, err := c.listener()
	if err != nil {
		return nil, err
	}

	conn, err := accept(ctx, ln)
	if err != nil {
		return nil, err
	}
	log.Debugf("accepted %s connection from %s", c.network, conn.RemoteAddr())

	if c.prepare != nil {
		prepared, err := c.prepare(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = prepared
	}
	return stream.Wrap(conn), nil
}

// Addr returns the bound address, or nil before the first Connect.
func (c *listenConnector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *listenConnector) listener() (deadlineListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, net.ErrClosed
	}
	if c.ln != nil {
		return c.ln, nil
	}

	ln, err := net.Listen(c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", c.network, c.address, err)
	}

	dl, ok := ln.(deadlineListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listener %T does not support deadlines", ln)
	}

	log.Infof("listening on %s %s", c.network, ln.Addr())
	c.ln = dl
	return dl, nil
}

func (c *listenConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.ln == nil {
		return nil
	}

	err := c.ln.Close()
	c.ln = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// accept waits for one connection. A cancelled ctx interrupts the wait through
// the listener deadline, leaving the listener usable for the next call.
func accept(ctx context.Context, ln deadlineListener) (net.Conn, error) {
	if err := ln.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("reset accept deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

// Package stream defines the byte stream every transport endpoint is turned into
// and the generic adapters used to build one.
package stream

import (
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Stream is a bidirectional byte stream owned by exactly one relay.
//
// Read returns io.EOF once the peer finished sending. CloseWrite shuts down the
// sending half while reads may continue; Close releases the whole resource.
// Both close operations are idempotent.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

type closeWriter interface {
	CloseWrite() error
}

// onceCloser runs a close function exactly once and replays its result.
type onceCloser struct {
	once sync.Once
	err  error
	done chan struct{}
}

func newOnceCloser() *onceCloser {
	return &onceCloser{done: make(chan struct{})}
}

func (c *onceCloser) do(fn func() error) error {
	c.once.Do(func() {
		c.err = fn()
		close(c.done)
	})
	return c.err
}

func (c *onceCloser) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Conn exposes one owned duplex resource as a Stream.
type Conn struct {
	rwc io.ReadWriteCloser

	writeClosed *onceCloser
	closed      *onceCloser
}

// Wrap takes ownership of rwc. Half-close is forwarded when rwc supports it
// (TCP and Unix sockets); otherwise CloseWrite only stops further writes.
func Wrap(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:         rwc,
		writeClosed: newOnceCloser(),
		closed:      newOnceCloser(),
	}
}

// Unwrap returns the underlying resource.
func (c *Conn) Unwrap() io.ReadWriteCloser {
	return c.rwc
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.closed.isDone() {
		return 0, io.ErrClosedPipe
	}
	return c.rwc.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.writeClosed.isDone() || c.closed.isDone() {
		return 0, io.ErrClosedPipe
	}
	return c.rwc.Write(b)
}

func (c *Conn) CloseWrite() error {
	return c.writeClosed.do(func() error {
		if c.closed.isDone() {
			return nil
		}
		if cw, ok := c.rwc.(closeWriter); ok {
			return cw.CloseWrite()
		}
		return nil
	})
}

func (c *Conn) Close() error {
	return c.closed.do(c.rwc.Close)
}

// Pair composes a read half and a write half into one Stream.
type Pair struct {
	r io.ReadCloser
	w io.WriteCloser

	writeClosed *onceCloser
	closed      *onceCloser
}

// Join takes ownership of both halves. They may belong to different resources,
// such as the standard input and output of the process.
func Join(r io.ReadCloser, w io.WriteCloser) *Pair {
	return &Pair{
		r:           r,
		w:           w,
		writeClosed: newOnceCloser(),
		closed:      newOnceCloser(),
	}
}

func (p *Pair) Read(b []byte) (int, error) {
	if p.closed.isDone() {
		return 0, io.ErrClosedPipe
	}
	return p.r.Read(b)
}

func (p *Pair) Write(b []byte) (int, error) {
	if p.writeClosed.isDone() || p.closed.isDone() {
		return 0, io.ErrClosedPipe
	}
	return p.w.Write(b)
}

// CloseWrite closes the write half.
func (p *Pair) CloseWrite() error {
	return p.writeClosed.do(p.w.Close)
}

// Close closes both halves.
func (p *Pair) Close() error {
	return p.closed.do(func() error {
		var merr *multierror.Error
		merr = multierror.Append(merr, p.CloseWrite(), p.r.Close())
		return merr.ErrorOrNil()
	})
}

// NopWriteCloser turns w into an io.WriteCloser whose Close does nothing.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

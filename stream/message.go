package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// MessageConn is a message oriented channel. *websocket.Conn implements it.
type MessageConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// MessageStream exposes a MessageConn as a Stream.
//
// Every Write is sent as exactly one binary message. Every Read consumes at most
// one message; when a message does not fit into the buffer the rest is kept and
// returned by the next reads before another message is received.
type MessageStream struct {
	conn   MessageConn
	ctx    context.Context
	cancel context.CancelFunc

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex

	closing atomic.Bool
	closed  *onceCloser
}

// NewMessageStream takes ownership of conn.
func NewMessageStream(conn MessageConn) *MessageStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageStream{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		closed: newOnceCloser(),
	}
}

func (s *MessageStream) Read(b []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) > 0 {
		n := copy(b, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	if s.closing.Load() {
		return 0, io.EOF
	}

	typ, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return 0, s.readErr(err)
	}

	if typ != websocket.MessageBinary {
		return 0, fmt.Errorf("unsupported message type: %s", typ)
	}

	n := copy(b, data)
	if n < len(data) {
		s.pending = data[n:]
	}
	return n, nil
}

func (s *MessageStream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closing.Load() {
		return 0, io.ErrClosedPipe
	}

	if err := s.conn.Write(s.ctx, websocket.MessageBinary, b); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return len(b), nil
}

// CloseWrite starts the close handshake. A message channel has no half-close,
// so this ends the session for both directions.
func (s *MessageStream) CloseWrite() error {
	return s.Close()
}

func (s *MessageStream) Close() error {
	return s.closed.do(func() error {
		s.closing.Store(true)
		defer s.cancel()

		err := s.conn.Close(websocket.StatusNormalClosure, "")
		if err == nil || isClosed(err) {
			return nil
		}

		if nowErr := s.conn.CloseNow(); nowErr != nil && !isClosed(nowErr) {
			return fmt.Errorf("close handshake: %w", err)
		}
		return nil
	})
}

func (s *MessageStream) readErr(err error) error {
	if isClosed(err) {
		return io.EOF
	}
	if s.closing.Load() && errors.Is(err, context.Canceled) {
		return io.EOF
	}
	return err
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

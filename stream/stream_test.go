package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	io.ReadWriter
	closes int
	err    error
}

func (c *countingCloser) Close() error {
	c.closes++
	return c.err
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestWrap_CloseWriteForwardsHalfClose(t *testing.T) {
	client, server := tcpPair(t)
	s := Wrap(client)

	_, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	// the read half is still usable after the write half is gone
	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestWrap_CloseWriteWithoutHalfClose(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	s := Wrap(left)
	require.NoError(t, s.CloseWrite())

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	go func() {
		_, _ = right.Write([]byte("still readable"))
	}()
	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still readable", string(buf[:n]))
	require.NoError(t, s.Close())
}

func TestWrap_CloseIsIdempotent(t *testing.T) {
	closeErr := errors.New("boom")
	res := &countingCloser{err: closeErr}
	s := Wrap(res)

	assert.ErrorIs(t, s.Close(), closeErr)
	assert.ErrorIs(t, s.Close(), closeErr)
	assert.NoError(t, s.CloseWrite())
	assert.Equal(t, 1, res.closes)

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestJoin(t *testing.T) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer inW.Close()
	defer outR.Close()

	s := Join(inR, outW)

	_, err = inW.Write([]byte("from input"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "from input", string(buf[:n]))

	_, err = s.Write([]byte("to output"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	got, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "to output", string(got))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestNopWriteCloser(t *testing.T) {
	r, w := io.Pipe()
	wc := NopWriteCloser(w)
	assert.NoError(t, wc.Close())

	go func() {
		_, _ = wc.Write([]byte("open"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "open", string(buf))
}

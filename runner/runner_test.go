package runner

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/splice/transport"
	"github.com/netbirdio/splice/util"
)

func TestMain(m *testing.M) {
	_ = util.InitLog("error", util.LogConsole)
	os.Exit(m.Run())
}

// sink accepts connections forever and reports what each one sent.
func sink(t *testing.T) (string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	received := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				data, _ := io.ReadAll(conn)
				received <- string(data)
			}()
		}
	}()
	return ln.Addr().String(), received
}

// source accepts connections forever, sends msg on each and ends its side.
func source(t *testing.T, msg string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = conn.Write([]byte(msg))
				_ = conn.(*net.TCPConn).CloseWrite()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// silent accepts connections and holds them open without sending anything.
func silent(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func receive(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	_, err := New(Config{Left: "gopher://x:70", Right: "-"})
	require.ErrorIs(t, err, transport.ErrUnsupportedScheme)
	assert.Contains(t, err.Error(), "left endpoint")

	_, err = New(Config{Left: "-", Right: "tcp://127.0.0.1"})
	require.ErrorIs(t, err, transport.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "right endpoint")
}

func TestRun_SinglePair(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:  "tcp://" + source(t, "single pair"),
		Right: "tcp://" + sinkAddr,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, "single pair", receive(t, received))
	assert.Equal(t, int64(1), r.Completed())
	assert.Zero(t, r.Failed())
}

func TestRun_SinglePairConnectError(t *testing.T) {
	sinkAddr, _ := sink(t)

	r, err := New(Config{
		Left:  "tcp://" + sinkAddr,
		Right: "tcp://" + closedAddr(t),
	})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect right endpoint")
	assert.Equal(t, int64(1), r.Failed())
}

func TestRun_SinglePairCancelled(t *testing.T) {
	r, err := New(Config{Left: "tcp-server://127.0.0.1:0", Right: "tcp://" + closedAddr(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_LoopReconnects(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:  "tcp://" + source(t, "again"),
		Right: "tcp://" + sinkAddr,
		Loop:  true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		assert.Equal(t, "again", receive(t, received), "pair %d", i)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, r.Completed(), int64(3))
}

func TestRun_LoopReusesListener(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:  "tcp-server://127.0.0.1:0",
		Right: "tcp://" + sinkAddr,
		Loop:  true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	bound, ok := r.left.(interface{ Addr() net.Addr })
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return bound.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)
	addr := bound.Addr().String()

	for _, msg := range []string{"first", "second", "third"} {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err, msg)
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()

		assert.Equal(t, msg, receive(t, received))
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_LoopContinuesAfterReset(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:  "tcp-server://127.0.0.1:0",
		Right: "tcp://" + sinkAddr,
		Loop:  true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	bound, ok := r.left.(interface{ Addr() net.Addr })
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return bound.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)
	addr := bound.Addr().String()

	// the first client aborts its connection with a reset
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return r.Failed() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	conn, err = net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("after reset"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, _ = io.Copy(io.Discard, conn)
	_ = conn.Close()

	deadline := time.After(5 * time.Second)
	for got := ""; got != "after reset"; {
		select {
		case got = <-received:
		case <-deadline:
			t.Fatal("the pair after the reset was not relayed")
		}
	}

	select {
	case err := <-done:
		t.Fatalf("loop ended early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, r.Completed(), int64(1))
}

func TestRun_LoopKeepsGoingOnConnectErrors(t *testing.T) {
	r, err := New(Config{
		Left:      "tcp://" + closedAddr(t),
		Right:     "-",
		Loop:      true,
		SpawnRate: 100,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return r.Failed() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Zero(t, r.Completed())
}

func TestRun_ConcurrentReturnsWithoutWaiting(t *testing.T) {
	r, err := New(Config{
		Left:       "tcp://" + silent(t),
		Right:      "tcp://" + silent(t),
		Concurrent: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	require.NoError(t, r.Run(ctx))
	assert.Less(t, time.Since(start), time.Second)

	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("pair ended although both sides are still open")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("pair did not stop on cancel")
	}
}

func TestRun_ConcurrentLoopIsolatesFailures(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:          "tcp://" + closedAddr(t),
		Right:         "tcp://" + sinkAddr,
		Concurrent:    true,
		Loop:          true,
		MaxConcurrent: 2,
		SpawnRate:     100,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return r.Failed() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("spawn loop did not stop")
	}
	r.Wait()

	// the left side never connected, so nothing reached the sink
	assert.Empty(t, received)
	assert.Zero(t, r.Completed())
}

func TestRun_ConcurrentLoopRunsPairsInParallel(t *testing.T) {
	sinkAddr, received := sink(t)

	r, err := New(Config{
		Left:          "tcp://" + source(t, "parallel"),
		Right:         "tcp://" + sinkAddr,
		Concurrent:    true,
		Loop:          true,
		MaxConcurrent: 4,
		SpawnRate:     200,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		assert.Equal(t, "parallel", receive(t, received))
	}
	cancel()
	assert.NoError(t, <-done)
	r.Wait()
}

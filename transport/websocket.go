package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/splice/stream"
)

const (
	defaultReadLimit = 32 << 20

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type webSocketClient struct {
	url       string
	display   string
	readLimit int64
}

// parseWebSocket consumes the read_limit query option. Every other query value
// belongs to the target and is sent along with the handshake; without
// read_limit the query is forwarded byte for byte.
func parseWebSocket(u *url.URL) (Connector, error) {
	if u.Hostname() == "" {
		return nil, configError(u, "missing host")
	}

	query := u.Query()
	own := url.Values{}
	if v, ok := query["read_limit"]; ok {
		own["read_limit"] = v
		query.Del("read_limit")
	}

	var readLimit int64
	fs := newOptions(u.Scheme)
	fs.Var(newSizeValue(defaultReadLimit, &readLimit), "read_limit", "largest accepted message")
	if err := decodeQuery(fs, own); err != nil {
		return nil, configError(u, "%w", err)
	}
	if readLimit == 0 {
		return nil, configError(u, "read_limit must be positive")
	}

	target := *u
	if _, ok := own["read_limit"]; ok {
		target.RawQuery = query.Encode()
	}

	return &webSocketClient{
		url:       target.String(),
		display:   target.Redacted(),
		readLimit: readLimit,
	}, nil
}

func (c *webSocketClient) Kind() Kind {
	return WebSocket
}

func (c *webSocketClient) Connect(ctx context.Context) (stream.Stream, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket handshake with %s: %w", c.display, err)
	}
	conn.SetReadLimit(c.readLimit)

	return stream.NewMessageStream(conn), nil
}

func (c *webSocketClient) Close() error {
	return nil
}

// webSocketServer runs an HTTP server from the first Connect on and hands every
// upgraded session to one Connect call. Upgrades wait until a Connect takes
// them.
type webSocketServer struct {
	scheme    string
	address   string
	path      string
	readLimit int64
	tlsConfig *tls.Config

	conns chan *stream.MessageStream
	quit  chan struct{}

	mu       sync.Mutex
	srv      *http.Server
	addr     net.Addr
	done     chan struct{}
	serveErr error
	closed   bool
}

// parseWebSocketServer accepts ws-server://HOST:PORT/PATH?read_limit= and
// wss-server with cert and key in addition. An empty path accepts any path.
func parseWebSocketServer(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	c := &webSocketServer{
		scheme:  u.Scheme,
		address: addr,
		path:    u.Path,
		conns:   make(chan *stream.MessageStream),
		quit:    make(chan struct{}),
	}

	secure := strings.EqualFold(u.Scheme, "wss-server")
	var opts tlsServerOptions
	fs := newOptions(u.Scheme)
	fs.Var(newSizeValue(defaultReadLimit, &c.readLimit), "read_limit", "largest accepted message")
	if secure {
		opts.register(fs)
	}
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}
	if c.readLimit == 0 {
		return nil, configError(u, "read_limit must be positive")
	}

	if secure {
		cert, err := opts.certificate(u.Hostname())
		if err != nil {
			return nil, configError(u, "%w", err)
		}
		c.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return c, nil
}

func (c *webSocketServer) Kind() Kind {
	return WebSocketServer
}

func (c *webSocketServer) Connect(ctx context.Context) (stream.Stream, error) {
	done, err := c.serve()
	if err != nil {
		return nil, err
	}

	select {
	case s := <-c.conns:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, net.ErrClosed
	case <-done:
		c.mu.Lock()
		err := c.serveErr
		c.mu.Unlock()
		if err == nil {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("serve %s: %w", c.scheme, err)
	}
}

// Addr returns the bound address, or nil before the first Connect.
func (c *webSocketServer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *webSocketServer) serve() (chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, net.ErrClosed
	}
	if c.srv != nil {
		return c.done, nil
	}

	ln, err := net.Listen("tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", c.address, err)
	}
	if c.tlsConfig != nil {
		ln = tls.NewListener(ln, c.tlsConfig)
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(c.onAccept),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan struct{})
	c.srv, c.addr, c.done = srv, ln.Addr(), done

	log.Infof("listening on %s %s", c.scheme, ln.Addr())
	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		log.Errorf("%s server stopped: %s", c.scheme, err)
		c.mu.Lock()
		c.serveErr = err
		c.mu.Unlock()
	}()
	return done, nil
}

func (c *webSocketServer) onAccept(w http.ResponseWriter, r *http.Request) {
	if c.path != "" && r.URL.Path != c.path {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debugf("failed to accept websocket from %s: %s", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(c.readLimit)
	log.Debugf("accepted websocket from %s", r.RemoteAddr)

	s := stream.NewMessageStream(conn)
	select {
	case c.conns <- s:
	case <-c.quit:
		_ = conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (c *webSocketServer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	srv := c.srv
	c.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Debugf("closing %s server", c.scheme)
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown %s server: %w", c.scheme, err)
	}
	return nil
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/netbirdio/splice/stream"
)

const defaultALPN = "quic"

type quicClient struct {
	target string
	host   string
	port   string

	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

// parseQUIC accepts quic://HOST:PORT with the TLS client options, keepalive
// and handshake_timeout.
func parseQUIC(u *url.URL) (Connector, error) {
	target, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	var (
		opts       tlsClientOptions
		quicConfig quic.Config
	)
	fs := newOptions(u.Scheme)
	opts.register(fs, u, defaultALPN)
	registerQUICOptions(fs, &quicConfig)
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}

	if opts.alpn == "" {
		return nil, configError(u, "empty alpn")
	}

	tlsConfig, err := opts.config(target)
	if err != nil {
		return nil, configError(u, "%w", err)
	}

	return &quicClient{
		target:     target,
		host:       u.Hostname(),
		port:       u.Port(),
		tlsConfig:  tlsConfig,
		quicConfig: &quicConfig,
	}, nil
}

func registerQUICOptions(fs *pflag.FlagSet, cfg *quic.Config) {
	fs.DurationVar(&cfg.KeepAlivePeriod, "keepalive", 0, "keep-alive period, off when zero")
	fs.DurationVar(&cfg.HandshakeIdleTimeout, "handshake_timeout", 0, "handshake idle timeout")
}

func (c *quicClient) Kind() Kind {
	return QUIC
}

// Connect tries every resolved address in order and opens one bidirectional
// stream on the first connection that succeeds.
func (c *quicClient) Connect(ctx context.Context) (stream.Stream, error) {
	candidates, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error
	for _, addr := range candidates {
		conn, err := quic.DialAddr(ctx, addr, c.tlsConfig.Clone(), c.quicConfig)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warnf("failed to connect to %s via %s: %s", c.target, addr, err)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", addr, err))
			continue
		}

		log.Debugf("quic connection to %s established via %s", c.target, addr)
		qs, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, fmt.Errorf("open quic stream to %s: %w", c.target, err)
		}
		return stream.Wrap(&quicStream{stream: qs, conn: conn}), nil
	}

	return nil, fmt.Errorf("connect quic %s: %w", c.target, merr.ErrorOrNil())
}

func (c *quicClient) resolve(ctx context.Context) ([]string, error) {
	if ip := net.ParseIP(c.host); ip != nil {
		return []string{net.JoinHostPort(ip.String(), c.port)}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, c.host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.target, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", c.target)
	}

	candidates := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		candidates = append(candidates, net.JoinHostPort(addr.IP.String(), c.port))
	}
	log.Debugf("resolved %s to %v", c.target, candidates)
	return candidates, nil
}

func (c *quicClient) Close() error {
	return nil
}

// quicStream owns one stream and the connection carrying it. Closing the
// quic-go stream only finishes its send side, which is CloseWrite here.
type quicStream struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (s *quicStream) Read(b []byte) (int, error) {
	return s.stream.Read(b)
}

func (s *quicStream) Write(b []byte) (int, error) {
	return s.stream.Write(b)
}

func (s *quicStream) CloseWrite() error {
	return s.stream.Close()
}

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	_ = s.stream.Close()

	err := s.conn.CloseWithError(0, "")
	var appErr *quic.ApplicationError
	if err != nil && !errors.As(err, &appErr) {
		return err
	}
	return nil
}

// quicServer binds on the first Connect and hands out the first stream of every
// accepted connection. A client stream becomes visible only after its first
// frame, so the peer has to send before this side sees the pair.
type quicServer struct {
	address    string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu     sync.Mutex
	ln     *quic.Listener
	closed bool
}

// parseQUICServer accepts quic-server://HOST:PORT with cert, key, alpn,
// keepalive and handshake_timeout.
func parseQUICServer(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	var (
		opts       tlsServerOptions
		alpn       string
		quicConfig quic.Config
	)
	fs := newOptions(u.Scheme)
	opts.register(fs)
	fs.StringVar(&alpn, "alpn", defaultALPN, "TLS application protocol")
	registerQUICOptions(fs, &quicConfig)
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}

	if alpn == "" {
		return nil, configError(u, "empty alpn")
	}

	cert, err := opts.certificate(u.Hostname())
	if err != nil {
		return nil, configError(u, "%w", err)
	}

	return &quicServer{
		address: addr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
		},
		quicConfig: &quicConfig,
	}, nil
}

func (c *quicServer) Kind() Kind {
	return QUICServer
}

func (c *quicServer) Connect(ctx context.Context) (stream.Stream, error) {
	ln, err := c.listener()
	if err != nil {
		return nil, err
	}

	conn, err := ln.Accept(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("accept quic: %w", err)
	}
	log.Debugf("accepted quic connection from %s", conn.RemoteAddr())

	qs, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("accept quic stream from %s: %w", conn.RemoteAddr(), err)
	}
	return stream.Wrap(&quicStream{stream: qs, conn: conn}), nil
}

// Addr returns the bound address, or nil before the first Connect.
func (c *quicServer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *quicServer) listener() (*quic.Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, net.ErrClosed
	}
	if c.ln != nil {
		return c.ln, nil
	}

	ln, err := quic.ListenAddr(c.address, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", c.address, err)
	}

	log.Infof("listening on quic %s", ln.Addr())
	c.ln = ln
	return ln, nil
}

func (c *quicServer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.ln == nil {
		return nil
	}

	err := c.ln.Close()
	c.ln = nil
	if err != nil {
		return fmt.Errorf("close quic listener: %w", err)
	}
	return nil
}

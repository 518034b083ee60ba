package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/netbirdio/splice/stream"
)

// tcpSettings are the socket options applied to every TCP connection.
type tcpSettings struct {
	noDelay bool

	// linger and ttl are applied only when present in the query.
	linger    time.Duration
	hasLinger bool
	ttl       int
	hasTTL    bool
}

func parseTCPSettings(u *url.URL) (tcpSettings, error) {
	var s tcpSettings

	fs := newOptions(u.Scheme)
	s.register(fs)
	if err := decodeQuery(fs, u.Query()); err != nil {
		return s, configError(u, "%w", err)
	}
	if err := s.validate(fs); err != nil {
		return s, configError(u, "%w", err)
	}
	return s, nil
}

func (s *tcpSettings) register(fs *pflag.FlagSet) {
	fs.BoolVar(&s.noDelay, "nodelay", false, "disable Nagle's algorithm")
	fs.DurationVar(&s.linger, "linger", 0, "SO_LINGER timeout")
	fs.IntVar(&s.ttl, "ttl", 0, "IP time to live or hop limit")
}

// validate runs after the query was decoded into fs.
func (s *tcpSettings) validate(fs *pflag.FlagSet) error {
	s.hasLinger = fs.Changed("linger")
	s.hasTTL = fs.Changed("ttl")

	if s.hasTTL && (s.ttl < 1 || s.ttl > 255) {
		return fmt.Errorf("ttl %d out of range 1-255", s.ttl)
	}
	return nil
}

func (s tcpSettings) apply(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(s.noDelay); err != nil {
		return fmt.Errorf("set nodelay: %w", err)
	}

	if s.hasLinger {
		if err := conn.SetLinger(int(s.linger / time.Second)); err != nil {
			return fmt.Errorf("set linger: %w", err)
		}
	}

	if s.hasTTL {
		if err := setTTL(conn, s.ttl); err != nil {
			return fmt.Errorf("set ttl: %w", err)
		}
	}
	return nil
}

func setTTL(conn *net.TCPConn, ttl int) error {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if ok && addr.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTTL(ttl)
	}
	return ipv6.NewConn(conn).SetHopLimit(ttl)
}

type tcpClient struct {
	addr     string
	settings tcpSettings
}

func parseTCPClient(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}
	settings, err := parseTCPSettings(u)
	if err != nil {
		return nil, err
	}
	return &tcpClient{addr: addr, settings: settings}, nil
}

func (c *tcpClient) Kind() Kind {
	return TCPClient
}

func (c *tcpClient) Connect(ctx context.Context) (stream.Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", c.addr, err)
	}

	if err := c.settings.apply(conn.(*net.TCPConn)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return stream.Wrap(conn), nil
}

func (c *tcpClient) Close() error {
	return nil
}

func parseTCPServer(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}
	settings, err := parseTCPSettings(u)
	if err != nil {
		return nil, err
	}

	return &listenConnector{
		kind:    TCPServer,
		network: "tcp",
		address: addr,
		prepare: func(_ context.Context, conn net.Conn) (net.Conn, error) {
			return conn, settings.apply(conn.(*net.TCPConn))
		},
	}, nil
}

// Package transport turns endpoint URLs into connectors producing streams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/netbirdio/splice/stream"
)

var (
	// ErrUnsupportedScheme is returned for a URL scheme no connector handles.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrInvalidConfig is wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("invalid endpoint configuration")
	// ErrNotSupported is returned when a transport is unavailable on this platform.
	ErrNotSupported = errors.New("transport not supported on this platform")
)

// Kind identifies the transport of a connector.
type Kind int

const (
	Stdio Kind = iota
	TCPClient
	TCPServer
	Tun
	QUIC
	WebSocket
	Exec
	UnixClient
	UnixServer
	TLSClient
	TLSServer
	QUICServer
	WebSocketServer
)

func (k Kind) String() string {
	switch k {
	case Stdio:
		return "stdio"
	case TCPClient:
		return "tcp"
	case TCPServer:
		return "tcp-server"
	case Tun:
		return "tun"
	case QUIC:
		return "quic"
	case WebSocket:
		return "websocket"
	case Exec:
		return "exec"
	case UnixClient:
		return "unix"
	case UnixServer:
		return "unix-server"
	case TLSClient:
		return "tls"
	case TLSServer:
		return "tls-server"
	case QUICServer:
		return "quic-server"
	case WebSocketServer:
		return "websocket-server"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Connector produces live streams for one endpoint.
//
// Connect may be called repeatedly; every call returns a new stream whose
// ownership passes to the caller. Close releases resources the connector keeps
// between calls, such as a bound listener.
type Connector interface {
	Kind() Kind
	Connect(ctx context.Context) (stream.Stream, error)
	Close() error
}

// ConfigError reports an endpoint URL that cannot be turned into a connector.
type ConfigError struct {
	URL string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid endpoint %q: %s", e.URL, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

func configError(u *url.URL, format string, args ...any) error {
	return &ConfigError{URL: redacted(u), Err: fmt.Errorf(format, args...)}
}

func redacted(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

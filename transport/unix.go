package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/netbirdio/splice/stream"
)

// socketPath accepts unix:///abs/path and unix:relative/path.
func socketPath(u *url.URL) (string, error) {
	if err := decodeQuery(newOptions(u.Scheme), u.Query()); err != nil {
		return "", configError(u, "%w", err)
	}

	if u.Host != "" {
		return "", configError(u, "unexpected host %q, use %s:///path", u.Host, u.Scheme)
	}

	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		return "", configError(u, "missing socket path")
	}
	return path, nil
}

type unixClient struct {
	path string
}

func parseUnixClient(u *url.URL) (Connector, error) {
	path, err := socketPath(u)
	if err != nil {
		return nil, err
	}
	return &unixClient{path: path}, nil
}

func (c *unixClient) Kind() Kind {
	return UnixClient
}

func (c *unixClient) Connect(ctx context.Context) (stream.Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", c.path, err)
	}
	return stream.Wrap(conn), nil
}

func (c *unixClient) Close() error {
	return nil
}

func parseUnixServer(u *url.URL) (Connector, error) {
	path, err := socketPath(u)
	if err != nil {
		return nil, err
	}
	return &listenConnector{
		kind:    UnixServer,
		network: "unix",
		address: path,
	}, nil
}

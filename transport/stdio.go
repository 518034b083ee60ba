package transport

import (
	"context"
	"net/url"

	"github.com/netbirdio/splice/stream"
)

type stdioConnector struct {
	// raw puts a terminal on standard input into raw mode while a stream is open.
	raw bool
}

// parseStdio accepts stdio: and stdio:?raw=BOOL.
func parseStdio(u *url.URL) (Connector, error) {
	if u.Host != "" || u.Path != "" || u.Opaque != "" {
		return nil, configError(u, "stdio takes no address")
	}

	var c stdioConnector
	fs := newOptions(u.Scheme)
	fs.BoolVar(&c.raw, "raw", false, "raw terminal mode")
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}
	return c, nil
}

func (stdioConnector) Kind() Kind {
	return Stdio
}

// Connect joins standard input and standard output. Closing the stream leaves
// the process descriptors open so the next Connect can use them again.
func (c stdioConnector) Connect(context.Context) (stream.Stream, error) {
	return openStdio(c.raw)
}

func (stdioConnector) Close() error {
	return nil
}

package transport

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type parseFunc func(u *url.URL) (Connector, error)

// parsers is the fixed scheme table. It is never modified at runtime.
var parsers = map[string]parseFunc{
	"stdio":       parseStdio,
	"tcp":         parseTCPClient,
	"tcp-server":  parseTCPServer,
	"tls":         parseTLSClient,
	"tls-server":  parseTLSServer,
	"tun":         parseTun,
	"quic":        parseQUIC,
	"quic-server": parseQUICServer,
	"ws":          parseWebSocket,
	"wss":         parseWebSocket,
	"ws-server":   parseWebSocketServer,
	"wss-server":  parseWebSocketServer,
	"exec":        parseExec,
	"unix":        parseUnixClient,
	"unix-server": parseUnixServer,
}

// Schemes returns the supported URL schemes in lexical order.
func Schemes() []string {
	schemes := make([]string, 0, len(parsers))
	for scheme := range parsers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Parse builds the connector for a raw endpoint argument. "-" is short for
// "stdio:" and "exec:CMD" runs CMD without any query encoding.
func Parse(raw string) (Connector, error) {
	if raw == "-" {
		raw = "stdio:"
	}

	if cmd, ok := strings.CutPrefix(raw, "exec:"); ok && cmd != "" && !strings.HasPrefix(cmd, "?") && !strings.HasPrefix(cmd, "//") {
		return FromURL(&url.URL{Scheme: "exec", Opaque: cmd})
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{URL: raw, Err: err}
	}
	return FromURL(u)
}

// FromURL builds the connector for u. Certificate files are read here, sockets,
// processes and devices are opened by Connect.
func FromURL(u *url.URL) (Connector, error) {
	parse, ok := parsers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return parse(u)
}

// hostPort validates that u names a host and a numeric port.
func hostPort(u *url.URL) (string, error) {
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return "", configError(u, "missing host")
	}
	if port == "" {
		return "", configError(u, "missing port")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", configError(u, "invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

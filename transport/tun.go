package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultTunMTU = 1500

type tunConfig struct {
	ip   net.IP
	mask net.IPMask
	dev  string
	mtu  int
}

func (c tunConfig) ipNet() *net.IPNet {
	return &net.IPNet{IP: c.ip, Mask: c.mask}
}

// tunConnector creates a new TUN device on every Connect. The device goes away
// when the returned stream is closed.
type tunConnector struct {
	cfg tunConfig
}

// parseTun accepts tun://ADDRESS/PREFIX?dev=NAME&mtu=N.
func parseTun(u *url.URL) (Connector, error) {
	cfg := tunConfig{}

	fs := newOptions(u.Scheme)
	fs.StringVar(&cfg.dev, "dev", "", "device name, kernel assigned when empty")
	fs.IntVar(&cfg.mtu, "mtu", defaultTunMTU, "device MTU")
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}

	if u.Port() != "" {
		return nil, configError(u, "tun takes no port")
	}

	host := u.Hostname()
	if host == "" {
		return nil, configError(u, "missing address")
	}
	cfg.ip = net.ParseIP(host).To4()
	if cfg.ip == nil {
		return nil, configError(u, "address %q is not an IPv4 address", host)
	}

	rawPrefix := strings.TrimPrefix(u.Path, "/")
	if rawPrefix == "" {
		return nil, configError(u, "missing prefix length")
	}
	prefix, err := strconv.Atoi(rawPrefix)
	if err != nil {
		return nil, configError(u, "invalid prefix length %q", rawPrefix)
	}
	cfg.mask, err = PrefixToMask(prefix)
	if err != nil {
		return nil, configError(u, "%w", err)
	}

	if cfg.mtu < 68 || cfg.mtu > 65535 {
		return nil, configError(u, "mtu %d out of range 68-65535", cfg.mtu)
	}
	return &tunConnector{cfg: cfg}, nil
}

func (c *tunConnector) Kind() Kind {
	return Tun
}

func (c *tunConnector) Close() error {
	return nil
}

// PrefixToMask returns the IPv4 netmask of a prefix length. Octets fully
// covered by the prefix are 255, octets past it 0, and the octet holding the
// boundary keeps only its remaining high bits.
func PrefixToMask(prefix int) (net.IPMask, error) {
	if prefix < 0 || prefix > 32 {
		return nil, fmt.Errorf("prefix length %d out of range 0-32", prefix)
	}

	mask := make(net.IPMask, net.IPv4len)
	for i := range mask {
		bits := prefix - i*8
		switch {
		case bits >= 8:
			mask[i] = 0xff
		case bits <= 0:
			mask[i] = 0
		default:
			mask[i] = byte(0xff << (8 - bits))
		}
	}
	return mask, nil
}

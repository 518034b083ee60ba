package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/netbirdio/splice/stream"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	generatedCertLifetime   = 365 * 24 * time.Hour
)

// tlsClientOptions are the query options shared by the TLS based clients.
type tlsClientOptions struct {
	sni         string
	alpn        string
	ca          string
	fingerprint string
	insecure    bool
}

func (o *tlsClientOptions) register(fs *pflag.FlagSet, u *url.URL, alpn string) {
	fs.StringVar(&o.sni, "sni", u.Hostname(), "TLS server name")
	fs.StringVar(&o.alpn, "alpn", alpn, "TLS application protocol")
	fs.StringVar(&o.ca, "ca", "", "PEM file with the trusted certificates")
	fs.StringVar(&o.fingerprint, "fingerprint", "", "hex SHA-256 of the accepted server certificate")
	fs.BoolVar(&o.insecure, "insecure", false, "skip certificate verification")
}

// config reads the CA file and builds the client configuration.
func (o *tlsClientOptions) config(target string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         o.sni,
		InsecureSkipVerify: o.insecure,
	}
	if o.alpn != "" {
		cfg.NextProtos = []string{o.alpn}
	}

	if o.ca != "" {
		pool, err := loadCertPool(o.ca)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if o.fingerprint != "" {
		verify, err := pinnedCertificate(o.fingerprint)
		if err != nil {
			return nil, err
		}
		// the pin replaces chain verification
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verify
	} else if o.insecure {
		log.Warnf("certificate verification is disabled for %s", target)
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificate in ca file %s", path)
	}
	return pool, nil
}

func pinnedCertificate(fingerprint string) (func([][]byte, [][]*x509.Certificate) error, error) {
	want, err := hex.DecodeString(strings.ReplaceAll(fingerprint, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	if len(want) != sha256.Size {
		return nil, fmt.Errorf("fingerprint has %d bytes, want %d", len(want), sha256.Size)
	}

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server sent no certificate")
		}
		got := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(got[:], want) {
			return fmt.Errorf("server certificate fingerprint %s does not match", hex.EncodeToString(got[:]))
		}
		return nil
	}, nil
}

// tlsServerOptions name the certificate of a TLS server. Without both files a
// certificate is generated for the listen host.
type tlsServerOptions struct {
	cert string
	key  string
}

func (o *tlsServerOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.cert, "cert", "", "PEM certificate file")
	fs.StringVar(&o.key, "key", "", "PEM private key file")
}

func (o *tlsServerOptions) certificate(host string) (tls.Certificate, error) {
	if o.cert == "" && o.key == "" {
		cert, err := selfSignedCertificate(host)
		if err != nil {
			return tls.Certificate{}, err
		}
		log.Warnf("no certificate configured for %s, generated one with SHA-256 fingerprint %s",
			host, certFingerprint(cert.Certificate[0]))
		return cert, nil
	}

	if o.cert == "" || o.key == "" {
		return tls.Certificate{}, errors.New("cert and key must be set together")
	}

	cert, err := tls.LoadX509KeyPair(o.cert, o.key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
	}
	return cert, nil
}

// selfSignedCertificate creates a P-256 certificate for host, which may be an
// IP address, a name or empty.
func selfSignedCertificate(host string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(generatedCertLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else if host != "" {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func certFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

type tlsClient struct {
	addr             string
	settings         tcpSettings
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// parseTLSClient accepts tls://HOST:PORT with the TCP socket options, the TLS
// client options and handshake_timeout.
func parseTLSClient(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	var (
		settings tcpSettings
		opts     tlsClientOptions
		c        = &tlsClient{addr: addr}
	)
	fs := newOptions(u.Scheme)
	settings.register(fs)
	opts.register(fs, u, "")
	fs.DurationVar(&c.handshakeTimeout, "handshake_timeout", defaultHandshakeTimeout, "TLS handshake timeout")
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}
	if err := settings.validate(fs); err != nil {
		return nil, configError(u, "%w", err)
	}

	cfg, err := opts.config(addr)
	if err != nil {
		return nil, configError(u, "%w", err)
	}
	c.settings = settings
	c.tlsConfig = cfg
	return c, nil
}

func (c *tlsClient) Kind() Kind {
	return TLSClient
}

func (c *tlsClient) Connect(ctx context.Context) (stream.Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", c.addr, err)
	}

	if err := c.settings.apply(conn.(*net.TCPConn)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tc, err := handshake(ctx, tls.Client(conn, c.tlsConfig.Clone()), c.handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", c.addr, err)
	}
	return stream.Wrap(tc), nil
}

func (c *tlsClient) Close() error {
	return nil
}

// parseTLSServer accepts tls-server://HOST:PORT with the TCP socket options,
// cert, key, alpn and handshake_timeout.
func parseTLSServer(u *url.URL) (Connector, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	var (
		settings tcpSettings
		opts     tlsServerOptions
		alpn     string
		timeout  time.Duration
	)
	fs := newOptions(u.Scheme)
	settings.register(fs)
	opts.register(fs)
	fs.StringVar(&alpn, "alpn", "", "TLS application protocol")
	fs.DurationVar(&timeout, "handshake_timeout", defaultHandshakeTimeout, "TLS handshake timeout")
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}
	if err := settings.validate(fs); err != nil {
		return nil, configError(u, "%w", err)
	}

	cert, err := opts.certificate(u.Hostname())
	if err != nil {
		return nil, configError(u, "%w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if alpn != "" {
		cfg.NextProtos = []string{alpn}
	}

	return &listenConnector{
		kind:    TLSServer,
		network: "tcp",
		address: addr,
		prepare: func(ctx context.Context, conn net.Conn) (net.Conn, error) {
			if err := settings.apply(conn.(*net.TCPConn)); err != nil {
				return nil, err
			}
			tc, err := handshake(ctx, tls.Server(conn, cfg), timeout)
			if err != nil {
				return nil, fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
			}
			return tc, nil
		},
	}, nil
}

// handshake closes tc when the handshake fails.
func handshake(ctx context.Context, tc *tls.Conn, timeout time.Duration) (*tls.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, err
	}
	return tc, nil
}

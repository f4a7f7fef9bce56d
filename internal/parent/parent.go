// Package parent implements the rootwards client side of the mutation
// plane: endpoint parsing, connection establishment over TCP or TLS,
// and the framed message exchange with the parent node.
package parent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

const (
	SchemePlain = "modality-mutation"
	SchemeTLS   = "modality-mutation-tls"

	DefaultPort    = 14192
	DefaultTLSPort = 14194

	// EnvParentURL names the environment variable consulted when no
	// endpoint is configured.
	EnvParentURL     = "MUTATION_PROTOCOL_PARENT_URL"
	DefaultParentURL = "modality-mutation://127.0.0.1:14192"
)

var (
	ErrMissingHost = errors.New("parent: endpoint url missing host")
	ErrNoAddrs     = errors.New("parent: hostname resolved to no addresses")
)

// SchemeError reports an endpoint URL with an unsupported scheme.
type SchemeError struct {
	Scheme string
}

func (e *SchemeError) Error() string {
	return fmt.Sprintf("parent: invalid url scheme %q", e.Scheme)
}

// ConnectError reports a failed socket connection attempt.
type ConnectError struct {
	RemoteAddr string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("parent: connecting to %s: %v", e.RemoteAddr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError reports a TLS handshake or certificate failure,
// distinct from plain socket connection failures.
type HandshakeError struct {
	RemoteAddr string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("parent: tls handshake with %s: %v", e.RemoteAddr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Endpoint is one parsed parent URL.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// ParseEndpoint parses a modality-mutation:// or
// modality-mutation-tls:// URL, filling in the scheme default port.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parent: parse endpoint url: %w", err)
	}
	var ep Endpoint
	switch u.Scheme {
	case SchemePlain:
		ep.Port = DefaultPort
	case SchemeTLS:
		ep.TLS = true
		ep.Port = DefaultTLSPort
	default:
		return Endpoint{}, &SchemeError{Scheme: u.Scheme}
	}
	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, ErrMissingHost
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("parent: invalid port %q", p)
		}
		ep.Port = port
	}
	return ep, nil
}

// Options tunes connection establishment.
type Options struct {
	// AllowInsecureTLS disables certificate verification on TLS
	// endpoints.
	AllowInsecureTLS bool
	// TLSConfig overrides the derived TLS client configuration when
	// non-nil. ServerName is filled from the endpoint if empty.
	TLSConfig *tls.Config
	// Limits bounds frame sizes; zero means frame.DefaultLimits.
	Limits frame.Limits
}

// Conn is one established parent connection. It has a single owner
// and carries no internal synchronization; WriteMsg and ReadMsg may
// run on different goroutines but each must have one caller.
type Conn struct {
	conn   net.Conn
	limits frame.Limits
}

// Connect resolves and dials a parsed endpoint, binding an ephemeral
// local port in the address family of the chosen remote address, then
// performs the TLS handshake when the scheme demands it.
func Connect(ctx context.Context, ep Endpoint, opts Options) (*Conn, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, ep.Host)
	if err != nil {
		return nil, fmt.Errorf("parent: resolve %s: %w", ep.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddrs, ep.Host)
	}
	ip := addrs[0].IP

	local := &net.TCPAddr{IP: net.IPv4zero}
	if ip.To4() == nil {
		local = &net.TCPAddr{IP: net.IPv6zero}
	}
	dialer := net.Dialer{LocalAddr: local}

	remote := net.JoinHostPort(ip.String(), strconv.Itoa(ep.Port))
	raw, err := dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, &ConnectError{RemoteAddr: remote, Err: err}
	}

	limits := opts.Limits
	if limits.MaxMessageBytes == 0 {
		limits = frame.DefaultLimits()
	}

	if !ep.TLS {
		return &Conn{conn: raw, limits: limits}, nil
	}

	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	if opts.AllowInsecureTLS {
		cfg.InsecureSkipVerify = true
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &HandshakeError{RemoteAddr: remote, Err: err}
	}
	return &Conn{conn: tlsConn, limits: limits}, nil
}

// ConnectURL parses raw and connects. An empty raw falls back to
// EnvParentURL and then DefaultParentURL.
func ConnectURL(ctx context.Context, raw string, opts Options) (*Conn, error) {
	if raw == "" {
		raw = os.Getenv(EnvParentURL)
	}
	if raw == "" {
		raw = DefaultParentURL
	}
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, ep, opts)
}

// WriteMsg frames and writes one rootwards message.
func (c *Conn) WriteMsg(m wire.RootwardsMessage) error {
	payload, err := wire.EncodeRootwards(m)
	if err != nil {
		return err
	}
	return frame.WriteMsg(c.conn, payload, c.limits)
}

// ReadMsg reads and decodes one leafwards message. Decode failures
// surface as wire.DecodeErrors; transport failures as I/O errors.
func (c *Conn) ReadMsg() (wire.LeafwardsMessage, error) {
	payload, err := frame.ReadMsg(c.conn, c.limits)
	if err != nil {
		return nil, err
	}
	return wire.DecodeLeafwards(payload)
}

// Close tears down the underlying socket. Safe to call from a
// goroutine other than the reader to abort a blocked ReadMsg.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the connected peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

package parent

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/logging"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
	"github.com/fieldline/mutationplane/internal/testutil/testlog"
	"github.com/fieldline/mutationplane/internal/testutil/tlstest"
)

func TestParseEndpoint(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		raw  string
		want Endpoint
	}{
		{"modality-mutation://example.com", Endpoint{Host: "example.com", Port: DefaultPort}},
		{"modality-mutation://example.com:9000", Endpoint{Host: "example.com", Port: 9000}},
		{"modality-mutation-tls://example.com", Endpoint{Host: "example.com", Port: DefaultTLSPort, TLS: true}},
		{"modality-mutation-tls://10.0.0.1:15000", Endpoint{Host: "10.0.0.1", Port: 15000, TLS: true}},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseEndpoint(%q): got %+v want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseEndpointRejects(t *testing.T) {
	testlog.Start(t)

	_, err := ParseEndpoint("https://example.com")
	var se *SchemeError
	if !errors.As(err, &se) || se.Scheme != "https" {
		t.Fatalf("expected SchemeError, got %v", err)
	}

	if _, err := ParseEndpoint("modality-mutation://"); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}

	if _, err := ParseEndpoint("modality-mutation://host:notaport"); err == nil {
		t.Fatalf("expected error for bad port")
	}
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, "modality-mutation://127.0.0.1:" + strconv.Itoa(port)
}

// serveOneAuth accepts one connection, answers its auth attempt with
// the reply produced by respond, and holds the connection open until
// the test ends.
func serveOneAuth(t *testing.T, ln net.Listener, respond func(wire.ChildAuthAttempt) wire.LeafwardsMessage) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		limits := frame.DefaultLimits()
		payload, err := frame.ReadMsg(conn, limits)
		if err != nil {
			return
		}
		msg, err := wire.DecodeRootwards(payload)
		if err != nil {
			return
		}
		attempt, ok := msg.(wire.ChildAuthAttempt)
		if !ok {
			return
		}
		out, err := wire.EncodeLeafwards(respond(attempt))
		if err != nil {
			return
		}
		if err := frame.WriteMsg(conn, out, limits); err != nil {
			return
		}
		<-done
	}()
}

func TestConnectAndAuthenticate(t *testing.T) {
	testlog.Start(t)
	log := logging.Component("parent-test")
	token := authtoken.Token{0x01, 0x02, 0x03}
	id := protocol.AllocateParticipantID()

	t.Run("accepted", func(t *testing.T) {
		ln, url := listen(t)
		serveOneAuth(t, ln, func(a wire.ChildAuthAttempt) wire.LeafwardsMessage {
			return wire.ChildAuthOutcome{
				ChildParticipantID: a.ChildParticipantID,
				Version:            a.Version,
				Ok:                 true,
			}
		})
		conn, err := ConnectURL(context.Background(), url, Options{})
		if err != nil {
			t.Fatalf("ConnectURL: %v", err)
		}
		defer conn.Close()
		if err := Authenticate(conn, id, token, log); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	})

	t.Run("denied", func(t *testing.T) {
		ln, url := listen(t)
		serveOneAuth(t, ln, func(a wire.ChildAuthAttempt) wire.LeafwardsMessage {
			return wire.ChildAuthOutcome{
				ChildParticipantID: a.ChildParticipantID,
				Version:            a.Version,
				Ok:                 false,
				Message:            "bad token",
			}
		})
		conn, err := ConnectURL(context.Background(), url, Options{})
		if err != nil {
			t.Fatalf("ConnectURL: %v", err)
		}
		defer conn.Close()
		err = Authenticate(conn, id, token, log)
		var denied *AuthDeniedError
		if !errors.As(err, &denied) || denied.Message != "bad token" {
			t.Fatalf("expected AuthDeniedError, got %v", err)
		}
	})

	t.Run("wrong participant", func(t *testing.T) {
		ln, url := listen(t)
		serveOneAuth(t, ln, func(a wire.ChildAuthAttempt) wire.LeafwardsMessage {
			return wire.ChildAuthOutcome{
				ChildParticipantID: protocol.AllocateParticipantID(),
				Version:            a.Version,
				Ok:                 true,
			}
		})
		conn, err := ConnectURL(context.Background(), url, Options{})
		if err != nil {
			t.Fatalf("ConnectURL: %v", err)
		}
		defer conn.Close()
		if err := Authenticate(conn, id, token, log); !errors.Is(err, ErrAuthWrongParticipant) {
			t.Fatalf("expected ErrAuthWrongParticipant, got %v", err)
		}
	})

	t.Run("unexpected reply", func(t *testing.T) {
		ln, url := listen(t)
		serveOneAuth(t, ln, func(wire.ChildAuthAttempt) wire.LeafwardsMessage {
			return wire.UnauthenticatedResponse{}
		})
		conn, err := ConnectURL(context.Background(), url, Options{})
		if err != nil {
			t.Fatalf("ConnectURL: %v", err)
		}
		defer conn.Close()
		if err := Authenticate(conn, id, token, log); !errors.Is(err, ErrUnexpectedAuthReply) {
			t.Fatalf("expected ErrUnexpectedAuthReply, got %v", err)
		}
	})
}

func TestConnectRefused(t *testing.T) {
	testlog.Start(t)

	ln, _ := listen(t)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Connect(ctx, Endpoint{Host: "127.0.0.1", Port: port}, Options{})
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}

// serveTLSHandshake accepts one connection, completes the server side
// of the handshake, and holds the session open until the test ends.
func serveTLSHandshake(t *testing.T, ln net.Listener, cfg *tls.Config) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tlsConn := tls.Server(conn, cfg)
		defer tlsConn.Close()
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		<-done
	}()
}

func TestConnectTLS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.NewBundle(t)

	newTLSListener := func() (net.Listener, Endpoint) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		t.Cleanup(func() { ln.Close() })
		port := ln.Addr().(*net.TCPAddr).Port
		return ln, Endpoint{Host: "127.0.0.1", Port: port, TLS: true}
	}

	t.Run("trusted ca", func(t *testing.T) {
		ln, ep := newTLSListener()
		serveTLSHandshake(t, ln, bundle.ServerTLS)
		conn, err := Connect(context.Background(), ep, Options{TLSConfig: bundle.ClientTLS})
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		conn.Close()
	})

	t.Run("untrusted ca", func(t *testing.T) {
		ln, ep := newTLSListener()
		serveTLSHandshake(t, ln, bundle.ServerTLS)
		_, err := Connect(context.Background(), ep, Options{})
		var he *HandshakeError
		if !errors.As(err, &he) {
			t.Fatalf("expected HandshakeError, got %v", err)
		}
	})

	t.Run("insecure skips verification", func(t *testing.T) {
		ln, ep := newTLSListener()
		serveTLSHandshake(t, ln, bundle.ServerTLS)
		conn, err := Connect(context.Background(), ep, Options{AllowInsecureTLS: true})
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		conn.Close()
	})
}

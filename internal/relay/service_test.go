package relay

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldline/mutationplane/internal/auth"
	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
	"github.com/fieldline/mutationplane/internal/testutil/testlog"
)

// fakeParent plays the root side of the uplink: it accepts one
// connection, answers the relay's auth attempt, then exposes the
// stream as channels.
type fakeParent struct {
	url  string
	in   chan wire.RootwardsMessage
	conn chan net.Conn
}

func startFakeParent(t *testing.T) *fakeParent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fp := &fakeParent{
		url:  "modality-mutation://127.0.0.1:" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		in:   make(chan wire.RootwardsMessage, 16),
		conn: make(chan net.Conn, 1),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		limits := frame.DefaultLimits()

		// Relay auth handshake.
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
		outcome, err := wire.EncodeLeafwards(wire.ChildAuthOutcome{
			ChildParticipantID: attempt.ChildParticipantID,
			Version:            attempt.Version,
			Ok:                 true,
		})
		if err != nil {
			return
		}
		if err := frame.WriteMsg(conn, outcome, limits); err != nil {
			return
		}
		fp.conn <- conn

		for {
			payload, err := frame.ReadMsg(conn, limits)
			if err != nil {
				close(fp.in)
				return
			}
			msg, err := wire.DecodeRootwards(payload)
			if err != nil {
				continue
			}
			fp.in <- msg
		}
	}()
	return fp
}

func (fp *fakeParent) send(t *testing.T, msg wire.LeafwardsMessage) {
	t.Helper()
	var conn net.Conn
	select {
	case conn = <-fp.conn:
	case <-time.After(testWait):
		t.Fatal("relay never authenticated with parent")
	}
	// Put it back for subsequent sends.
	fp.conn <- conn
	payload, err := wire.EncodeLeafwards(msg)
	require.NoError(t, err)
	require.NoError(t, frame.WriteMsg(conn, payload, frame.DefaultLimits()))
}

func (fp *fakeParent) expect(t *testing.T, want wire.RootwardsMessage) {
	t.Helper()
	select {
	case got, ok := <-fp.in:
		require.True(t, ok, "parent stream closed")
		require.Equal(t, want, got)
	case <-time.After(testWait):
		t.Fatalf("parent never received %s", want.Name())
	}
}

func dialChild(t *testing.T, svc *Service) net.Conn {
	t.Helper()
	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = svc.BoundAddr()
		return addr != nil
	}, testWait, 10*time.Millisecond)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServiceEndToEnd(t *testing.T) {
	testlog.Start(t)

	fp := startFakeParent(t)
	token := []byte{0x5a, 0x5a}
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ParentURL = fp.url
	cfg.ParentToken = authtoken.Token{0x01}
	svc := NewService(cfg, TokenAuthority{Direct: auth.StaticToken{Token: token}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	// Child authenticates through the relay.
	child := dialChild(t, svc)
	participant := protocol.AllocateParticipantID()
	writeRootwards(t, child, wire.ChildAuthAttempt{
		ChildParticipantID: participant,
		Version:            wire.ProtocolVersion,
		Token:              token,
	})
	require.True(t, readLeafwards(t, child).(wire.ChildAuthOutcome).Ok)

	// Announcement flows rootwards and establishes ownership.
	mutator := protocol.AllocateMutatorID()
	announcement := wire.MutatorAnnouncement{
		ParticipantID: participant,
		MutatorID:     mutator,
		MutatorAttrs:  protocol.AttrKvs{{Key: "mutator.name", Val: protocol.StringVal("setter")}},
	}
	writeRootwards(t, child, announcement)
	fp.expect(t, announcement)

	// A mutator-addressed command routes to the owning child.
	cmd := wire.NewMutation{
		MutatorID:  mutator,
		MutationID: protocol.AllocateMutationID(),
		Params:     protocol.AttrKvs{{Key: "value", Val: protocol.IntVal(3)}},
	}
	fp.send(t, cmd)
	require.Equal(t, wire.LeafwardsMessage(cmd), readLeafwards(t, child))

	// Unaddressed commands broadcast.
	fp.send(t, wire.RequestForMutatorAnnouncements{})
	require.IsType(t, wire.RequestForMutatorAnnouncements{}, readLeafwards(t, child))

	// Retirement drops ownership rootwards too.
	retirement := wire.MutatorRetirement{ParticipantID: participant, MutatorID: mutator}
	writeRootwards(t, child, retirement)
	fp.expect(t, retirement)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("service did not stop")
	}
}

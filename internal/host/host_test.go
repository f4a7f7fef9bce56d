package host

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/ingest"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
	"github.com/fieldline/mutationplane/internal/testutil/testlog"
)

const testWait = 5 * time.Second

// fakeMutator records every call the host makes.
type fakeMutator struct {
	desc      Descriptor
	injects   []protocol.MutationID
	params    []protocol.AttrKvs
	resets    int
	injectErr error
	resetErr  error
}

func (m *fakeMutator) Descriptor() Descriptor { return m.desc }

func (m *fakeMutator) Inject(id protocol.MutationID, params protocol.AttrKvs) error {
	if m.injectErr != nil {
		return m.injectErr
	}
	m.injects = append(m.injects, id)
	m.params = append(m.params, params)
	return nil
}

func (m *fakeMutator) Reset() error {
	m.resets++
	return m.resetErr
}

func newFakeMutator(name string) *fakeMutator {
	return &fakeMutator{desc: Descriptor{Name: name, Operation: OpSetToValue}}
}

// recordingSink captures lifecycle events.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) SwitchTimeline(ingest.TimelineID) error { return nil }

func (s *recordingSink) SendEvent(name string, _ uint64, _ protocol.AttrKvs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func TestNewMutationResetsBeforeReplacing(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	first := protocol.AllocateMutationID()
	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: first}))
	require.Equal(t, []protocol.MutationID{first}, m.injects)
	require.Zero(t, m.resets)

	// A second mutation resets the active one first.
	second := protocol.AllocateMutationID()
	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: second}))
	require.Equal(t, []protocol.MutationID{first, second}, m.injects)
	require.Equal(t, 1, m.resets)
}

func TestNewMutationUnregisteredMutatorIsNoOp(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	require.NoError(t, h.HandleMessage(wire.NewMutation{
		MutatorID:  protocol.AllocateMutatorID(),
		MutationID: protocol.AllocateMutationID(),
	}))
}

// A trigger mask rides along on the wire but does not defer the
// injection.
func TestNewMutationWithTriggerMaskInjectsImmediately(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	mutation := protocol.AllocateMutationID()
	require.NoError(t, h.HandleMessage(wire.NewMutation{
		MutatorID:   id,
		MutationID:  mutation,
		TriggerMask: protocol.TriggerCRDT{0x01},
	}))
	require.Equal(t, []protocol.MutationID{mutation}, m.injects)
	require.Zero(t, m.resets)

	// The masked mutation is the active one: clearing it resets.
	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:     id,
		MutationID:    mutation,
		ResetIfActive: true,
	}))
	require.Equal(t, 1, m.resets)
}

func TestInjectErrorLeavesNoActiveMutation(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	m.injectErr = errors.New("boom")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	mutation := protocol.AllocateMutationID()
	require.Error(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: mutation}))

	// Clearing after a failed injection touches nothing.
	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:     id,
		MutationID:    mutation,
		ResetIfActive: true,
	}))
	require.Zero(t, m.resets)
}

func TestClearSingleMutation(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	active := protocol.AllocateMutationID()
	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: active}))

	// Clearing a mutation that is not the active one is a no-op.
	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:     id,
		MutationID:    protocol.AllocateMutationID(),
		ResetIfActive: true,
	}))
	require.Zero(t, m.resets)

	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:     id,
		MutationID:    active,
		ResetIfActive: true,
	}))
	require.Equal(t, 1, m.resets)

	// Already cleared: nothing left to reset.
	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:     id,
		MutationID:    active,
		ResetIfActive: true,
	}))
	require.Equal(t, 1, m.resets)
}

func TestClearSingleMutationWithoutReset(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	active := protocol.AllocateMutationID()
	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: active}))
	require.NoError(t, h.HandleMessage(wire.ClearSingleMutation{
		MutatorID:  id,
		MutationID: active,
	}))
	require.Zero(t, m.resets)

	// Forgotten without reset; the next mutation does not reset either.
	require.NoError(t, h.HandleMessage(wire.NewMutation{
		MutatorID:  id,
		MutationID: protocol.AllocateMutationID(),
	}))
	require.Zero(t, m.resets)
}

func TestClearMutationsForMutator(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	// No active mutation: no-op.
	require.NoError(t, h.HandleMessage(wire.ClearMutationsForMutator{
		MutatorID:     id,
		ResetIfActive: true,
	}))
	require.Zero(t, m.resets)

	require.NoError(t, h.HandleMessage(wire.NewMutation{
		MutatorID:  id,
		MutationID: protocol.AllocateMutationID(),
	}))
	require.NoError(t, h.HandleMessage(wire.ClearMutationsForMutator{
		MutatorID:     id,
		ResetIfActive: true,
	}))
	require.Equal(t, 1, m.resets)
}

func TestClearAllMutationsBestEffort(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	bad := newFakeMutator("bad")
	bad.resetErr = errors.New("stuck")
	good := newFakeMutator("good")
	badID, err := h.RegisterMutator(bad)
	require.NoError(t, err)
	goodID, err := h.RegisterMutator(good)
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: badID, MutationID: protocol.AllocateMutationID()}))
	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: goodID, MutationID: protocol.AllocateMutationID()}))

	// Every mutator is attempted; the failure still surfaces.
	err = h.HandleMessage(wire.ClearMutations{})
	require.Error(t, err)
	require.Equal(t, 1, bad.resets)
	require.Equal(t, 1, good.resets)
}

// A failing reset still removes the tracking entry: the clear wins,
// the error surfaces.
func TestClearForgetsMutationWhenResetFails(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	m.resetErr = errors.New("stuck")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: protocol.AllocateMutationID()}))

	require.Error(t, h.HandleMessage(wire.ClearMutations{}))
	require.Equal(t, 1, m.resets)

	listing := h.Mutators()
	require.Len(t, listing, 1)
	require.False(t, listing[0].Active)

	// Nothing active anymore: repeating the clear is a clean no-op.
	require.NoError(t, h.HandleMessage(wire.ClearMutations{}))
	require.Equal(t, 1, m.resets)
}

func TestRetireResetsActiveMutation(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	m := newFakeMutator("setter")
	id, err := h.RegisterMutator(m)
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(wire.NewMutation{MutatorID: id, MutationID: protocol.AllocateMutationID()}))
	require.NoError(t, h.RetireMutator(id))
	require.Equal(t, 1, m.resets)

	require.ErrorIs(t, h.RetireMutator(id), ErrUnknownMutator)
}

func TestValueMutator(t *testing.T) {
	testlog.Start(t)
	h := New(Options{})
	vm := NewValueMutator("setter", "pins a value", 10)
	id, err := h.RegisterMutator(vm)
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(wire.NewMutation{
		MutatorID:  id,
		MutationID: protocol.AllocateMutationID(),
		Params:     protocol.AttrKvs{{Key: ValueParamKey, Val: protocol.IntVal(99)}},
	}))
	require.EqualValues(t, 99, vm.Current())

	require.NoError(t, h.HandleMessage(wire.ClearMutations{}))
	require.EqualValues(t, 10, vm.Current())

	// Missing parameter fails the injection and stays unmutated.
	require.Error(t, h.HandleMessage(wire.NewMutation{
		MutatorID:  id,
		MutationID: protocol.AllocateMutationID(),
	}))
	require.EqualValues(t, 10, vm.Current())
}

// hostParent plays the parent for one host connection.
type hostParent struct {
	url  string
	in   chan wire.RootwardsMessage
	conn chan net.Conn
}

func startHostParent(t *testing.T, token []byte) *hostParent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	hp := &hostParent{
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
		for {
			payload, err := frame.ReadMsg(conn, limits)
			if err != nil {
				close(hp.in)
				return
			}
			msg, err := wire.DecodeRootwards(payload)
			if err != nil {
				continue
			}
			if attempt, ok := msg.(wire.ChildAuthAttempt); ok {
				granted := string(attempt.Token) == string(token)
				outcome, err := wire.EncodeLeafwards(wire.ChildAuthOutcome{
					ChildParticipantID: attempt.ChildParticipantID,
					Version:            attempt.Version,
					Ok:                 granted,
				})
				if err != nil {
					return
				}
				if err := frame.WriteMsg(conn, outcome, limits); err != nil {
					return
				}
				if granted {
					hp.conn <- conn
				}
				continue
			}
			hp.in <- msg
		}
	}()
	return hp
}

func (hp *hostParent) send(t *testing.T, msg wire.LeafwardsMessage) {
	t.Helper()
	var conn net.Conn
	select {
	case conn = <-hp.conn:
	case <-time.After(testWait):
		t.Fatal("host never authenticated")
	}
	hp.conn <- conn
	payload, err := wire.EncodeLeafwards(msg)
	require.NoError(t, err)
	require.NoError(t, frame.WriteMsg(conn, payload, frame.DefaultLimits()))
}

func (hp *hostParent) expectAnnouncement(t *testing.T) wire.MutatorAnnouncement {
	t.Helper()
	select {
	case msg, ok := <-hp.in:
		require.True(t, ok, "parent stream closed")
		ann, isAnn := msg.(wire.MutatorAnnouncement)
		require.True(t, isAnn, "expected announcement, got %s", msg.Name())
		return ann
	case <-time.After(testWait):
		t.Fatal("no announcement")
	}
	return wire.MutatorAnnouncement{}
}

func TestHostEndToEnd(t *testing.T) {
	testlog.Start(t)
	token := authtoken.Token{0xc0, 0xff}
	hp := startHostParent(t, token)
	sink := &recordingSink{}

	h := New(Options{ParentURL: hp.url, Token: token, Sink: sink})
	vm := NewValueMutator("setter", "pins a value", 1)
	id, err := h.RegisterMutator(vm)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.ConnectAndAuthenticate(ctx))
	t.Cleanup(func() { h.Close() })

	// Registration set announced on connect.
	ann := hp.expectAnnouncement(t)
	require.Equal(t, h.ParticipantID(), ann.ParticipantID)
	require.Equal(t, id, ann.MutatorID)
	name, ok := ann.MutatorAttrs.Get(AttrMutatorName)
	require.True(t, ok)
	require.Equal(t, protocol.StringVal("setter"), name)
	op, ok := ann.MutatorAttrs.Get(AttrMutatorOperation)
	require.True(t, ok)
	require.Equal(t, protocol.StringVal("set_to_value"), op)

	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()

	hp.send(t, wire.NewMutation{
		MutatorID:  id,
		MutationID: protocol.AllocateMutationID(),
		Params:     protocol.AttrKvs{{Key: ValueParamKey, Val: protocol.IntVal(7)}},
	})
	require.Eventually(t, func() bool { return vm.Current() == 7 }, testWait, 10*time.Millisecond)

	// Re-announcement on request.
	hp.send(t, wire.RequestForMutatorAnnouncements{})
	again := hp.expectAnnouncement(t)
	require.Equal(t, id, again.MutatorID)

	hp.send(t, wire.ClearMutations{})
	require.Eventually(t, func() bool { return vm.Current() == 1 }, testWait, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("host run did not stop")
	}

	events := sink.names()
	require.Contains(t, events, ingest.EventAuthenticating)
	require.Contains(t, events, ingest.EventAuthenticated)
	require.Contains(t, events, ingest.EventMutatorAnnounced)
	require.Contains(t, events, ingest.EventMutationInjected)
	require.Contains(t, events, ingest.EventMutationClearComms)
}

func TestHostAuthDenied(t *testing.T) {
	testlog.Start(t)
	hp := startHostParent(t, []byte{0x01})
	sink := &recordingSink{}

	h := New(Options{ParentURL: hp.url, Token: authtoken.Token{0xff}, Sink: sink})
	err := h.ConnectAndAuthenticate(context.Background())
	require.Error(t, err)
	require.Contains(t, sink.names(), ingest.EventAuthFailed)
}

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/ingest"
	"github.com/fieldline/mutationplane/internal/logging"
	"github.com/fieldline/mutationplane/internal/metrics"
	"github.com/fieldline/mutationplane/internal/parent"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

var (
	ErrNotConnected     = errors.New("host: not connected")
	ErrUnknownMutator   = errors.New("host: unknown mutator")
	ErrInvalidParentURL = errors.New("host: invalid parent url")
)

// Options configures one mutator host.
type Options struct {
	// ParentURL is the rootwards endpoint; empty falls back to
	// MUTATION_PROTOCOL_PARENT_URL and the loopback default.
	ParentURL        string
	AllowInsecureTLS bool
	Token            authtoken.Token
	Limits           frame.Limits

	// Sink receives lifecycle events; nil means discard.
	Sink ingest.Sink
}

type mutatorEntry struct {
	mutator Mutator
	attrs   protocol.AttrKvs

	active    protocol.MutationID
	hasActive bool
}

// Host owns a set of registered mutators, announces them to the
// parent, and applies the mutation commands the parent sends back.
//
// At most one mutation is active per mutator; commanding a second one
// resets the mutator before the new injection.
type Host struct {
	opts        Options
	log         zerolog.Logger
	sink        ingest.Sink
	participant protocol.ParticipantID

	mu       sync.Mutex
	conn     *parent.Conn
	mutators map[protocol.MutatorID]*mutatorEntry
	ordering uint64
}

func New(opts Options) *Host {
	sink := opts.Sink
	if sink == nil {
		sink = ingest.NopSink{}
	}
	return &Host{
		opts:        opts,
		log:         logging.Component("host"),
		sink:        sink,
		participant: protocol.AllocateParticipantID(),
		mutators:    make(map[protocol.MutatorID]*mutatorEntry),
	}
}

// ParticipantID reports the identity this host authenticates as.
func (h *Host) ParticipantID() protocol.ParticipantID { return h.participant }

// ConnectAndAuthenticate establishes the parent connection, runs the
// auth exchange, and announces every registered mutator.
func (h *Host) ConnectAndAuthenticate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return errors.New("host: already connected")
	}

	_ = h.sink.SwitchTimeline(ingest.AllocateTimelineID())
	h.event(ingest.EventAuthenticating, nil)

	conn, err := parent.ConnectURL(ctx, h.opts.ParentURL, parent.Options{
		AllowInsecureTLS: h.opts.AllowInsecureTLS,
		Limits:           h.opts.Limits,
	})
	if err != nil {
		h.event(ingest.EventAuthFailed, nil)
		return fmt.Errorf("host: parent connect: %w", err)
	}
	if err := parent.Authenticate(conn, h.participant, h.opts.Token, h.log); err != nil {
		conn.Close()
		h.event(ingest.EventAuthFailed, nil)
		return fmt.Errorf("host: parent auth: %w", err)
	}
	h.conn = conn
	h.event(ingest.EventAuthenticated, nil)
	h.log.Info().Str("participant", h.participant.String()).
		Str("parent", conn.RemoteAddr().String()).
		Msg("authenticated")

	return h.announceAllLocked()
}

// Close tears down the parent connection, if any.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// RegisterMutator validates the descriptor, assigns a mutator id, and
// announces it when connected. Registration before connecting is fine;
// ConnectAndAuthenticate announces the whole set.
func (h *Host) RegisterMutator(m Mutator) (protocol.MutatorID, error) {
	desc := m.Descriptor()
	if err := desc.Validate(); err != nil {
		return protocol.MutatorID{}, err
	}
	id := protocol.AllocateMutatorID()

	h.mu.Lock()
	defer h.mu.Unlock()
	entry := &mutatorEntry{mutator: m, attrs: desc.Attributes(id)}
	h.mutators[id] = entry
	if h.conn != nil {
		if err := h.announceLocked(id, entry); err != nil {
			delete(h.mutators, id)
			return protocol.MutatorID{}, err
		}
	}
	return id, nil
}

// RetireMutator withdraws one mutator, resetting it first if a
// mutation is active.
func (h *Host) RetireMutator(id protocol.MutatorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.mutators[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutator, id)
	}
	if entry.hasActive {
		if err := entry.mutator.Reset(); err != nil {
			h.log.Warn().Err(err).Str("mutator", id.String()).Msg("reset on retire failed")
		}
	}
	delete(h.mutators, id)

	h.event(ingest.EventMutatorRetired, protocol.AttrKvs{
		{Key: AttrMutatorID, Val: protocol.StringVal(id.String())},
	})
	if h.conn == nil {
		return nil
	}
	return h.conn.WriteMsg(wire.MutatorRetirement{
		ParticipantID: h.participant,
		MutatorID:     id,
	})
}

// AnnounceAll re-announces every registered mutator, in mutator id
// order. The batch stops at the first write error.
func (h *Host) AnnounceAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.announceAllLocked()
}

func (h *Host) announceAllLocked() error {
	if h.conn == nil {
		return ErrNotConnected
	}
	ids := make([]protocol.MutatorID, 0, len(h.mutators))
	for id := range h.mutators {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if err := h.announceLocked(id, h.mutators[id]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) announceLocked(id protocol.MutatorID, entry *mutatorEntry) error {
	if h.conn == nil {
		return ErrNotConnected
	}
	if err := h.conn.WriteMsg(wire.MutatorAnnouncement{
		ParticipantID: h.participant,
		MutatorID:     id,
		MutatorAttrs:  entry.attrs,
	}); err != nil {
		return fmt.Errorf("host: announce %s: %w", id, err)
	}
	h.event(ingest.EventMutatorAnnounced, entry.attrs)
	return nil
}

// Run dispatches parent commands until ctx ends or the connection
// fails. A clean peer close returns nil.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	type readResult struct {
		msg wire.LeafwardsMessage
		err error
	}
	reads := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			msg, err := conn.ReadMsg()
			select {
			case reads <- readResult{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil && !wire.IsDecodeError(err) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case r := <-reads:
			if r.err != nil {
				if wire.IsDecodeError(r.err) {
					metrics.DecodeFailures.Inc()
					h.log.Warn().Err(r.err).Msg("dropping undecodable frame")
					continue
				}
				if errors.Is(r.err, io.EOF) {
					h.log.Info().Msg("parent closed the connection")
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("host: read: %w", r.err)
			}
			if err := h.HandleMessage(r.msg); err != nil {
				h.log.Warn().Err(err).Str("message", r.msg.Name()).Msg("command failed")
			}
		}
	}
}

// HandleMessage applies one parent command. Commands addressing
// unregistered mutators are logged and dropped; the plane routinely
// races retirements against in-flight commands.
func (h *Host) HandleMessage(msg wire.LeafwardsMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch m := msg.(type) {
	case wire.NewMutation:
		return h.newMutationLocked(m)
	case wire.ClearSingleMutation:
		entry, ok := h.mutators[m.MutatorID]
		if !ok {
			h.log.Debug().Str("mutator", m.MutatorID.String()).Msg("clear for unregistered mutator")
			return nil
		}
		return h.clearLocked(m.MutatorID, entry, m.MutationID, m.ResetIfActive)
	case wire.ClearMutationsForMutator:
		entry, ok := h.mutators[m.MutatorID]
		if !ok {
			h.log.Debug().Str("mutator", m.MutatorID.String()).Msg("clear for unregistered mutator")
			return nil
		}
		if !entry.hasActive {
			return nil
		}
		return h.clearLocked(m.MutatorID, entry, entry.active, m.ResetIfActive)
	case wire.ClearMutations:
		return h.clearAllLocked()
	case wire.RequestForMutatorAnnouncements:
		return h.announceAllLocked()
	case wire.UpdateTriggerState:
		// Trigger state is replicated through the plane but not
		// evaluated locally.
		h.log.Debug().Str("mutator", m.MutatorID.String()).
			Str("mutation", m.MutationID.String()).
			Msg("trigger state update ignored")
		return nil
	case wire.UnauthenticatedResponse:
		return errors.New("host: parent considers this connection unauthenticated")
	case wire.ChildAuthOutcome:
		h.log.Warn().Msg("unexpected auth outcome after handshake")
		return nil
	default:
		h.log.Warn().Str("message", msg.Name()).Msg("unhandled message")
		return nil
	}
}

func (h *Host) newMutationLocked(m wire.NewMutation) error {
	entry, ok := h.mutators[m.MutatorID]
	if !ok {
		h.log.Debug().Str("mutator", m.MutatorID.String()).Msg("mutation for unregistered mutator")
		return nil
	}
	if m.TriggerMask != nil {
		// Trigger evaluation is not performed locally; the mask rides
		// along and the injection happens immediately.
		h.log.Debug().Str("mutation", m.MutationID.String()).Msg("ignoring trigger mask")
	}
	if entry.hasActive {
		if err := entry.mutator.Reset(); err != nil {
			h.log.Warn().Err(err).Str("mutator", m.MutatorID.String()).Msg("reset before inject failed")
		}
		entry.hasActive = false
	}
	if err := entry.mutator.Inject(m.MutationID, m.Params); err != nil {
		metrics.InjectFailures.Inc()
		return fmt.Errorf("host: inject %s: %w", m.MutationID, err)
	}
	entry.active = m.MutationID
	entry.hasActive = true
	metrics.MutationsInjected.Inc()
	h.event(ingest.EventMutationInjected, protocol.AttrKvs{
		{Key: AttrMutatorID, Val: protocol.StringVal(m.MutatorID.String())},
		{Key: "mutation.id", Val: protocol.StringVal(m.MutationID.String())},
	})
	return nil
}

// clearLocked retracts one mutation if it is the active one; clearing
// an inactive or unknown mutation is a no-op. The tracking entry is
// removed even when the requested reset fails.
func (h *Host) clearLocked(mutator protocol.MutatorID, entry *mutatorEntry, mutation protocol.MutationID, resetIfActive bool) error {
	if !entry.hasActive || entry.active != mutation {
		return nil
	}
	entry.active = protocol.MutationID{}
	entry.hasActive = false
	metrics.MutationsCleared.Inc()
	h.event(ingest.EventMutationClearComms, protocol.AttrKvs{
		{Key: AttrMutatorID, Val: protocol.StringVal(mutator.String())},
		{Key: "mutation.id", Val: protocol.StringVal(mutation.String())},
	})
	if resetIfActive {
		if err := entry.mutator.Reset(); err != nil {
			return fmt.Errorf("host: reset %s: %w", mutator, err)
		}
	}
	return nil
}

// clearAllLocked resets every mutator with an active mutation,
// best-effort, returning the first error.
func (h *Host) clearAllLocked() error {
	var firstErr error
	for id, entry := range h.mutators {
		if !entry.hasActive {
			continue
		}
		if err := h.clearLocked(id, entry, entry.active, true); err != nil {
			h.log.Warn().Err(err).Str("mutator", id.String()).Msg("clear failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// event reports to the ingest sink, best-effort.
func (h *Host) event(name string, attrs protocol.AttrKvs) {
	h.ordering++
	if err := h.sink.SendEvent(name, h.ordering, attrs); err != nil {
		h.log.Debug().Err(err).Str("event", name).Msg("ingest send failed")
	}
}

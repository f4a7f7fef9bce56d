package relay

import (
	"sync"

	"github.com/fieldline/mutationplane/internal/auth"
	"github.com/fieldline/mutationplane/internal/metrics"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
	"github.com/rs/zerolog"
)

// Authority judges auth attempts for the broker.
type Authority interface {
	// Authenticate returns the verdict and an optional message for
	// the outcome reply.
	Authenticate(isDirect bool, id protocol.ParticipantID, token []byte) (AuthDecision, string)
}

// TokenAuthority implements Authority over static token validators.
// Direct grants full binding; Delegating only lets descendant
// attempts through.
type TokenAuthority struct {
	Direct     auth.Validator
	Delegating auth.Validator
}

func (a TokenAuthority) Authenticate(isDirect bool, _ protocol.ParticipantID, token []byte) (AuthDecision, string) {
	if a.Direct != nil && a.Direct.Validate(token) == nil {
		if isDirect {
			return AuthDirect, ""
		}
		return AuthDelegating, ""
	}
	if a.Delegating != nil && a.Delegating.Validate(token) == nil {
		return AuthDelegating, ""
	}
	return AuthDenied, "invalid auth token"
}

// BrokerConfig sizes the broker's channels.
type BrokerConfig struct {
	// RequestBuffer bounds pending auth requests.
	RequestBuffer int
	// RootwardsBuffer bounds the shared child-to-parent channel.
	RootwardsBuffer int
	// LeafwardsBuffer bounds each per-child parent-to-child channel.
	LeafwardsBuffer int
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		RequestBuffer:   16,
		RootwardsBuffer: 256,
		LeafwardsBuffer: 64,
	}
}

type childEntry struct {
	leafwards chan wire.LeafwardsMessage
}

// Broker owns authentication verdicts and the per-child channel
// registry. Verdicts are serialized by the Run goroutine; the
// registry is shared with the routing loop under a mutex.
type Broker struct {
	authority Authority
	cfg       BrokerConfig
	log       zerolog.Logger

	requests  chan AuthRequest
	rootwards chan Rootwards

	mu       sync.Mutex
	children map[ChildConnectionID]childEntry
}

func NewBroker(authority Authority, cfg BrokerConfig, log zerolog.Logger) *Broker {
	return &Broker{
		authority: authority,
		cfg:       cfg,
		log:       log,
		requests:  make(chan AuthRequest, cfg.RequestBuffer),
		rootwards: make(chan Rootwards, cfg.RootwardsBuffer),
		children:  make(map[ChildConnectionID]childEntry),
	}
}

// Requests is the submission side handed to child sessions.
func (b *Broker) Requests() chan<- AuthRequest { return b.requests }

// RootwardsOut is the fan-in of authenticated child traffic.
func (b *Broker) RootwardsOut() <-chan Rootwards { return b.rootwards }

// Run serves auth requests until shutdown closes.
func (b *Broker) Run(shutdown <-chan struct{}) {
	for {
		select {
		case req := <-b.requests:
			req.Reply <- b.decide(req)
		case <-shutdown:
			return
		}
	}
}

// decide judges one request and, for direct grants, allocates and
// registers the session's channels.
func (b *Broker) decide(req AuthRequest) AuthResponse {
	decision, message := b.authority.Authenticate(req.IsDirect, req.ParticipantID, req.Token)

	switch decision {
	case AuthDirect:
		if !req.IsDirect {
			// Authority demotion guard: binding requires a direct
			// attempt.
			decision = AuthDelegating
			break
		}
		id := AllocateChildConnectionID()
		entry := childEntry{
			leafwards: make(chan wire.LeafwardsMessage, b.cfg.LeafwardsBuffer),
		}
		b.mu.Lock()
		b.children[id] = entry
		b.mu.Unlock()
		metrics.ChildConnectionsActive.Inc()
		metrics.AuthAttempts.WithLabelValues("direct").Inc()
		b.log.Debug().Str("conn_id", id.String()).
			Str("participant", req.ParticipantID.String()).
			Msg("direct auth granted")
		return AuthResponse{
			Decision:     AuthDirect,
			Message:      message,
			ConnectionID: id,
			Leafwards:    entry.leafwards,
			Rootwards:    b.rootwards,
		}
	case AuthDenied:
		metrics.AuthAttempts.WithLabelValues("denied").Inc()
		b.log.Debug().Str("participant", req.ParticipantID.String()).Msg("auth denied")
		return AuthResponse{Decision: AuthDenied, Message: message}
	}

	metrics.AuthAttempts.WithLabelValues("delegating").Inc()
	return AuthResponse{Decision: AuthDelegating, Message: message}
}

// Send routes one leafwards message to a child, dropping it when the
// child's buffer is full or the child is gone. Reports delivery.
// Sends happen under the registry lock so Release cannot close a
// channel mid-send.
func (b *Broker) Send(id ChildConnectionID, msg wire.LeafwardsMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendLocked(id, msg)
}

func (b *Broker) sendLocked(id ChildConnectionID, msg wire.LeafwardsMessage) bool {
	entry, ok := b.children[id]
	if !ok {
		return false
	}
	select {
	case entry.leafwards <- msg:
		metrics.LeafwardsRelayed.WithLabelValues(msg.Name()).Inc()
		return true
	default:
		b.log.Warn().Str("conn_id", id.String()).
			Str("message", msg.Name()).
			Msg("child leafwards buffer full, dropping message")
		return false
	}
}

// Broadcast sends one leafwards message to every registered child.
func (b *Broker) Broadcast(msg wire.LeafwardsMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.children {
		b.sendLocked(id, msg)
	}
}

// Release drops one child from the registry and closes its leafwards
// channel, which in turn ends the session's ready loop.
func (b *Broker) Release(id ChildConnectionID) {
	if id.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.children[id]
	if !ok {
		return
	}
	delete(b.children, id)
	close(entry.leafwards)
	metrics.ChildConnectionsActive.Dec()
}

// Connections snapshots the registered child ids.
func (b *Broker) Connections() []ChildConnectionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]ChildConnectionID, 0, len(b.children))
	for id := range b.children {
		ids = append(ids, id)
	}
	return ids
}

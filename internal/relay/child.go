// Package relay implements the interior-node side of the mutation
// plane: per-child connection sessions, the auth broker, and the relay
// service that splices children onto a parent uplink.
package relay

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldline/mutationplane/internal/metrics"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

// ChildConnectionID names one authenticated child session. It is
// allocated by the broker at direct-auth time and never reused.
type ChildConnectionID uuid.UUID

func AllocateChildConnectionID() ChildConnectionID { return ChildConnectionID(uuid.New()) }

func (id ChildConnectionID) String() string { return uuid.UUID(id).String() }

func (id ChildConnectionID) IsZero() bool { return id == ChildConnectionID{} }

// AuthDecision is the broker's verdict on one auth attempt.
type AuthDecision int

const (
	// AuthDenied rejects the attempt.
	AuthDenied AuthDecision = iota
	// AuthDirect authenticates the connection itself and binds it
	// into the routing fabric.
	AuthDirect
	// AuthDelegating accepts the attempt without binding: the token
	// belongs to a descendant relayed through this connection, or the
	// connection is allowed to keep relaying unauthenticated.
	AuthDelegating
)

// AuthRequest asks the broker to judge one presented token. Reply
// must receive exactly one AuthResponse, or be closed without a send
// when the broker cannot decide.
type AuthRequest struct {
	// IsDirect reports whether the presenting participant sits on the
	// far side of the asking connection itself. Relayed descendant
	// attempts carry false.
	IsDirect      bool
	ParticipantID protocol.ParticipantID
	Token         []byte

	Reply chan<- AuthResponse
}

// AuthResponse answers one AuthRequest. The channel fields are set
// only for AuthDirect verdicts on direct attempts.
type AuthResponse struct {
	Decision AuthDecision
	Message  string

	ConnectionID ChildConnectionID
	Leafwards    <-chan wire.LeafwardsMessage
	Rootwards    chan<- Rootwards
}

// Rootwards is one authenticated child message tagged with its
// originating session for routing and ownership tracking.
type Rootwards struct {
	ConnectionID ChildConnectionID
	Msg          wire.RootwardsMessage
}

type readResult struct {
	msg wire.RootwardsMessage
	err error
}

// ServeChild runs one child session to completion: the
// unauthenticated handshake loop, then the ready relay loop. It
// returns the bound connection id (zero when the session never
// authenticated) and the terminal error (nil on clean EOF or
// shutdown).
//
// The session owns conn exclusively. Frames that fail to decode are
// logged and dropped; transport errors terminate the session.
func ServeChild(conn net.Conn, requests chan<- AuthRequest, shutdown <-chan struct{}, limits frame.Limits, log zerolog.Logger) (ChildConnectionID, error) {
	defer conn.Close()

	reads := make(chan readResult)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go readLoop(conn, limits, reads, readerDone)

	log = log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	writeMsg := func(m wire.LeafwardsMessage) error {
		payload, err := wire.EncodeLeafwards(m)
		if err != nil {
			return err
		}
		return frame.WriteMsg(conn, payload, limits)
	}

	// Unauthenticated: only direct auth attempts make progress.
	var (
		connID    ChildConnectionID
		leafwards <-chan wire.LeafwardsMessage
		rootwards chan<- Rootwards
	)
unauthenticated:
	for {
		select {
		case rr := <-reads:
			msg, done, err := sessionRead(rr, log)
			if done {
				return ChildConnectionID{}, err
			}
			if msg == nil {
				continue
			}
			attempt, ok := msg.(wire.ChildAuthAttempt)
			if !ok {
				if err := writeMsg(wire.UnauthenticatedResponse{}); err != nil {
					return ChildConnectionID{}, err
				}
				continue
			}
			resp, ok := submitAuth(requests, AuthRequest{
				IsDirect:      true,
				ParticipantID: attempt.ChildParticipantID,
				Token:         attempt.Token,
			}, shutdown)
			if !ok {
				select {
				case <-shutdown:
					return ChildConnectionID{}, nil
				default:
				}
				resp = AuthResponse{Decision: AuthDenied, Message: "auth broker unavailable"}
			}
			if err := writeMsg(authOutcome(attempt, resp)); err != nil {
				return ChildConnectionID{}, err
			}
			if resp.Decision == AuthDirect {
				connID = resp.ConnectionID
				leafwards = resp.Leafwards
				rootwards = resp.Rootwards
				log.Info().Str("conn_id", connID.String()).
					Str("participant", attempt.ChildParticipantID.String()).
					Msg("child authenticated")
				break unauthenticated
			}
		case <-shutdown:
			return ChildConnectionID{}, nil
		}
	}

	// Ready: splice socket reads against the leafwards channel.
	for {
		select {
		case lm, ok := <-leafwards:
			if !ok {
				log.Warn().Msg("leafwards channel closed, dropping child")
				return connID, nil
			}
			if err := writeMsg(lm); err != nil {
				return connID, err
			}
		case rr := <-reads:
			msg, done, err := sessionRead(rr, log)
			if done {
				return connID, err
			}
			if msg == nil {
				continue
			}
			switch m := msg.(type) {
			case wire.ChildAuthAttempt:
				// A descendant relayed through this child.
				resp, ok := submitAuth(requests, AuthRequest{
					IsDirect:      false,
					ParticipantID: m.ChildParticipantID,
					Token:         m.Token,
				}, shutdown)
				if !ok {
					select {
					case <-shutdown:
						return connID, nil
					default:
					}
					resp = AuthResponse{Decision: AuthDenied, Message: "auth broker unavailable"}
				}
				if err := writeMsg(authOutcome(m, resp)); err != nil {
					return connID, err
				}
			case wire.MutatorAnnouncement, wire.MutatorRetirement, wire.UpdateTriggerState:
				select {
				case rootwards <- Rootwards{ConnectionID: connID, Msg: msg}:
					metrics.RootwardsRelayed.WithLabelValues(msg.Name()).Inc()
				case <-shutdown:
					return connID, nil
				}
			default:
				log.Warn().Str("message", msg.Name()).Msg("unexpected rootwards message in ready state")
			}
		case <-shutdown:
			return connID, nil
		}
	}
}

// readLoop feeds decoded frames to the session goroutine. It stops on
// transport failure or when the session ends.
func readLoop(conn net.Conn, limits frame.Limits, reads chan<- readResult, done <-chan struct{}) {
	for {
		payload, err := frame.ReadMsg(conn, limits)
		var rr readResult
		if err != nil {
			rr = readResult{err: err}
		} else {
			msg, derr := wire.DecodeRootwards(payload)
			rr = readResult{msg: msg, err: derr}
		}
		select {
		case reads <- rr:
		case <-done:
			return
		}
		if rr.err != nil && !wire.IsDecodeError(rr.err) {
			return
		}
	}
}

// sessionRead classifies one read result: decode errors drop the
// frame, clean EOF ends the session without error, transport errors
// end it with the error.
func sessionRead(rr readResult, log zerolog.Logger) (msg wire.RootwardsMessage, done bool, err error) {
	if rr.err == nil {
		return rr.msg, false, nil
	}
	if wire.IsDecodeError(rr.err) {
		metrics.DecodeFailures.Inc()
		log.Warn().Err(rr.err).Msg("dropping undecodable frame")
		return nil, false, nil
	}
	if errors.Is(rr.err, io.EOF) {
		return nil, true, nil
	}
	return nil, true, rr.err
}

func submitAuth(requests chan<- AuthRequest, req AuthRequest, shutdown <-chan struct{}) (AuthResponse, bool) {
	reply := make(chan AuthResponse, 1)
	req.Reply = reply
	select {
	case requests <- req:
	case <-shutdown:
		return AuthResponse{}, false
	}
	select {
	case resp, ok := <-reply:
		if !ok {
			return AuthResponse{}, false
		}
		return resp, true
	case <-shutdown:
		return AuthResponse{}, false
	}
}

func authOutcome(attempt wire.ChildAuthAttempt, resp AuthResponse) wire.ChildAuthOutcome {
	return wire.ChildAuthOutcome{
		ChildParticipantID: attempt.ChildParticipantID,
		Version:            wire.ProtocolVersion,
		Ok:                 resp.Decision != AuthDenied,
		Message:            resp.Message,
	}
}

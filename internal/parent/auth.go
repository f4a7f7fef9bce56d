package parent

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

var (
	// ErrAuthWrongParticipant means the outcome echoed a different
	// participant id than the one presented. Ok alone never suffices.
	ErrAuthWrongParticipant = errors.New("parent: auth outcome names a different participant")
	ErrUnexpectedAuthReply  = errors.New("parent: unexpected reply to auth attempt")
)

// AuthDeniedError carries the parent's optional denial message.
type AuthDeniedError struct {
	Message string
}

func (e *AuthDeniedError) Error() string {
	if e.Message == "" {
		return "parent: authentication denied"
	}
	return fmt.Sprintf("parent: authentication denied: %s", e.Message)
}

// Authenticate presents token on behalf of id and verifies the
// outcome. Version mismatches are logged, never fatal.
func Authenticate(c *Conn, id protocol.ParticipantID, token authtoken.Token, log zerolog.Logger) error {
	attempt := wire.ChildAuthAttempt{
		ChildParticipantID: id,
		Version:            wire.ProtocolVersion,
		Token:              token,
	}
	if err := c.WriteMsg(attempt); err != nil {
		return fmt.Errorf("parent: send auth attempt: %w", err)
	}

	reply, err := c.ReadMsg()
	if err != nil {
		return fmt.Errorf("parent: read auth outcome: %w", err)
	}
	outcome, ok := reply.(wire.ChildAuthOutcome)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedAuthReply, reply.Name())
	}

	if outcome.Version != wire.ProtocolVersion {
		log.Warn().
			Uint32("local", wire.ProtocolVersion).
			Uint32("remote", outcome.Version).
			Msg("protocol version mismatch")
	}
	if !outcome.Ok {
		return &AuthDeniedError{Message: outcome.Message}
	}
	if outcome.ChildParticipantID != id {
		return ErrAuthWrongParticipant
	}
	return nil
}

// Package wire implements the mutation-plane message codec: a u32
// message discriminant followed by indexed binary fields. Field
// indices and discriminants are append-only; retired values are never
// reused, which is the protocol's whole compatibility story.
package wire

import (
	"github.com/fieldline/mutationplane/internal/protocol"
)

// ProtocolVersion is carried in the auth exchange. Mismatches are
// logged, never rejected.
const ProtocolVersion uint32 = 1

// Rootwards discriminants (leaf to root).
const (
	KindChildAuthAttempt       uint32 = 1001
	KindMutatorAnnouncement    uint32 = 1012
	KindMutatorRetirement      uint32 = 1023
	KindRootwardsUpdateTrigger uint32 = 1044
)

// Leafwards discriminants (root to leaf).
const (
	KindChildAuthOutcome               uint32 = 2001
	KindUnauthenticatedResponse        uint32 = 2002
	KindRequestForMutatorAnnouncements uint32 = 2013
	KindNewMutation                    uint32 = 2024
	KindClearSingleMutation            uint32 = 2035
	KindClearMutationsForMutator       uint32 = 2036
	KindClearMutations                 uint32 = 2037
	KindLeafwardsUpdateTrigger         uint32 = 2044
)

// Message is one decoded mutation-plane message.
type Message interface {
	Name() string
}

// RootwardsMessage travels leaf to root.
type RootwardsMessage interface {
	Message
	rootwards()
}

// LeafwardsMessage travels root to leaf.
type LeafwardsMessage interface {
	Message
	leafwards()
}

// ChildAuthAttempt presents a token on behalf of a participant. The
// relay re-sends descendant attempts upward unchanged.
type ChildAuthAttempt struct {
	ChildParticipantID protocol.ParticipantID
	Version            uint32
	Token              []byte
}

// MutatorAnnouncement declares one mutator and its descriptor
// attributes on behalf of a participant.
type MutatorAnnouncement struct {
	ParticipantID protocol.ParticipantID
	MutatorID     protocol.MutatorID
	MutatorAttrs  protocol.AttrKvs
}

// MutatorRetirement withdraws a previously announced mutator.
type MutatorRetirement struct {
	ParticipantID protocol.ParticipantID
	MutatorID     protocol.MutatorID
}

// UpdateTriggerState carries replicated trigger state in either
// direction. A nil TriggerCRDT means "stop tracking this trigger".
type UpdateTriggerState struct {
	MutatorID   protocol.MutatorID
	MutationID  protocol.MutationID
	TriggerCRDT protocol.TriggerCRDT
}

// ChildAuthOutcome answers one ChildAuthAttempt. Ok alone is not
// sufficient for a client to consider itself authenticated; the echoed
// participant id must match the one presented.
type ChildAuthOutcome struct {
	ChildParticipantID protocol.ParticipantID
	Version            uint32
	Ok                 bool
	Message            string
}

// UnauthenticatedResponse rejects any non-auth message received on an
// unauthenticated connection.
type UnauthenticatedResponse struct{}

// RequestForMutatorAnnouncements asks every descendant to re-announce
// all live mutators.
type RequestForMutatorAnnouncements struct{}

// NewMutation commands one mutation. The optional TriggerMask carries
// replicated trigger state; hosts that do not evaluate triggers inject
// immediately regardless.
type NewMutation struct {
	MutatorID   protocol.MutatorID
	MutationID  protocol.MutationID
	TriggerMask protocol.TriggerCRDT
	Params      protocol.AttrKvs
}

// ClearSingleMutation retracts one mutation.
type ClearSingleMutation struct {
	MutatorID     protocol.MutatorID
	MutationID    protocol.MutationID
	ResetIfActive bool
}

// ClearMutationsForMutator retracts everything commanded of one
// mutator.
type ClearMutationsForMutator struct {
	MutatorID     protocol.MutatorID
	ResetIfActive bool
}

// ClearMutations retracts every mutation everywhere.
type ClearMutations struct{}

func (ChildAuthAttempt) Name() string               { return "child_auth_attempt" }
func (MutatorAnnouncement) Name() string            { return "mutator_announcement" }
func (MutatorRetirement) Name() string              { return "mutator_retirement" }
func (UpdateTriggerState) Name() string             { return "update_trigger_state" }
func (ChildAuthOutcome) Name() string               { return "child_auth_outcome" }
func (UnauthenticatedResponse) Name() string        { return "unauthenticated_response" }
func (RequestForMutatorAnnouncements) Name() string { return "request_for_mutator_announcements" }
func (NewMutation) Name() string                    { return "new_mutation" }
func (ClearSingleMutation) Name() string            { return "clear_single_mutation" }
func (ClearMutationsForMutator) Name() string       { return "clear_mutations_for_mutator" }
func (ClearMutations) Name() string                 { return "clear_mutations" }

func (ChildAuthAttempt) rootwards()    {}
func (MutatorAnnouncement) rootwards() {}
func (MutatorRetirement) rootwards()   {}
func (UpdateTriggerState) rootwards()  {}

func (ChildAuthOutcome) leafwards()               {}
func (UnauthenticatedResponse) leafwards()        {}
func (RequestForMutatorAnnouncements) leafwards() {}
func (NewMutation) leafwards()                    {}
func (ClearSingleMutation) leafwards()            {}
func (ClearMutationsForMutator) leafwards()       {}
func (ClearMutations) leafwards()                 {}
func (UpdateTriggerState) leafwards()             {}

package protocol

import (
	"bytes"

	"github.com/google/uuid"
)

// ParticipantID identifies one node of the mutation-plane tree.
type ParticipantID uuid.UUID

// MutatorID identifies one announced mutator, unique per participant.
type MutatorID uuid.UUID

// MutationID identifies one commanded mutation instance.
type MutationID uuid.UUID

func AllocateParticipantID() ParticipantID { return ParticipantID(uuid.New()) }
func AllocateMutatorID() MutatorID         { return MutatorID(uuid.New()) }
func AllocateMutationID() MutationID       { return MutationID(uuid.New()) }

func (id ParticipantID) String() string { return uuid.UUID(id).String() }
func (id MutatorID) String() string     { return uuid.UUID(id).String() }
func (id MutationID) String() string    { return uuid.UUID(id).String() }

func (id ParticipantID) IsZero() bool { return id == ParticipantID{} }
func (id MutatorID) IsZero() bool     { return id == MutatorID{} }
func (id MutationID) IsZero() bool    { return id == MutationID{} }

// ParseMutationID parses the canonical UUID string form.
func ParseMutationID(s string) (MutationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MutationID{}, err
	}
	return MutationID(u), nil
}

// TriggerCRDT is an opaque replicated trigger payload. It is
// transported and stored verbatim; merge semantics live rootwards.
// A nil TriggerCRDT means "absent"; an empty non-nil payload is a
// present, zero-length state.
type TriggerCRDT []byte

func (t TriggerCRDT) Equal(other TriggerCRDT) bool {
	if (t == nil) != (other == nil) {
		return false
	}
	return bytes.Equal(t, other)
}

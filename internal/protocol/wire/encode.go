package wire

import (
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("wire: unknown message type")

// EncodeRootwards serializes one leaf-to-root message, discriminant
// included.
func EncodeRootwards(m RootwardsMessage) ([]byte, error) {
	switch msg := m.(type) {
	case ChildAuthAttempt:
		b := newBuilder(KindChildAuthAttempt)
		b.addParticipantID(0, msg.ChildParticipantID)
		b.addU32(1, msg.Version)
		b.addBytes(2, msg.Token)
		return b.bytes(), nil
	case MutatorAnnouncement:
		b := newBuilder(KindMutatorAnnouncement)
		b.addParticipantID(0, msg.ParticipantID)
		b.addMutatorID(1, msg.MutatorID)
		b.addAttrs(2, msg.MutatorAttrs)
		return b.bytes(), nil
	case MutatorRetirement:
		b := newBuilder(KindMutatorRetirement)
		b.addParticipantID(0, msg.ParticipantID)
		b.addMutatorID(1, msg.MutatorID)
		return b.bytes(), nil
	case UpdateTriggerState:
		return encodeUpdateTriggerState(KindRootwardsUpdateTrigger, msg), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
}

// EncodeLeafwards serializes one root-to-leaf message.
func EncodeLeafwards(m LeafwardsMessage) ([]byte, error) {
	switch msg := m.(type) {
	case ChildAuthOutcome:
		b := newBuilder(KindChildAuthOutcome)
		b.addParticipantID(0, msg.ChildParticipantID)
		b.addU32(1, msg.Version)
		b.addBool(2, msg.Ok)
		if msg.Message != "" {
			b.addString(3, msg.Message)
		}
		return b.bytes(), nil
	case UnauthenticatedResponse:
		return newBuilder(KindUnauthenticatedResponse).bytes(), nil
	case RequestForMutatorAnnouncements:
		return newBuilder(KindRequestForMutatorAnnouncements).bytes(), nil
	case NewMutation:
		b := newBuilder(KindNewMutation)
		b.addMutatorID(0, msg.MutatorID)
		b.addMutationID(1, msg.MutationID)
		if msg.TriggerMask != nil {
			b.addBytes(2, msg.TriggerMask)
		}
		b.addAttrs(3, msg.Params)
		return b.bytes(), nil
	case ClearSingleMutation:
		b := newBuilder(KindClearSingleMutation)
		b.addMutatorID(0, msg.MutatorID)
		b.addMutationID(1, msg.MutationID)
		b.addBool(2, msg.ResetIfActive)
		return b.bytes(), nil
	case ClearMutationsForMutator:
		// Field index 1 is retired; 0 and 2 remain live.
		b := newBuilder(KindClearMutationsForMutator)
		b.addMutatorID(0, msg.MutatorID)
		b.addBool(2, msg.ResetIfActive)
		return b.bytes(), nil
	case ClearMutations:
		return newBuilder(KindClearMutations).bytes(), nil
	case UpdateTriggerState:
		return encodeUpdateTriggerState(KindLeafwardsUpdateTrigger, msg), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
}

func encodeUpdateTriggerState(kind uint32, msg UpdateTriggerState) []byte {
	b := newBuilder(kind)
	b.addMutatorID(0, msg.MutatorID)
	b.addMutationID(1, msg.MutationID)
	if msg.TriggerCRDT != nil {
		b.addBytes(2, msg.TriggerCRDT)
	}
	return b.bytes()
}

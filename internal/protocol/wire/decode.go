package wire

import (
	"encoding/binary"
)

// DecodeRootwards parses one leaf-to-root message. All failures are
// DecodeErrors.
func DecodeRootwards(payload []byte) (RootwardsMessage, error) {
	kind, fs, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindChildAuthAttempt:
		var m ChildAuthAttempt
		if m.ChildParticipantID, err = fs.participantID(0); err != nil {
			return nil, err
		}
		if m.Version, err = fs.u32(1); err != nil {
			return nil, err
		}
		if m.Token, err = fs.bytesRequired(2); err != nil {
			return nil, err
		}
		return m, nil
	case KindMutatorAnnouncement:
		var m MutatorAnnouncement
		if m.ParticipantID, err = fs.participantID(0); err != nil {
			return nil, err
		}
		if m.MutatorID, err = fs.mutatorID(1); err != nil {
			return nil, err
		}
		if m.MutatorAttrs, err = fs.attrs(2); err != nil {
			return nil, err
		}
		return m, nil
	case KindMutatorRetirement:
		var m MutatorRetirement
		if m.ParticipantID, err = fs.participantID(0); err != nil {
			return nil, err
		}
		if m.MutatorID, err = fs.mutatorID(1); err != nil {
			return nil, err
		}
		return m, nil
	case KindRootwardsUpdateTrigger:
		m, err := decodeUpdateTriggerState(fs)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, decodeErrf(kind, 0, "unknown rootwards discriminant")
}

// DecodeLeafwards parses one root-to-leaf message.
func DecodeLeafwards(payload []byte) (LeafwardsMessage, error) {
	kind, fs, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindChildAuthOutcome:
		var m ChildAuthOutcome
		if m.ChildParticipantID, err = fs.participantID(0); err != nil {
			return nil, err
		}
		if m.Version, err = fs.u32(1); err != nil {
			return nil, err
		}
		if m.Ok, err = fs.boolean(2); err != nil {
			return nil, err
		}
		if m.Message, err = fs.stringOptional(3); err != nil {
			return nil, err
		}
		return m, nil
	case KindUnauthenticatedResponse:
		return UnauthenticatedResponse{}, nil
	case KindRequestForMutatorAnnouncements:
		return RequestForMutatorAnnouncements{}, nil
	case KindNewMutation:
		var m NewMutation
		if m.MutatorID, err = fs.mutatorID(0); err != nil {
			return nil, err
		}
		if m.MutationID, err = fs.mutationID(1); err != nil {
			return nil, err
		}
		if m.TriggerMask, err = fs.bytesOptional(2); err != nil {
			return nil, err
		}
		if m.Params, err = fs.attrs(3); err != nil {
			return nil, err
		}
		return m, nil
	case KindClearSingleMutation:
		var m ClearSingleMutation
		if m.MutatorID, err = fs.mutatorID(0); err != nil {
			return nil, err
		}
		if m.MutationID, err = fs.mutationID(1); err != nil {
			return nil, err
		}
		if m.ResetIfActive, err = fs.boolean(2); err != nil {
			return nil, err
		}
		return m, nil
	case KindClearMutationsForMutator:
		var m ClearMutationsForMutator
		if m.MutatorID, err = fs.mutatorID(0); err != nil {
			return nil, err
		}
		if m.ResetIfActive, err = fs.boolean(2); err != nil {
			return nil, err
		}
		return m, nil
	case KindClearMutations:
		return ClearMutations{}, nil
	case KindLeafwardsUpdateTrigger:
		m, err := decodeUpdateTriggerState(fs)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, decodeErrf(kind, 0, "unknown leafwards discriminant")
}

func parsePayload(payload []byte) (uint32, fieldSet, error) {
	if len(payload) < 4 {
		return 0, fieldSet{}, decodeErrf(0, 0, "payload shorter than discriminant")
	}
	kind := binary.BigEndian.Uint32(payload[:4])
	fs, err := parseFields(kind, payload[4:])
	if err != nil {
		return kind, fieldSet{}, err
	}
	return kind, fs, nil
}

func decodeUpdateTriggerState(fs fieldSet) (UpdateTriggerState, error) {
	var m UpdateTriggerState
	var err error
	if m.MutatorID, err = fs.mutatorID(0); err != nil {
		return m, err
	}
	if m.MutationID, err = fs.mutationID(1); err != nil {
		return m, err
	}
	if m.TriggerCRDT, err = fs.bytesOptional(2); err != nil {
		return m, err
	}
	return m, nil
}

// Package ingest defines the observability sink used by the mutator
// host to report lifecycle events. The wire client for an actual
// ingest backend lives elsewhere; this package carries the interface
// plus local implementations.
package ingest

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldline/mutationplane/internal/protocol"
)

// Host lifecycle event names.
const (
	EventAuthenticating     = "modality.mutation_plane.authenticating"
	EventAuthenticated      = "modality.mutation_plane.authenticated"
	EventAuthFailed         = "modality.mutation_plane.auth_failed"
	EventMutatorAnnounced   = "modality.mutator.announced"
	EventMutatorRetired     = "modality.mutator.retired"
	EventMutationInjected   = "modality.mutation.injected"
	EventMutationClearComms = "modality.mutation.clear_communicated"
)

// TimelineID identifies one event timeline.
type TimelineID uuid.UUID

func AllocateTimelineID() TimelineID { return TimelineID(uuid.New()) }

func (id TimelineID) String() string { return uuid.UUID(id).String() }

// Sink receives lifecycle events. Implementations must tolerate
// best-effort callers: a failing sink never blocks plane traffic.
type Sink interface {
	// SwitchTimeline directs subsequent events onto a timeline.
	SwitchTimeline(id TimelineID) error
	// SendEvent records one named event with a caller-supplied
	// ordering value and attributes.
	SendEvent(name string, ordering uint64, attrs protocol.AttrKvs) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) SwitchTimeline(TimelineID) error                  { return nil }
func (NopSink) SendEvent(string, uint64, protocol.AttrKvs) error { return nil }

// LogSink renders events on a zerolog logger. Useful as a default
// when no ingest backend is wired.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) SwitchTimeline(id TimelineID) error {
	s.Log.Debug().Str("timeline", id.String()).Msg("switch timeline")
	return nil
}

func (s LogSink) SendEvent(name string, ordering uint64, attrs protocol.AttrKvs) error {
	ev := s.Log.Debug().Str("event", name).Uint64("ordering", ordering)
	for _, kv := range attrs {
		ev = ev.Str(kv.Key, kv.Val.String())
	}
	ev.Msg("ingest event")
	return nil
}

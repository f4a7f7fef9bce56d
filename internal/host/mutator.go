package host

import (
	"github.com/fieldline/mutationplane/internal/protocol"
)

// Mutator is one injectable fault point. Implementations hold the
// actual effect; the host owns announcement, command dispatch, and
// the single-active mutation rule.
//
// Inject and Reset are called with the host's dispatch lock held, so
// implementations need no synchronization of their own against plane
// or admin traffic.
type Mutator interface {
	// Descriptor returns the self-description announced for this
	// mutator. It must be stable for the lifetime of the registration.
	Descriptor() Descriptor
	// Inject applies the mutation identified by id with the given
	// parameters. A non-nil error leaves the mutator unmutated.
	Inject(id protocol.MutationID, params protocol.AttrKvs) error
	// Reset returns the mutator to its unmutated state.
	Reset() error
}

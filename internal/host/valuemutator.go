package host

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fieldline/mutationplane/internal/protocol"
)

// ValueParamKey is the parameter a ValueMutator injects from.
const ValueParamKey = "value"

var ErrMissingValueParam = errors.New("host: mutation missing value parameter")

// ValueMutator pins an int64 to a commanded value, restoring the
// default on reset. It is the canonical set_to_value mutator and
// doubles as a fixture in tests.
type ValueMutator struct {
	name        string
	description string
	defaultVal  int64
	current     atomic.Int64
}

// NewValueMutator returns a mutator named name currently holding def.
func NewValueMutator(name, description string, def int64) *ValueMutator {
	m := &ValueMutator{name: name, description: description, defaultVal: def}
	m.current.Store(def)
	return m
}

// Current reads the possibly-mutated value. Safe from any goroutine.
func (m *ValueMutator) Current() int64 { return m.current.Load() }

func (m *ValueMutator) Descriptor() Descriptor {
	return Descriptor{
		Name:         m.name,
		Description:  m.description,
		Layer:        LayerImplementational,
		Operation:    OpSetToValue,
		Statefulness: StatefulnessPermanent,
		Params: []ParamDescriptor{
			{Key: ValueParamKey, ValueType: protocol.KindInt, Description: "Value to pin."},
		},
	}
}

func (m *ValueMutator) Inject(_ protocol.MutationID, params protocol.AttrKvs) error {
	v, ok := params.Get(ValueParamKey)
	if !ok {
		return ErrMissingValueParam
	}
	switch v.Kind {
	case protocol.KindInt:
		m.current.Store(v.Int)
	case protocol.KindFloat:
		m.current.Store(int64(v.Float))
	default:
		return fmt.Errorf("host: value parameter has kind %s, want integer", v.Kind)
	}
	return nil
}

func (m *ValueMutator) Reset() error {
	m.current.Store(m.defaultVal)
	return nil
}

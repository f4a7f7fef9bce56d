// Package host implements the leaf side of the mutation plane: the
// Mutator interface, the descriptor model, the MutatorHost runtime
// that answers plane commands, and a small HTTP admin surface.
package host

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldline/mutationplane/internal/protocol"
)

// Well-known descriptor attribute keys.
const (
	AttrMutatorID          = "mutator.id"
	AttrMutatorName        = "mutator.name"
	AttrMutatorDescription = "mutator.description"
	AttrMutatorLayer       = "mutator.layer"
	AttrMutatorGroup       = "mutator.group"
	AttrMutatorOperation   = "mutator.operation"
	AttrMutatorStateful    = "mutator.statefulness"
	AttrMutatorSafety      = "mutator.safety"
	AttrMutatorSourceFile  = "mutator.source.file"
	AttrMutatorSourceLine  = "mutator.source.line"

	attrMutatorPrefix      = "mutator."
	attrParamPrefix        = "mutator.params."
	attrParamValueTypeSuff = ".value_type"
	attrParamDescSuff      = ".description"
)

var (
	ErrReservedAttrKey  = errors.New("host: reserved descriptor attribute key")
	ErrEmptyMutatorName = errors.New("host: descriptor requires a name")
)

// MutatorLayer describes where a mutator acts.
type MutatorLayer string

const (
	LayerImplementational MutatorLayer = "implementational"
	LayerOperational      MutatorLayer = "operational"
	LayerEnvironmental    MutatorLayer = "environmental"
)

// MutatorOperation names the effect a mutator applies.
type MutatorOperation string

const (
	OpSetToValue MutatorOperation = "set_to_value"
	OpDelay      MutatorOperation = "delay"
	OpDuplicate  MutatorOperation = "duplicate"
	OpDisable    MutatorOperation = "disable"
	OpEnable     MutatorOperation = "enable"
	OpCorrupt    MutatorOperation = "corrupt"
)

// MutatorStatefulness describes the persistence of a mutation's
// effect.
type MutatorStatefulness string

const (
	StatefulnessPermanent    MutatorStatefulness = "permanent"
	StatefulnessIntermittent MutatorStatefulness = "intermittent"
	StatefulnessTransient    MutatorStatefulness = "transient"
)

// ParamDescriptor documents one mutation parameter.
type ParamDescriptor struct {
	Key         string
	ValueType   protocol.AttrKind
	Description string
}

// Descriptor is the structured self-description a mutator announces.
// It flattens into mutator.* attributes on the wire.
type Descriptor struct {
	Name         string
	Description  string
	Layer        MutatorLayer
	Group        string
	Operation    MutatorOperation
	Statefulness MutatorStatefulness
	SourceFile   string
	SourceLine   int64
	Params       []ParamDescriptor

	// OrganizationName prefixes OrganizationCustomMetadata keys as
	// mutator.<org>.<key>.
	OrganizationName           string
	OrganizationCustomMetadata map[string]protocol.AttrVal
}

// Validate rejects descriptors that would collide with host-owned
// attribute keys.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrEmptyMutatorName
	}
	for key := range d.OrganizationCustomMetadata {
		full := d.customKey(key)
		switch full {
		case AttrMutatorID, AttrMutatorSourceFile, AttrMutatorSourceLine:
			return fmt.Errorf("%w: %s", ErrReservedAttrKey, full)
		}
	}
	return nil
}

func (d Descriptor) customKey(key string) string {
	org := strings.TrimSpace(d.OrganizationName)
	if org == "" {
		return attrMutatorPrefix + key
	}
	return attrMutatorPrefix + org + "." + key
}

// Attributes flattens the descriptor for one announced mutator id.
// Attribute order is deterministic: well-known keys, params, then
// sorted custom metadata.
func (d Descriptor) Attributes(id protocol.MutatorID) protocol.AttrKvs {
	kvs := protocol.AttrKvs{
		{Key: AttrMutatorID, Val: protocol.StringVal(id.String())},
		{Key: AttrMutatorName, Val: protocol.StringVal(d.Name)},
	}
	if d.Description != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorDescription, Val: protocol.StringVal(d.Description)})
	}
	if d.Layer != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorLayer, Val: protocol.StringVal(string(d.Layer))})
	}
	if d.Group != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorGroup, Val: protocol.StringVal(d.Group)})
	}
	if d.Operation != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorOperation, Val: protocol.StringVal(string(d.Operation))})
	}
	if d.Statefulness != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorStateful, Val: protocol.StringVal(string(d.Statefulness))})
	}
	if d.SourceFile != "" {
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorSourceFile, Val: protocol.StringVal(d.SourceFile)})
		kvs = append(kvs, protocol.AttrKv{Key: AttrMutatorSourceLine, Val: protocol.IntVal(d.SourceLine)})
	}
	for _, p := range d.Params {
		base := attrParamPrefix + p.Key
		kvs = append(kvs, protocol.AttrKv{
			Key: base + attrParamValueTypeSuff,
			Val: protocol.StringVal(p.ValueType.String()),
		})
		if p.Description != "" {
			kvs = append(kvs, protocol.AttrKv{
				Key: base + attrParamDescSuff,
				Val: protocol.StringVal(p.Description),
			})
		}
	}
	for _, key := range sortedKeys(d.OrganizationCustomMetadata) {
		kvs = append(kvs, protocol.AttrKv{Key: d.customKey(key), Val: d.OrganizationCustomMetadata[key]})
	}
	return kvs
}

func sortedKeys(m map[string]protocol.AttrVal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

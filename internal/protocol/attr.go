package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrUnsupportedAttrJSON = errors.New("protocol: unsupported json attribute value")

// AttrKind discriminates the AttrVal union.
type AttrKind uint8

const (
	KindString AttrKind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindLogicalTime
)

func (k AttrKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindLogicalTime:
		return "logical_time"
	}
	return "unknown"
}

// AttrVal is one tagged attribute value. The zero value is invalid;
// construct through the typed helpers. AttrVal is comparable.
type AttrVal struct {
	Kind AttrKind

	Str   string
	Int   int64
	Float float64
	Bool  bool
	// Timestamp is nanoseconds since the UNIX epoch.
	Timestamp uint64
	// LogicalTime is a four-segment clock, most significant first.
	LogicalTime [4]uint64
}

func StringVal(s string) AttrVal    { return AttrVal{Kind: KindString, Str: s} }
func IntVal(v int64) AttrVal        { return AttrVal{Kind: KindInt, Int: v} }
func FloatVal(v float64) AttrVal    { return AttrVal{Kind: KindFloat, Float: v} }
func BoolVal(v bool) AttrVal        { return AttrVal{Kind: KindBool, Bool: v} }
func TimestampVal(ns uint64) AttrVal {
	return AttrVal{Kind: KindTimestamp, Timestamp: ns}
}
func LogicalTimeVal(segments [4]uint64) AttrVal {
	return AttrVal{Kind: KindLogicalTime, LogicalTime: segments}
}

func (v AttrVal) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTimestamp:
		return strconv.FormatUint(v.Timestamp, 10) + "ns"
	case KindLogicalTime:
		parts := make([]string, 0, 4)
		for _, s := range v.LogicalTime {
			parts = append(parts, strconv.FormatUint(s, 10))
		}
		return strings.Join(parts, ".")
	}
	return "<invalid>"
}

// MarshalJSON renders the value as the natural JSON scalar. Timestamps
// and logical times marshal as tagged objects so the kind survives.
func (v AttrVal) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindTimestamp:
		return json.Marshal(map[string]uint64{"timestamp_ns": v.Timestamp})
	case KindLogicalTime:
		return json.Marshal(map[string][4]uint64{"logical_time": v.LogicalTime})
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedAttrJSON, v.Kind)
}

// UnmarshalJSON accepts JSON scalars: strings, booleans, and numbers.
// Integral numbers become KindInt, others KindFloat.
func (v *AttrVal) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch tv := raw.(type) {
	case string:
		*v = StringVal(tv)
	case bool:
		*v = BoolVal(tv)
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			*v = IntVal(i)
			return nil
		}
		f, err := tv.Float64()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedAttrJSON, tv.String())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite number", ErrUnsupportedAttrJSON)
		}
		*v = FloatVal(f)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedAttrJSON, raw)
	}
	return nil
}

// AttrKv is one key/value attribute pair.
type AttrKv struct {
	Key string
	Val AttrVal
}

// AttrKvs is an ordered attribute list. Order is preserved end to end.
type AttrKvs []AttrKv

// Get returns the first value bound to key.
func (kvs AttrKvs) Get(key string) (AttrVal, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Val, true
		}
	}
	return AttrVal{}, false
}

package wire

import (
	"encoding/binary"
	"math"

	"github.com/fieldline/mutationplane/internal/protocol"
)

// Field header: u16 index | u8 value kind | u32 value length.
const fieldHeaderLen = 7

// Value kinds.
const (
	valU32    uint8 = 1
	valBool   uint8 = 2
	valBytes  uint8 = 3
	valString uint8 = 4
	valID     uint8 = 5
	valAttrs  uint8 = 6
)

// Identifier tags. Each identifier value is the u16 tag followed by
// 16 UUID bytes. Tags are append-only and never reused.
const (
	TagParticipantID uint16 = 40200
	TagMutatorID     uint16 = 40201
	TagMutationID    uint16 = 40202
)

// Attribute value tags. The 40000 range is shared with the identifier
// tag namespace.
const (
	tagAttrString      uint16 = 1
	tagAttrInt         uint16 = 2
	tagAttrFloat       uint16 = 3
	tagAttrBool        uint16 = 4
	TagAttrTimestamp   uint16 = 40000
	TagAttrLogicalTime uint16 = 40001
)

const idValueLen = 2 + 16

type field struct {
	index uint16
	kind  uint8
	value []byte
}

// builder accumulates encoded fields after the discriminant.
type builder struct {
	buf []byte
}

func newBuilder(kind uint32) *builder {
	b := &builder{buf: make([]byte, 4, 64)}
	binary.BigEndian.PutUint32(b.buf[:4], kind)
	return b
}

func (b *builder) bytes() []byte { return b.buf }

func (b *builder) add(index uint16, kind uint8, value []byte) {
	var hdr [fieldHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], index)
	hdr[2] = kind
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(value)))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, value...)
}

func (b *builder) addU32(index uint16, v uint32) {
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], v)
	b.add(index, valU32, val[:])
}

func (b *builder) addBool(index uint16, v bool) {
	val := []byte{0}
	if v {
		val[0] = 1
	}
	b.add(index, valBool, val)
}

func (b *builder) addBytes(index uint16, v []byte) {
	b.add(index, valBytes, v)
}

func (b *builder) addString(index uint16, v string) {
	b.add(index, valString, []byte(v))
}

func (b *builder) addID(index uint16, tag uint16, id [16]byte) {
	val := make([]byte, idValueLen)
	binary.BigEndian.PutUint16(val[0:2], tag)
	copy(val[2:], id[:])
	b.add(index, valID, val)
}

func (b *builder) addParticipantID(index uint16, id protocol.ParticipantID) {
	b.addID(index, TagParticipantID, [16]byte(id))
}

func (b *builder) addMutatorID(index uint16, id protocol.MutatorID) {
	b.addID(index, TagMutatorID, [16]byte(id))
}

func (b *builder) addMutationID(index uint16, id protocol.MutationID) {
	b.addID(index, TagMutationID, [16]byte(id))
}

func (b *builder) addAttrs(index uint16, kvs protocol.AttrKvs) {
	b.add(index, valAttrs, encodeAttrKvs(kvs))
}

// Attr entry: u16 key length | key | u16 value tag | u32 value length
// | value bytes.
func encodeAttrKvs(kvs protocol.AttrKvs) []byte {
	out := make([]byte, 0, 32*len(kvs))
	for _, kv := range kvs {
		var kl [2]byte
		binary.BigEndian.PutUint16(kl[:], uint16(len(kv.Key)))
		out = append(out, kl[:]...)
		out = append(out, kv.Key...)
		tag, val := encodeAttrVal(kv.Val)
		var th [6]byte
		binary.BigEndian.PutUint16(th[0:2], tag)
		binary.BigEndian.PutUint32(th[2:6], uint32(len(val)))
		out = append(out, th[:]...)
		out = append(out, val...)
	}
	return out
}

func encodeAttrVal(v protocol.AttrVal) (uint16, []byte) {
	switch v.Kind {
	case protocol.KindInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		return tagAttrInt, b[:]
	case protocol.KindFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		return tagAttrFloat, b[:]
	case protocol.KindBool:
		if v.Bool {
			return tagAttrBool, []byte{1}
		}
		return tagAttrBool, []byte{0}
	case protocol.KindTimestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Timestamp)
		return TagAttrTimestamp, b[:]
	case protocol.KindLogicalTime:
		var b [32]byte
		for i, seg := range v.LogicalTime {
			binary.BigEndian.PutUint64(b[i*8:i*8+8], seg)
		}
		return TagAttrLogicalTime, b[:]
	default:
		return tagAttrString, []byte(v.Str)
	}
}

func decodeAttrKvs(kind uint32, index uint16, payload []byte) (protocol.AttrKvs, error) {
	kvs := make(protocol.AttrKvs, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < 2 {
			return nil, decodeErrf(kind, index, "truncated attr key length")
		}
		kl := int(binary.BigEndian.Uint16(payload[i : i+2]))
		i += 2
		if len(payload)-i < kl {
			return nil, decodeErrf(kind, index, "truncated attr key")
		}
		key := string(payload[i : i+kl])
		i += kl
		if len(payload)-i < 6 {
			return nil, decodeErrf(kind, index, "truncated attr value header")
		}
		tag := binary.BigEndian.Uint16(payload[i : i+2])
		vl := int(binary.BigEndian.Uint32(payload[i+2 : i+6]))
		i += 6
		if len(payload)-i < vl {
			return nil, decodeErrf(kind, index, "truncated attr value")
		}
		val, err := decodeAttrVal(kind, index, tag, payload[i:i+vl])
		if err != nil {
			return nil, err
		}
		i += vl
		kvs = append(kvs, protocol.AttrKv{Key: key, Val: val})
	}
	return kvs, nil
}

func decodeAttrVal(kind uint32, index uint16, tag uint16, b []byte) (protocol.AttrVal, error) {
	switch tag {
	case tagAttrString:
		return protocol.StringVal(string(b)), nil
	case tagAttrInt:
		if len(b) != 8 {
			return protocol.AttrVal{}, decodeErrf(kind, index, "int attr length %d", len(b))
		}
		return protocol.IntVal(int64(binary.BigEndian.Uint64(b))), nil
	case tagAttrFloat:
		if len(b) != 8 {
			return protocol.AttrVal{}, decodeErrf(kind, index, "float attr length %d", len(b))
		}
		return protocol.FloatVal(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case tagAttrBool:
		if len(b) != 1 || b[0] > 1 {
			return protocol.AttrVal{}, decodeErrf(kind, index, "bool attr encoding")
		}
		return protocol.BoolVal(b[0] == 1), nil
	case TagAttrTimestamp:
		if len(b) != 8 {
			return protocol.AttrVal{}, decodeErrf(kind, index, "timestamp attr length %d", len(b))
		}
		return protocol.TimestampVal(binary.BigEndian.Uint64(b)), nil
	case TagAttrLogicalTime:
		if len(b) != 32 {
			return protocol.AttrVal{}, decodeErrf(kind, index, "logical time attr length %d", len(b))
		}
		var segs [4]uint64
		for i := range segs {
			segs[i] = binary.BigEndian.Uint64(b[i*8 : i*8+8])
		}
		return protocol.LogicalTimeVal(segs), nil
	default:
		return protocol.AttrVal{}, decodeErrf(kind, index, "unknown attr value tag %d", tag)
	}
}

// fieldSet is the decoded field list of one message, with typed
// accessors that yield DecodeErrors on absence or shape mismatch.
type fieldSet struct {
	kind   uint32
	fields []field
}

func parseFields(kind uint32, payload []byte) (fieldSet, error) {
	fs := fieldSet{kind: kind}
	i := 0
	for i < len(payload) {
		if len(payload)-i < fieldHeaderLen {
			return fs, decodeErrf(kind, 0, "truncated field header")
		}
		index := binary.BigEndian.Uint16(payload[i : i+2])
		vk := payload[i+2]
		l := int(binary.BigEndian.Uint32(payload[i+3 : i+7]))
		i += fieldHeaderLen
		if len(payload)-i < l {
			return fs, decodeErrf(kind, index, "truncated field value")
		}
		val := make([]byte, l)
		copy(val, payload[i:i+l])
		i += l
		fs.fields = append(fs.fields, field{index: index, kind: vk, value: val})
	}
	return fs, nil
}

func (fs fieldSet) lookup(index uint16, kind uint8) ([]byte, bool, error) {
	for _, f := range fs.fields {
		if f.index != index {
			continue
		}
		if f.kind != kind {
			return nil, false, decodeErrf(fs.kind, index, "value kind %d, want %d", f.kind, kind)
		}
		return f.value, true, nil
	}
	return nil, false, nil
}

func (fs fieldSet) u32(index uint16) (uint32, error) {
	v, ok, err := fs.lookup(index, valU32)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, decodeErrf(fs.kind, index, "missing u32 field")
	}
	if len(v) != 4 {
		return 0, decodeErrf(fs.kind, index, "u32 length %d", len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

func (fs fieldSet) boolean(index uint16) (bool, error) {
	v, ok, err := fs.lookup(index, valBool)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, decodeErrf(fs.kind, index, "missing bool field")
	}
	if len(v) != 1 || v[0] > 1 {
		return false, decodeErrf(fs.kind, index, "bool encoding")
	}
	return v[0] == 1, nil
}

func (fs fieldSet) bytesRequired(index uint16) ([]byte, error) {
	v, ok, err := fs.lookup(index, valBytes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, decodeErrf(fs.kind, index, "missing bytes field")
	}
	return v, nil
}

// bytesOptional preserves the absent/present distinction: absent
// fields decode to nil, present empty fields to a non-nil empty slice.
func (fs fieldSet) bytesOptional(index uint16) ([]byte, error) {
	v, ok, err := fs.lookup(index, valBytes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (fs fieldSet) stringOptional(index uint16) (string, error) {
	v, ok, err := fs.lookup(index, valString)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

func (fs fieldSet) id(index uint16, wantTag uint16) ([16]byte, error) {
	var out [16]byte
	v, ok, err := fs.lookup(index, valID)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, decodeErrf(fs.kind, index, "missing identifier field")
	}
	if len(v) != idValueLen {
		return out, decodeErrf(fs.kind, index, "identifier length %d", len(v))
	}
	tag := binary.BigEndian.Uint16(v[0:2])
	if tag != wantTag {
		return out, decodeErrf(fs.kind, index, "identifier tag %d, want %d", tag, wantTag)
	}
	copy(out[:], v[2:])
	return out, nil
}

func (fs fieldSet) participantID(index uint16) (protocol.ParticipantID, error) {
	raw, err := fs.id(index, TagParticipantID)
	return protocol.ParticipantID(raw), err
}

func (fs fieldSet) mutatorID(index uint16) (protocol.MutatorID, error) {
	raw, err := fs.id(index, TagMutatorID)
	return protocol.MutatorID(raw), err
}

func (fs fieldSet) mutationID(index uint16) (protocol.MutationID, error) {
	raw, err := fs.id(index, TagMutationID)
	return protocol.MutationID(raw), err
}

func (fs fieldSet) attrs(index uint16) (protocol.AttrKvs, error) {
	v, ok, err := fs.lookup(index, valAttrs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, decodeErrf(fs.kind, index, "missing attr list field")
	}
	return decodeAttrKvs(fs.kind, index, v)
}

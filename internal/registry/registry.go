// Package registry implements the dynamic packet decoder: an instance-owned
// map from packet id to field layout, used to turn fixed-size little-endian
// binary payloads into structured field maps. Exactly one Registry exists
// per ingest runtime, held exclusively by the frame-consumer goroutine —
// there is no package-level or process-wide registry state.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// PacketType is the set of struct categories a schema document may declare.
// Pinned to the newer set (plot, quat, image, log); the legacy pose_3d-style
// CLI enum is not supported.
type PacketType int

const (
	PacketTypePlot PacketType = iota
	PacketTypeQuat
	PacketTypeImage
	PacketTypeLog
)

func (t PacketType) String() string {
	switch t {
	case PacketTypePlot:
		return "plot"
	case PacketTypeQuat:
		return "quat"
	case PacketTypeImage:
		return "image"
	case PacketTypeLog:
		return "log"
	default:
		return "unknown"
	}
}

// ParsePacketType maps a schema document's "type" string to a PacketType.
func ParsePacketType(s string) (PacketType, error) {
	switch s {
	case "plot":
		return PacketTypePlot, nil
	case "quat":
		return PacketTypeQuat, nil
	case "image":
		return PacketTypeImage, nil
	case "log":
		return PacketTypeLog, nil
	default:
		return 0, fmt.Errorf("registry: unrecognized packet type %q", s)
	}
}

// FieldDef is one field of a packet layout.
type FieldDef struct {
	Name   string
	CType  string
	Offset int
	Size   int
}

// PacketLayout is a fully validated field layout for one packet id.
type PacketLayout struct {
	ID         uint8
	StructName string
	Type       PacketType
	Packed     bool
	ByteSize   int
	Fields     []FieldDef
}

// Errors returned while registering or decoding.
var (
	ErrEmptyFieldName      = errors.New("registry: field name must not be empty")
	ErrDuplicateFieldName  = errors.New("registry: duplicate field name within layout")
	ErrUnsupportedCType    = errors.New("registry: unsupported c_type")
	ErrFieldSizeMismatch   = errors.New("registry: field size does not match its c_type width")
	ErrFieldOutOfRange     = errors.New("registry: field offset+size exceeds byte_size")
	ErrReservedPacketID    = errors.New("registry: packet id 0 is reserved for the control channel")
	ErrDuplicatePacketID   = errors.New("registry: duplicate packet id")
	ErrPayloadSizeMismatch = errors.New("registry: payload length does not match the registered byte_size")
)

// ErrUnknownPacketID reports an id with no registered layout and no match to
// the text packet id.
type ErrUnknownPacketID struct{ ID uint8 }

func (e *ErrUnknownPacketID) Error() string {
	return fmt.Sprintf("registry: unknown packet id 0x%02x", e.ID)
}

// cTypeWidths gives the little-endian wire width of every supported c_type.
var cTypeWidths = map[string]int{
	"int8_t": 1, "uint8_t": 1, "bool": 1,
	"int16_t": 2, "uint16_t": 2,
	"float": 4, "int32_t": 4, "uint32_t": 4,
	"double": 8, "int64_t": 8, "uint64_t": 8,
}

// Registry is the instance-owned decoder state for one ingest runtime.
type Registry struct {
	textPacketID uint8
	layouts      map[uint8]PacketLayout
}

// New returns an empty Registry using textPacketID to recognize text
// payloads.
func New(textPacketID uint8) *Registry {
	return &Registry{textPacketID: textPacketID, layouts: make(map[uint8]PacketLayout)}
}

// Clear empties the registry, used when a new HELLO restarts schema
// assembly.
func (r *Registry) Clear() {
	r.layouts = make(map[uint8]PacketLayout)
}

// Register validates layout against every §3 invariant and adds it. Register
// is called once per layout while assembling a new schema; the set of calls
// for one schema commit must together reject duplicate and reserved ids.
func (r *Registry) Register(layout PacketLayout) error {
	if layout.ID == 0 {
		return ErrReservedPacketID
	}
	// A layout registered at the text packet id is accepted but never
	// reachable: Decode checks the text id before the layout lookup, so a
	// schema that claims it is dead code rather than a registration error,
	// matching how ProtocolContext resolves the same collision in
	// original_source's rat-protocol/src/context.rs.
	if _, exists := r.layouts[layout.ID]; exists {
		return fmt.Errorf("%w: 0x%02x", ErrDuplicatePacketID, layout.ID)
	}
	if layout.ByteSize <= 0 {
		return fmt.Errorf("registry: byte_size must be > 0 for id 0x%02x", layout.ID)
	}

	seen := make(map[string]struct{}, len(layout.Fields))
	for _, f := range layout.Fields {
		if f.Name == "" {
			return ErrEmptyFieldName
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateFieldName, f.Name)
		}
		seen[f.Name] = struct{}{}

		width, ok := cTypeWidths[normalizeCType(f.CType)]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedCType, f.CType)
		}
		if f.Size != width {
			return fmt.Errorf("%w: field %q declares size %d, c_type %q is %d bytes", ErrFieldSizeMismatch, f.Name, f.Size, f.CType, width)
		}
		if f.Offset < 0 || f.Offset+f.Size > layout.ByteSize {
			return fmt.Errorf("%w: field %q at offset %d size %d, byte_size %d", ErrFieldOutOfRange, f.Name, f.Offset, f.Size, layout.ByteSize)
		}
	}

	r.layouts[layout.ID] = layout
	return nil
}

func normalizeCType(s string) string {
	switch s {
	case "_Bool":
		return "bool"
	default:
		return s
	}
}

// ValueKind tags the dynamic type carried by a decoded Value.
type ValueKind int

const (
	ValueInt ValueKind = iota
	ValueUint
	ValueFloat
	ValueBool
)

// Value is the tagged union a decoded field carries: signed integer,
// unsigned integer, floating point, or boolean.
type Value struct {
	Kind  ValueKind
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
}

// FieldValue pairs a field name with its decoded value, preserving the
// layout's declared field order.
type FieldValue struct {
	Name  string
	Value Value
}

// DecodedData is either a text payload or an ordered set of dynamic fields.
type DecodedData struct {
	Text   *string
	Fields []FieldValue
}

// Lookup reports the layout registered for id, if any.
func (r *Registry) Lookup(id uint8) (PacketLayout, bool) {
	l, ok := r.layouts[id]
	return l, ok
}

// Layouts returns every registered layout; order is unspecified.
func (r *Registry) Layouts() []PacketLayout {
	out := make([]PacketLayout, 0, len(r.layouts))
	for _, l := range r.layouts {
		out = append(out, l)
	}
	return out
}

// Decode turns (id, payload) into a DecodedData. If id equals the configured
// text packet id, payload is treated as UTF-8 text terminated at the first
// 0x00, checked BEFORE the registry lookup (see SPEC_FULL.md's Open Question
// decision on text/schema id collisions). Otherwise id is looked up in the
// registry and decoded field by field.
func (r *Registry) Decode(id uint8, payload []byte) (DecodedData, error) {
	if id == r.textPacketID {
		text := decodeText(payload)
		return DecodedData{Text: &text}, nil
	}

	layout, ok := r.layouts[id]
	if !ok {
		return DecodedData{}, &ErrUnknownPacketID{ID: id}
	}
	if len(payload) != layout.ByteSize {
		return DecodedData{}, fmt.Errorf("%w: id 0x%02x got %d, expected %d", ErrPayloadSizeMismatch, id, len(payload), layout.ByteSize)
	}

	fields := make([]FieldValue, 0, len(layout.Fields))
	for _, f := range layout.Fields {
		v, err := decodeField(f, payload[f.Offset:f.Offset+f.Size])
		if err != nil {
			return DecodedData{}, err
		}
		fields = append(fields, FieldValue{Name: f.Name, Value: v})
	}
	return DecodedData{Fields: fields}, nil
}

func decodeText(payload []byte) string {
	if idx := indexByte(payload, 0); idx != -1 {
		payload = payload[:idx]
	}
	return strings.ToValidUTF8(string(payload), "�")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func decodeField(f FieldDef, raw []byte) (Value, error) {
	switch normalizeCType(f.CType) {
	case "int8_t":
		return Value{Kind: ValueInt, Int: int64(int8(raw[0]))}, nil
	case "uint8_t":
		return Value{Kind: ValueUint, Uint: uint64(raw[0])}, nil
	case "bool":
		return Value{Kind: ValueBool, Bool: raw[0] != 0}, nil
	case "int16_t":
		return Value{Kind: ValueInt, Int: int64(int16(binary.LittleEndian.Uint16(raw)))}, nil
	case "uint16_t":
		return Value{Kind: ValueUint, Uint: uint64(binary.LittleEndian.Uint16(raw))}, nil
	case "int32_t":
		return Value{Kind: ValueInt, Int: int64(int32(binary.LittleEndian.Uint32(raw)))}, nil
	case "uint32_t":
		return Value{Kind: ValueUint, Uint: uint64(binary.LittleEndian.Uint32(raw))}, nil
	case "float":
		return Value{Kind: ValueFloat, Float: float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))}, nil
	case "int64_t":
		return Value{Kind: ValueInt, Int: int64(binary.LittleEndian.Uint64(raw))}, nil
	case "uint64_t":
		return Value{Kind: ValueUint, Uint: binary.LittleEndian.Uint64(raw)}, nil
	case "double":
		return Value{Kind: ValueFloat, Float: math.Float64frombits(binary.LittleEndian.Uint64(raw))}, nil
	default:
		return Value{}, fmt.Errorf("%w: %q", ErrUnsupportedCType, f.CType)
	}
}

// EncodeField re-encodes a decoded Value at its declared c_type width,
// little-endian. Used by round-trip property tests (spec.md P7); not used
// by the decode path itself.
func EncodeField(f FieldDef, v Value) ([]byte, error) {
	out := make([]byte, f.Size)
	switch normalizeCType(f.CType) {
	case "int8_t", "uint8_t":
		out[0] = byte(v.Uint)
		if v.Kind == ValueInt {
			out[0] = byte(v.Int)
		}
	case "bool":
		if v.Bool {
			out[0] = 1
		}
	case "int16_t":
		binary.LittleEndian.PutUint16(out, uint16(v.Int))
	case "uint16_t":
		binary.LittleEndian.PutUint16(out, uint16(v.Uint))
	case "int32_t":
		binary.LittleEndian.PutUint32(out, uint32(v.Int))
	case "uint32_t":
		binary.LittleEndian.PutUint32(out, uint32(v.Uint))
	case "float":
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v.Float)))
	case "int64_t":
		binary.LittleEndian.PutUint64(out, uint64(v.Int))
	case "uint64_t":
		binary.LittleEndian.PutUint64(out, v.Uint)
	case "double":
		binary.LittleEndian.PutUint64(out, math.Float64bits(v.Float))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCType, f.CType)
	}
	return out, nil
}

package runtime

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/molqzone/ratitude/internal/protocol"
	"github.com/molqzone/ratitude/internal/registry"
)

// MaxSchemaBytes bounds the schema document a HELLO may declare.
const MaxSchemaBytes = 64 * 1024

// schemaPhase tags which branch of the Unready|Assembling|Ready tagged
// union the state machine currently occupies.
type schemaPhase int

const (
	phaseUnready schemaPhase = iota
	phaseAssembling
	phaseReady
)

// assembly accumulates a schema document's bytes in strict offset order.
type assembly struct {
	totalLen     uint32
	expectedHash uint64
	bytes        []byte
}

func newAssembly(totalLen uint32, expectedHash uint64) *assembly {
	return &assembly{totalLen: totalLen, expectedHash: expectedHash, bytes: make([]byte, 0, totalLen)}
}

func (a *assembly) append(offset uint32, chunk []byte) error {
	if offset != uint32(len(a.bytes)) {
		return errSchemaChunkOutOfOrder(offset, uint32(len(a.bytes)))
	}
	if uint32(len(a.bytes)+len(chunk)) > a.totalLen {
		return errSchemaChunkOverflow(uint32(len(a.bytes)+len(chunk)), a.totalLen)
	}
	a.bytes = append(a.bytes, chunk...)
	return nil
}

func (a *assembly) finalize(commitHash uint64) ([]byte, error) {
	if commitHash != a.expectedHash {
		return nil, errSchemaHashMismatch(a.expectedHash, commitHash)
	}
	if uint32(len(a.bytes)) != a.totalLen {
		return nil, errSchemaCommitBeforeComplete(uint32(len(a.bytes)), a.totalLen)
	}
	recomputed := protocol.HashSchemaBytes(a.bytes)
	if recomputed != a.expectedHash {
		return nil, errSchemaHashMismatch(a.expectedHash, recomputed)
	}
	return a.bytes, nil
}

// schemaState is the Unready | Assembling | Ready tagged union from
// SPEC_FULL.md §3, including the wait-deadline that only exists outside
// Ready.
type schemaState struct {
	phase        schemaPhase
	asm          *assembly
	waitDeadline time.Time
	schemaHash   uint64
}

func newSchemaState() *schemaState {
	return &schemaState{phase: phaseUnready}
}

func (s *schemaState) isReady() bool { return s.phase == phaseReady }

func (s *schemaState) refreshDeadline(timeout time.Duration) {
	s.waitDeadline = time.Now().Add(timeout)
}

// schemaDocument is the TOML-decoded shape of a schema document, matching
// original_source's RuntimeSchemaDocument/RuntimeSchemaPacket/Field.
type schemaDocument struct {
	Packets []schemaPacket `toml:"packets"`
}

type schemaPacket struct {
	ID         int           `toml:"id"`
	StructName string        `toml:"struct_name"`
	Type       string        `toml:"type"`
	Packed     bool          `toml:"packed"`
	ByteSize   int           `toml:"byte_size"`
	Fields     []schemaField `toml:"fields"`
}

type schemaField struct {
	Name   string `toml:"name"`
	CType  string `toml:"c_type"`
	Offset int    `toml:"offset"`
	Size   int    `toml:"size"`
}

// parseSchemaDocument parses raw schema document bytes into PacketLayouts,
// rejecting unknown keys and any malformed packet record.
func parseSchemaDocument(raw []byte) ([]registry.PacketLayout, error) {
	var doc schemaDocument
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errSchemaParseFailed(err)
	}
	if len(doc.Packets) == 0 {
		return nil, errSchemaParseFailed(fmt.Errorf("schema document declares no packets"))
	}

	layouts := make([]registry.PacketLayout, 0, len(doc.Packets))
	seenIDs := make(map[int]struct{}, len(doc.Packets))
	for _, p := range doc.Packets {
		if p.ID == 0 {
			return nil, errReservedPacketID(p.ID)
		}
		if p.ID > 0xFF {
			return nil, errPacketIDOutOfRange(p.ID)
		}
		if _, dup := seenIDs[p.ID]; dup {
			return nil, errDuplicatePacketID(p.ID)
		}
		seenIDs[p.ID] = struct{}{}

		ptype, err := registry.ParsePacketType(p.Type)
		if err != nil {
			return nil, errSchemaParseFailed(err)
		}

		fields := make([]registry.FieldDef, 0, len(p.Fields))
		for _, f := range p.Fields {
			fields = append(fields, registry.FieldDef{
				Name:   f.Name,
				CType:  f.CType,
				Offset: f.Offset,
				Size:   f.Size,
			})
		}

		layouts = append(layouts, registry.PacketLayout{
			ID:         uint8(p.ID),
			StructName: p.StructName,
			Type:       ptype,
			Packed:     p.Packed,
			ByteSize:   p.ByteSize,
			Fields:     fields,
		})
	}
	return layouts, nil
}

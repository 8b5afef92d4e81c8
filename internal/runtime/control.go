package runtime

import (
	"time"

	"github.com/molqzone/ratitude/internal/protocol"
	"github.com/molqzone/ratitude/internal/registry"
)

// controlOutcomeKind tags what handleControl's caller should do next: emit
// nothing, emit a SchemaReset log, or emit a SchemaReady signal.
type controlOutcomeKind int

const (
	controlOutcomeNone controlOutcomeKind = iota
	controlOutcomeReset
	controlOutcomeReady
)

type controlOutcome struct {
	Kind       controlOutcomeKind
	SchemaHash uint64
	Layouts    []registry.PacketLayout
}

// handleControl implements SPEC_FULL.md §4.3's state machine transitions for
// one control-channel body. A non-nil error is always fatal to the runtime.
func handleControl(body []byte, state *schemaState, reg *registry.Registry, monitor *UnknownMonitor, schemaTimeout time.Duration) (controlOutcome, error) {
	msg, err := protocol.ParseControlMessage(body)
	if err != nil {
		return controlOutcome{}, errControlProtocol(err)
	}

	switch m := msg.(type) {
	case protocol.Hello:
		if m.TotalLen > MaxSchemaBytes {
			return controlOutcome{}, errSchemaTooLarge(m.TotalLen, MaxSchemaBytes)
		}
		wasReady := state.phase == phaseReady
		reg.Clear()
		monitor.Reset()
		state.phase = phaseAssembling
		state.asm = newAssembly(m.TotalLen, m.SchemaHash)
		state.refreshDeadline(schemaTimeout)
		if wasReady {
			return controlOutcome{Kind: controlOutcomeReset}, nil
		}
		return controlOutcome{Kind: controlOutcomeNone}, nil

	case protocol.Chunk:
		if state.phase != phaseAssembling {
			return controlOutcome{}, errControlProtocol(errUnexpectedControlMessage("CHUNK", state.phase))
		}
		if err := state.asm.append(m.Offset, m.Payload); err != nil {
			return controlOutcome{}, err.(*Error)
		}
		state.refreshDeadline(schemaTimeout)
		return controlOutcome{Kind: controlOutcomeNone}, nil

	case protocol.Commit:
		if state.phase != phaseAssembling {
			return controlOutcome{}, errControlProtocol(errUnexpectedControlMessage("COMMIT", state.phase))
		}
		raw, err := state.asm.finalize(m.SchemaHash)
		if err != nil {
			return controlOutcome{}, err.(*Error)
		}
		layouts, err := parseSchemaDocument(raw)
		if err != nil {
			return controlOutcome{}, err.(*Error)
		}
		for _, l := range layouts {
			if err := reg.Register(l); err != nil {
				return controlOutcome{}, errPacketRegisterFailed(err)
			}
		}
		monitor.Reset()
		state.phase = phaseReady
		state.schemaHash = m.SchemaHash
		state.asm = nil
		return controlOutcome{Kind: controlOutcomeReady, SchemaHash: m.SchemaHash, Layouts: layouts}, nil

	default:
		return controlOutcome{}, errControlProtocol(errUnexpectedControlMessage("unknown", state.phase))
	}
}

type unexpectedControlMessageError struct {
	opcode string
	phase  schemaPhase
}

func (e *unexpectedControlMessageError) Error() string {
	names := map[schemaPhase]string{phaseUnready: "Unready", phaseAssembling: "Assembling", phaseReady: "Ready"}
	return e.opcode + " received while in state " + names[e.phase]
}

func errUnexpectedControlMessage(opcode string, phase schemaPhase) error {
	return &unexpectedControlMessageError{opcode: opcode, phase: phase}
}

package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func encodeHello(totalLen uint32, hash uint64) []byte {
	body := make([]byte, helloPayloadLen)
	body[0] = ControlOpHello
	copy(body[1:5], ControlMagic[:])
	body[5] = ControlVersion
	binary.LittleEndian.PutUint32(body[6:10], totalLen)
	binary.LittleEndian.PutUint64(body[10:18], hash)
	return body
}

func encodeChunk(offset uint32, payload []byte) []byte {
	body := make([]byte, 7+len(payload))
	body[0] = ControlOpChunk
	binary.LittleEndian.PutUint32(body[1:5], offset)
	binary.LittleEndian.PutUint16(body[5:7], uint16(len(payload)))
	copy(body[7:], payload)
	return body
}

func encodeCommit(hash uint64) []byte {
	body := make([]byte, commitPayloadLen)
	body[0] = ControlOpCommit
	binary.LittleEndian.PutUint64(body[1:9], hash)
	return body
}

func TestParseControlMessage_Hello(t *testing.T) {
	msg, err := ParseControlMessage(encodeHello(12, 0xdeadbeefcafef00d))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("got %T, want Hello", msg)
	}
	if hello.TotalLen != 12 || hello.SchemaHash != 0xdeadbeefcafef00d {
		t.Errorf("hello = %+v", hello)
	}
}

func TestParseControlMessage_HelloBadMagic(t *testing.T) {
	body := encodeHello(12, 1)
	body[1] = 'X'
	_, err := ParseControlMessage(body)
	if !errors.Is(err, ErrBadControlMagic) {
		t.Fatalf("err = %v, want ErrBadControlMagic", err)
	}
}

func TestParseControlMessage_HelloBadVersion(t *testing.T) {
	body := encodeHello(12, 1)
	body[5] = 2
	_, err := ParseControlMessage(body)
	if !errors.Is(err, ErrUnsupportedControlVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedControlVersion", err)
	}
}

func TestParseControlMessage_Chunk(t *testing.T) {
	msg, err := ParseControlMessage(encodeChunk(5, []byte("hello")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunk, ok := msg.(Chunk)
	if !ok {
		t.Fatalf("got %T, want Chunk", msg)
	}
	if chunk.Offset != 5 || string(chunk.Payload) != "hello" {
		t.Errorf("chunk = %+v", chunk)
	}
}

func TestParseControlMessage_ChunkZeroLengthRejected(t *testing.T) {
	body := encodeChunk(0, nil)
	_, err := ParseControlMessage(body)
	if !errors.Is(err, ErrBadControlLength) {
		t.Fatalf("err = %v, want ErrBadControlLength", err)
	}
}

func TestParseControlMessage_Commit(t *testing.T) {
	msg, err := ParseControlMessage(encodeCommit(42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	commit, ok := msg.(Commit)
	if !ok {
		t.Fatalf("got %T, want Commit", msg)
	}
	if commit.SchemaHash != 42 {
		t.Errorf("commit = %+v", commit)
	}
}

func TestParseControlMessage_UnknownOpcode(t *testing.T) {
	_, err := ParseControlMessage([]byte{0x7F})
	if !errors.Is(err, ErrBadControlOpcode) {
		t.Fatalf("err = %v, want ErrBadControlOpcode", err)
	}
}

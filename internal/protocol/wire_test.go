package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestStuffDecode_EmptyFrame(t *testing.T) {
	got, err := StuffDecode(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestStuffDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  []byte
	}{
		{"no zeros", []byte{4, 'a', 'b', 'c'}, []byte("abc")},
		{"single embedded zero", []byte{2, 'a', 2, 'b'}, []byte{'a', 0, 'b'}},
		{"0xFF code suppresses synthesized zero", append(append([]byte{0xFF}, seqBytes(1, 254)...), 2, 'x'), append(seqBytes(1, 254), 'x')},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StuffDecode(tt.frame)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("StuffDecode(%v) = %v, want %v", tt.frame, got, tt.want)
			}
		})
	}
}

func seqBytes(from, to int) []byte {
	out := make([]byte, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, byte(i))
	}
	return out
}

func TestStuffDecode_InvalidCode(t *testing.T) {
	_, err := StuffDecode([]byte{0, 1, 2})
	if !errors.Is(err, ErrInvalidStuffingCode) {
		t.Fatalf("err = %v, want ErrInvalidStuffingCode", err)
	}
}

func TestStuffDecode_TruncatedFrame(t *testing.T) {
	_, err := StuffDecode([]byte{5, 'a', 'b'})
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("err = %v, want ErrTruncatedFrame", err)
	}
}

func TestHashSchemaBytes_KnownVector(t *testing.T) {
	// FNV-1a 64 offset basis, the hash of the empty input.
	if got := HashSchemaBytes(nil); got != 0xcbf29ce484222325 {
		t.Errorf("HashSchemaBytes(nil) = 0x%x, want 0xcbf29ce484222325", got)
	}
	if got := HashSchemaBytes([]byte("a")); got != 0xaf63dc4c8601ec8c {
		t.Errorf("HashSchemaBytes(\"a\") = 0x%x, want 0xaf63dc4c8601ec8c", got)
	}
}

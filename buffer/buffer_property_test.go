package buffer

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

var crlf = []byte("\r\n")

// splitLines is the reference model: complete CRLF lines plus the unterminated tail.
func splitLines(data []byte) ([][]byte, []byte) {
	var lines [][]byte
	for {
		idx := bytes.Index(data, crlf)
		if idx < 0 {
			return lines, data
		}
		lines = append(lines, data[:idx])
		data = data[idx+len(crlf):]
	}
}

func TestPropertyChunkingIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		alphabet := rapid.SampledFrom([]byte{'a', 'b', '\r', '\n'})
		data := rapid.SliceOfN(alphabet, 0, 512).Draw(t, "data")
		cuts := rapid.SliceOfN(rapid.IntRange(0, len(data)), 0, 16).Draw(t, "cuts")

		b := New()
		var got [][]byte
		drain := func() {
			for {
				line, err := b.ReadUntilDelimiter(crlf)
				if err == ErrUnderflow {
					return
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = append(got, line)
			}
		}

		prev := 0
		for _, c := range cuts {
			if c < prev {
				continue
			}
			b.Append(data[prev:c])
			drain()
			prev = c
		}
		b.Append(data[prev:])
		drain()

		want, tail := splitLines(data)
		if len(got) != len(want) {
			t.Fatalf("got %d lines, want %d", len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
			}
		}
		if rest := b.ReadAvailable(); !bytes.Equal(rest, tail) {
			t.Fatalf("tail: got %q, want %q", rest, tail)
		}
	})
}

func TestPropertyUnderflowDoesNotConsume(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		n := rapid.IntRange(0, 300).Draw(t, "n")

		b := New()
		b.Append(data)

		_, err := b.ReadExact(n)
		if n > len(data) {
			if err != ErrUnderflow {
				t.Fatalf("expected underflow, got %v", err)
			}
			if b.Available() != len(data) {
				t.Fatalf("cursor moved: %d available, want %d", b.Available(), len(data))
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.Available() != len(data)-n {
			t.Fatalf("%d available, want %d", b.Available(), len(data)-n)
		}
	})
}

func TestPropertyMaxBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.SliceOfN(rapid.SampledFrom([]byte{'x', 'y'}), 0, 64).Draw(t, "line")
		max := rapid.IntRange(0, 64).Draw(t, "max")

		b := New()
		b.Append(line)
		b.Append(crlf)

		got, err := b.ReadUntilDelimiterMax(crlf, max)
		if len(line) > max {
			if err != ErrMaxReadSizeExceeded {
				t.Fatalf("expected max read size exceeded, got %v", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(got, line) {
			t.Fatalf("got %q, want %q", got, line)
		}
	})
}

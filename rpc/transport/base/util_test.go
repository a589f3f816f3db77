package base

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xAB}, 4096)}
	for i, p := range payloads {
		if err := WriteFrame(&buf, uint64(i)+100, uint64(i), p); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	for i, p := range payloads {
		key, seq, data, err := ReadFrame(&buf, nil)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if key != uint64(i)+100 || seq != uint64(i) {
			t.Errorf("frame %d: unexpected header key=%d seq=%d", i, key, seq)
		}
		if !bytes.Equal(data, p) {
			t.Errorf("frame %d: payload mismatch", i)
		}
	}

	if _, _, _, err := ReadFrame(&buf, nil); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestReadFrameReusesBuffer(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, 2, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	scratch := make([]byte, 64)
	_, _, data, err := ReadFrame(&buf, scratch)
	if err != nil {
		t.Fatal(err)
	}
	if &data[0] != &scratch[0] {
		t.Errorf("expected payload to alias the provided buffer")
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, 2, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, _, _, err := ReadFrame(truncated, nil); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
)

type testRecord struct {
	ID   uint64 `msgpack:"id"`
	Name string `msgpack:"name"`
	Blob []byte `msgpack:"blob"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	want := []testRecord{
		{ID: 1, Name: "alpha", Blob: []byte{0x01, 0x02}},
		{ID: 2, Name: "", Blob: nil},
		{ID: 3, Name: "gamma", Blob: bytes.Repeat([]byte{0xff}, 70000)},
	}
	for _, rec := range want {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if w.Frames() != int64(len(want)) {
		t.Errorf("Frames() = %d, want %d", w.Frames(), len(want))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	for i, expected := range want {
		var got testRecord
		if err := r.Next(&got); err != nil {
			t.Fatalf("Next(%d) failed: %v", i, err)
		}
		if got.ID != expected.ID || got.Name != expected.Name || !bytes.Equal(got.Blob, expected.Blob) {
			t.Errorf("record %d = %+v, want %+v", i, got.ID, expected.ID)
		}
	}

	var extra testRecord
	if err := r.Next(&extra); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}

func TestEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if _, err := r.NextRaw(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

// compressRaw compresses arbitrary bytes so tests can build malformed frames.
func compressRaw(t *testing.T, raw []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	return &buf
}

func frame(payload []byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func TestTruncatedTrailingFrame(t *testing.T) {
	good := frame([]byte("complete"))

	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{
			name:    "short header",
			raw:     append(append([]byte{}, good...), 0x00, 0x00),
			wantErr: ErrShortHeader,
		},
		{
			name: "short payload",
			raw: func() []byte {
				bad := make([]byte, HeaderSize)
				binary.BigEndian.PutUint32(bad, 10)
				bad = append(bad, []byte("abc")...)
				return append(append([]byte{}, good...), bad...)
			}(),
			wantErr: ErrShortPayload,
		},
		{
			name:    "oversized header",
			raw:     append(append([]byte{}, good...), 0xFF, 0xFF, 0xFF, 0xF0, 'a', 'b', 'c'),
			wantErr: ErrFrameTooLarge,
		},
		{
			name: "largest frame cut short",
			raw: func() []byte {
				bad := make([]byte, HeaderSize)
				binary.BigEndian.PutUint32(bad, MaxFrameSize)
				bad = append(bad, []byte("abc")...)
				return append(append([]byte{}, good...), bad...)
			}(),
			wantErr: ErrShortPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(compressRaw(t, tt.raw))
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}

			payload, err := r.NextRaw()
			if err != nil {
				t.Fatalf("first frame failed: %v", err)
			}
			if string(payload) != "complete" {
				t.Errorf("first payload = %q", payload)
			}

			_, err = r.NextRaw()
			var fe *FramingError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FramingError, got %v", err)
			}
			if fe.Frame != 1 {
				t.Errorf("FramingError.Frame = %d, want 1", fe.Frame)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteRawRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteRaw(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if w.Frames() != 0 {
		t.Errorf("Frames() = %d, want 0", w.Frames())
	}
}

func TestTruncatedCompressedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.zz")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 200; i++ {
		if err := w.Write(testRecord{ID: uint64(i), Name: "row", Blob: bytes.Repeat([]byte{byte(i)}, 64)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0644); err != nil {
		t.Fatalf("truncate file: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		var fe *FramingError
		if !errors.As(err, &fe) {
			t.Fatalf("expected FramingError from Open, got %v", err)
		}
		return
	}
	defer r.Close()

	for {
		var rec testRecord
		err := r.Next(&rec)
		if err == nil {
			continue
		}
		if err == io.EOF {
			t.Fatal("truncated stream ended with a clean io.EOF")
		}
		var fe *FramingError
		if !errors.As(err, &fe) {
			t.Fatalf("expected FramingError, got %v", err)
		}
		break
	}
}

func TestNotCompressed(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("plain text, not zlib")))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

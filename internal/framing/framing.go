// Package framing reads and writes streams of length-framed records.
//
// Each record is a 4-byte big-endian payload length followed by exactly that
// many bytes of MessagePack. The whole stream passes through a zlib
// compressor, so a file holds one compressed stream of many frames.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// MaxFrameSize bounds a single payload. A header announcing more is treated
// as corruption.
const MaxFrameSize = 64 << 20

// FramingError reports a truncated or undecodable frame.
type FramingError struct {
	Frame int64 // zero-based frame number within the stream
	Err   error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// ErrShortHeader and ErrShortPayload describe where a frame was cut off.
var (
	ErrShortHeader   = errors.New("short frame header")
	ErrShortPayload  = errors.New("short frame payload")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Writer appends framed records to a compressed stream.
type Writer struct {
	zw     *zlib.Writer
	closer io.Closer
	frames int64
	bytes  int64
	header [HeaderSize]byte
}

// NewWriter wraps w. Close flushes the compressor but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{zw: zlib.NewWriter(w)}
}

// Create truncates or creates path and returns a writer that owns the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// Write serializes v and appends it as one frame.
func (w *Writer) Write(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame %d: %w", w.frames, err)
	}
	return w.WriteRaw(payload)
}

// WriteRaw appends an already serialized payload as one frame.
func (w *Writer) WriteRaw(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &FramingError{Frame: w.frames, Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))}
	}
	binary.BigEndian.PutUint32(w.header[:], uint32(len(payload)))
	if _, err := w.zw.Write(w.header[:]); err != nil {
		return fmt.Errorf("write frame %d header: %w", w.frames, err)
	}
	if _, err := w.zw.Write(payload); err != nil {
		return fmt.Errorf("write frame %d payload: %w", w.frames, err)
	}
	w.frames++
	w.bytes += int64(HeaderSize + len(payload))
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int64 {
	return w.frames
}

// Bytes returns the uncompressed byte count written so far.
func (w *Writer) Bytes() int64 {
	return w.bytes
}

// Close finishes the compressed stream and closes the owned file, if any.
func (w *Writer) Close() error {
	err := w.zw.Close()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads framed records from a compressed stream.
type Reader struct {
	zr     io.ReadCloser
	br     *bufio.Reader
	closer io.Closer
	frame  int64
	header [HeaderSize]byte
	buf    bytes.Buffer
}

// NewReader wraps r. A stream that is not zlib at all fails immediately.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zlib.NewReader(bufio.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FramingError{Frame: 0, Err: fmt.Errorf("open compressed stream: %w", err)}
	}
	return &Reader{zr: zr, br: bufio.NewReader(zr)}, nil
}

// Open opens path for reading. The returned reader owns the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NextRaw returns the next payload. The slice is only valid until the next
// call. It returns io.EOF when the stream ends cleanly on a frame boundary.
func (r *Reader) NextRaw() ([]byte, error) {
	n, err := io.ReadFull(r.br, r.header[:])
	switch {
	case err == io.EOF && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, &FramingError{Frame: r.frame, Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortHeader, n, HeaderSize)}
	case err != nil:
		return nil, &FramingError{Frame: r.frame, Err: err}
	}

	size := int64(binary.BigEndian.Uint32(r.header[:]))
	if size > MaxFrameSize {
		return nil, &FramingError{Frame: r.frame, Err: fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, size)}
	}

	// The buffer grows with the bytes actually read, not with the header.
	r.buf.Reset()
	if got, cerr := io.CopyN(&r.buf, r.br, size); cerr != nil {
		if cerr == io.EOF || errors.Is(cerr, io.ErrUnexpectedEOF) {
			cerr = fmt.Errorf("%w: got %d of %d bytes", ErrShortPayload, got, size)
		}
		return nil, &FramingError{Frame: r.frame, Err: cerr}
	}
	r.frame++
	return r.buf.Bytes(), nil
}

// Next decodes the next frame into v. It returns io.EOF at a clean end.
func (r *Reader) Next(v any) error {
	payload, err := r.NextRaw()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &FramingError{Frame: r.frame - 1, Err: fmt.Errorf("decode payload: %w", err)}
	}
	return nil
}

// Frames returns the number of complete frames read so far.
func (r *Reader) Frames() int64 {
	return r.frame
}

// Close releases the decompressor and the owned file, if any.
func (r *Reader) Close() error {
	err := r.zr.Close()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

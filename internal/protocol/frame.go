package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"
)

const readChunk = 4096

// Field is one tagged value. Its wire length is len(Value).
type Field struct {
	Tag   int32
	Value []byte
}

// Frame is one decoded wire unit.
type Frame struct {
	Magic  uint16
	Fields []Field
	// Raw holds the complete encoded frame, trailer included.
	Raw []byte
}

// Checksummed reports whether the frame carried a CRC32 trailer.
func (f *Frame) Checksummed() bool {
	return f.Magic == MagicChecked
}

// Message maps the frame's fields onto a Message through the schema.
func (f *Frame) Message() (*Message, error) {
	return fromFields(f.Fields)
}

// EncodeFrame serializes fields into a single frame.
func EncodeFrame(fields []Field, checksum bool) ([]byte, error) {
	total := 0
	for _, fd := range fields {
		total += FieldHeaderSize + len(fd.Value)
	}
	if total > math.MaxInt32 || len(fields) > math.MaxInt32 {
		return nil, ErrFrameTooLarge
	}

	size := HeaderSize + total
	magic := MagicPlain
	if checksum {
		size += ChecksumSize
		magic = MagicChecked
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], magic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(fields)))
	binary.BigEndian.PutUint32(buf[6:10], uint32(total))

	off := HeaderSize
	for _, fd := range fields {
		binary.BigEndian.PutUint32(buf[off:], uint32(fd.Tag))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(fd.Value)))
		off += FieldHeaderSize
		off += copy(buf[off:], fd.Value)
	}

	if checksum {
		binary.BigEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	}
	return buf, nil
}

// Decoder splits a byte stream into frames. It buffers partial input and
// never parses a frame until every byte it claims has arrived.
//
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder creates a decoder that rejects field sections larger than
// maxFrameBytes. Zero selects DefaultMaxFrameBytes.
func NewDecoder(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrame: maxFrameBytes}
}

// Feed appends stream bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, ErrNeedMore when the buffer holds only
// a prefix, or a *ProtocolError. After a ProtocolError the stream cannot be
// resynchronized and the decoder must be discarded.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < 2 {
		return nil, ErrNeedMore
	}
	magic := binary.BigEndian.Uint16(d.buf[0:2])
	if magic != MagicPlain && magic != MagicChecked {
		return nil, newError(CodeBadMagic, "bad magic 0x%04x", magic)
	}
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMore
	}

	count := int32(binary.BigEndian.Uint32(d.buf[2:6]))
	total := int32(binary.BigEndian.Uint32(d.buf[6:10]))
	if total < 0 || count < 0 {
		return nil, newError(CodeBadLength, "negative length (count=%d, total=%d)", count, total)
	}
	if int(total) > d.maxFrame {
		return nil, newError(CodeFrameTooLarge, "frame claims %d bytes, cap is %d", total, d.maxFrame)
	}
	if int64(count)*FieldHeaderSize > int64(total) {
		return nil, newError(CodeBadLength, "%d fields cannot fit in %d bytes", count, total)
	}

	need := HeaderSize + int(total)
	if magic == MagicChecked {
		need += ChecksumSize
	}
	if len(d.buf) < need {
		return nil, ErrNeedMore
	}

	body := HeaderSize + int(total)
	if magic == MagicChecked {
		want := binary.BigEndian.Uint32(d.buf[body:need])
		if got := crc32.ChecksumIEEE(d.buf[:body]); got != want {
			return nil, newError(CodeChecksum, "checksum mismatch (got 0x%08x, want 0x%08x)", got, want)
		}
	}

	raw := make([]byte, need)
	copy(raw, d.buf[:need])

	fields, err := parseFields(raw[HeaderSize:body], int(count))
	if err != nil {
		return nil, err
	}

	// Shift the remainder down so the buffer does not grow without bound on
	// long-lived connections.
	rest := copy(d.buf, d.buf[need:])
	d.buf = d.buf[:rest]

	return &Frame{Magic: magic, Fields: fields, Raw: raw}, nil
}

// ReadFrame returns the next frame, reading from r as often as needed. Bytes
// read past the frame stay buffered for the next call. io.EOF is returned
// only when r ends on a frame boundary; a stream ending mid-frame yields
// io.ErrUnexpectedEOF.
func (d *Decoder) ReadFrame(r io.Reader) (*Frame, error) {
	chunk := make([]byte, readChunk)
	for {
		f, err := d.Next()
		if !errors.Is(err, ErrNeedMore) {
			return f, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			d.Feed(chunk[:n])
			continue
		}
		if err == io.EOF && len(d.buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

func parseFields(section []byte, count int) ([]Field, error) {
	fields := make([]Field, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if len(section)-off < FieldHeaderSize {
			return nil, newError(CodeBadLength, "field %d header overruns frame", i)
		}
		tag := int32(binary.BigEndian.Uint32(section[off:]))
		n := int32(binary.BigEndian.Uint32(section[off+4:]))
		off += FieldHeaderSize
		if n < 0 || int(n) > len(section)-off {
			return nil, newError(CodeBadLength, "field %d (tag %d) length %d overruns frame", i, tag, n)
		}
		fields = append(fields, Field{Tag: tag, Value: section[off : off+int(n) : off+int(n)]})
		off += int(n)
	}
	if off != len(section) {
		return nil, newError(CodeBadLength, "%d trailing bytes after %d fields", len(section)-off, count)
	}
	return fields, nil
}

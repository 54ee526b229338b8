package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginMessage() *Message {
	return &Message{
		Type:        TypeLogin,
		IMEI:        "123",
		IMSI:        "456",
		LcdWidth:    1080,
		LcdHeight:   1920,
		AppType:     2,
		AudType:     1,
		NetworkType: 4,
		Token:       "T",
		Seq:         1 << 40,
		Timestamp:   1700000000000,
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{name: "login", msg: loginMessage()},
		{name: "ack", msg: Ack(ResultTokenMismatch, "token mismatch")},
		{name: "empty heartbeat", msg: &Message{Type: TypeHeartbeat}},
		{
			name: "endpoints",
			msg: &Message{
				Type:               TypeEndpoints,
				SessionID:          "inst-1",
				MediaEndpoint:      "rtp://10.0.0.1:5000",
				MediaTLSEndpoint:   "srtp://10.0.0.1:5001",
				ControlEndpoint:    "tcp://10.0.0.1:6000",
				ControlTLSEndpoint: "tls://10.0.0.1:6001",
				InnerMediaEndpoint: "rtp://192.168.0.1:5000",
			},
		},
		{
			name: "touch event with payload",
			msg: &Message{
				Type:    TypeEventTouch,
				X:       -12,
				Y:       900,
				Action:  ActionDown,
				Payload: []byte{0x00, 0xff, 0x10},
			},
		},
		{
			name: "unknown tags preserved",
			msg: &Message{
				Type:  TypeEventRaw,
				Text:  "héllo",
				Extra: []Field{{Tag: 900, Value: []byte("x")}, {Tag: 77, Value: []byte{}}},
			},
		},
	}

	for _, tt := range tests {
		for _, checksum := range []bool{false, true} {
			t.Run(tt.name, func(t *testing.T) {
				data, err := Marshal(tt.msg, checksum)
				require.NoError(t, err)

				got, err := Unmarshal(data)
				require.NoError(t, err)
				assert.Equal(t, tt.msg, got)
			})
		}
	}
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "123_456", loginMessage().SessionKey())
}

func TestDecoderByteAtATime(t *testing.T) {
	first, err := Marshal(loginMessage(), true)
	require.NoError(t, err)
	second, err := Marshal(&Message{Type: TypeHeartbeat, Seq: 2}, false)
	require.NoError(t, err)
	stream := append(append([]byte{}, first...), second...)

	d := NewDecoder(0)
	var frames []*Frame
	for _, b := range stream {
		d.Feed([]byte{b})
		for {
			f, err := d.Next()
			if errors.Is(err, ErrNeedMore) {
				break
			}
			require.NoError(t, err)
			frames = append(frames, f)
		}
	}

	require.Len(t, frames, 2)
	assert.True(t, frames[0].Checksummed())
	assert.False(t, frames[1].Checksummed())
	assert.Equal(t, first, frames[0].Raw)

	m, err := frames[1].Message()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, m.Type)
	assert.Equal(t, int64(2), m.Seq)
	assert.Zero(t, d.Buffered())
}

func TestChecksumDetectsEveryBitFlip(t *testing.T) {
	data, err := Marshal(loginMessage(), true)
	require.NoError(t, err)

	// Flip every bit of the field section; the header stays intact so the
	// decoder reaches the checksum comparison.
	for i := HeaderSize; i < len(data)-ChecksumSize; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte{}, data...)
			corrupt[i] ^= 1 << bit

			_, err := Unmarshal(corrupt)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.ErrorIs(t, err, ErrChecksum, "byte %d bit %d", i, bit)
		}
	}
}

func TestDecoderRejectsBadMagic(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{0xde, 0xad})

	_, err := d.Next()
	assert.ErrorIs(t, err, ErrBadMagic)
	_, ok := IsProtocolError(err)
	assert.True(t, ok)
}

func TestDecoderRejectsOversizedClaim(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(header, MagicPlain)
	binary.BigEndian.PutUint32(header[2:], 1)
	binary.BigEndian.PutUint32(header[6:], 4096)

	d := NewDecoder(1024)
	d.Feed(header)
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderRejectsNegativeLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(header, MagicPlain)
	binary.BigEndian.PutUint32(header[6:], 0xffffffff)

	d := NewDecoder(0)
	d.Feed(header)
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestDecoderRejectsInconsistentFieldCount(t *testing.T) {
	data, err := Marshal(&Message{Type: TypeHeartbeat}, false)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[2:6], 0)

	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestDecoderWaitsForClaimedBytes(t *testing.T) {
	data, err := Marshal(loginMessage(), false)
	require.NoError(t, err)

	d := NewDecoder(0)
	d.Feed(data[:len(data)-1])
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)

	d.Feed(data[len(data)-1:])
	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, data, f.Raw)
}

func TestDecodeRejectsWrongIntWidth(t *testing.T) {
	data, err := EncodeFrame([]Field{{Tag: TagLcdWidth, Value: []byte{1, 2}}}, false)
	require.NoError(t, err)

	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrBadField)
}

func TestUnmarshalTruncated(t *testing.T) {
	data, err := Marshal(loginMessage(), false)
	require.NoError(t, err)

	_, err = Unmarshal(data[:HeaderSize+3])
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestSchemaKindsMatchBindings(t *testing.T) {
	m := &Message{}
	for _, spec := range Schema() {
		var want Kind
		switch spec.ref(m).(type) {
		case *string:
			want = KindString
		case *int32:
			want = KindInt32
		case *int64:
			want = KindInt64
		case *[]byte:
			want = KindBytes
		}
		assert.Equal(t, want, spec.Kind, spec.Name)
	}

	spec, ok := Lookup(TagToken)
	require.True(t, ok)
	assert.Equal(t, "token", spec.Name)
	_, ok = Lookup(999)
	assert.False(t, ok)
}

func TestMessageTypeIsEvent(t *testing.T) {
	assert.False(t, TypeLogin.IsEvent())
	assert.False(t, TypeEndpoints.IsEvent())
	assert.True(t, TypeEventKey.IsEvent())
	assert.True(t, MessageType(99).IsEvent())
	assert.Equal(t, "EVENT_MOUSE", TypeEventMouse.String())
}

func TestDecoderReadFrame(t *testing.T) {
	a, err := Marshal(&Message{Type: TypeHeartbeat, IMEI: "1", IMSI: "2"}, false)
	require.NoError(t, err)
	b, err := Marshal(&Message{Type: TypeLogout}, true)
	require.NoError(t, err)

	r := iotest.OneByteReader(bytes.NewReader(append(a, b...)))
	d := NewDecoder(DefaultMaxFrameBytes)

	f, err := d.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, a, f.Raw)

	f, err = d.ReadFrame(r)
	require.NoError(t, err)
	assert.True(t, f.Checksummed())

	_, err = d.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)

	d = NewDecoder(DefaultMaxFrameBytes)
	_, err = d.ReadFrame(bytes.NewReader(a[:len(a)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

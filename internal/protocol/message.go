package protocol

import (
	"errors"
	"fmt"
)

// Message is the schema-decoded view of a frame. Zero-valued fields are not
// put on the wire.
type Message struct {
	Type        MessageType
	IMEI        string
	IMSI        string
	LcdWidth    int32
	LcdHeight   int32
	AppType     int32
	AudType     int32
	NetworkType int32
	Token       string
	SessionID   string

	Result    ResultCode
	Reason    string
	Seq       int64
	Timestamp int64

	MediaEndpoint      string
	MediaTLSEndpoint   string
	ControlEndpoint    string
	ControlTLSEndpoint string
	InnerMediaEndpoint string

	Payload []byte

	X       int32
	Y       int32
	Action  int32
	KeyCode int32
	Text    string
	Button  int32

	// Extra keeps fields with tags the schema does not define, in arrival
	// order. They are re-emitted on encode and otherwise ignored.
	Extra []Field
}

// SessionKey is the stable device identity derived from IMEI and IMSI.
func (m *Message) SessionKey() string {
	return m.IMEI + "_" + m.IMSI
}

// Fields lists the message's wire fields in schema order followed by Extra.
func (m *Message) Fields() []Field {
	fields := make([]Field, 0, 8+len(m.Extra))
	for i := range schema {
		if v, ok := encodeValue(&schema[i], m); ok {
			fields = append(fields, Field{Tag: schema[i].Tag, Value: v})
		}
	}
	return append(fields, m.Extra...)
}

// Marshal encodes m into one frame, with a CRC32 trailer when checksum is set.
func Marshal(m *Message, checksum bool) ([]byte, error) {
	return EncodeFrame(m.Fields(), checksum)
}

// Unmarshal decodes exactly one complete frame.
func Unmarshal(data []byte) (*Message, error) {
	d := NewDecoder(len(data))
	d.Feed(data)
	f, err := d.Next()
	if err != nil {
		if errors.Is(err, ErrNeedMore) {
			return nil, newError(CodeBadLength, "truncated frame (%d bytes)", len(data))
		}
		return nil, err
	}
	if d.Buffered() != 0 {
		return nil, newError(CodeBadLength, "%d bytes after frame", d.Buffered())
	}
	return f.Message()
}

func fromFields(fields []Field) (*Message, error) {
	m := &Message{}
	for _, fd := range fields {
		spec, ok := specByTag[fd.Tag]
		if !ok {
			v := make([]byte, len(fd.Value))
			copy(v, fd.Value)
			m.Extra = append(m.Extra, Field{Tag: fd.Tag, Value: v})
			continue
		}
		if err := decodeValue(spec, m, fd.Value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Ack builds an acknowledgement carrying result and an optional reason.
func Ack(result ResultCode, reason string) *Message {
	return &Message{Type: TypeAck, Result: result, Reason: reason}
}

func (m *Message) String() string {
	if m.Type == TypeAck {
		return fmt.Sprintf("%s(result=%d)", m.Type, m.Result)
	}
	return fmt.Sprintf("%s(key=%s)", m.Type, m.SessionKey())
}

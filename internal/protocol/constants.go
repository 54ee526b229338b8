// Package protocol implements the device wire protocol: a length-delimited
// frame carrying tagged fields (TLV), decoded through a static schema table.
//
// Frame layout (all integers big-endian):
//
//	magic(2) | fieldCount(4) | totalLength(4) | fields... | crc32(4, optional)
//	field:   tag(4) | length(4) | value(length)
//
// The trailing CRC32 is present only when the magic is MagicChecked and
// covers everything before it.
package protocol

const (
	// MagicPlain marks a frame without checksum trailer ("BG").
	MagicPlain uint16 = 0x4247
	// MagicChecked marks a frame followed by an IEEE CRC32 trailer ("BC").
	MagicChecked uint16 = 0x4243

	// HeaderSize is magic + fieldCount + totalLength.
	HeaderSize = 10
	// FieldHeaderSize is tag + length.
	FieldHeaderSize = 8
	// ChecksumSize is the CRC32 trailer length.
	ChecksumSize = 4

	// DefaultMaxFrameBytes caps the field section of a single frame.
	DefaultMaxFrameBytes = 1 << 20
)

// MessageType is the logical message kind carried in TagType.
type MessageType int32

const (
	TypeLogin     MessageType = 1
	TypeHeartbeat MessageType = 2
	TypeLogout    MessageType = 3
	TypeAck       MessageType = 4
	TypeEndpoints MessageType = 5

	// Every type at or above TypeEventKey is an input event forwarded to the
	// browser instance.
	TypeEventKey   MessageType = 16
	TypeEventTouch MessageType = 17
	TypeEventMouse MessageType = 18
	TypeEventText  MessageType = 19
	TypeEventRaw   MessageType = 20
)

// IsEvent reports whether t is an input event type.
func (t MessageType) IsEvent() bool {
	return t >= TypeEventKey
}

func (t MessageType) String() string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeLogout:
		return "LOGOUT"
	case TypeAck:
		return "ACK"
	case TypeEndpoints:
		return "ENDPOINTS"
	case TypeEventKey:
		return "EVENT_KEY"
	case TypeEventTouch:
		return "EVENT_TOUCH"
	case TypeEventMouse:
		return "EVENT_MOUSE"
	case TypeEventText:
		return "EVENT_TEXT"
	case TypeEventRaw:
		return "EVENT_RAW"
	}
	if t.IsEvent() {
		return "EVENT"
	}
	return "UNKNOWN"
}

// ResultCode is carried in TagResult of an ACK.
type ResultCode int32

const (
	ResultOK               ResultCode = 0
	ResultInvalidParams    ResultCode = 1
	ResultNoBind           ResultCode = 2
	ResultTokenMismatch    ResultCode = 3
	ResultNotAuthenticated ResultCode = 4
	ResultBackendFailure   ResultCode = 5
	ResultUnsupported      ResultCode = 6
)

// Input event actions carried in TagAction.
const (
	ActionDown   int32 = 1
	ActionUp     int32 = 2
	ActionMove   int32 = 3
	ActionCancel int32 = 4
	ActionWheel  int32 = 5
)

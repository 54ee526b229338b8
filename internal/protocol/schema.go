package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind is the encoding of a field value.
type Kind uint8

const (
	KindString Kind = iota + 1 // raw UTF-8, field length is string length
	KindInt32                  // 4 bytes big-endian
	KindInt64                  // 8 bytes big-endian
	KindBytes                  // opaque
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindBytes:
		return "bytes"
	}
	return "unknown"
}

// Wire tags. Numbers are never reused for a different meaning; new fields
// take unused numbers.
const (
	TagType               int32 = 1
	TagIMEI               int32 = 2
	TagIMSI               int32 = 3
	TagLcdWidth           int32 = 4
	TagLcdHeight          int32 = 5
	TagAppType            int32 = 6
	TagAudType            int32 = 7
	TagNetworkType        int32 = 8
	TagToken              int32 = 9
	TagSessionID          int32 = 10
	TagResult             int32 = 11
	TagReason             int32 = 12
	TagSeq                int32 = 13
	TagTimestamp          int32 = 14
	TagMediaEndpoint      int32 = 20
	TagMediaTLSEndpoint   int32 = 21
	TagControlEndpoint    int32 = 22
	TagControlTLSEndpoint int32 = 23
	TagInnerMediaEndpoint int32 = 24
	TagPayload            int32 = 30
	TagX                  int32 = 40
	TagY                  int32 = 41
	TagAction             int32 = 42
	TagKeyCode            int32 = 43
	TagText               int32 = 44
	TagButton             int32 = 45
)

// FieldSpec binds a wire tag to a named Message field.
type FieldSpec struct {
	Tag  int32
	Name string
	Kind Kind
	// ref returns a pointer to the bound Message field: *string, *int32,
	// *int64 or *[]byte, matching Kind.
	ref func(m *Message) interface{}
}

// schema is ordered by tag; Marshal emits fields in this order.
var schema = []FieldSpec{
	{TagType, "type", KindInt32, func(m *Message) interface{} { return (*int32)(&m.Type) }},
	{TagIMEI, "imei", KindString, func(m *Message) interface{} { return &m.IMEI }},
	{TagIMSI, "imsi", KindString, func(m *Message) interface{} { return &m.IMSI }},
	{TagLcdWidth, "lcdWidth", KindInt32, func(m *Message) interface{} { return &m.LcdWidth }},
	{TagLcdHeight, "lcdHeight", KindInt32, func(m *Message) interface{} { return &m.LcdHeight }},
	{TagAppType, "appType", KindInt32, func(m *Message) interface{} { return &m.AppType }},
	{TagAudType, "audType", KindInt32, func(m *Message) interface{} { return &m.AudType }},
	{TagNetworkType, "networkType", KindInt32, func(m *Message) interface{} { return &m.NetworkType }},
	{TagToken, "token", KindString, func(m *Message) interface{} { return &m.Token }},
	{TagSessionID, "sessionId", KindString, func(m *Message) interface{} { return &m.SessionID }},
	{TagResult, "result", KindInt32, func(m *Message) interface{} { return (*int32)(&m.Result) }},
	{TagReason, "reason", KindString, func(m *Message) interface{} { return &m.Reason }},
	{TagSeq, "seq", KindInt64, func(m *Message) interface{} { return &m.Seq }},
	{TagTimestamp, "timestamp", KindInt64, func(m *Message) interface{} { return &m.Timestamp }},
	{TagMediaEndpoint, "mediaEndpoint", KindString, func(m *Message) interface{} { return &m.MediaEndpoint }},
	{TagMediaTLSEndpoint, "mediaTlsEndpoint", KindString, func(m *Message) interface{} { return &m.MediaTLSEndpoint }},
	{TagControlEndpoint, "controlEndpoint", KindString, func(m *Message) interface{} { return &m.ControlEndpoint }},
	{TagControlTLSEndpoint, "controlTlsEndpoint", KindString, func(m *Message) interface{} { return &m.ControlTLSEndpoint }},
	{TagInnerMediaEndpoint, "innerMediaEndpoint", KindString, func(m *Message) interface{} { return &m.InnerMediaEndpoint }},
	{TagPayload, "payload", KindBytes, func(m *Message) interface{} { return &m.Payload }},
	{TagX, "x", KindInt32, func(m *Message) interface{} { return &m.X }},
	{TagY, "y", KindInt32, func(m *Message) interface{} { return &m.Y }},
	{TagAction, "action", KindInt32, func(m *Message) interface{} { return &m.Action }},
	{TagKeyCode, "keyCode", KindInt32, func(m *Message) interface{} { return &m.KeyCode }},
	{TagText, "text", KindString, func(m *Message) interface{} { return &m.Text }},
	{TagButton, "button", KindInt32, func(m *Message) interface{} { return &m.Button }},
}

var specByTag = make(map[int32]*FieldSpec, len(schema))

func init() {
	var last int32
	for i := range schema {
		s := &schema[i]
		if _, dup := specByTag[s.Tag]; dup {
			panic(fmt.Sprintf("protocol: duplicate tag %d", s.Tag))
		}
		if s.Tag <= last {
			panic(fmt.Sprintf("protocol: schema not ordered at tag %d", s.Tag))
		}
		last = s.Tag
		specByTag[s.Tag] = s
	}
}

// Lookup returns the schema entry for tag.
func Lookup(tag int32) (FieldSpec, bool) {
	s, ok := specByTag[tag]
	if !ok {
		return FieldSpec{}, false
	}
	return *s, true
}

// Schema returns a copy of the tag table in wire order.
func Schema() []FieldSpec {
	out := make([]FieldSpec, len(schema))
	copy(out, schema)
	return out
}

// encodeValue returns the wire value for fs's field in m, or false when the
// field holds its zero value and is omitted.
func encodeValue(fs *FieldSpec, m *Message) ([]byte, bool) {
	switch p := fs.ref(m).(type) {
	case *string:
		if *p == "" {
			return nil, false
		}
		return []byte(*p), true
	case *int32:
		if *p == 0 {
			return nil, false
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(*p))
		return b, true
	case *int64:
		if *p == 0 {
			return nil, false
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(*p))
		return b, true
	case *[]byte:
		if len(*p) == 0 {
			return nil, false
		}
		b := make([]byte, len(*p))
		copy(b, *p)
		return b, true
	}
	panic(fmt.Sprintf("protocol: tag %d bound to unsupported type", fs.Tag))
}

// decodeValue stores a wire value into fs's field in m.
func decodeValue(fs *FieldSpec, m *Message, v []byte) error {
	switch p := fs.ref(m).(type) {
	case *string:
		*p = string(v)
	case *int32:
		if len(v) != 4 {
			return newError(CodeBadField, "%s: int32 needs 4 bytes, got %d", fs.Name, len(v))
		}
		*p = int32(binary.BigEndian.Uint32(v))
	case *int64:
		if len(v) != 8 {
			return newError(CodeBadField, "%s: int64 needs 8 bytes, got %d", fs.Name, len(v))
		}
		*p = int64(binary.BigEndian.Uint64(v))
	case *[]byte:
		b := make([]byte, len(v))
		copy(b, v)
		*p = b
	default:
		panic(fmt.Sprintf("protocol: tag %d bound to unsupported type", fs.Tag))
	}
	return nil
}

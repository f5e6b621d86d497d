// Package codec implements the FIX tag=value wire format: SOH-delimited
// encoding with BodyLength and CheckSum computed from scratch, and decoding
// of a byte stream into complete messages plus an unconsumed tail.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// SOH is the FIX field delimiter, ASCII 0x01.
const SOH = 0x01

var (
	// ErrMalformedFrame is returned when tags 8, 9, 35 are not present in
	// that order at the start of a frame.
	ErrMalformedFrame = errors.New("codec: malformed frame")
	// ErrBadBodyLength is returned when the declared BodyLength does not
	// land exactly on a CheckSum field.
	ErrBadBodyLength = errors.New("codec: bad body length")
	// ErrBadCheckSum is returned when the computed checksum does not match
	// the declared one.
	ErrBadCheckSum = errors.New("codec: bad checksum")

	errIncomplete = errors.New("codec: incomplete frame")
)

// Field is a single tag=value pair.
type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of fields, including the standard header (8, 9,
// 35, ...) and trailer (10) tags once decoded or assembled.
type Message struct {
	Fields []Field
}

// Get returns the first value for tag, if present.
func (m *Message) Get(tag int) (string, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// MsgType returns tag 35.
func (m *Message) MsgType() string {
	v, _ := m.Get(35)
	return v
}

// SenderCompID returns tag 49.
func (m *Message) SenderCompID() string {
	v, _ := m.Get(49)
	return v
}

// TargetCompID returns tag 56.
func (m *Message) TargetCompID() string {
	v, _ := m.Get(56)
	return v
}

// MsgSeqNum returns tag 34, parsed as an integer.
func (m *Message) MsgSeqNum() (int, error) {
	v, ok := m.Get(34)
	if !ok {
		return 0, fmt.Errorf("codec: message has no MsgSeqNum")
	}
	return strconv.Atoi(v)
}

// PossDup reports whether tag 43 is "Y".
func (m *Message) PossDup() bool {
	v, _ := m.Get(43)
	return v == "Y"
}

// BeginString returns tag 8.
func (m *Message) BeginString() string {
	v, _ := m.Get(8)
	return v
}

// Body returns the fields between MsgType and CheckSum, i.e. everything
// excluding tags 8, 9, 10.
func (m *Message) Body() []Field {
	out := make([]Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		switch f.Tag {
		case 8, 9, 10:
			continue
		}
		out = append(out, f)
	}
	return out
}

func checksum(b []byte) int {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Encode renders fields (which must exclude tags 8, 9, and 10 — the caller
// supplies everything from MsgType onward, in wire order) into a complete
// FIX frame: BeginString and BodyLength are prepended and CheckSum is
// appended, both computed here rather than recovered after the fact.
func Encode(beginString string, fields []Field) []byte {
	var body bytes.Buffer
	for _, f := range fields {
		body.WriteString(strconv.Itoa(f.Tag))
		body.WriteByte('=')
		body.WriteString(f.Value)
		body.WriteByte(SOH)
	}
	bodyBytes := body.Bytes()

	var buf bytes.Buffer
	buf.WriteString("8=")
	buf.WriteString(beginString)
	buf.WriteByte(SOH)
	buf.WriteString("9=")
	buf.WriteString(strconv.Itoa(len(bodyBytes)))
	buf.WriteByte(SOH)
	buf.Write(bodyBytes)

	sum := checksum(buf.Bytes())
	buf.WriteString("10=")
	buf.WriteString(fmt.Sprintf("%03d", sum))
	buf.WriteByte(SOH)

	return buf.Bytes()
}

// scanField reads one tag=value<SOH> field from the front of buf, returning
// the number of bytes consumed. errIncomplete means buf does not yet contain
// a full field; any other error is a real protocol violation.
func scanField(buf []byte) (tag int, value []byte, n int, err error) {
	eq := bytes.IndexByte(buf, '=')
	if eq < 0 {
		return 0, nil, 0, errIncomplete
	}
	rest := buf[eq+1:]
	soh := bytes.IndexByte(rest, SOH)
	if soh < 0 {
		return 0, nil, 0, errIncomplete
	}
	t, convErr := strconv.Atoi(string(buf[:eq]))
	if convErr != nil {
		return 0, nil, 0, ErrMalformedFrame
	}
	return t, rest[:soh], eq + 1 + soh + 1, nil
}

func parseFields(body []byte) ([]Field, error) {
	var fields []Field
	pos := 0
	for pos < len(body) {
		t, v, n, err := scanField(body[pos:])
		if err != nil {
			if errors.Is(err, errIncomplete) {
				return nil, ErrBadBodyLength
			}
			return nil, err
		}
		fields = append(fields, Field{Tag: t, Value: string(v)})
		pos += n
	}
	return fields, nil
}

// decodeOne parses a single frame from the front of buf. It returns
// errIncomplete if buf does not yet hold a complete frame.
func decodeOne(buf []byte) (*Message, int, error) {
	tag8, beginString, n, err := scanField(buf)
	if err != nil {
		return nil, 0, err
	}
	if tag8 != 8 {
		return nil, 0, ErrMalformedFrame
	}
	pos := n

	tag9, lenVal, n, err := scanField(buf[pos:])
	if err != nil {
		return nil, 0, err
	}
	if tag9 != 9 {
		return nil, 0, ErrMalformedFrame
	}
	bodyLen, convErr := strconv.Atoi(string(lenVal))
	if convErr != nil || bodyLen < 0 {
		return nil, 0, ErrMalformedFrame
	}
	pos += n

	bodyStart := pos
	if len(buf) < bodyStart+bodyLen {
		return nil, 0, errIncomplete
	}
	body := buf[bodyStart : bodyStart+bodyLen]
	pos = bodyStart + bodyLen

	tag10, csVal, n, err := scanField(buf[pos:])
	if err != nil {
		if errors.Is(err, errIncomplete) {
			return nil, 0, errIncomplete
		}
		return nil, 0, err
	}
	if tag10 != 10 {
		return nil, 0, ErrBadBodyLength
	}
	if len(csVal) != 3 {
		return nil, 0, ErrMalformedFrame
	}
	declared, convErr := strconv.Atoi(string(csVal))
	if convErr != nil {
		return nil, 0, ErrMalformedFrame
	}
	pos += n

	computed := checksum(buf[:bodyStart+bodyLen])
	if computed != declared {
		return nil, 0, ErrBadCheckSum
	}

	fields, err := parseFields(body)
	if err != nil {
		return nil, 0, err
	}
	if len(fields) == 0 || fields[0].Tag != 35 {
		return nil, 0, ErrMalformedFrame
	}

	full := make([]Field, 0, len(fields)+3)
	full = append(full, Field{Tag: 8, Value: string(beginString)})
	full = append(full, Field{Tag: 9, Value: strconv.Itoa(bodyLen)})
	full = append(full, fields...)
	full = append(full, Field{Tag: 10, Value: string(csVal)})

	return &Message{Fields: full}, pos, nil
}

// Decode extracts as many complete messages as are present in data, and
// returns the unconsumed tail. It stops at the first error, returning the
// messages decoded so far and the remainder of data starting at the failed
// frame so the caller can decide how to recover.
func Decode(data []byte) (msgs []*Message, tail []byte, err error) {
	offset := 0
	for offset < len(data) {
		msg, consumed, decErr := decodeOne(data[offset:])
		if decErr != nil {
			if errors.Is(decErr, errIncomplete) {
				return msgs, data[offset:], nil
			}
			return msgs, data[offset:], decErr
		}
		msgs = append(msgs, msg)
		offset += consumed
	}
	return msgs, nil, nil
}

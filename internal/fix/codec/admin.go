package codec

import (
	"strconv"
	"time"
)

// TimeLayout is the FIX UTCTimestamp format used in tags 52 and 122.
const TimeLayout = "20060102-15:04:05.000"

// WithHeader assembles a complete body field list in standard FIX order:
// MsgType, SenderCompID, TargetCompID, MsgSeqNum, SendingTime, optional
// PossDupFlag/OrigSendingTime, then the message-specific fields. The session
// owns every field this function attaches; body must not duplicate them.
//
// This is the single place header assembly happens, replacing the ad hoc
// per-call-site field building the source repeats for every message it
// sends.
func WithHeader(msgType, senderCompID, targetCompID string, msgSeqNum int, sendingTime time.Time, possDup bool, origSendingTime time.Time, body []Field) []Field {
	fields := make([]Field, 0, len(body)+6)
	fields = append(fields,
		Field{Tag: 35, Value: msgType},
		Field{Tag: 49, Value: senderCompID},
		Field{Tag: 56, Value: targetCompID},
		Field{Tag: 34, Value: strconv.Itoa(msgSeqNum)},
		Field{Tag: 52, Value: sendingTime.UTC().Format(TimeLayout)},
	)
	if possDup {
		fields = append(fields,
			Field{Tag: 43, Value: "Y"},
			Field{Tag: 122, Value: origSendingTime.UTC().Format(TimeLayout)},
		)
	}
	return append(fields, body...)
}

// NewLogon builds the body fields for a Logon (35=A) beyond the standard
// header: EncryptMethod (98), HeartBtInt (108), and ResetSeqNumFlag (141)
// when requested.
func NewLogon(heartBtInt int, resetSeqNumFlag bool) []Field {
	fields := []Field{
		{Tag: 98, Value: "0"},
		{Tag: 108, Value: strconv.Itoa(heartBtInt)},
	}
	if resetSeqNumFlag {
		fields = append(fields, Field{Tag: 141, Value: "Y"})
	}
	return fields
}

// NewLogout builds the body fields for a Logout (35=5), with an optional
// free-text reason (58).
func NewLogout(text string) []Field {
	if text == "" {
		return nil
	}
	return []Field{{Tag: 58, Value: text}}
}

// NewHeartbeat builds the body fields for a Heartbeat (35=0); testReqID
// echoes tag 112 when the heartbeat answers a TestRequest.
func NewHeartbeat(testReqID string) []Field {
	if testReqID == "" {
		return nil
	}
	return []Field{{Tag: 112, Value: testReqID}}
}

// NewTestRequest builds the body fields for a TestRequest (35=1).
func NewTestRequest(testReqID string) []Field {
	return []Field{{Tag: 112, Value: testReqID}}
}

// NewResendRequest builds the body fields for a ResendRequest (35=2):
// BeginSeqNo (7) and EndSeqNo (16). endSeqNo of 0 means "to infinity".
func NewResendRequest(beginSeqNo, endSeqNo int) []Field {
	return []Field{
		{Tag: 7, Value: strconv.Itoa(beginSeqNo)},
		{Tag: 16, Value: strconv.Itoa(endSeqNo)},
	}
}

// NewSequenceResetGapFill builds the body fields for a SequenceReset (35=4)
// with GapFillFlag=Y: NewSeqNo (36), GapFillFlag (123).
func NewSequenceResetGapFill(newSeqNo int) []Field {
	return []Field{
		{Tag: 123, Value: "Y"},
		{Tag: 36, Value: strconv.Itoa(newSeqNo)},
	}
}

// NewSequenceResetReset builds the body fields for a hard SequenceReset
// (35=4, GapFillFlag=N or absent): NewSeqNo (36).
func NewSequenceResetReset(newSeqNo int) []Field {
	return []Field{
		{Tag: 123, Value: "N"},
		{Tag: 36, Value: strconv.Itoa(newSeqNo)},
	}
}

// NewReject builds the body fields for a Reject (35=3): RefSeqNum (45),
// SessionRejectReason (373), Text (58).
func NewReject(refSeqNum int, reason int, text string) []Field {
	fields := []Field{
		{Tag: 45, Value: strconv.Itoa(refSeqNum)},
		{Tag: 373, Value: strconv.Itoa(reason)},
	}
	if text != "" {
		fields = append(fields, Field{Tag: 58, Value: text})
	}
	return fields
}

// MsgType constants for the admin message types the session handles
// internally.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// IsAdmin reports whether msgType is one the session handles internally
// rather than surfacing to the application handler.
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	default:
		return false
	}
}

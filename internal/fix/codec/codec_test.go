package codec

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sendingTime := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	body := WithHeader(MsgTypeLogon, "S", "T", 1, sendingTime, false, time.Time{}, NewLogon(30, false))
	frame := Encode("FIX.4.2", body)

	msgs, tail, err := Decode(frame)
	require.NoError(t, err)
	require.Empty(t, tail)
	require.Len(t, msgs, 1)

	got := msgs[0]
	assert.Equal(t, "FIX.4.2", got.BeginString())
	assert.Equal(t, MsgTypeLogon, got.MsgType())
	assert.Equal(t, "S", got.SenderCompID())
	assert.Equal(t, "T", got.TargetCompID())
	seq, err := got.MsgSeqNum()
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
	assert.False(t, got.PossDup())
}

func TestEncodeComputesBodyLengthAndCheckSumFromScratch(t *testing.T) {
	sendingTime := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	body := WithHeader(MsgTypeHeartbeat, "S", "T", 2, sendingTime, false, time.Time{}, nil)
	frame := Encode("FIX.4.2", body)

	msgs, _, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	bodyLenField, ok := msgs[0].Get(9)
	require.True(t, ok)
	checksumField, ok := msgs[0].Get(10)
	require.True(t, ok)

	// Recompute independently of the codec's own encode path: BodyLength
	// is every byte from after "9=<n><SOH>" up to (not including) "10=".
	trailerLen := len("10=") + len(checksumField) + 1 // +1 for the trailing SOH
	bodyStart := len("8=FIX.4.2") + 1 + len("9="+bodyLenField) + 1
	wantBody := frame[bodyStart : len(frame)-trailerLen]
	assert.Equal(t, fmt.Sprintf("%d", len(wantBody)), bodyLenField)

	var sum int
	for _, b := range frame[:len(frame)-trailerLen] {
		sum += int(b)
	}
	assert.Equal(t, fmt.Sprintf("%03d", sum%256), checksumField)
}

func TestDecodeRejectsBadCheckSum(t *testing.T) {
	frame := Encode("FIX.4.2", WithHeader(MsgTypeHeartbeat, "S", "T", 1, time.Now(), false, time.Time{}, nil))
	// Corrupt the checksum digits in place (last field is "10=ccc<SOH>").
	corrupted := append([]byte(nil), frame...)
	corrupted[len(corrupted)-2] = '9'
	corrupted[len(corrupted)-3] = '9'
	corrupted[len(corrupted)-4] = '9'

	_, _, err := Decode(corrupted)
	assert.ErrorIs(t, err, ErrBadCheckSum)
}

func TestDecodeHandlesIncompleteTail(t *testing.T) {
	frame := Encode("FIX.4.2", WithHeader(MsgTypeHeartbeat, "S", "T", 1, time.Now(), false, time.Time{}, nil))
	partial := frame[:len(frame)-3]

	msgs, tail, err := Decode(partial)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, partial, tail)
}

func TestDecodeMultipleMessagesInOneBuffer(t *testing.T) {
	a := Encode("FIX.4.2", WithHeader(MsgTypeHeartbeat, "S", "T", 1, time.Now(), false, time.Time{}, nil))
	b := Encode("FIX.4.2", WithHeader(MsgTypeHeartbeat, "S", "T", 2, time.Now(), false, time.Time{}, nil))

	msgs, tail, err := Decode(append(a, b...))
	require.NoError(t, err)
	require.Empty(t, tail)
	require.Len(t, msgs, 2)
	seq1, _ := msgs[0].MsgSeqNum()
	seq2, _ := msgs[1].MsgSeqNum()
	assert.Equal(t, 1, seq1)
	assert.Equal(t, 2, seq2)
}

func TestDecodeAllowsEmptyTagValue(t *testing.T) {
	frame := Encode("FIX.4.2", WithHeader(MsgTypeLogout, "S", "T", 1, time.Now(), false, time.Time{}, []Field{{Tag: 58, Value: ""}}))
	msgs, _, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v, ok := msgs[0].Get(58)
	require.True(t, ok)
	assert.Empty(t, v)
}

func TestPossDupCarriesOrigSendingTime(t *testing.T) {
	sendingTime := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	orig := sendingTime.Add(-time.Minute)
	frame := Encode("FIX.4.2", WithHeader(MsgTypeHeartbeat, "S", "T", 5, sendingTime, true, orig, nil))
	msgs, _, err := Decode(frame)
	require.NoError(t, err)
	require.True(t, msgs[0].PossDup())
	v, ok := msgs[0].Get(122)
	require.True(t, ok)
	assert.Equal(t, orig.Format(TimeLayout), v)
}

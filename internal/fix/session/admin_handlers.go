package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/log"
)

// errSessionLoggedOutByPeer ends Serve's loop cleanly when the peer
// initiates Logout; it is not itself a failure.
var errSessionLoggedOutByPeer = errors.New("session: logged out by peer")

// errNoResponseToTestRequest fires the 2x-heartbeat-interval silence
// timeout.
var errNoResponseToTestRequest = errors.New("session: no response within two heartbeat intervals")

// maxConsecutiveProtocolErrors bounds how many single-frame Rejects in a row
// are tolerated before the stream is treated as unrecoverable and the
// session logs out instead of rejecting forever.
const maxConsecutiveProtocolErrors = 3

// handleProtocolError decides whether pe can be answered with a Reject while
// staying LOGGED_ON, or must escalate to Logout+disconnect: a single
// bad-but-parseable frame (one that names a RefSeqNum) gets a Reject as long
// as the streak of such frames hasn't reached the limit; anything else —
// no citable RefSeqNum, not currently logged on, or repeated failures — logs
// out and returns pe so Serve ends the run.
func (s *Session) handleProtocolError(pe *ProtocolError) error {
	state := s.state.get()
	citable := pe.RefSeqNum != 0
	recoverable := citable && (state == LoggedOn || state == Resyncing) && s.protocolErrorStreak < maxConsecutiveProtocolErrors

	if recoverable {
		s.protocolErrorStreak++
		if err := s.assembleAndTransmit(codec.MsgTypeReject, codec.NewReject(pe.RefSeqNum, pe.RejectReason, pe.Reason), false, false, time.Time{}); err != nil {
			return err
		}
		log.Warn().Str("session", s.key.String()).Int("ref_seq_num", pe.RefSeqNum).Str("reason", pe.Reason).Msg("rejected malformed frame, remaining logged on")
		return nil
	}

	log.Warn().Str("session", s.key.String()).Str("reason", pe.Reason).Msg("protocol error not recoverable in place, logging out")
	if state == LoggedOn || state == Resyncing {
		_ = s.assembleAndTransmit(codec.MsgTypeLogout, codec.NewLogout(pe.Reason), false, false, time.Time{})
	}
	return pe
}

// handleAdmin processes one admin-type message already matched against
// nextIn by handleMessage. advance tells us whether this is the live,
// in-order delivery (true) or a PossDup replay (false) — replays still run
// side effects like answering a TestRequest, but never change state that's
// keyed off being "the" delivery of that sequence number.
func (s *Session) handleAdmin(msg *codec.Message, msgType string, advance bool) error {
	switch msgType {
	case codec.MsgTypeLogon:
		return s.handleLogon(msg)
	case codec.MsgTypeLogout:
		return s.handleLogout(msg)
	case codec.MsgTypeHeartbeat:
		return s.handleHeartbeat(msg)
	case codec.MsgTypeTestRequest:
		return s.handleTestRequest(msg)
	case codec.MsgTypeResendRequest:
		return s.handleResendRequest(msg)
	case codec.MsgTypeSequenceReset:
		return s.handleSequenceReset(msg, advance)
	case codec.MsgTypeReject:
		return s.handleReject(msg)
	default:
		return nil
	}
}

func (s *Session) handleLogon(msg *codec.Message) error {
	// 141=Y resets both counters before our own Logon reply uses nextOut; an
	// initiator that sent 141=Y itself already reset at the start of Serve.
	if v, ok := msg.Get(141); ok && v == "Y" && !(s.cfg.Role == Initiator && s.cfg.ResetOnLogon) {
		if err := s.resetSeqs(); err != nil {
			return err
		}
	}
	if s.state.get() == AwaitingLogon && s.cfg.Role == Acceptor {
		if err := s.sendLogon(); err != nil {
			return err
		}
	}
	s.state.set(LoggedOn)
	s.lastSentAt = time.Now()
	s.lastRecvAt = time.Now()
	s.handler.fireEvent(s.key, Event{Kind: EventLoggedOn})
	log.Info().Str("session", s.key.String()).Msg("logged on")
	return nil
}

func (s *Session) handleLogout(msg *codec.Message) error {
	if s.state.get() == LoggedOn {
		_ = s.assembleAndTransmit(codec.MsgTypeLogout, nil, false, false, time.Time{})
	}
	if s.cfg.ResetOnLogout {
		_ = s.resetSeqs()
	}
	return errSessionLoggedOutByPeer
}

func (s *Session) handleHeartbeat(msg *codec.Message) error {
	if v, ok := msg.Get(112); ok && v != "" && v == s.testReqPending {
		s.testReqPending = ""
	}
	return nil
}

func (s *Session) handleTestRequest(msg *codec.Message) error {
	testReqID, _ := msg.Get(112)
	return s.assembleAndTransmit(codec.MsgTypeHeartbeat, codec.NewHeartbeat(testReqID), false, false, time.Time{})
}

func (s *Session) handleReject(msg *codec.Message) error {
	text, _ := msg.Get(58)
	log.Warn().Str("session", s.key.String()).Str("text", text).Msg("received Reject")
	return nil
}

// handleSequenceGap is called when an inbound MsgSeqNum exceeds nextIn: the
// session enters Resyncing and issues a ResendRequest for the missing range.
// The message that revealed the gap is not itself processed yet — it will
// arrive again as part of the peer's resend (or be covered by a
// SequenceReset-GapFill), landing back in handleMessage once nextIn is
// current.
func (s *Session) handleSequenceGap(msg *codec.Message, seq int) error {
	if s.state.get() == Resyncing && s.resendUpperBound != 0 {
		// Already resyncing; widen the bound if this gap extends past it.
		if seq > s.resendUpperBound {
			s.resendUpperBound = seq
		}
		return nil
	}
	s.state.set(Resyncing)
	s.resendUpperBound = seq - 1
	log.Info().Str("session", s.key.String()).Int("expected", s.nextIn).Int("got", seq).Msg("sequence gap detected, requesting resend")
	return s.assembleAndTransmit(codec.MsgTypeResendRequest, codec.NewResendRequest(s.nextIn, 0), false, false, time.Time{})
}

// handleResendRequest implements the peer-facing side of resend: replaying
// BeginSeqNo..EndSeqNo (EndSeqNo==0 meaning "through our current nextOut-1")
// by interleaving re-sent application messages (PossDup=Y, OrigSendingTime
// preserved) with a single coalesced SequenceReset-GapFill covering any run
// of sequence numbers that were never persisted — admin messages, or
// messages sent while persistence was disabled.
func (s *Session) handleResendRequest(msg *codec.Message) error {
	beginStr, _ := msg.Get(7)
	endStr, _ := msg.Get(16)
	begin, err := strconv.Atoi(beginStr)
	if err != nil {
		return &ProtocolError{Reason: "malformed ResendRequest BeginSeqNo", Err: err, RejectReason: RejectIncorrectDataFormat}
	}
	end, _ := strconv.Atoi(endStr)
	if end == 0 || end >= s.nextOut {
		end = s.nextOut - 1
	}
	if begin > end {
		return nil
	}

	records, err := s.st.GetRange(s.key, begin, end)
	if err != nil {
		return &StoreError{Err: err}
	}

	gapStart := 0
	flushGap := func(throughSeq int) error {
		if gapStart == 0 {
			return nil
		}
		// The fill's own MsgSeqNum must be gapStart, the first sequence
		// number it's standing in for, so the peer sees it land exactly
		// where the gap begins rather than as a new gap of its own;
		// NewSeqNo names the sequence number the peer should expect next.
		if err := s.sendGapFill(gapStart, throughSeq+1); err != nil {
			return err
		}
		gapStart = 0
		return nil
	}

	for _, rec := range records {
		if !rec.Present {
			if gapStart == 0 {
				gapStart = rec.Seq
			}
			continue
		}
		if err := flushGap(rec.Seq - 1); err != nil {
			return err
		}
		if err := s.resendStoredMessage(rec); err != nil {
			return err
		}
	}
	return flushGap(end)
}

// sendGapFill transmits a SequenceReset-GapFill standing in for the run of
// never-persisted sequence numbers starting at fromSeq, announcing newSeqNo
// as the next one the peer should expect. Unlike assembleAndTransmit, this
// never touches nextOut: the fill occupies sequence space the gap already
// reserved rather than consuming a new outbound number.
func (s *Session) sendGapFill(fromSeq, newSeqNo int) error {
	fields := codec.WithHeader(codec.MsgTypeSequenceReset, s.key.SenderCompID, s.key.TargetCompID, fromSeq, time.Now(), false, time.Time{}, codec.NewSequenceResetGapFill(newSeqNo))
	raw := codec.Encode(s.key.BeginString, fields)
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Write(writeCtx, raw); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// resendStoredMessage re-transmits a previously persisted application
// message verbatim except for PossDup=Y and OrigSendingTime, preserving its
// original MsgSeqNum. It bypasses assembleAndTransmit's sequence-advance
// logic entirely since resent messages never consume a new outbound
// sequence number.
func (s *Session) resendStoredMessage(rec store.Record) error {
	msgs, _, err := codec.Decode(rec.Bytes)
	if err != nil || len(msgs) != 1 {
		return &StoreError{Err: err}
	}
	orig := msgs[0]
	origSendingTimeStr, _ := orig.Get(52)
	origSendingTime, _ := time.Parse(codec.TimeLayout, origSendingTimeStr)

	body := make([]codec.Field, 0, len(orig.Fields))
	for _, f := range orig.Body() {
		switch f.Tag {
		case 35, 49, 56, 34, 52, 43, 122:
			continue
		}
		body = append(body, f)
	}

	fields := codec.WithHeader(orig.MsgType(), s.key.SenderCompID, s.key.TargetCompID, rec.Seq, origSendingTime, true, origSendingTime, body)
	raw := codec.Encode(s.key.BeginString, fields)

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Write(writeCtx, raw); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// handleSequenceReset applies a SequenceReset. GapFillFlag=Y only raises
// nextIn if the peer's NewSeqNo is ahead of us (never backwards); a hard
// reset (GapFillFlag=N) sets nextIn unconditionally. Either clears an
// in-progress resync once nextIn reaches the gap's upper bound.
func (s *Session) handleSequenceReset(msg *codec.Message, advance bool) error {
	newSeqNoStr, _ := msg.Get(36)
	newSeqNo, err := strconv.Atoi(newSeqNoStr)
	if err != nil {
		return &ProtocolError{Reason: "malformed SequenceReset NewSeqNo", Err: err, RejectReason: RejectIncorrectDataFormat}
	}
	gapFill, _ := msg.Get(123)

	if gapFill == "Y" {
		if newSeqNo < s.nextIn {
			// RefSeqNum is filled in by dispatchFilled with this message's
			// own MsgSeqNum, not NewSeqNo (36) — Reject's RefSeqNum (45)
			// always names the rejected message, never a field value.
			return &ProtocolError{Reason: "SequenceReset-GapFill NewSeqNo below current nextIn", RejectReason: RejectValueIncorrect}
		}
		s.nextIn = newSeqNo
	} else {
		s.nextIn = newSeqNo
	}
	if err := s.st.SaveSeqs(s.key, s.nextOut, s.nextIn); err != nil {
		return &StoreError{Err: err}
	}
	s.seq.set(s.nextOut, s.nextIn)
	if s.state.get() == Resyncing && s.nextIn > s.resendUpperBound {
		s.state.set(LoggedOn)
		s.resendUpperBound = 0
	}
	return nil
}

// checkTimers implements the heartbeat/test-request/timeout schedule: a
// Heartbeat goes out every HeartbeatInterval of outbound silence, a
// TestRequest goes out at 1.2x with no inbound traffic, and the connection
// is considered lost at 2x with still no response.
func (s *Session) checkTimers() error {
	if s.state.get() != LoggedOn && s.state.get() != Resyncing {
		return nil
	}
	now := time.Now()
	h := s.cfg.HeartbeatInterval

	if now.Sub(s.lastSentAt) >= h {
		if err := s.assembleAndTransmit(codec.MsgTypeHeartbeat, nil, false, false, time.Time{}); err != nil {
			return err
		}
	}

	silence := now.Sub(s.lastRecvAt)
	switch {
	case silence >= 2*h:
		return &TimeoutError{Err: errNoResponseToTestRequest}
	case silence >= time.Duration(float64(h)*1.2) && s.testReqPending == "":
		id := strconv.FormatInt(now.UnixNano(), 10)
		s.testReqPending = id
		if err := s.assembleAndTransmit(codec.MsgTypeTestRequest, codec.NewTestRequest(id), false, false, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

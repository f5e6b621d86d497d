// Package session implements the state machine for one logical FIX
// conversation: logon/logout, heartbeating, gap detection, and resend/replay.
// Every mutation of session state happens on a single goroutine reached only
// through the mailbox, so there is no lock to forget and no race between a
// caller's Send and the reader's inbound Logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/fix/transport"
	"github.com/n1/fixengine/internal/log"
)

// Session runs one logical conversation identified by a SessionKey. All
// fields below are touched only from the Serve goroutine; callers reach in
// exclusively through post(), which is the mailbox.
type Session struct {
	key     store.SessionKey
	cfg     Config
	st      store.Store
	handler Handler

	mailbox chan func()

	state     stateBox
	transport transport.Transport

	nextOut int
	nextIn  int

	// seq mirrors nextOut/nextIn for lock-free reads from outside the
	// mailbox (NextOut/NextIn): kept in sync at every point the
	// authoritative fields change, never read by the session's own logic.
	seq seqBox

	lastSentAt     time.Time
	lastRecvAt     time.Time
	testReqPending string

	// resendUpperBound is non-zero while we are waiting for the peer to
	// satisfy a ResendRequest we issued; gap-triggered resends block
	// forwarding of application messages above the gap to the handler
	// until the run finishes.
	resendUpperBound int

	// protocolErrorStreak counts consecutive bad-but-parseable frames
	// answered with a Reject rather than a disconnect; it resets to zero on
	// every successfully processed frame. Once it reaches
	// maxConsecutiveProtocolErrors the next one escalates to Logout.
	protocolErrorStreak int

	runWG sync.WaitGroup
}

// stateBox holds the connect-cycle State behind a mutex so State can be
// called from any goroutine without going through the mailbox.
type stateBox struct {
	mu sync.Mutex
	s  State
}

func (b *stateBox) set(s State) {
	b.mu.Lock()
	b.s = s
	b.mu.Unlock()
}

func (b *stateBox) get() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

// seqBox holds a snapshot of the sequence counter pair behind a mutex, so
// NextOut/NextIn can be called from any goroutine without posting to the
// mailbox (which would block if the session isn't currently being served).
type seqBox struct {
	mu       sync.Mutex
	out, in  int
}

func (b *seqBox) set(out, in int) {
	b.mu.Lock()
	b.out, b.in = out, in
	b.mu.Unlock()
}

func (b *seqBox) get() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out, b.in
}

// New constructs a Session. It loads the persisted sequence counters from st
// before returning so a freshly-started engine picks up where it left off.
func New(cfg Config, st store.Store, handler Handler) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nextOut, nextIn, err := st.Load(cfg.Key)
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	s := &Session{
		key:     cfg.Key,
		cfg:     cfg,
		st:      st,
		handler: handler,
		mailbox: make(chan func(), 16),
		nextOut: nextOut,
		nextIn:  nextIn,
	}
	s.state.set(Disconnected)
	s.seq.set(nextOut, nextIn)
	return s, nil
}

// Key returns the session's identity.
func (s *Session) Key() store.SessionKey { return s.key }

// State returns the current connect-cycle state. Safe to call from any
// goroutine.
func (s *Session) State() State { return s.state.get() }

// NextOut returns the next outbound sequence number. Safe to call from any
// goroutine, but may be stale by the time the caller acts on it — it is
// meant for status reporting, not control flow.
func (s *Session) NextOut() int {
	out, _ := s.seq.get()
	return out
}

// NextIn returns the next expected inbound sequence number. See NextOut's
// staleness note.
func (s *Session) NextIn() int {
	_, in := s.seq.get()
	return in
}

// SetNextSeq administratively overrides one or both sequence counters,
// valid only outside LoggedOn.
func (s *Session) SetNextSeq(nextOut, nextIn *int) error {
	// Serve may not be running (e.g. mid reconnect-backoff), so post with a
	// bounded deadline rather than context.Background(): an unserved mailbox
	// would otherwise block this call forever.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var setErr error
	err := s.post(ctx, func() {
		if s.state.get() == LoggedOn {
			setErr = &ProtocolError{Reason: "set_next_seq is not valid while LoggedOn"}
			return
		}
		if nextOut != nil {
			s.nextOut = *nextOut
		}
		if nextIn != nil {
			s.nextIn = *nextIn
		}
		setErr = s.st.SaveSeqs(s.key, s.nextOut, s.nextIn)
		if setErr == nil {
			s.seq.set(s.nextOut, s.nextIn)
		}
	})
	if err != nil {
		return err
	}
	return setErr
}

// post submits fn to run on the session's single goroutine and blocks until
// it has executed, or ctx is canceled first.
func (s *Session) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case s.mailbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the session to completion over t: performs the logon handshake
// (sending Logon first if Role is Initiator, waiting for one if Acceptor),
// then processes inbound frames and timers until ctx is canceled or the
// transport is lost. It never returns nil: it returns the condition that
// ended the run (ctx's error, a TransportError once the transport is closed
// by Disconnect or lost, errSessionLoggedOutByPeer, or the protocol, store
// or timeout error that stopped it). The caller (internal/fix/engine) is
// responsible for reconnect/backoff between calls.
func (s *Session) Serve(ctx context.Context, t transport.Transport) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.transport = t
	s.state.set(Connecting)
	s.resendUpperBound = 0
	s.testReqPending = ""
	s.protocolErrorStreak = 0

	if s.cfg.ResetOnLogon {
		if err := s.resetSeqs(); err != nil {
			return err
		}
	}

	inbound := make(chan *codec.Message, 64)
	readErr := make(chan error, 1)
	s.runWG.Add(1)
	go s.readLoop(runCtx, t, inbound, readErr)
	defer s.runWG.Wait()

	if s.cfg.Role == Initiator {
		if err := s.sendLogon(); err != nil {
			cancel()
			return err
		}
	}
	s.state.set(AwaitingLogon)
	s.handler.fireEvent(s.key, Event{Kind: EventCreated})

	tick := s.cfg.HeartbeatInterval / 10
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var exitErr error
loop:
	for {
		select {
		case <-ctx.Done():
			exitErr = ctx.Err()
			break loop

		case task := <-s.mailbox:
			task()

		case msg := <-inbound:
			if err := s.handleMessage(msg); err != nil {
				var pe *ProtocolError
				if errors.As(err, &pe) {
					if recErr := s.handleProtocolError(pe); recErr != nil {
						exitErr = recErr
						break loop
					}
					continue
				}
				exitErr = err
				break loop
			}

		case err := <-readErr:
			var pe *ProtocolError
			if errors.As(err, &pe) {
				exitErr = s.handleProtocolError(pe)
			} else {
				exitErr = &TransportError{Err: err}
			}
			break loop

		case <-ticker.C:
			if err := s.checkTimers(); err != nil {
				exitErr = err
				break loop
			}
		}
	}

	cancel()
	prevState := s.state.get()
	s.state.set(Disconnected)
	if s.cfg.ResetOnDisconnect {
		_ = s.resetSeqs()
	}
	if prevState == LoggedOn || prevState == Resyncing {
		s.handler.fireEvent(s.key, Event{Kind: EventLoggedOut, Err: exitErr})
	}
	log.Info().Str("session", s.key.String()).Err(exitErr).Msg("session ended")
	return exitErr
}

// readLoop reads raw bytes from t, decodes complete frames, and forwards
// them in order on inbound. It exits when ctx is canceled or the transport
// errors, reporting the latter on errCh exactly once.
func (s *Session) readLoop(ctx context.Context, t transport.Transport, inbound chan<- *codec.Message, errCh chan<- error) {
	defer s.runWG.Done()
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := t.Read(readCtx, tmp)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		buf = append(buf, tmp[:n]...)

		msgs, tail, decErr := codec.Decode(buf)
		for _, m := range msgs {
			select {
			case inbound <- m:
			case <-ctx.Done():
				return
			}
		}
		buf = append([]byte(nil), tail...)
		if decErr != nil {
			// Framing is broken before a MsgSeqNum can even be located, so
			// RefSeqNum stays zero: this is never citable in a Reject and
			// always escalates to Logout+disconnect.
			select {
			case errCh <- &ProtocolError{Reason: decErr.Error(), Err: decErr, RejectReason: RejectOther}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	if ue, ok := err.(interface{ Unwrap() error }); ok {
		return isTimeout(ue.Unwrap())
	}
	return false
}

// resetSeqs sets both counters to 1 and persists them.
func (s *Session) resetSeqs() error {
	if err := s.st.Reset(s.key); err != nil {
		return &StoreError{Err: err}
	}
	s.nextOut = 1
	s.nextIn = 1
	s.seq.set(s.nextOut, s.nextIn)
	return nil
}

// assembleAndTransmit is the single choke point every outbound message
// passes through: persist (if it's an application message and persistence
// is on), write to the wire, and only then advance and durably save the
// outbound sequence counter. This ordering means a crash can never produce
// a gap the peer doesn't already know about.
func (s *Session) assembleAndTransmit(msgType string, body []codec.Field, persist bool, possDup bool, origSendingTime time.Time) error {
	seq := s.nextOut
	now := time.Now()
	fields := codec.WithHeader(msgType, s.key.SenderCompID, s.key.TargetCompID, seq, now, possDup, origSendingTime, body)
	raw := codec.Encode(s.key.BeginString, fields)

	if persist && s.cfg.PersistMessages && !possDup && !codec.IsAdmin(msgType) {
		if err := s.st.Put(s.key, seq, raw); err != nil {
			return &StoreError{Err: err}
		}
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Write(writeCtx, raw); err != nil {
		return &TransportError{Err: err}
	}

	if !possDup {
		s.nextOut = seq + 1
		if err := s.st.SaveSeqs(s.key, s.nextOut, s.nextIn); err != nil {
			return &StoreError{Err: err}
		}
		s.seq.set(s.nextOut, s.nextIn)
	}
	s.lastSentAt = now
	return nil
}

func (s *Session) sendLogon() error {
	body := codec.NewLogon(int(s.cfg.HeartbeatInterval.Seconds()), s.cfg.ResetOnLogon)
	if s.cfg.Password != "" {
		body = append(body, codec.Field{Tag: 554, Value: s.cfg.Password})
	}
	if s.cfg.NewPassword != "" {
		body = append(body, codec.Field{Tag: 925, Value: s.cfg.NewPassword})
	}
	return s.assembleAndTransmit(codec.MsgTypeLogon, body, false, false, time.Time{})
}

// SendApp sends an application message. The caller supplies msgType and the
// body fields beyond the standard header; header fields are always owned by
// the session. Returns ErrNotLoggedOn if the session is not in LoggedOn.
func (s *Session) SendApp(ctx context.Context, msgType string, body []codec.Field) error {
	// Checked before posting too: with no Serve loop draining the mailbox,
	// post alone would wait for ctx instead of reporting ErrNotLoggedOn.
	if s.state.get() != LoggedOn {
		return ErrNotLoggedOn
	}
	var sendErr error
	err := s.post(ctx, func() {
		if s.state.get() != LoggedOn {
			sendErr = ErrNotLoggedOn
			return
		}
		sendErr = s.assembleAndTransmit(msgType, body, true, false, time.Time{})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// SendRaw sends a caller-assembled field list, stripping any header tags
// (35, 49, 56, 34, 52, 43, 122) the caller may have included — those remain
// session-owned regardless of what's passed in, per the session's exclusive
// control over sequencing.
func (s *Session) SendRaw(ctx context.Context, fields []codec.Field) error {
	var msgType string
	body := make([]codec.Field, 0, len(fields))
	for _, f := range fields {
		switch f.Tag {
		case 35:
			msgType = f.Value
		case 49, 56, 34, 52, 43, 122:
			continue
		default:
			body = append(body, f)
		}
	}
	if msgType == "" {
		return ErrUnknownMsgType
	}
	return s.SendApp(ctx, msgType, body)
}

// Disconnect closes the transport and ends Serve's loop cleanly.
func (s *Session) Disconnect(ctx context.Context, reason string) error {
	return s.post(ctx, func() {
		if s.state.get() == LoggedOn {
			_ = s.assembleAndTransmit(codec.MsgTypeLogout, codec.NewLogout(reason), false, false, time.Time{})
		}
		_ = s.transport.Close()
	})
}

// handleMessage dispatches one decoded inbound frame: admin message types
// are handled internally (in admin_handlers.go); everything else is a
// sequenced application message.
func (s *Session) handleMessage(msg *codec.Message) error {
	seq, err := msg.MsgSeqNum()
	if err != nil {
		return &ProtocolError{Reason: "missing or malformed MsgSeqNum", Err: err}
	}
	s.lastRecvAt = time.Now()

	if seq > s.nextIn {
		return s.handleSequenceGap(msg, seq)
	}
	if seq < s.nextIn {
		if !msg.PossDup() {
			return &ProtocolError{
				Reason:       fmt.Sprintf("seq %d below expected %d without PossDup", seq, s.nextIn),
				RefSeqNum:    seq,
				RejectReason: RejectValueIncorrect,
			}
		}
		// A PossDup resend of an already-processed sequence: process its
		// content (admin messages still need handling; app messages are
		// simply redelivered to the handler) but never advance nextIn.
		if err := s.dispatchFilled(msg, false, seq); err != nil {
			return err
		}
		s.protocolErrorStreak = 0
		return nil
	}

	if err := s.dispatchFilled(msg, true, seq); err != nil {
		return err
	}
	s.protocolErrorStreak = 0
	// SequenceReset owns nextIn's final value itself (a gap-fill jump ahead
	// or a hard reset to an arbitrary NewSeqNo) and already persisted it;
	// every other message type advances by exactly one.
	if msg.MsgType() != codec.MsgTypeSequenceReset {
		s.nextIn = seq + 1
		if err := s.st.SaveSeqs(s.key, s.nextOut, s.nextIn); err != nil {
			return err
		}
		s.seq.set(s.nextOut, s.nextIn)
	}
	if s.state.get() == Resyncing && s.nextIn > s.resendUpperBound {
		s.state.set(LoggedOn)
		s.resendUpperBound = 0
	}
	return nil
}

// dispatchFilled calls dispatch and, if it returns a ProtocolError that
// hasn't already named a RefSeqNum, fills in seq — the MsgSeqNum of the
// frame that triggered it, already known to handleMessage by this point.
func (s *Session) dispatchFilled(msg *codec.Message, advance bool, seq int) error {
	err := s.dispatch(msg, advance)
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.RefSeqNum == 0 {
		pe.RefSeqNum = seq
	}
	return err
}

// dispatch routes msg to the admin handlers or the application Handler.
// advance is false for PossDup replays of already-seen sequence numbers,
// where admin logic still needs to run (e.g. a resent TestRequest still
// deserves a Heartbeat reply) but nextIn must not move.
func (s *Session) dispatch(msg *codec.Message, advance bool) error {
	msgType := msg.MsgType()
	if !codec.IsAdmin(msgType) {
		if st := s.state.get(); st != LoggedOn && st != Resyncing {
			return &ProtocolError{Reason: "application message received before Logon", RejectReason: RejectOther}
		}
		s.handler.fireAppMessage(s.key, msg)
		return nil
	}
	return s.handleAdmin(msg, msgType, advance)
}

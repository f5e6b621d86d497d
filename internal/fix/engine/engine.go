// Package engine implements the supervisor that owns every Session's
// lifecycle and dispatches application messages to and from the caller,
// exposing register, connect, disconnect, send, query, subscribe, and
// shutdown as its control surface.
//
// The map-of-sessions ownership and signal-driven shutdown shape follows a
// peer daemon's supervisor loop, generalized from a one-shot push/pull/follow
// sync to the FIX session protocol's connect/reconnect lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/session"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/n1/fixengine/internal/fix/transport"
	"github.com/n1/fixengine/internal/log"
)

// ErrUnknownSession is returned by any control-surface operation against a
// name the Engine never registered.
var ErrUnknownSession = fmt.Errorf("engine: unknown session")

// entry is everything the Engine tracks for one registered session. Each
// entry's Session runs its own reader/timer tasks; the Engine itself never
// mutates Session-internal state directly, only through Session's public
// operations, so a value-typed SessionKey never goes stale under concurrent
// access.
type entry struct {
	name    string
	cfg     session.Config
	sess    *session.Session
	cancel  context.CancelFunc
	done    chan struct{}
	backoff *transport.Backoff

	mu         sync.Mutex
	lastErr    error
	connected  bool
	manualStop bool
}

// Status is the snapshot returned by Query.
type Status struct {
	Name          string
	State         session.State
	NextOut       int
	NextIn        int
	PeerAddress   string
	LastError     error
}

// Engine owns a fixed set of sessions keyed by their human-readable
// configuration name, plus the value-typed SessionKey each resolves to.
// Callers never hold a reference into engine-owned state; every operation
// is a name lookup performed here.
type Engine struct {
	st      store.Store
	handler session.Handler

	mu       sync.Mutex
	sessions map[string]*entry
	byKey    map[store.SessionKey]string

	acceptors map[string]*acceptorListener

	appHandlerMu sync.Mutex
	appHandlers  []func(sessionName string, msg *codec.Message)

	shutdownOnce sync.Once
}

// New constructs an Engine backed by st for durable sequence/message
// persistence. The Engine does not take ownership of st's lifetime beyond
// its own Shutdown.
func New(st store.Store) *Engine {
	e := &Engine{
		st:        st,
		sessions:  make(map[string]*entry),
		byKey:     make(map[store.SessionKey]string),
		acceptors: make(map[string]*acceptorListener),
	}
	e.handler = session.Handler{
		OnSessionEvent: e.onSessionEvent,
		OnAppMessage:   e.onAppMessage,
	}
	return e
}

// Subscribe registers handler to be invoked for every application message
// (never admin messages) received on any session, as
// handler(sessionName, inboundMsg). The callback runs on the owning
// session's reader context and must not block.
func (e *Engine) Subscribe(handler func(sessionName string, msg *codec.Message)) {
	e.appHandlerMu.Lock()
	defer e.appHandlerMu.Unlock()
	e.appHandlers = append(e.appHandlers, handler)
}

func (e *Engine) onAppMessage(key store.SessionKey, msg *codec.Message) {
	e.mu.Lock()
	name, ok := e.byKey[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.appHandlerMu.Lock()
	handlers := append([]func(string, *codec.Message){}, e.appHandlers...)
	e.appHandlerMu.Unlock()
	for _, h := range handlers {
		h(name, msg)
	}
}

func (e *Engine) onSessionEvent(key store.SessionKey, ev session.Event) {
	e.mu.Lock()
	name, ok := e.byKey[key]
	var en *entry
	if ok {
		en = e.sessions[name]
	}
	e.mu.Unlock()
	if en == nil {
		return
	}
	en.mu.Lock()
	switch ev.Kind {
	case session.EventLoggedOn:
		en.connected = true
		en.lastErr = nil
	case session.EventLoggedOut, session.EventError:
		en.connected = false
		en.lastErr = ev.Err
	}
	en.mu.Unlock()

	log.Info().Str("session", name).Str("event", eventKindString(ev.Kind)).Err(ev.Err).Msg("session event")
}

func eventKindString(k session.EventKind) string {
	switch k {
	case session.EventCreated:
		return "created"
	case session.EventLoggedOn:
		return "logged_on"
	case session.EventLoggedOut:
		return "logged_out"
	case session.EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Register constructs a Session from cfg under name and records it; Connect
// starts its connect/serve/reconnect loop. Registering a name twice
// returns an error; use Unregister first to replace a session's config.
func (e *Engine) Register(name string, cfg session.Config) error {
	sess, err := session.New(cfg, e.st, e.handler)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.sessions[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine: session %q already registered", name)
	}
	if existingName, exists := e.byKey[cfg.Key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine: session key %s already used by %q", cfg.Key, existingName)
	}
	en := &entry{
		name:    name,
		cfg:     cfg,
		sess:    sess,
		backoff: transport.NewBackoff(cfg.ReconnectInterval, 5*time.Minute),
	}
	e.sessions[name] = en
	e.byKey[cfg.Key] = name
	e.mu.Unlock()

	log.Info().Str("session", name).Str("key", cfg.Key.String()).Str("role", cfg.Role.String()).Msg("session registered")
	return nil
}

// Unregister stops and discards the named session entirely. A new
// Register with the same name afterward starts a fresh Session.
func (e *Engine) Unregister(name string) error {
	e.mu.Lock()
	en, ok := e.sessions[name]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownSession
	}
	delete(e.sessions, name)
	delete(e.byKey, en.cfg.Key)
	e.mu.Unlock()

	if en.cancel != nil {
		en.mu.Lock()
		en.manualStop = true
		en.mu.Unlock()
		en.cancel()
		<-en.done
	}
	return nil
}

// Connect starts (or restarts) the named session's connect/serve/reconnect
// loop. For an acceptor session this starts (or reuses) the shared listener
// for its configured port.
func (e *Engine) Connect(name string) error {
	e.mu.Lock()
	en, ok := e.sessions[name]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	en.mu.Lock()
	if en.cancel != nil {
		en.mu.Unlock()
		return fmt.Errorf("engine: session %q already connecting", name)
	}
	en.manualStop = false
	ctx, cancel := context.WithCancel(context.Background())
	en.cancel = cancel
	en.done = make(chan struct{})
	en.mu.Unlock()

	go e.runLoop(ctx, en)
	return nil
}

// runLoop drives one session's connect-serve-reconnect cycle until the
// context is canceled, applying capped exponential backoff between attempts
// after any dial, accept, or transport error.
func (e *Engine) runLoop(ctx context.Context, en *entry) {
	defer close(en.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := e.dial(ctx, en)
		if err != nil {
			log.Warn().Str("session", en.name).Err(err).Msg("connect failed")
			if !e.sleepBackoff(ctx, en) {
				return
			}
			continue
		}
		en.backoff.Reset()

		err = en.sess.Serve(ctx, t)
		_ = t.Close()
		if err != nil {
			log.Warn().Str("session", en.name).Err(err).Msg("session ended")
		}

		en.mu.Lock()
		stop := en.manualStop
		en.mu.Unlock()
		if stop {
			return
		}
		if !e.sleepBackoff(ctx, en) {
			return
		}
	}
}

func (e *Engine) sleepBackoff(ctx context.Context, en *entry) bool {
	delay := en.backoff.Next()
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) dial(ctx context.Context, en *entry) (transport.Transport, error) {
	cfg := en.cfg
	if cfg.Role == session.Initiator {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		return transport.DialTCP(ctx, addr, transport.DefaultConfig())
	}
	return e.acceptFor(ctx, en)
}

// acceptorListener is a single TCP listener shared by every acceptor Session
// configured on one port. Exactly one goroutine (runAcceptLoop) ever calls
// ln.Accept on it; routes holds a delivery channel per SessionKey currently
// waiting to accept, so a connection peeked off the listener can be handed
// to the right Session no matter which of them happened to call acceptFor
// first.
type acceptorListener struct {
	ln *transport.Listener

	mu     sync.Mutex
	routes map[store.SessionKey]chan transport.Transport
}

// acceptFor registers en's SessionKey against the shared listener for its
// port (starting the listener and its accept loop on first use) and blocks
// until runAcceptLoop routes a matching connection to it or ctx is
// canceled.
func (e *Engine) acceptFor(ctx context.Context, en *entry) (transport.Transport, error) {
	addr := fmt.Sprintf(":%d", en.cfg.Port)

	e.mu.Lock()
	al, ok := e.acceptors[addr]
	if !ok {
		ln, err := transport.Listen(addr)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		al = &acceptorListener{ln: ln, routes: make(map[store.SessionKey]chan transport.Transport)}
		e.acceptors[addr] = al
		e.mu.Unlock()
		go e.runAcceptLoop(addr, al)
	} else {
		e.mu.Unlock()
	}

	ch := make(chan transport.Transport, 1)
	al.mu.Lock()
	al.routes[en.cfg.Key] = ch
	al.mu.Unlock()
	defer func() {
		al.mu.Lock()
		delete(al.routes, en.cfg.Key)
		al.mu.Unlock()
	}()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runAcceptLoop is the sole owner of al.ln.Accept for addr. It runs until
// the listener is closed (at Shutdown), dispatching each accepted
// connection to routeAccepted on its own goroutine so one slow Logon peek
// can never stall acceptance of the next connection.
func (e *Engine) runAcceptLoop(addr string, al *acceptorListener) {
	for {
		conn, err := al.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go e.routeAccepted(addr, al, conn)
	}
}

// routeAccepted peeks the first frame off conn looking for a Logon whose
// SenderCompID/TargetCompID identify one of the SessionKeys currently
// waiting to accept on al. A match is handed to that Session's acceptFor
// call; an unrecognized CompID pair is closed immediately after a
// Reject(35=3) with Text="CompID mismatch", since no Session is registered
// to own the conversation.
func (e *Engine) routeAccepted(addr string, al *acceptorListener, conn transport.Transport) {
	peeked, err := peekLogon(conn)
	if err != nil {
		log.Warn().Str("address", addr).Err(err).Msg("rejected inbound connection")
		_ = conn.Close()
		return
	}

	key := store.SessionKey{
		BeginString:  peeked.BeginString(),
		SenderCompID: peeked.TargetCompID(),
		TargetCompID: peeked.SenderCompID(),
	}

	al.mu.Lock()
	ch, ok := al.routes[key]
	al.mu.Unlock()
	if !ok {
		log.Warn().Str("address", addr).Str("sender", peeked.SenderCompID()).Str("target", peeked.TargetCompID()).Msg("rejecting inbound Logon: CompID mismatch")
		rejectUnknownCompID(conn, peeked)
		_ = conn.Close()
		return
	}

	select {
	case ch <- &prefixedTransport{Transport: conn, prefix: peeked.raw}:
	default:
		// The matched Session isn't currently waiting on this address (e.g.
		// between reconnect attempts); there is nowhere to hand this
		// connection off to.
		_ = conn.Close()
	}
}

// rejectUnknownCompID writes a best-effort Reject naming the mismatched
// CompID pair before the caller closes conn. No Session has been matched, so
// there is no sequence state to consult; MsgSeqNum is fixed at 1.
func rejectUnknownCompID(conn transport.Transport, peeked *peekedMessage) {
	fields := codec.WithHeader(codec.MsgTypeReject, peeked.TargetCompID(), peeked.SenderCompID(), 1, time.Now(), false, time.Time{}, codec.NewReject(1, 9, "CompID mismatch"))
	raw := codec.Encode(peeked.BeginString(), fields)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, raw)
}

// peekLogon reads until one complete frame is decoded and returns it along
// with its raw bytes, so the caller can both inspect its CompIDs and hand
// the bytes back to the Session's normal read path.
func peekLogon(conn transport.Transport) (*peekedMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(ctx, tmp)
		if err != nil {
			return nil, fmt.Errorf("engine: failed reading initial Logon: %w", err)
		}
		buf = append(buf, tmp[:n]...)
		msgs, _, decErr := codec.Decode(buf)
		if len(msgs) > 0 {
			first := msgs[0]
			if first.MsgType() != codec.MsgTypeLogon {
				return nil, fmt.Errorf("engine: expected Logon as first frame, got MsgType=%s", first.MsgType())
			}
			return &peekedMessage{Message: first, raw: buf}, nil
		}
		if decErr != nil {
			return nil, fmt.Errorf("engine: malformed initial frame: %w", decErr)
		}
	}
}

type peekedMessage struct {
	*codec.Message
	raw []byte
}

// prefixedTransport replays bytes already consumed while peeking the Logon
// before falling through to the underlying Transport's own Read calls, so
// Session.Serve's reader sees the Logon exactly once.
type prefixedTransport struct {
	transport.Transport
	prefix []byte
}

func (p *prefixedTransport) Read(ctx context.Context, buf []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(buf, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Transport.Read(ctx, buf)
}

// Disconnect stops the named session's connect/serve loop without removing
// its registration; Connect can restart it later.
func (e *Engine) Disconnect(name string) error {
	e.mu.Lock()
	en, ok := e.sessions[name]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	en.mu.Lock()
	cancel := en.cancel
	done := en.done
	en.manualStop = true
	en.mu.Unlock()
	if cancel == nil {
		return nil
	}

	_ = en.sess.Disconnect(context.Background(), "operator disconnect")
	cancel()
	<-done

	en.mu.Lock()
	en.cancel = nil
	en.mu.Unlock()
	return nil
}

// Send transmits an application message on the named session. It returns
// ErrUnknownSession for a name the Engine never registered, and
// session.ErrNotLoggedOn (unwrapped, via errors.Is) if the session is not
// currently LoggedOn — never a stale-reference crash, since the lookup
// happens fresh on every call.
func (e *Engine) Send(ctx context.Context, name, msgType string, body []codec.Field) error {
	en, err := e.lookup(name)
	if err != nil {
		return err
	}
	return en.sess.SendApp(ctx, msgType, body)
}

// SendRaw transmits a caller-assembled raw field list on the named session.
func (e *Engine) SendRaw(ctx context.Context, name string, fields []codec.Field) error {
	en, err := e.lookup(name)
	if err != nil {
		return err
	}
	return en.sess.SendRaw(ctx, fields)
}

// SetNextSeq administratively overrides one or both sequence counters on
// the named session, valid only outside LoggedOn.
func (e *Engine) SetNextSeq(name string, nextOut, nextIn *int) error {
	en, err := e.lookup(name)
	if err != nil {
		return err
	}
	return en.sess.SetNextSeq(nextOut, nextIn)
}

// Query returns a snapshot of the named session's runtime status.
func (e *Engine) Query(name string) (Status, error) {
	en, err := e.lookup(name)
	if err != nil {
		return Status{}, err
	}
	var peerAddr string
	// Session does not expose its Transport, so nothing here records the
	// peer's RemoteAddr: PeerAddress is always empty, connected or not.
	en.mu.Lock()
	lastErr := en.lastErr
	en.mu.Unlock()
	return Status{
		Name:        name,
		State:       en.sess.State(),
		NextOut:     en.sess.NextOut(),
		NextIn:      en.sess.NextIn(),
		PeerAddress: peerAddr,
		LastError:   lastErr,
	}, nil
}

func (e *Engine) lookup(name string) (*entry, error) {
	e.mu.Lock()
	en, ok := e.sessions[name]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return en, nil
}

// Shutdown cancels every session's reader/timer/connect loop and waits for
// them to finish, up to deadline; sessions still running past the deadline
// are abandoned rather than blocking shutdown forever.
func (e *Engine) Shutdown(deadline time.Duration) {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		entries := make([]*entry, 0, len(e.sessions))
		for _, en := range e.sessions {
			entries = append(entries, en)
		}
		acceptors := make([]*acceptorListener, 0, len(e.acceptors))
		for _, al := range e.acceptors {
			acceptors = append(acceptors, al)
		}
		e.mu.Unlock()

		for _, al := range acceptors {
			_ = al.ln.Close()
		}

		var wg sync.WaitGroup
		for _, en := range entries {
			en.mu.Lock()
			cancel := en.cancel
			done := en.done
			en.manualStop = true
			en.mu.Unlock()
			if cancel == nil {
				continue
			}
			dctx, dcancel := context.WithTimeout(context.Background(), deadline)
			_ = en.sess.Disconnect(dctx, "engine shutdown")
			dcancel()
			cancel()
			wg.Add(1)
			go func(done chan struct{}) {
				defer wg.Done()
				select {
				case <-done:
				case <-time.After(deadline):
					log.Warn().Msg("session did not shut down within deadline, abandoning")
				}
			}(done)
		}
		wg.Wait()
	})
}

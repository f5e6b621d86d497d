// Package transport provides the ordered, reliable byte stream the Session
// reads frames from and writes frames to: a TCP initiator with capped
// exponential reconnect, and a TCP acceptor that can serve multiple
// SessionKeys on one port via Engine-level CompID routing.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Transport is a bidirectional byte stream. It carries no FIX framing
// knowledge of its own — the Session buffers reads and hands them to
// internal/fix/codec.Decode, and writes complete encoded frames.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Read(ctx context.Context, buf []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// Config controls dial/accept behavior.
type Config struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// DefaultConfig returns sane defaults for dialing and keepalive behavior.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
	}
}

// TCPTransport implements Transport over a net.Conn.
type TCPTransport struct {
	conn net.Conn
}

// DialTCP dials addr (host:port) and returns a connected TCPTransport.
func DialTCP(ctx context.Context, addr string, cfg Config) (*TCPTransport, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(cfg.KeepAliveInterval)
	}
	return &TCPTransport{conn: conn}, nil
}

// newTCPTransport wraps an already-accepted connection.
func newTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// Write implements Transport.
func (t *TCPTransport) Write(ctx context.Context, p []byte) error {
	if t.conn == nil {
		return fmt.Errorf("transport: write on closed connection")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// Read implements Transport.
func (t *TCPTransport) Read(ctx context.Context, buf []byte) (int, error) {
	if t.conn == nil {
		return 0, fmt.Errorf("transport: read on closed connection")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		return n, fmt.Errorf("transport: read failed: %w", err)
	}
	return n, nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return fmt.Errorf("transport: close failed: %w", err)
	}
	return nil
}

// RemoteAddr implements Transport.
func (t *TCPTransport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// Listener accepts inbound TCP connections for one or more acceptor
// SessionKeys sharing a port; routing by CompID happens one layer up in
// internal/fix/engine, which reads the first Logon frame off each accepted
// Transport before dispatching it to a Session.
type Listener struct {
	ln net.Listener
}

// Listen binds addr and returns a Listener.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a connection arrives or ctx is canceled.
func (l *Listener) Accept(ctx context.Context) (*TCPTransport, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport: accept failed: %w", r.err)
		}
		return newTCPTransport(r.conn), nil
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

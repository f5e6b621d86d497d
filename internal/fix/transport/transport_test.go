package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAndAcceptRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptCh := make(chan *TCPTransport, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- conn
	}()

	client, err := DialTCP(ctx, ln.Addr(), DefaultConfig())
	require.NoError(t, err)
	defer client.Close()

	var server *TCPTransport
	select {
	case server = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	require.NoError(t, client.Write(ctx, []byte("8=FIX.4.2\x019=5\x0135=0\x0110=000\x01")))

	buf := make([]byte, 64)
	n, err := server.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "8=FIX.4.2\x019=5\x0135=0\x0110=000\x01", string(buf[:n]))

	assert.NotEmpty(t, server.RemoteAddr())
	assert.NotEmpty(t, client.RemoteAddr())
}

func TestReadRespectsContextDeadline(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()

	acceptCh := make(chan *TCPTransport, 1)
	go func() {
		conn, err := ln.Accept(dialCtx)
		if err == nil {
			acceptCh <- conn
		}
	}()

	client, err := DialTCP(dialCtx, ln.Addr(), DefaultConfig())
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptCh
	defer server.Close()

	readCtx, cancelRead := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelRead()

	buf := make([]byte, 16)
	_, err = server.Read(readCtx, buf)
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(1*time.Second, 8*time.Second)

	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next(), "must stay capped")

	b.Reset()
	assert.Equal(t, 1*time.Second, b.Next())
}

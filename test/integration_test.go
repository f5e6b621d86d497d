// Package test exercises the engine, credential store, and message store
// together the way cmd/fixengine wires them, end to end over real TCP
// loopback connections rather than against any single package in
// isolation.
package test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/n1/fixengine/internal/credstore"
	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/engine"
	"github.com/n1/fixengine/internal/fix/session"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForState(t *testing.T, eng *engine.Engine, name string, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := eng.Query(name)
		require.NoError(t, err)
		if st.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %q never reached state %v", name, want)
}

// TestEndToEndLogonSendAndReconnect registers a client (initiator) and
// server (acceptor) against the same port, confirms the Logon handshake
// with credentials loaded from an encrypted credential store, exchanges an
// application message, then disconnects and reconnects the client and
// confirms its sequence numbers survived the round trip via the durable
// Message Store.
func TestEndToEndLogonSendAndReconnect(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)

	clientKey := store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "CLIENT", TargetCompID: "SERVER"}
	serverKey := store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "SERVER", TargetCompID: "CLIENT"}

	creds, err := credstore.Open(filepath.Join(dir, "credentials.db"), "test-integration-secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = creds.Close() })
	require.NoError(t, creds.SetPassword(clientKey, "hunter2"))

	serverStore, err := store.NewSQLiteStore(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverStore.Close() })

	clientStore, err := store.NewSQLiteStore(filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientStore.Close() })

	serverEng := engine.New(serverStore)
	serverReceived := make(chan *codec.Message, 1)
	serverEng.Subscribe(func(name string, msg *codec.Message) {
		serverReceived <- msg
	})
	require.NoError(t, serverEng.Register("server", session.Config{
		Key:               serverKey,
		Role:              session.Acceptor,
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, serverEng.Connect("server"))
	t.Cleanup(func() { serverEng.Shutdown(2 * time.Second) })

	clientPassword, err := creds.Password(clientKey)
	require.NoError(t, err)
	require.Equal(t, "hunter2", clientPassword)

	clientEng := engine.New(clientStore)
	require.NoError(t, clientEng.Register("client", session.Config{
		Key:               clientKey,
		Role:              session.Initiator,
		Host:              "127.0.0.1",
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
		Password:          clientPassword,
	}))
	require.NoError(t, clientEng.Connect("client"))

	waitForState(t, clientEng, "client", session.LoggedOn)
	waitForState(t, serverEng, "server", session.LoggedOn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clientEng.Send(ctx, "client", "D", []codec.Field{{Tag: 11, Value: "ORD-1"}}))

	select {
	case msg := <-serverReceived:
		assert.Equal(t, "D", msg.MsgType())
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the application message")
	}

	statusBefore, err := clientEng.Query("client")
	require.NoError(t, err)
	require.NoError(t, clientEng.Disconnect("client"))
	require.NoError(t, clientEng.Connect("client"))
	waitForState(t, clientEng, "client", session.LoggedOn)
	statusAfter, err := clientEng.Query("client")
	require.NoError(t, err)
	clientEng.Shutdown(2 * time.Second)

	assert.GreaterOrEqual(t, statusBefore.NextOut, 3, "at least Logon + one app message consumed sequence numbers")
	assert.Greater(t, statusAfter.NextOut, statusBefore.NextOut, "sequence numbers continue from the persisted counters after reconnect")
}

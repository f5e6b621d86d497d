package engine

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/session"
	"github.com/n1/fixengine/internal/fix/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// freePort grabs an ephemeral port and releases it immediately, for tests
// that need a port number to put in Config rather than a live listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForState(t *testing.T, eng *Engine, name string, want session.State) {
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

func TestRegisterConnectAndQuery(t *testing.T) {
	port := freePort(t)
	key := store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "CLIENT", TargetCompID: "SERVER"}

	acceptEng := New(newTestStore(t))
	require.NoError(t, acceptEng.Register("server", session.Config{
		Key:               store.SessionKey{BeginString: key.BeginString, SenderCompID: key.TargetCompID, TargetCompID: key.SenderCompID},
		Role:              session.Acceptor,
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, acceptEng.Connect("server"))
	t.Cleanup(func() { acceptEng.Shutdown(2 * time.Second) })

	initEng := New(newTestStore(t))
	require.NoError(t, initEng.Register("client", session.Config{
		Key:               key,
		Role:              session.Initiator,
		Host:              "127.0.0.1",
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, initEng.Connect("client"))
	t.Cleanup(func() { initEng.Shutdown(2 * time.Second) })

	waitForState(t, initEng, "client", session.LoggedOn)
	waitForState(t, acceptEng, "server", session.LoggedOn)

	status, err := initEng.Query("client")
	require.NoError(t, err)
	assert.Equal(t, "client", status.Name)
	assert.Equal(t, 2, status.NextOut)
}

func TestConnectUnknownSessionFails(t *testing.T) {
	eng := New(newTestStore(t))
	err := eng.Connect("nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegisterRejectsDuplicateNameAndKey(t *testing.T) {
	eng := New(newTestStore(t))
	cfg := session.Config{
		Key:               store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "A", TargetCompID: "B"},
		Role:              session.Initiator,
		Host:              "127.0.0.1",
		Port:              freePort(t),
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}
	require.NoError(t, eng.Register("s1", cfg))
	assert.Error(t, eng.Register("s1", cfg), "duplicate name must be rejected")

	cfg2 := cfg
	cfg2.Port = freePort(t)
	assert.Error(t, eng.Register("s2", cfg2), "duplicate SessionKey must be rejected")
}

func TestSendAndSubscribeDeliversApplicationMessages(t *testing.T) {
	port := freePort(t)
	key := store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "CLIENT", TargetCompID: "SERVER"}

	acceptEng := New(newTestStore(t))
	received := make(chan *codec.Message, 1)
	acceptEng.Subscribe(func(name string, msg *codec.Message) {
		if name == "server" {
			received <- msg
		}
	})
	require.NoError(t, acceptEng.Register("server", session.Config{
		Key:               store.SessionKey{BeginString: key.BeginString, SenderCompID: key.TargetCompID, TargetCompID: key.SenderCompID},
		Role:              session.Acceptor,
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, acceptEng.Connect("server"))
	t.Cleanup(func() { acceptEng.Shutdown(2 * time.Second) })

	initEng := New(newTestStore(t))
	require.NoError(t, initEng.Register("client", session.Config{
		Key:               key,
		Role:              session.Initiator,
		Host:              "127.0.0.1",
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, initEng.Connect("client"))
	t.Cleanup(func() { initEng.Shutdown(2 * time.Second) })

	waitForState(t, initEng, "client", session.LoggedOn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, initEng.Send(ctx, "client", "D", []codec.Field{{Tag: 11, Value: "ORD-1"}}))

	select {
	case msg := <-received:
		assert.Equal(t, "D", msg.MsgType())
	case <-time.After(5 * time.Second):
		t.Fatal("application message never delivered to subscriber")
	}
}

func TestDisconnectStopsSessionButKeepsRegistration(t *testing.T) {
	port := freePort(t)
	key := store.SessionKey{BeginString: "FIX.4.2", SenderCompID: "CLIENT", TargetCompID: "SERVER"}

	acceptEng := New(newTestStore(t))
	require.NoError(t, acceptEng.Register("server", session.Config{
		Key:               store.SessionKey{BeginString: key.BeginString, SenderCompID: key.TargetCompID, TargetCompID: key.SenderCompID},
		Role:              session.Acceptor,
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, acceptEng.Connect("server"))
	t.Cleanup(func() { acceptEng.Shutdown(2 * time.Second) })

	initEng := New(newTestStore(t))
	require.NoError(t, initEng.Register("client", session.Config{
		Key:               key,
		Role:              session.Initiator,
		Host:              "127.0.0.1",
		Port:              port,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: time.Second,
	}))
	require.NoError(t, initEng.Connect("client"))

	waitForState(t, initEng, "client", session.LoggedOn)
	require.NoError(t, initEng.Disconnect("client"))

	status, err := initEng.Query("client")
	require.NoError(t, err)
	assert.Equal(t, "client", status.Name)

	// Registration survives Disconnect: Connect can restart it.
	require.NoError(t, initEng.Connect("client"))
	initEng.Shutdown(2 * time.Second)
}

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadDefaultsToOne(t *testing.T) {
	s := newTestStore(t)
	key := SessionKey{BeginString: "FIX.4.2", SenderCompID: "S", TargetCompID: "T"}

	nextOut, nextIn, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, 1, nextOut)
	assert.Equal(t, 1, nextIn)
}

func TestSaveSeqsPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	key := SessionKey{BeginString: "FIX.4.2", SenderCompID: "S", TargetCompID: "T"}

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveSeqs(key, 11, 9))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	nextOut, nextIn, err := s2.Load(key)
	require.NoError(t, err)
	assert.Equal(t, 11, nextOut)
	assert.Equal(t, 9, nextIn)
}

func TestPutAndGetRangeFillsGaps(t *testing.T) {
	s := newTestStore(t)
	key := SessionKey{BeginString: "FIX.4.2", SenderCompID: "S", TargetCompID: "T"}

	require.NoError(t, s.Put(key, 3, []byte("msg-3")))
	require.NoError(t, s.Put(key, 5, []byte("msg-5")))

	records, err := s.GetRange(key, 2, 5)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, Record{Seq: 2, Present: false}, records[0])
	assert.Equal(t, Record{Seq: 3, Bytes: []byte("msg-3"), Present: true}, records[1])
	assert.Equal(t, Record{Seq: 4, Present: false}, records[2])
	assert.Equal(t, Record{Seq: 5, Bytes: []byte("msg-5"), Present: true}, records[3])
}

func TestResetClearsMessagesAndCounters(t *testing.T) {
	s := newTestStore(t)
	key := SessionKey{BeginString: "FIX.4.2", SenderCompID: "S", TargetCompID: "T"}

	require.NoError(t, s.Put(key, 1, []byte("one")))
	require.NoError(t, s.SaveSeqs(key, 5, 5))

	require.NoError(t, s.Reset(key))

	nextOut, nextIn, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, 1, nextOut)
	assert.Equal(t, 1, nextIn)

	records, err := s.GetRange(key, 1, 1)
	require.NoError(t, err)
	assert.False(t, records[0].Present)
}

func TestSessionKeyString(t *testing.T) {
	key := SessionKey{BeginString: "FIX.4.2", SenderCompID: "S", TargetCompID: "T"}
	assert.Equal(t, "FIX.4.2-S-T", key.String())
}

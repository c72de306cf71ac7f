package chunk

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, dir string, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager("127.0.0.1:7000", dir, time.Hour, 4, WithClock(clock.Now))
	require.NoError(t, err)
	return m
}

func TestStoreAndRetrieve(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, t.TempDir(), clock)

	data := []byte("hello torrentchain")
	hash, err := m.Put(data, []string{"10.0.0.1:7000"})
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)
	assert.True(t, m.Has(hash))
	assert.True(t, m.Validate(hash))

	got, err := m.Retrieve(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, ok := m.Meta(hash)
	require.True(t, ok)
	assert.Equal(t, len(data), meta.Size)
	assert.Equal(t, []string{"10.0.0.1:7000"}, meta.Peers)
	assert.Equal(t, meta.CreatedAt.Add(time.Hour), meta.ExpiresAt)

	assert.Equal(t, filepath.Join(filepath.Dir(m.Dir()), "127.0.0.1_7000"), m.Dir())
	assert.FileExists(t, filepath.Join(m.Dir(), hash+chunkSuffix))
	assert.FileExists(t, filepath.Join(m.Dir(), metadataFile))
}

func TestStoreRejectsHashMismatch(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	err := m.Store(Hash([]byte("a")), []byte("b"), nil)
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.Zero(t, m.Len())
}

func TestRetrieveMissing(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	_, err := m.Retrieve(Hash([]byte("nothing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveDetectsTampering(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	hash, err := m.Put([]byte("original"), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.chunkPath(hash), []byte("tampered"), 0644))
	m.cache.Purge()

	_, err = m.Retrieve(hash)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	hash, err := m.Put([]byte("bye"), nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(hash))
	assert.False(t, m.Has(hash))
	assert.NoFileExists(t, m.chunkPath(hash))

	// Deleting twice is a no-op
	require.NoError(t, m.Delete(hash))
}

func TestExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, t.TempDir(), clock)
	old, err := m.Put([]byte("old"), nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	fresh, err := m.Put([]byte("fresh"), nil)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	assert.False(t, m.Validate(old))
	_, err = m.Retrieve(old)
	require.ErrorIs(t, err, ErrNotFound)

	removed := m.CleanupExpired(clock.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{fresh}, m.Hashes())
	assert.NoFileExists(t, m.chunkPath(old))
}

func TestReloadPersistedChunks(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, dir, clock)

	kept, err := m.Put([]byte("kept"), []string{"peer:1"})
	require.NoError(t, err)
	missing, err := m.Put([]byte("missing"), nil)
	require.NoError(t, err)
	corrupt, err := m.Put([]byte("corrupt"), nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(m.chunkPath(missing)))
	require.NoError(t, os.WriteFile(m.chunkPath(corrupt), []byte("garbage"), 0644))

	reopened := newTestManager(t, dir, clock)
	assert.Equal(t, []string{kept}, reopened.Hashes())
	assert.NoFileExists(t, reopened.chunkPath(corrupt))

	meta, ok := reopened.Meta(kept)
	require.True(t, ok)
	assert.Equal(t, []string{"peer:1"}, meta.Peers)

	// Expired chunks are dropped on load as well
	clock.Advance(2 * time.Hour)
	expired := newTestManager(t, dir, clock)
	assert.Zero(t, expired.Len())
}

func TestReloadDropsNullMetadata(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, dir, clock)

	kept, err := m.Put([]byte("kept"), nil)
	require.NoError(t, err)
	orphan := Hash([]byte("orphan"))
	require.NoError(t, os.WriteFile(m.chunkPath(orphan), []byte("orphan"), 0644))

	keptMeta, ok := m.Meta(kept)
	require.True(t, ok)
	raw, err := json.Marshal(map[string]any{
		"node_id": "127.0.0.1:7000",
		"chunks":  map[string]any{kept: keptMeta, orphan: nil},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), metadataFile), raw, 0644))

	reopened := newTestManager(t, dir, clock)
	assert.Equal(t, []string{kept}, reopened.Hashes())
	assert.NoFileExists(t, reopened.chunkPath(orphan))
}

func TestAddPeer(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	hash, err := m.Put([]byte("shared"), nil)
	require.NoError(t, err)

	m.AddPeer(hash, "a:1")
	m.AddPeer(hash, "a:1")
	m.AddPeer("unknown", "a:1")

	meta, _ := m.Meta(hash)
	assert.Equal(t, []string{"a:1"}, meta.Peers)
}

func TestRunCleanupStopsOnCancel(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClock{now: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunCleanup(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestSplit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10)
	chunks := Split(data, 4)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 2)
	assert.Equal(t, data, bytes.Join(chunks, nil))
	assert.Empty(t, Split(nil, 4))
}

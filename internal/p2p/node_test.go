package p2p

import (
	"context"
	"fmt"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/chunk"
)

const eventually = 5 * time.Second

func testChainParams() chain.Params {
	p := chain.DefaultParams()
	p.Difficulty = 1
	p.Iterations = 1
	p.Workers = 2
	return p
}

// startNode runs a node on an ephemeral loopback port until the test ends.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	bc, err := chain.New(testChainParams())
	require.NoError(t, err)

	cfg.ListenAddr = "127.0.0.1:0"
	store, err := chunk.NewManager(t.Name(), t.TempDir(), time.Hour, 8)
	require.NoError(t, err)

	n, err := NewNode(cfg, bc, store)
	require.NoError(t, err)
	require.NoError(t, n.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventually):
			t.Error("node did not stop")
		}
	})
	return n
}

func connectPair(t *testing.T, a, b *Node) {
	t.Helper()
	require.NoError(t, a.Connect(context.Background(), b.ID()))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, eventually, 10*time.Millisecond)
}

func TestHandshake(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{})
	connectPair(t, a, b)

	assert.Equal(t, []string{b.ID()}, a.Peers())
	assert.Equal(t, []string{a.ID()}, b.Peers())

	// Connecting again or to self is a no-op
	require.NoError(t, a.Connect(context.Background(), b.ID()))
	require.NoError(t, a.Connect(context.Background(), a.ID()))
	assert.Len(t, a.Peers(), 1)
}

func TestPeerExchange(t *testing.T) {
	hub := startNode(t, Config{})
	a := startNode(t, Config{})
	b := startNode(t, Config{})
	connectPair(t, a, hub)

	// b learns about a through hub and dials it
	require.NoError(t, b.Connect(context.Background(), hub.ID()))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 2 && len(b.Peers()) == 2
	}, eventually, 10*time.Millisecond)
	assert.Contains(t, b.Peers(), a.ID())
}

func TestChunkAnnounceAndFetch(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{})
	connectPair(t, a, b)

	data := []byte("a chunk worth sharing")
	hash, err := a.StoreChunk(data, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{a.ID()}, b.RoutingTable()[hash])
	}, eventually, 10*time.Millisecond)
	assert.False(t, b.Store().Has(hash))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	got, err := b.RetrieveChunk(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, ok := b.Store().Meta(hash)
	require.True(t, ok)
	assert.Equal(t, []string{a.ID()}, meta.Peers)

	// a learns that b now replicates the chunk
	require.Eventually(t, func() bool {
		meta, _ := a.Store().Meta(hash)
		return len(meta.Peers) == 1 && meta.Peers[0] == b.ID()
	}, eventually, 10*time.Millisecond)
}

func TestRetrieveUnknownChunkTimesOut(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{})
	connectPair(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.RetrieveChunk(ctx, chunk.Hash([]byte("nobody has this")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplicationOnAnnounce(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{Replicate: true})

	hash, err := a.StoreChunk([]byte("replicate me"), nil)
	require.NoError(t, err)

	// the existing chunk is announced during the handshake
	connectPair(t, a, b)
	require.Eventually(t, func() bool { return b.Store().Has(hash) }, eventually, 10*time.Millisecond)
	assert.Equal(t, 1, b.ChunkCount())
}

func TestTransactionGossipAndBlockPropagation(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{})
	connectPair(t, a, b)

	assert.True(t, a.SubmitTransaction("alice->bob:5"))
	assert.False(t, a.SubmitTransaction("alice->bob:5"))
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, eventually, 10*time.Millisecond)

	block, err := b.MineBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Index)

	require.Eventually(t, func() bool { return a.Height() == 1 }, eventually, 10*time.Millisecond)
	assert.Equal(t, block.Hash, a.Chain().Last().Hash)
	assert.Zero(t, a.PendingCount())
}

func TestLateJoinerSyncsChain(t *testing.T) {
	a := startNode(t, Config{})
	for _, tx := range []string{"tx-1", "tx-2", "tx-3"} {
		require.True(t, a.SubmitTransaction(tx))
		_, err := a.MineBlock(context.Background())
		require.NoError(t, err)
	}

	b := startNode(t, Config{})
	connectPair(t, b, a)
	require.Eventually(t, func() bool { return b.Height() == 3 }, eventually, 10*time.Millisecond)
	assert.Equal(t, a.Chain().Last().Hash, b.Chain().Last().Hash)
}

func TestRejectsUnsignedTraffic(t *testing.T) {
	a := startNode(t, Config{})

	conn, err := net.Dial("tcp", a.ID())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := testSigner(t, "127.0.0.1:1").Encode(&Message{Type: MsgHandshake})
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0xff
	require.NoError(t, WriteFrame(conn, payload))

	// the node drops the connection without replying
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
	_, err = ReadFrame(conn, DefaultMaxMessageSize)
	require.Error(t, err)
	assert.Empty(t, a.Peers())
}

func TestMessagesBeforeHandshakeAreIgnored(t *testing.T) {
	a := startNode(t, Config{})

	conn, err := net.Dial("tcp", a.ID())
	require.NoError(t, err)
	defer conn.Close()

	s := testSigner(t, "127.0.0.1:1")
	payload, err := s.Encode(&Message{Type: MsgTransaction, Tx: "sneaky"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))

	payload, err = s.Encode(&Message{Type: MsgHandshake})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
	reply, err := ReadMessage(conn, DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, MsgHandshake, reply.Type)
	assert.Equal(t, a.ID(), reply.NodeID)
	assert.Zero(t, a.PendingCount())
}

func TestServeRequiresListen(t *testing.T) {
	bc, err := chain.New(testChainParams())
	require.NoError(t, err)
	store, err := chunk.NewManager("n", t.TempDir(), time.Hour, 8)
	require.NoError(t, err)
	n, err := NewNode(Config{}, bc, store)
	require.NoError(t, err)
	require.ErrorIs(t, n.Serve(context.Background()), ErrNotListening)
	require.ErrorIs(t, n.Connect(context.Background(), "127.0.0.1:1"), ErrNotListening)
}

// dialRaw opens a bare connection to n and handshakes as s.
func dialRaw(t *testing.T, n *Node, s *Signer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", n.ID())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sendRaw(t, conn, s, &Message{Type: MsgHandshake})
	return conn
}

func sendRaw(t *testing.T, conn net.Conn, s *Signer, msg *Message) {
	t.Helper()
	payload, err := s.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, payload))
}

func TestSimultaneousDialKeepsOneConnection(t *testing.T) {
	for i := 0; i < 5; i++ {
		a := startNode(t, Config{})
		b := startNode(t, Config{})

		errs := make(chan error, 2)
		go func() { errs <- a.Connect(context.Background(), b.ID()) }()
		go func() { errs <- b.Connect(context.Background(), a.ID()) }()
		require.NoError(t, <-errs)
		require.NoError(t, <-errs)

		require.Eventually(t, func() bool {
			return len(a.Peers()) == 1 && len(b.Peers()) == 1
		}, eventually, 10*time.Millisecond)
		require.Never(t, func() bool {
			return len(a.Peers()) == 0 || len(b.Peers()) == 0
		}, 300*time.Millisecond, 10*time.Millisecond)

		tx := fmt.Sprintf("after-crossed-dial-%d", i)
		require.True(t, a.SubmitTransaction(tx))
		require.Eventually(t, func() bool { return slices.Contains(b.Chain().Pending(), tx) }, eventually, 10*time.Millisecond)
	}
}

func TestMessagesFromForeignKeyAreDropped(t *testing.T) {
	a := startNode(t, Config{})
	s := testSigner(t, "127.0.0.1:1")
	conn := dialRaw(t, a, s)

	impostor := testSigner(t, "127.0.0.1:1")
	sendRaw(t, conn, impostor, &Message{Type: MsgTransaction, Tx: "forged"})
	sendRaw(t, conn, s, &Message{Type: MsgTransaction, Tx: "genuine"})

	require.Eventually(t, func() bool { return a.PendingCount() > 0 }, eventually, 10*time.Millisecond)
	assert.Equal(t, []string{"genuine"}, a.Chain().Pending())
}

func TestDuplicateConnectionIsClosed(t *testing.T) {
	a := startNode(t, Config{})
	s := testSigner(t, "127.0.0.1:1")
	dialRaw(t, a, s)
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, eventually, 10*time.Millisecond)

	second := dialRaw(t, a, s)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(eventually)))
	_, err := ReadFrame(second, DefaultMaxMessageSize)
	require.Error(t, err)
	assert.Equal(t, []string{"127.0.0.1:1"}, a.Peers())
}

func TestSilentPeerIsDropped(t *testing.T) {
	a := startNode(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	dialRaw(t, a, testSigner(t, "127.0.0.1:1"))
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, eventually, 10*time.Millisecond)
}

func TestRemovedPeerLeavesRoutingTable(t *testing.T) {
	a := startNode(t, Config{})
	s := testSigner(t, "127.0.0.1:1")
	conn := dialRaw(t, a, s)

	hashes := []string{chunk.Hash([]byte("one")), chunk.Hash([]byte("two"))}
	sendRaw(t, conn, s, &Message{Type: MsgChunkAnnounce, Chunks: hashes})
	require.Eventually(t, func() bool { return a.RoutedChunkCount() == 2 }, eventually, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return a.RoutedChunkCount() == 0 }, eventually, 10*time.Millisecond)
	assert.Empty(t, a.Peers())
}

func TestListenUsesProvidedListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	bc, err := chain.New(testChainParams())
	require.NoError(t, err)
	store, err := chunk.NewManager(Identity(ln, ""), t.TempDir(), time.Hour, 8)
	require.NoError(t, err)
	n, err := NewNode(Config{ListenAddr: "127.0.0.1:0", Listener: ln}, bc, store)
	require.NoError(t, err)
	require.NoError(t, n.Listen())
	assert.Equal(t, ln.Addr().String(), n.ID())
	assert.Equal(t, "node.example:7000", Identity(ln, "node.example:7000"))
}

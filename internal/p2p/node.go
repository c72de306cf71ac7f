// Package p2p implements the TorrentChain peer protocol: signed,
// length-prefixed JSON messages over TCP used to exchange peers, chunks,
// transactions and blocks.
package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/chunk"
	"github.com/torrentchain/torrentchain/internal/metrics"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultBlockTime         = 10 * time.Second

	// peers silent for this many heartbeat intervals are dropped
	peerTimeoutFactor = 3
	writeTimeout      = 10 * time.Second
	maxBlocksPerSync  = 500
)

var ErrNotListening = errors.New("node is not listening")

type Config struct {
	ListenAddr string
	// Listener, when set, is used instead of binding ListenAddr.
	Listener net.Listener
	// AdvertiseAddr overrides the bound address as the node identity, for
	// nodes listening on a wildcard address.
	AdvertiseAddr     string
	BootstrapPeers    []string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	MaxMessageSize    uint32
	CleanupInterval   time.Duration
	// Replicate requests every announced chunk the node does not hold.
	Replicate bool
	Mine      bool
	BlockTime time.Duration
	Key       ed25519.PrivateKey
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = chunk.DefaultCleanupInterval
	}
	if c.BlockTime <= 0 {
		c.BlockTime = DefaultBlockTime
	}
}

type peer struct {
	id       string
	conn     net.Conn
	outbound bool

	wmu sync.Mutex

	// guarded by Node.mu
	pubKey    string
	handshook bool
	lastSeen  time.Time
}

// Node is a TorrentChain peer.
type Node struct {
	cfg   Config
	chain *chain.Blockchain
	store *chunk.Manager

	listener net.Listener
	signer   *Signer
	id       string

	mu      sync.Mutex
	peers   map[string]*peer
	conns   map[*peer]struct{}
	routing map[string][]string
	waiters map[string][]chan struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewNode wires a node around a chain and a chunk store. The node does not
// touch the network until Listen is called.
func NewNode(cfg Config, bc *chain.Blockchain, store *chunk.Manager) (*Node, error) {
	if bc == nil || store == nil {
		return nil, errors.New("node requires a chain and a chunk store")
	}
	cfg.setDefaults()
	if cfg.Key == nil {
		key, err := LoadOrCreateKey("")
		if err != nil {
			return nil, err
		}
		cfg.Key = key
	}
	return &Node{
		cfg:     cfg,
		chain:   bc,
		store:   store,
		peers:   make(map[string]*peer),
		conns:   make(map[*peer]struct{}),
		routing: make(map[string][]string),
		waiters: make(map[string][]chan struct{}),
	}, nil
}

// Listen binds the listen address. The node's identity is the bound
// host:port unless an advertise address is configured.
func (n *Node) Listen() error {
	ln := n.cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", n.cfg.ListenAddr); err != nil {
			return errors.Wrapf(err, "failed to listen on %s", n.cfg.ListenAddr)
		}
	}
	n.listener = ln
	n.id = Identity(ln, n.cfg.AdvertiseAddr)
	n.signer = NewSigner(n.id, n.cfg.Key)
	slog.Info("Node listening", "addr", n.id, "pub_key", n.signer.PublicKeyHex())
	return nil
}

// Identity is the host:port a node bound to ln announces: advertise when
// set, else the bound address.
func Identity(ln net.Listener, advertise string) string {
	if advertise != "" {
		return advertise
	}
	return ln.Addr().String()
}

// ID is the node's host:port identity, set by Listen.
func (n *Node) ID() string {
	return n.id
}

func (n *Node) Chain() *chain.Blockchain {
	return n.chain
}

func (n *Node) Store() *chunk.Manager {
	return n.store
}

// Start listens and serves until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return err
	}
	return n.Serve(ctx)
}

// Serve runs the accept loop and background tasks until ctx is cancelled,
// then closes every connection.
func (n *Node) Serve(ctx context.Context) error {
	if n.listener == nil {
		return ErrNotListening
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		n.listener.Close()
		n.closeAll()
		return nil
	})
	eg.Go(func() error { return n.acceptLoop(ctx) })
	eg.Go(func() error { return n.heartbeatLoop(ctx) })
	eg.Go(func() error { return n.store.RunCleanup(ctx, n.cfg.CleanupInterval) })
	if n.cfg.Mine {
		eg.Go(func() error { return n.mineLoop(ctx) })
	}
	for _, addr := range n.cfg.BootstrapPeers {
		eg.Go(func() error {
			if err := n.Connect(ctx, addr); err != nil {
				slog.Error("Failed to connect to bootstrap peer", "peer", addr, "error", err)
			}
			return nil
		})
	}

	err := eg.Wait()
	n.wg.Wait()
	slog.Info("Node stopped", "addr", n.id)
	return err
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		slog.Info("New connection", "remote", conn.RemoteAddr().String())
		n.track(ctx, &peer{conn: conn, lastSeen: time.Now()})
	}
}

// Connect dials addr and performs the handshake. It is a no-op for self and
// already connected peers.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if n.signer == nil {
		return ErrNotListening
	}
	if addr == n.id {
		return nil
	}
	n.mu.Lock()
	_, known := n.peers[addr]
	n.mu.Unlock()
	if known {
		return nil
	}

	dialer := net.Dialer{Timeout: n.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", addr)
	}
	slog.Info("Connected to peer", "peer", addr)

	p := &peer{id: addr, conn: conn, outbound: true, lastSeen: time.Now()}
	n.mu.Lock()
	if _, known := n.peers[addr]; known {
		n.mu.Unlock()
		conn.Close()
		return nil
	}
	n.peers[addr] = p
	n.mu.Unlock()

	n.track(ctx, p)
	return n.send(p, &Message{Type: MsgHandshake})
}

func (n *Node) track(ctx context.Context, p *peer) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		p.conn.Close()
		return
	}
	n.conns[p] = struct{}{}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(ctx, p)
	}()
}

func (n *Node) readLoop(ctx context.Context, p *peer) {
	defer n.removePeer(p)
	for {
		msg, err := ReadMessage(p.conn, n.cfg.MaxMessageSize)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				slog.Warn("Connection closed", "peer", n.label(p))
			default:
				metrics.MessagesRejectedCounter.Inc()
				slog.Error("Invalid message", "peer", n.label(p), "error", err)
			}
			return
		}
		if !n.admit(p, msg) {
			continue
		}
		metrics.MessagesReceivedCounter.WithLabelValues(msg.Type).Inc()
		n.process(ctx, p, msg)
	}
}

// admit enforces the handshake-first rule and key pinning.
func (n *Node) admit(p *peer, msg *Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	p.lastSeen = time.Now()

	if p.handshook {
		if msg.PubKey != p.pubKey {
			slog.Warn("Dropping message signed by unexpected key", "peer", p.labelLocked(), "type", msg.Type)
			return false
		}
		return true
	}
	if msg.Type != MsgHandshake {
		slog.Warn("Dropping message before handshake", "peer", p.labelLocked(), "type", msg.Type)
		return false
	}
	return true
}

func (n *Node) process(ctx context.Context, p *peer, msg *Message) {
	switch msg.Type {
	case MsgHandshake:
		n.handleHandshake(p, msg)
	case MsgPeerExchange:
		n.handlePeerExchange(ctx, msg)
	case MsgChunkAnnounce:
		n.handleChunkAnnounce(p, msg)
	case MsgChunkRequest:
		n.handleChunkRequest(p, msg)
	case MsgChunkResponse:
		n.handleChunkResponse(p, msg)
	case MsgTransaction:
		n.handleTransaction(p, msg)
	case MsgBlock:
		n.handleBlock(p, msg)
	case MsgBlocksRequest:
		n.handleBlocksRequest(p, msg)
	case MsgBlocksResponse:
		n.handleBlocksResponse(p, msg)
	case MsgHeartbeat:
	default:
		slog.Warn("Unknown message type", "type", msg.Type, "peer", n.label(p))
	}
}

func (n *Node) handleHandshake(p *peer, msg *Message) {
	if msg.NodeID == "" || msg.NodeID == n.id {
		slog.Warn("Rejecting handshake", "node_id", msg.NodeID)
		p.conn.Close()
		return
	}

	n.mu.Lock()
	if p.handshook {
		n.mu.Unlock()
		return
	}
	if existing, ok := n.peers[msg.NodeID]; ok && existing != p && existing.handshook {
		if !n.prefers(p, existing, msg.NodeID) {
			n.mu.Unlock()
			slog.Debug("Closing duplicate connection", "peer", msg.NodeID)
			p.conn.Close()
			return
		}
		slog.Debug("Replacing connection dialed by the other side", "peer", msg.NodeID)
		existing.conn.Close()
	}
	if p.id != "" && p.id != msg.NodeID {
		// we dialed an address the peer does not identify as
		if n.peers[p.id] == p {
			delete(n.peers, p.id)
		}
	}
	p.id = msg.NodeID
	p.pubKey = msg.PubKey
	p.handshook = true
	n.peers[p.id] = p
	n.mu.Unlock()
	slog.Info("Handshake completed", "peer", p.id)

	if !p.outbound {
		if err := n.send(p, &Message{Type: MsgHandshake}); err != nil {
			return
		}
	}
	if err := n.send(p, &Message{Type: MsgPeerExchange, Peers: n.Peers()}); err != nil {
		return
	}
	if hashes := n.store.Hashes(); len(hashes) > 0 {
		_ = n.send(p, &Message{Type: MsgChunkAnnounce, Chunks: hashes})
	}
	_ = n.send(p, &Message{Type: MsgBlocksRequest, From: n.chain.Height() + 1})
}

// prefers reports whether p should replace existing as the connection to
// remote. When two nodes dial each other both keep the connection dialed by
// the lexically smaller id; otherwise the first connection wins.
func (n *Node) prefers(p, existing *peer, remote string) bool {
	if p.outbound == existing.outbound {
		return false
	}
	return p.outbound == (n.id < remote)
}

func (n *Node) handlePeerExchange(ctx context.Context, msg *Message) {
	for _, addr := range msg.Peers {
		if addr == n.id {
			continue
		}
		if !dialable(addr) {
			continue
		}
		n.mu.Lock()
		_, known := n.peers[addr]
		n.mu.Unlock()
		if known {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.Connect(ctx, addr); err != nil {
				slog.Error("Failed to connect to exchanged peer", "peer", addr, "error", err)
			}
		}()
	}
}

func (n *Node) handleChunkAnnounce(p *peer, msg *Message) {
	var missing []string
	n.mu.Lock()
	for _, hash := range msg.Chunks {
		if !slices.Contains(n.routing[hash], p.id) {
			n.routing[hash] = append(n.routing[hash], p.id)
		}
	}
	n.mu.Unlock()

	for _, hash := range msg.Chunks {
		if n.store.Has(hash) {
			n.store.AddPeer(hash, p.id)
		} else {
			missing = append(missing, hash)
		}
	}
	slog.Debug("Updated routing table", "peer", p.id, "chunks", len(msg.Chunks))

	if !n.cfg.Replicate {
		return
	}
	for _, hash := range missing {
		if err := n.send(p, &Message{Type: MsgChunkRequest, ChunkHash: hash, Requestor: n.id}); err != nil {
			return
		}
	}
}

func (n *Node) handleChunkRequest(p *peer, msg *Message) {
	data, err := n.store.Retrieve(msg.ChunkHash)
	if err != nil {
		slog.Warn("Requested chunk not found", "chunk", chunk.Short(msg.ChunkHash), "peer", p.id)
		return
	}
	if err := n.send(p, &Message{Type: MsgChunkResponse, ChunkHash: msg.ChunkHash, Data: hex.EncodeToString(data)}); err == nil {
		metrics.ChunksServedCounter.Inc()
	}
}

func (n *Node) handleChunkResponse(p *peer, msg *Message) {
	data, err := hex.DecodeString(msg.Data)
	if err != nil || !chunk.ValidateData(msg.ChunkHash, data) {
		slog.Warn("Received invalid chunk", "chunk", chunk.Short(msg.ChunkHash), "peer", p.id)
		return
	}
	var holders []string
	if dialable(p.id) {
		holders = []string{p.id}
	}
	if err := n.store.Store(msg.ChunkHash, data, holders); err != nil {
		slog.Error("Failed to store received chunk", "chunk", chunk.Short(msg.ChunkHash), "error", err)
		return
	}
	slog.Info("Stored new chunk", "chunk", chunk.Short(msg.ChunkHash), "from", p.id)

	n.mu.Lock()
	waiters := n.waiters[msg.ChunkHash]
	delete(n.waiters, msg.ChunkHash)
	n.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}

	n.Broadcast(&Message{Type: MsgChunkAnnounce, Chunks: []string{msg.ChunkHash}}, "")
}

func (n *Node) handleTransaction(p *peer, msg *Message) {
	if n.chain.AddTransaction(msg.Tx) {
		slog.Debug("Accepted transaction", "tx", msg.Tx, "from", p.id)
		n.Broadcast(&Message{Type: MsgTransaction, Tx: msg.Tx}, p.id)
	}
}

func (n *Node) handleBlock(p *peer, msg *Message) {
	b := msg.Block
	if b == nil {
		return
	}
	height := n.chain.Height()
	switch {
	case b.Index <= height:
		return
	case b.Index > height+1:
		slog.Info("Peer is ahead, requesting blocks", "peer", p.id, "from", height+1, "peer_height", b.Index)
		_ = n.send(p, &Message{Type: MsgBlocksRequest, From: height + 1})
		return
	}
	if err := n.chain.AddBlock(b); err != nil {
		slog.Warn("Rejected block", "height", b.Index, "peer", p.id, "error", err)
		return
	}
	slog.Info("Accepted block", "height", b.Index, "hash", b.Hash, "peer", p.id)
	n.Broadcast(&Message{Type: MsgBlock, Block: b}, p.id)
}

func (n *Node) handleBlocksRequest(p *peer, msg *Message) {
	blocks := n.chain.Blocks(msg.From)
	if len(blocks) > maxBlocksPerSync {
		blocks = blocks[:maxBlocksPerSync]
	}
	_ = n.send(p, &Message{Type: MsgBlocksResponse, Blocks: blocks})
}

func (n *Node) handleBlocksResponse(p *peer, msg *Message) {
	added := 0
	for _, b := range msg.Blocks {
		if b == nil || b.Index <= n.chain.Height() {
			continue
		}
		if err := n.chain.AddBlock(b); err != nil {
			slog.Warn("Stopping sync on invalid block", "height", b.Index, "peer", p.id, "error", err)
			break
		}
		added++
	}
	if added == 0 {
		return
	}
	slog.Info("Synced blocks", "count", added, "height", n.chain.Height(), "peer", p.id)
	if len(msg.Blocks) == maxBlocksPerSync {
		_ = n.send(p, &Message{Type: MsgBlocksRequest, From: n.chain.Height() + 1})
	}
}

func (n *Node) send(p *peer, msg *Message) error {
	payload, err := n.signer.Encode(msg)
	if err != nil {
		return err
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := WriteFrame(p.conn, payload); err != nil {
		slog.Warn("Connection lost while sending message", "peer", n.label(p), "type", msg.Type, "error", err)
		p.conn.Close()
		return err
	}
	return nil
}

// Broadcast sends msg to every handshaken peer except the one named except.
func (n *Node) Broadcast(msg *Message, except string) {
	for _, p := range n.handshakenPeers(except) {
		// each send re-stamps the shared envelope
		c := *msg
		_ = n.send(p, &c)
	}
}

func (n *Node) handshakenPeers(except string) []*peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*peer, 0, len(n.peers))
	for id, p := range n.peers {
		if p.handshook && id != except {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	timeout := peerTimeoutFactor * n.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var stale []*peer
		n.mu.Lock()
		for p := range n.conns {
			if time.Since(p.lastSeen) > timeout {
				stale = append(stale, p)
			}
		}
		n.mu.Unlock()
		for _, p := range stale {
			slog.Warn("Dropping silent peer", "peer", n.label(p))
			p.conn.Close()
		}

		n.Broadcast(&Message{Type: MsgHeartbeat}, "")
	}
}

func (n *Node) mineLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := n.MineBlock(ctx); err != nil && !errors.Is(err, chain.ErrNoTransactions) && ctx.Err() == nil {
			slog.Warn("Mining failed", "error", err)
		}
	}
}

// MineBlock seals the pending transactions and announces the block.
func (n *Node) MineBlock(ctx context.Context) (*chain.Block, error) {
	start := time.Now()
	b, err := n.chain.MineBlock(ctx)
	if err != nil {
		return nil, err
	}
	metrics.BlocksMinedCounter.Inc()
	metrics.MiningDurationHistogram.Observe(time.Since(start).Seconds())
	slog.Info("Mined block", "height", b.Index, "hash", b.Hash, "nonce", b.Nonce, "txs", len(b.Transactions))
	n.Broadcast(&Message{Type: MsgBlock, Block: b}, "")
	return b, nil
}

func (n *Node) removePeer(p *peer) {
	p.conn.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, p)
	if p.id == "" || n.peers[p.id] != p {
		return
	}
	delete(n.peers, p.id)
	for hash, holders := range n.routing {
		holders = slices.DeleteFunc(holders, func(id string) bool { return id == p.id })
		if len(holders) == 0 {
			delete(n.routing, hash)
		} else {
			n.routing[hash] = holders
		}
	}
	slog.Info("Peer removed", "peer", p.id)
}

func (n *Node) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for p := range n.conns {
		p.conn.Close()
	}
}

// StoreChunk stores data locally and announces it to every peer.
func (n *Node) StoreChunk(data []byte, peers []string) (string, error) {
	hash, err := n.store.Put(data, peers)
	if err != nil {
		return "", errors.WithMessage(err, "failed to store chunk")
	}
	n.Broadcast(&Message{Type: MsgChunkAnnounce, Chunks: []string{hash}}, "")
	return hash, nil
}

// RetrieveChunk returns a chunk from local storage or, failing that, asks
// the peers known to hold it (all peers when none are known) and waits for
// a valid response.
func (n *Node) RetrieveChunk(ctx context.Context, hash string) ([]byte, error) {
	if data, err := n.store.Retrieve(hash); err == nil {
		return data, nil
	}

	wait := make(chan struct{})
	n.mu.Lock()
	n.waiters[hash] = append(n.waiters[hash], wait)
	holders := slices.Clone(n.routing[hash])
	n.mu.Unlock()

	if n.store.Has(hash) {
		n.dropWaiter(hash, wait)
		return n.store.Retrieve(hash)
	}

	req := &Message{Type: MsgChunkRequest, ChunkHash: hash, Requestor: n.id}
	if len(holders) == 0 {
		n.Broadcast(req, "")
	} else {
		for _, p := range n.peersByID(holders) {
			c := *req
			_ = n.send(p, &c)
		}
	}

	select {
	case <-wait:
		return n.store.Retrieve(hash)
	case <-ctx.Done():
		n.dropWaiter(hash, wait)
		return nil, errors.WithMessage(ctx.Err(), fmt.Sprintf("chunk %s not received", chunk.Short(hash)))
	}
}

func (n *Node) dropWaiter(hash string, wait chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waiters[hash] = slices.DeleteFunc(n.waiters[hash], func(ch chan struct{}) bool { return ch == wait })
	if len(n.waiters[hash]) == 0 {
		delete(n.waiters, hash)
	}
}

func (n *Node) peersByID(ids []string) []*peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*peer
	for _, id := range ids {
		if p, ok := n.peers[id]; ok && p.handshook {
			out = append(out, p)
		}
	}
	return out
}

// SubmitTransaction adds tx to the pending pool and gossips it.
func (n *Node) SubmitTransaction(tx string) bool {
	if !n.chain.AddTransaction(tx) {
		return false
	}
	n.Broadcast(&Message{Type: MsgTransaction, Tx: tx}, "")
	return true
}

// Peers lists the identities of handshaken peers.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{}
	for id, p := range n.peers {
		if p.handshook {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// RoutingTable returns a copy of the chunk hash -> holders map.
func (n *Node) RoutingTable() map[string][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string][]string, len(n.routing))
	for hash, holders := range n.routing {
		out[hash] = slices.Clone(holders)
	}
	return out
}

func (n *Node) Height() uint64        { return n.chain.Height() }
func (n *Node) Difficulty() int       { return n.chain.Difficulty() }
func (n *Node) PendingCount() int     { return len(n.chain.Pending()) }
func (n *Node) PeerCount() int        { return len(n.Peers()) }
func (n *Node) ChunkCount() int       { return n.store.Len() }
func (n *Node) RoutedChunkCount() int { return len(n.RoutingTable()) }

// dialable reports whether id is a host:port a node can connect back to.
// Clients handshake with identities that are not.
func dialable(id string) bool {
	_, _, err := net.SplitHostPort(id)
	return err == nil
}

func (n *Node) label(p *peer) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return p.labelLocked()
}

func (p *peer) labelLocked() string {
	if p.id != "" {
		return p.id
	}
	return p.conn.RemoteAddr().String()
}

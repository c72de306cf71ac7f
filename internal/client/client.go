package client

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/chunk"
	"github.com/torrentchain/torrentchain/internal/p2p"
	"github.com/torrentchain/torrentchain/internal/utils"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	retryBackoff = time.Second
)

var ErrUnexpectedPeer = errors.New("response from unexpected peer")

// Client is a short-lived, non-listening session with a single node.
type Client struct {
	conn    net.Conn
	signer  *p2p.Signer
	maxSize uint32

	remoteID  string
	remoteKey string
}

// Dial connects to addr and completes the handshake. Dialing is retried up to
// maxRetries times.
func Dial(ctx context.Context, addr string, key ed25519.PrivateKey, maxRetries uint) (*Client, error) {
	conn, err := utils.Retry(ctx, "dial "+addr, maxRetries, retryBackoff, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
	if err != nil {
		return nil, err
	}

	pub := hex.EncodeToString(key.Public().(ed25519.PublicKey))
	c := &Client{
		conn:    conn,
		signer:  p2p.NewSigner("client-"+pub[:16], key),
		maxSize: p2p.DefaultMaxMessageSize,
	}
	if err := c.send(&p2p.Message{Type: p2p.MsgHandshake}); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.await(ctx, func(m *p2p.Message) bool { return m.Type == p2p.MsgHandshake })
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "handshake failed")
	}
	c.remoteID = reply.NodeID
	c.remoteKey = reply.PubKey
	slog.Debug("Connected to node", "node", c.remoteID)
	return c, nil
}

// RemoteID is the identity the node announced in its handshake.
func (c *Client) RemoteID() string {
	return c.remoteID
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(msg *p2p.Message) error {
	payload, err := c.signer.Encode(msg)
	if err != nil {
		return err
	}
	return errors.Wrap(p2p.WriteFrame(c.conn, payload), "failed to send message")
}

// await reads messages until match accepts one or ctx is done.
func (c *Client) await(ctx context.Context, match func(*p2p.Message) bool) (*p2p.Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		msg, err := p2p.ReadMessage(c.conn, c.maxSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read message")
		}
		if c.remoteKey != "" && msg.PubKey != c.remoteKey {
			return nil, ErrUnexpectedPeer
		}
		if match(msg) {
			return msg, nil
		}
		slog.Debug("Skipping message", "type", msg.Type)
	}
}

// PutChunk pushes data to the node and confirms it by reading it back.
func (c *Client) PutChunk(ctx context.Context, data []byte) (string, error) {
	hash := chunk.Hash(data)
	if err := c.send(&p2p.Message{Type: p2p.MsgChunkResponse, ChunkHash: hash, Data: hex.EncodeToString(data)}); err != nil {
		return "", err
	}
	if _, err := c.GetChunk(ctx, hash); err != nil {
		return "", errors.WithMessage(err, "node did not store chunk")
	}
	return hash, nil
}

// GetChunk requests hash from the node and validates the response.
func (c *Client) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	if err := c.send(&p2p.Message{Type: p2p.MsgChunkRequest, ChunkHash: hash, Requestor: c.signer.NodeID()}); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, func(m *p2p.Message) bool {
		return m.Type == p2p.MsgChunkResponse && m.ChunkHash == hash
	})
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(msg.Data)
	if err != nil {
		return nil, errors.WithMessage(p2p.ErrMalformed, err.Error())
	}
	if !chunk.ValidateData(hash, data) {
		return nil, chunk.ErrHashMismatch
	}
	return data, nil
}

// SubmitTransaction hands tx to the node for its pending pool.
func (c *Client) SubmitTransaction(tx string) error {
	return c.send(&p2p.Message{Type: p2p.MsgTransaction, Tx: tx})
}

// Sync waits until the node has processed every message sent so far.
// Messages are handled in order, so the reply to an empty blocks request
// marks the point.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.Blocks(ctx, math.MaxUint64)
	return err
}

// Blocks fetches blocks from index from onwards, one sync batch at most.
func (c *Client) Blocks(ctx context.Context, from uint64) ([]*chain.Block, error) {
	if err := c.send(&p2p.Message{Type: p2p.MsgBlocksRequest, From: from}); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, func(m *p2p.Message) bool { return m.Type == p2p.MsgBlocksResponse })
	if err != nil {
		return nil, err
	}
	return msg.Blocks, nil
}

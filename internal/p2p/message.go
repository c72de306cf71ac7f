package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/torrentchain/torrentchain/internal/chain"
)

const (
	MsgHandshake      = "handshake"
	MsgPeerExchange   = "peer_exchange"
	MsgChunkAnnounce  = "chunk_announce"
	MsgChunkRequest   = "chunk_request"
	MsgChunkResponse  = "chunk_response"
	MsgTransaction    = "transaction"
	MsgBlock          = "block"
	MsgBlocksRequest  = "blocks_request"
	MsgBlocksResponse = "blocks_response"
	MsgHeartbeat      = "heartbeat"

	DefaultMaxMessageSize = 16 << 20

	lengthPrefixSize = 4
)

var (
	ErrBadSignature    = errors.New("invalid message signature")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrMalformed       = errors.New("malformed message")
)

// Message is the single envelope for every protocol message. Only the fields
// relevant to Type are set.
type Message struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	PubKey    string `json:"pub_key"`
	Timestamp int64  `json:"timestamp"`

	Peers     []string       `json:"peers,omitempty"`
	Chunks    []string       `json:"chunks,omitempty"`
	ChunkHash string         `json:"chunk_hash,omitempty"`
	Requestor string         `json:"requestor,omitempty"`
	Data      string         `json:"data,omitempty"`
	Tx        string         `json:"tx,omitempty"`
	Block     *chain.Block   `json:"block,omitempty"`
	Blocks    []*chain.Block `json:"blocks,omitempty"`
	From      uint64         `json:"from,omitempty"`
}

// Signer stamps and signs outgoing messages with a node identity.
type Signer struct {
	nodeID string
	key    ed25519.PrivateKey
	pubHex string
}

func NewSigner(nodeID string, key ed25519.PrivateKey) *Signer {
	return &Signer{
		nodeID: nodeID,
		key:    key,
		pubHex: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	}
}

func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

func (s *Signer) NodeID() string {
	return s.nodeID
}

// Encode fills the identity fields of msg and returns body || signature.
func (s *Signer) Encode(msg *Message) ([]byte, error) {
	msg.NodeID = s.nodeID
	msg.PubKey = s.pubHex
	msg.Timestamp = time.Now().UnixNano()

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return append(body, ed25519.Sign(s.key, body)...), nil
}

// Decode verifies the trailing signature against the key carried in the body.
func Decode(raw []byte) (*Message, error) {
	if len(raw) <= ed25519.SignatureSize {
		return nil, errors.WithMessage(ErrMalformed, "frame shorter than signature")
	}
	body := raw[:len(raw)-ed25519.SignatureSize]
	sig := raw[len(raw)-ed25519.SignatureSize:]

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.WithMessage(ErrMalformed, err.Error())
	}
	pub, err := hex.DecodeString(msg.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.WithMessage(ErrMalformed, "bad public key")
	}
	if !ed25519.Verify(pub, body, sig) {
		return nil, ErrBadSignature
	}
	return &msg, nil
}

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed payload of at most maxSize bytes.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxSize {
		return nil, errors.WithMessage(ErrMessageTooLarge, fmt.Sprintf("%d > %d bytes", size, maxSize))
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads and verifies one message from r.
func ReadMessage(r io.Reader, maxSize uint32) (*Message, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

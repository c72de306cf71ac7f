package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/torrentchain/torrentchain/internal/pouw"
)

// Block is a sealed batch of transactions. Transactions are usually chunk
// hashes but the chain treats them as opaque strings.
type Block struct {
	Index          uint64    `json:"index"`
	Timestamp      time.Time `json:"timestamp"`
	Transactions   []string  `json:"transactions"`
	PreviousHash   string    `json:"previous_hash"`
	Difficulty     int       `json:"difficulty"`
	Nonce          uint64    `json:"nonce"`
	UsefulWorkData string    `json:"useful_work_data"`
	WorkHash       string    `json:"work_hash"`
	Hash           string    `json:"hash"`
}

// NewBlock assembles a block from solved work and seals its hash.
func NewBlock(index uint64, timestamp time.Time, txs []string, previousHash string, difficulty int, work pouw.Work) *Block {
	b := &Block{
		Index:          index,
		Timestamp:      timestamp,
		Transactions:   txs,
		PreviousHash:   previousHash,
		Difficulty:     difficulty,
		Nonce:          work.Nonce,
		UsefulWorkData: work.Data,
		WorkHash:       work.Hash,
	}
	b.Hash = b.CalculateHash()
	return b
}

// CalculateHash returns the hex SHA-256 of the block header.
func (b *Block) CalculateHash() string {
	txs, _ := json.Marshal(b.Transactions)

	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(b.Index, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.Timestamp.UnixNano(), 10))
	sb.WriteByte('|')
	sb.Write(txs)
	sb.WriteByte('|')
	sb.WriteString(b.PreviousHash)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(b.Difficulty))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(b.Nonce, 10))
	sb.WriteByte('|')
	sb.WriteString(b.UsefulWorkData)
	sb.WriteByte('|')
	sb.WriteString(b.WorkHash)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Work returns the useful work carried by the block.
func (b *Block) Work() pouw.Work {
	return pouw.Work{Nonce: b.Nonce, Data: b.UsefulWorkData, Hash: b.WorkHash}
}

func (b *Block) clone() *Block {
	c := *b
	c.Transactions = append([]string(nil), b.Transactions...)
	return &c
}

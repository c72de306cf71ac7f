package output

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/models"
)

type txRecord struct {
	Hash     string `json:"hash"`
	BlockID  uint64 `json:"block_id"`
	Position int    `json:"position"`
	Tx       string `json:"tx"`
}

// TransactionHash is the export identifier of a raw transaction.
func TransactionHash(tx string) string {
	sum := sha256.Sum256([]byte(tx))
	return hex.EncodeToString(sum[:])
}

// FromChainBlock converts a chain block to its export models.
func FromChainBlock(b *chain.Block) (*models.Block, []*models.Transaction, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to encode block %d", b.Index)
	}
	block := &models.Block{ID: b.Index, Hash: b.Hash, Data: data}

	txs := make([]*models.Transaction, 0, len(b.Transactions))
	for i, raw := range b.Transactions {
		rec := txRecord{Hash: TransactionHash(raw), BlockID: b.Index, Position: i, Tx: raw}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to encode transaction %s", rec.Hash)
		}
		txs = append(txs, &models.Transaction{Hash: rec.Hash, BlockID: b.Index, Data: data})
	}
	return block, txs, nil
}

package output

import (
	"context"

	"github.com/torrentchain/torrentchain/internal/models"
)

type OutputHandler interface {
	WriteBlockWithTransactions(ctx context.Context, block *models.Block, transactions []*models.Transaction) error
	GetLatestBlock(ctx context.Context) (*models.Block, error)
	Close() error
}

// MissingBlockFinder is implemented by sinks that can report gaps in the
// exported range.
type MissingBlockFinder interface {
	GetMissingBlockIds(ctx context.Context) ([]uint64, error)
}

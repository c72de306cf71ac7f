// Package exporter mirrors accepted chain blocks into an output sink.
package exporter

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/output"
	"github.com/torrentchain/torrentchain/internal/utils"
)

const (
	DefaultMaxRetries = 3
	retryBackoff      = time.Second
)

// Exporter writes every block of a chain to an output handler, resuming
// after the latest block the handler already holds.
type Exporter struct {
	handler    output.OutputHandler
	chain      *chain.Blockchain
	maxRetries uint
	notify     chan struct{}
}

// New subscribes to bc. Blocks are exported once Run is called.
func New(handler output.OutputHandler, bc *chain.Blockchain, maxRetries uint) *Exporter {
	e := &Exporter{
		handler:    handler,
		chain:      bc,
		maxRetries: maxRetries,
		notify:     make(chan struct{}, 1),
	}
	bc.OnBlock(func(*chain.Block) {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	})
	return e
}

// Run fills gaps reported by the handler, catches up to the chain tip and
// then follows new blocks until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	next, err := e.resumeHeight(ctx)
	if err != nil {
		return err
	}
	if err := e.exportMissing(ctx); err != nil {
		return err
	}

	for {
		next, err = e.catchUp(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.notify:
		}
	}
}

func (e *Exporter) resumeHeight(ctx context.Context) (uint64, error) {
	latest, err := e.handler.GetLatestBlock(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to get the latest exported block")
	}
	if latest == nil {
		return 0, nil
	}
	slog.Info("Resuming export", "from", latest.ID+1)
	return latest.ID + 1, nil
}

func (e *Exporter) exportMissing(ctx context.Context) error {
	finder, ok := e.handler.(output.MissingBlockFinder)
	if !ok {
		return nil
	}
	missing, err := finder.GetMissingBlockIds(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	slog.Warn("Missing blocks detected", "count", len(missing), "blocks", missing)
	for _, id := range missing {
		blocks := e.chain.Blocks(id)
		if len(blocks) == 0 {
			return errors.Errorf("missing block %d is not in the local chain", id)
		}
		if err := e.export(ctx, blocks[0]); err != nil {
			return errors.WithMessagef(err, "failed to export missing block %d", id)
		}
	}
	return nil
}

func (e *Exporter) catchUp(ctx context.Context, next uint64) (uint64, error) {
	for _, b := range e.chain.Blocks(next) {
		if err := e.export(ctx, b); err != nil {
			return next, err
		}
		next = b.Index + 1
	}
	return next, nil
}

func (e *Exporter) export(ctx context.Context, b *chain.Block) error {
	block, txs, err := output.FromChainBlock(b)
	if err != nil {
		return err
	}
	err = utils.RetryErr(ctx, "export block", e.maxRetries, retryBackoff, func(ctx context.Context) error {
		return e.handler.WriteBlockWithTransactions(ctx, block, txs)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to export block %d", b.Index)
	}
	slog.Debug("Exported block", "height", b.Index, "txs", len(txs))
	return nil
}

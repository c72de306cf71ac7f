package chain

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/torrentchain/torrentchain/internal/pouw"
)

const (
	GenesisTransaction = "GenesisBlock"
	GenesisDifficulty  = 1

	// MaxFutureDrift bounds how far ahead of local time a block may be stamped.
	MaxFutureDrift = 2 * time.Minute
)

var (
	ErrInvalidBlock   = errors.New("invalid block")
	ErrNoTransactions = errors.New("no pending transactions")

	genesisPreviousHash = strings.Repeat("0", 64)
	genesisTimestamp    = time.Unix(0, 0).UTC()
)

// Params controls mining and difficulty retargeting.
type Params struct {
	Difficulty         int
	MinDifficulty      int
	MaxDifficulty      int
	TargetBlockTime    time.Duration
	AdjustmentInterval uint64
	Iterations         int
	Workers            int
}

func DefaultParams() Params {
	return Params{
		Difficulty:         pouw.DefaultDifficulty,
		MinDifficulty:      1,
		MaxDifficulty:      64,
		TargetBlockTime:    10 * time.Second,
		AdjustmentInterval: 10,
		Iterations:         pouw.DefaultIterations,
		Workers:            runtime.NumCPU(),
	}
}

func (p Params) Validate() error {
	if p.MinDifficulty < 0 || p.MaxDifficulty < p.MinDifficulty {
		return fmt.Errorf("invalid difficulty bounds [%d, %d]", p.MinDifficulty, p.MaxDifficulty)
	}
	if p.Difficulty < p.MinDifficulty || p.Difficulty > p.MaxDifficulty {
		return fmt.Errorf("difficulty %d outside [%d, %d]", p.Difficulty, p.MinDifficulty, p.MaxDifficulty)
	}
	if p.TargetBlockTime <= 0 {
		return fmt.Errorf("target block time must be positive")
	}
	if p.AdjustmentInterval == 0 {
		return fmt.Errorf("adjustment interval must be positive")
	}
	if p.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1")
	}
	return nil
}

// Blockchain is an in-memory, append-only ledger with a pending
// transaction pool. It is safe for concurrent use.
type Blockchain struct {
	params Params

	mu         sync.RWMutex
	blocks     []*Block
	difficulty int
	pending    []string
	listeners  []func(*Block)
}

// New creates a chain holding only the genesis block. Every chain built with
// the same iteration count derives the same genesis.
func New(params Params) (*Blockchain, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid chain parameters")
	}
	genesis, err := Genesis(params.Iterations)
	if err != nil {
		return nil, err
	}
	return &Blockchain{
		params:     params,
		blocks:     []*Block{genesis},
		difficulty: params.Difficulty,
	}, nil
}

// Genesis mines the genesis block.
func Genesis(iterations int) (*Block, error) {
	txs := []string{GenesisTransaction}
	work, err := pouw.Solve(context.Background(), txs, GenesisDifficulty, iterations)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to mine genesis block")
	}
	return NewBlock(0, genesisTimestamp, txs, genesisPreviousHash, GenesisDifficulty, work), nil
}

func (c *Blockchain) Params() Params {
	return c.params
}

// OnBlock registers fn to run after every appended block.
func (c *Blockchain) OnBlock(fn func(*Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Blockchain) Last() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].clone()
}

// Height is the index of the last block.
func (c *Blockchain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Index
}

// Blocks returns copies of the blocks from index from onwards.
func (c *Blockchain) Blocks(from uint64) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from >= uint64(len(c.blocks)) {
		return nil
	}
	out := make([]*Block, 0, uint64(len(c.blocks))-from)
	for _, b := range c.blocks[from:] {
		out = append(out, b.clone())
	}
	return out
}

func (c *Blockchain) Difficulty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.difficulty
}

func (c *Blockchain) Pending() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.pending)
}

// AddTransaction queues tx for the next block. It returns false for empty or
// already queued transactions.
func (c *Blockchain) AddTransaction(tx string) bool {
	if tx == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.pending, tx) {
		return false
	}
	c.pending = append(c.pending, tx)
	return true
}

// IsValidBlock reports whether b may be appended to the chain.
func (c *Blockchain) IsValidBlock(b *Block) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate(b) == nil
}

func (c *Blockchain) validate(b *Block) error {
	if b == nil {
		return errors.WithMessage(ErrInvalidBlock, "nil block")
	}
	last := c.blocks[len(c.blocks)-1]
	if b.Index != last.Index+1 {
		return errors.WithMessage(ErrInvalidBlock, fmt.Sprintf("expected index %d, got %d", last.Index+1, b.Index))
	}
	if b.PreviousHash != last.Hash {
		return errors.WithMessage(ErrInvalidBlock, "previous hash does not match chain tip")
	}
	if b.Hash != b.CalculateHash() {
		return errors.WithMessage(ErrInvalidBlock, "block hash mismatch")
	}
	if b.Difficulty != c.difficulty {
		return errors.WithMessage(ErrInvalidBlock, fmt.Sprintf("expected difficulty %d, got %d", c.difficulty, b.Difficulty))
	}
	if b.Timestamp.Before(last.Timestamp) {
		return errors.WithMessage(ErrInvalidBlock, "timestamp precedes previous block")
	}
	if b.Timestamp.After(time.Now().Add(MaxFutureDrift)) {
		return errors.WithMessage(ErrInvalidBlock, "timestamp too far in the future")
	}
	if err := pouw.Verify(b.Transactions, b.Work(), b.Difficulty, c.params.Iterations); err != nil {
		return errors.WithMessage(ErrInvalidBlock, err.Error())
	}
	return nil
}

// AddBlock validates and appends b, drops its transactions from the pending
// pool and retargets difficulty at interval boundaries.
func (c *Blockchain) AddBlock(b *Block) error {
	c.mu.Lock()
	if err := c.validate(b); err != nil {
		c.mu.Unlock()
		return err
	}
	stored := b.clone()
	c.blocks = append(c.blocks, stored)
	c.pending = slices.DeleteFunc(c.pending, func(tx string) bool {
		return slices.Contains(stored.Transactions, tx)
	})
	if stored.Index%c.params.AdjustmentInterval == 0 {
		c.adjustDifficulty()
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	slog.Debug("Block added", "height", stored.Index, "hash", stored.Hash, "txs", len(stored.Transactions))
	for _, fn := range listeners {
		fn(stored.clone())
	}
	return nil
}

// MineBlock seals the pending pool into a new block and appends it.
func (c *Blockchain) MineBlock(ctx context.Context, opts ...pouw.Option) (*Block, error) {
	c.mu.RLock()
	last := c.blocks[len(c.blocks)-1]
	index, previousHash, lastTime := last.Index+1, last.Hash, last.Timestamp
	difficulty := c.difficulty
	txs := slices.Clone(c.pending)
	c.mu.RUnlock()

	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	opts = append([]pouw.Option{pouw.WithWorkers(c.params.Workers)}, opts...)
	work, err := pouw.Solve(ctx, txs, difficulty, c.params.Iterations, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to solve useful work")
	}

	timestamp := time.Now().UTC()
	if timestamp.Before(lastTime) {
		timestamp = lastTime
	}
	block := NewBlock(index, timestamp, txs, previousHash, difficulty, work)
	if err := c.AddBlock(block); err != nil {
		return nil, err
	}
	return block, nil
}

// AdjustDifficulty retargets difficulty from the average interval of the
// most recent blocks. The genesis block carries a fixed timestamp and is
// never part of the window.
func (c *Blockchain) AdjustDifficulty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustDifficulty()
}

func (c *Blockchain) adjustDifficulty() {
	mined := c.blocks[1:]
	if len(mined) < 2 {
		return
	}
	window := min(int(c.params.AdjustmentInterval)+1, len(mined))
	recent := mined[len(mined)-window:]
	elapsed := recent[len(recent)-1].Timestamp.Sub(recent[0].Timestamp)
	average := elapsed / time.Duration(len(recent)-1)

	previous := c.difficulty
	switch {
	case average < c.params.TargetBlockTime:
		c.difficulty++
	case average > c.params.TargetBlockTime:
		c.difficulty--
	}
	c.difficulty = max(c.params.MinDifficulty, min(c.params.MaxDifficulty, c.difficulty))

	if c.difficulty != previous {
		slog.Info("Difficulty adjusted", "from", previous, "to", c.difficulty, "average_block_time", average)
	}
}

// Package pouw implements the Proof of Useful Work puzzle used to seal blocks.
//
// The work is a chain of sequential SHA-256 applications over the block's
// transaction payload and a nonce. The sequential structure cannot be
// parallelized for a single candidate, so the only speedup available to a
// miner is trying several nonces at once.
package pouw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDifficulty = 4
	DefaultIterations = 1000

	// nonces checked by each worker between cancellation and progress checks
	roundSize = 64
)

var ErrInvalidWork = errors.New("invalid useful work")

// Work is a solved puzzle.
type Work struct {
	Nonce uint64 `json:"nonce"`
	Data  string `json:"data"`
	Hash  string `json:"hash"`
}

// SequentialHash applies SHA-256 to data, then to the raw digest, iterations
// times in total, and returns the final digest as lowercase hex.
func SequentialHash(data string, iterations int) string {
	if iterations < 1 {
		iterations = 1
	}
	sum := sha256.Sum256([]byte(data))
	for i := 1; i < iterations; i++ {
		sum = sha256.Sum256(sum[:])
	}
	return hex.EncodeToString(sum[:])
}

// ProcessTransactions concatenates the transactions in order.
func ProcessTransactions(txs []string) string {
	return strings.Join(txs, "")
}

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

func candidate(data string, nonce uint64) string {
	return data + strconv.FormatUint(nonce, 10)
}

type options struct {
	workers  int
	progress func(attempts uint64)
}

type Option func(*options)

// WithWorkers spreads the nonce search over n goroutines.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithProgress registers a callback invoked with the running attempt count.
func WithProgress(fn func(attempts uint64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// Solve searches for the lowest nonce whose sequential hash over the
// processed transactions meets difficulty.
func Solve(ctx context.Context, txs []string, difficulty, iterations int, opts ...Option) (Work, error) {
	o := options{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}

	data := ProcessTransactions(txs)
	span := uint64(o.workers) * roundSize

	var attempts uint64
	for base := uint64(0); ; base += span {
		if err := ctx.Err(); err != nil {
			return Work{}, err
		}

		var (
			mu    sync.Mutex
			found bool
			best  Work
		)
		eg, egCtx := errgroup.WithContext(ctx)
		for w := 0; w < o.workers; w++ {
			worker := uint64(w)
			eg.Go(func() error {
				for nonce := base + worker; nonce < base+span; nonce += uint64(o.workers) {
					if egCtx.Err() != nil {
						return egCtx.Err()
					}
					hash := SequentialHash(candidate(data, nonce), iterations)
					if !MeetsDifficulty(hash, difficulty) {
						continue
					}
					mu.Lock()
					if !found || nonce < best.Nonce {
						found = true
						best = Work{Nonce: nonce, Data: data, Hash: hash}
					}
					mu.Unlock()
					return nil
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return Work{}, err
		}

		attempts += span
		if o.progress != nil {
			o.progress(attempts)
		}
		if found {
			return best, nil
		}
	}
}

// Verify checks that work was honestly derived from txs and meets difficulty.
func Verify(txs []string, work Work, difficulty, iterations int) error {
	data := ProcessTransactions(txs)
	if work.Data != data {
		return errors.WithMessage(ErrInvalidWork, "useful work data does not match transactions")
	}
	hash := SequentialHash(candidate(data, work.Nonce), iterations)
	if hash != work.Hash {
		return errors.WithMessage(ErrInvalidWork, fmt.Sprintf("work hash mismatch for nonce %d", work.Nonce))
	}
	if !MeetsDifficulty(hash, difficulty) {
		return errors.WithMessage(ErrInvalidWork, fmt.Sprintf("work hash does not meet difficulty %d", difficulty))
	}
	return nil
}

package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/torrentchain/torrentchain/internal/models"
)

const (
	blockFilePrefix = "block_"
	jsonSuffix      = ".json"
)

type JSONOutputHandler struct {
	blockDir string
	txDir    string
}

func NewJSONOutputHandler(outDir string) (*JSONOutputHandler, error) {
	blockDir := filepath.Join(outDir, "block")
	txDir := filepath.Join(outDir, "txs")

	err := os.MkdirAll(blockDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}

	err = os.MkdirAll(txDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions directory: %w", err)
	}

	return &JSONOutputHandler{
		blockDir: blockDir,
		txDir:    txDir,
	}, nil
}

func (h *JSONOutputHandler) WriteBlockWithTransactions(_ context.Context, block *models.Block, transactions []*models.Transaction) error {
	for _, tx := range transactions {
		if err := h.writeTransaction(tx); err != nil {
			return fmt.Errorf("failed to write transaction: %w", err)
		}
	}

	// The block file is written last so its presence marks a complete export
	if err := h.writeBlock(block); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}

	return nil
}

// GetLatestBlock scans the block directory for the highest exported height.
func (h *JSONOutputHandler) GetLatestBlock(_ context.Context) (*models.Block, error) {
	entries, err := os.ReadDir(h.blockDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks directory: %w", err)
	}

	var latest *models.Block
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, blockFilePrefix) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, blockFilePrefix), jsonSuffix), 10, 64)
		if err != nil {
			continue
		}
		if latest == nil || id > latest.ID {
			latest = &models.Block{ID: id}
		}
	}
	return latest, nil
}

func (h *JSONOutputHandler) writeBlock(block *models.Block) error {
	fileName := fmt.Sprintf("%s%010d%s", blockFilePrefix, block.ID, jsonSuffix)
	filePath := filepath.Join(h.blockDir, fileName)
	return os.WriteFile(filePath, block.Data, 0644)
}

func (h *JSONOutputHandler) writeTransaction(tx *models.Transaction) error {
	fileName := fmt.Sprintf("tx_%s%s", tx.Hash, jsonSuffix)
	filePath := filepath.Join(h.txDir, fileName)
	return os.WriteFile(filePath, tx.Data, 0644)
}

func (h *JSONOutputHandler) Close() error {
	return nil
}

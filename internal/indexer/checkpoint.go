package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint tracks the last fully scanned block for a wallet.
type Checkpoint struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// CheckpointStore persists per-wallet checkpoints to a single JSON file.
type CheckpointStore struct {
	path    string
	enabled bool
	mu      sync.Mutex
}

func NewCheckpointStore(path string, enabled bool) *CheckpointStore {
	return &CheckpointStore{path: path, enabled: enabled && path != ""}
}

// LoadCheckpoint returns the last fully scanned block of a wallet.
func (c *CheckpointStore) LoadCheckpoint(_ context.Context, wallet common.Address) (uint64, bool, error) {
	if c == nil || !c.enabled {
		return 0, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.readAll()
	if err != nil {
		return 0, false, err
	}
	cp, ok := all[walletKey(wallet)]
	return cp.LastProcessedBlock, ok, nil
}

// SaveCheckpoint records lastProcessed for a wallet, replacing the file atomically.
func (c *CheckpointStore) SaveCheckpoint(_ context.Context, wallet common.Address, lastProcessed uint64) error {
	if c == nil || !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.readAll()
	if err != nil {
		return err
	}
	all[walletKey(wallet)] = Checkpoint{
		LastProcessedBlock: lastProcessed,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (c *CheckpointStore) readAll() (map[string]Checkpoint, error) {
	all := make(map[string]Checkpoint)

	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return all, nil
}

func walletKey(wallet common.Address) string {
	return strings.ToLower(wallet.Hex())
}

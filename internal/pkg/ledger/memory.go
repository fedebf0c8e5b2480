// Package ledger holds LedgerClient implementations for the escrow
// coordinator.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/escrow"
)

const genesisHash = "0"

var (
	ErrEmptyInstruction = errors.New("instruction has no transfers")
	ErrBrokenChain      = errors.New("ledger chain is broken")
)

// Block is one submitted instruction. Its hash doubles as the signature.
type Block struct {
	Index       int                `json:"index"`
	Timestamp   int64              `json:"timestamp"`
	PrevHash    string             `json:"prev_hash"`
	Instruction escrow.Instruction `json:"instruction"`
	Hash        string             `json:"hash"`
}

// MemoryLedger is an append-only, hash-chained instruction log. Deposit
// signatures have to be registered with Confirm unless AutoConfirm is set.
type MemoryLedger struct {
	mu       sync.RWMutex
	blocks   []Block
	statuses map[string]escrow.Status

	AutoConfirm bool

	log *slog.Logger
}

func NewLedgerService(i do.Injector) (*MemoryLedger, error) {
	autoConfirm := do.MustInvokeNamed[bool](i, "ledger-auto-confirm")
	log := do.MustInvoke[*slog.Logger](i)

	result := NewMemoryLedger(log)
	result.AutoConfirm = autoConfirm

	return result, nil
}

func NewMemoryLedger(log *slog.Logger) *MemoryLedger {
	return &MemoryLedger{
		statuses: map[string]escrow.Status{},

		log: log.With("service", "ledger"),
	}
}

func calculateHash(block Block) (string, error) {
	instruction, err := json.Marshal(block.Instruction)
	if err != nil {
		return "", fmt.Errorf("failed to marshal instruction: %w", err)
	}

	data := fmt.Sprintf("%d%d%s%s", block.Index, block.Timestamp, block.PrevHash, instruction)
	hash := sha256.Sum256([]byte(data))

	return hex.EncodeToString(hash[:]), nil
}

func (l *MemoryLedger) Submit(_ context.Context, instruction escrow.Instruction) (string, error) {
	if len(instruction.Transfers) == 0 {
		return "", ErrEmptyInstruction
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := genesisHash
	if len(l.blocks) > 0 {
		prevHash = l.blocks[len(l.blocks)-1].Hash
	}

	block := Block{
		Index:       len(l.blocks),
		Timestamp:   time.Now().UnixNano(),
		PrevHash:    prevHash,
		Instruction: instruction,
	}

	hash, err := calculateHash(block)
	if err != nil {
		return "", err
	}

	block.Hash = hash

	l.blocks = append(l.blocks, block)
	l.statuses[hash] = escrow.StatusFinalized

	l.log.Debug("block appended", "index", block.Index, "kind", instruction.Kind, "match", instruction.MatchID)

	return hash, nil
}

func (l *MemoryLedger) CheckStatus(_ context.Context, signature string) (escrow.Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if status, ok := l.statuses[signature]; ok {
		return status, nil
	}

	if l.AutoConfirm && signature != "" {
		return escrow.StatusConfirmed, nil
	}

	return escrow.StatusUnknown, nil
}

// Confirm records the status of an externally observed signature.
func (l *MemoryLedger) Confirm(signature string, status escrow.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.statuses[signature] = status
}

func (l *MemoryLedger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)

	return out
}

// Verify walks the whole chain and checks every link and hash.
func (l *MemoryLedger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := genesisHash

	for _, block := range l.blocks {
		if block.PrevHash != prevHash {
			return fmt.Errorf("%w: block %d links to %s, want %s", ErrBrokenChain, block.Index, block.PrevHash, prevHash)
		}

		expected, err := calculateHash(block)
		if err != nil {
			return err
		}

		if block.Hash != expected {
			return fmt.Errorf("%w: block %d hash mismatch", ErrBrokenChain, block.Index)
		}

		prevHash = block.Hash
	}

	return nil
}

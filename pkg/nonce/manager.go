// Package nonce assigns transaction nonces for platform-controlled addresses
// so that concurrent sweeps and withdrawals never sign two transactions with
// the same nonce.
package nonce

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
)

// Store persists the last assigned nonce per chain and address.
type Store interface {
	Next(ctx context.Context, chainID int64, address string, chainPending uint64) (uint64, error)
	Release(ctx context.Context, chainID int64, address string, nonce uint64) (bool, error)
}

// ChainNonces reads the pending nonce a chain expects from an address.
type ChainNonces interface {
	PendingNonce(ctx context.Context, chainID int64, address common.Address) (uint64, error)
}

// Manager combines the chain's pending nonce with the persisted counter.
type Manager struct {
	store  Store
	chain  ChainNonces
	logger *zap.Logger
}

// NewManager creates a new nonce manager
func NewManager(store Store, chain ChainNonces, logger *zap.Logger) *Manager {
	return &Manager{store: store, chain: chain, logger: logger}
}

// Next returns a nonce for the next transaction sent from address.
func (m *Manager) Next(ctx context.Context, chainID int64, address common.Address) (uint64, error) {
	pending, err := m.chain.PendingNonce(ctx, chainID, address)
	if err != nil {
		return 0, fmt.Errorf("failed to read pending nonce: %w", err)
	}
	n, err := m.store.Next(ctx, chainID, address.Hex(), pending)
	if err != nil {
		return 0, err
	}
	metrics.NoncesAssigned.WithLabelValues(strconv.FormatInt(chainID, 10)).Inc()
	m.logger.Debug("Assigned nonce",
		zap.Int64("chain_id", chainID),
		zap.String("address", address.Hex()),
		zap.Uint64("nonce", n),
		zap.Uint64("chain_pending", pending))
	return n, nil
}

// Release returns a nonce whose transaction was never broadcast. When a later
// nonce was already assigned the gap is left for the chain's pending nonce
// to close.
func (m *Manager) Release(ctx context.Context, chainID int64, address common.Address, n uint64) {
	released, err := m.store.Release(ctx, chainID, address.Hex(), n)
	if err != nil {
		m.logger.Warn("Failed to release nonce",
			zap.Int64("chain_id", chainID),
			zap.String("address", address.Hex()),
			zap.Uint64("nonce", n),
			zap.Error(err))
		return
	}
	if !released {
		m.logger.Debug("Nonce not released, a later one was assigned",
			zap.Int64("chain_id", chainID),
			zap.Uint64("nonce", n))
	}
}

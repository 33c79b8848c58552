// Package custody manages the per-user, per-chain deposit wallets whose keys
// the platform holds.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/keys"
)

// ErrWalletNotFound is returned when a user has no wallet on a chain.
var ErrWalletNotFound = errors.New("custodial wallet not found")

// Wallet is a custodial deposit address.
type Wallet struct {
	UserID       string
	ChainID      int64
	Address      common.Address
	EncryptedKey string
	CreatedAt    time.Time
}

// Store persists custodial wallets.
type Store interface {
	InsertWallet(ctx context.Context, w *Wallet) (bool, error)
	GetWallet(ctx context.Context, userID string, chainID int64) (*Wallet, error)
	ListWallets(ctx context.Context, chainID int64) ([]*Wallet, error)
}

// Service creates wallets and unlocks their keys for signing.
type Service struct {
	store    Store
	cipher   *keys.Cipher
	registry *chain.Registry
	logger   *zap.Logger
}

// NewService creates a new custody service
func NewService(store Store, cipher *keys.Cipher, registry *chain.Registry, logger *zap.Logger) *Service {
	return &Service{store: store, cipher: cipher, registry: registry, logger: logger}
}

// CreateWallet returns the user's wallet on chainID, generating and storing a
// new key if none exists yet.
func (s *Service) CreateWallet(ctx context.Context, userID string, chainID int64) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if _, err := s.registry.Chain(chainID); err != nil {
		return nil, err
	}

	existing, err := s.store.GetWallet(ctx, userID, chainID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	kp, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encrypted, err := s.cipher.Encrypt(kp.Bytes(), kp.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wallet key: %w", err)
	}

	w := &Wallet{
		UserID:       userID,
		ChainID:      chainID,
		Address:      kp.Address,
		EncryptedKey: encrypted,
		CreatedAt:    time.Now().UTC(),
	}
	inserted, err := s.store.InsertWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// lost a creation race, the other key is the one on record
		return s.store.GetWallet(ctx, userID, chainID)
	}

	s.logger.Info("Created custodial wallet",
		zap.String("user_id", userID),
		zap.Int64("chain_id", chainID),
		zap.String("address", w.Address.Hex()))
	return w, nil
}

// Wallet returns the user's wallet on chainID.
func (s *Service) Wallet(ctx context.Context, userID string, chainID int64) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID, chainID)
}

// ListWallets returns every custodial wallet on chainID.
func (s *Service) ListWallets(ctx context.Context, chainID int64) ([]*Wallet, error) {
	return s.store.ListWallets(ctx, chainID)
}

// Signer decrypts the wallet's key.
func (s *Service) Signer(_ context.Context, w *Wallet) (*keys.KeyPair, error) {
	kp, err := s.cipher.Decrypt(w.EncryptedKey, w.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock wallet %s: %w", w.Address.Hex(), err)
	}
	return kp, nil
}

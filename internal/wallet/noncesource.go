package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// ChainNonceSource answers authoritative pending-nonce queries from an
// Ethereum-compatible RPC endpoint. It is consulted once per wallet per run;
// afterwards the ledger's counter is the source of truth.
type ChainNonceSource struct {
	client *ethclient.Client
}

// DialNonceSource connects to the RPC endpoint.
func DialNonceSource(ctx context.Context, rpcURL string) (*ChainNonceSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial rpc %s: %w", rpcURL, err)
	}
	return &ChainNonceSource{client: client}, nil
}

// PendingNonce returns the chain's pending transaction count for the wallet.
func (s *ChainNonceSource) PendingNonce(ctx context.Context, wallet string) (uint64, error) {
	n, err := s.client.PendingNonceAt(ctx, common.HexToAddress(wallet))
	if err != nil {
		return 0, fmt.Errorf("wallet: pending nonce %s: %w", wallet, err)
	}
	return n, nil
}

// Close releases the underlying RPC connection.
func (s *ChainNonceSource) Close() {
	s.client.Close()
}

// StaticNonceSource always answers with a fixed nonce. Used in dry-run mode
// where no RPC endpoint is configured.
type StaticNonceSource struct {
	Nonce uint64
}

// PendingNonce returns the fixed nonce.
func (s StaticNonceSource) PendingNonce(ctx context.Context, wallet string) (uint64, error) {
	return s.Nonce, nil
}

// Compile-time interface checks.
var (
	_ domain.NonceSource = (*ChainNonceSource)(nil)
	_ domain.NonceSource = StaticNonceSource{}
)

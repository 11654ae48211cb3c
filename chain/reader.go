// Package chain reads and validates inbound payments on the source chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
)

var (
	ErrNotFound       = errors.New("transaction not found")
	ErrWrongRecipient = errors.New("transaction recipient is not the admin address")
	ErrZeroValue      = errors.New("transaction carries no value")
	ErrTxFailed       = errors.New("payment transaction failed on chain")
	ErrNotConfirmed   = errors.New("payment transaction not confirmed in time")
)

// Backend is the read side of an RPC client. *ethclient.Client satisfies it.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Payment is a validated native transfer to the admin address.
type Payment struct {
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
}

type Reader struct {
	backend Backend
	signer  types.Signer
	log     *zap.Logger

	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

func NewReader(backend Backend, chainID *big.Int, receiptTimeout time.Duration, log *zap.Logger) *Reader {
	log = logger.OrNop(log)
	return &Reader{
		backend:        backend,
		signer:         types.LatestSignerForChainID(chainID),
		log:            log,
		PollInterval:   2 * time.Second,
		ReceiptTimeout: receiptTimeout,
	}
}

// Validate checks that hash paid a positive amount to expected and was mined successfully,
// waiting for the receipt if the transaction is still pending.
func (r *Reader) Validate(ctx context.Context, hash common.Hash, expected common.Address) (*Payment, error) {
	tx, pending, err := r.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transaction %s: %w", hash.Hex(), err)
	}

	// common.Address comparison is byte-wise, so hex casing never matters
	if tx.To() == nil || *tx.To() != expected {
		to := "contract creation"
		if tx.To() != nil {
			to = tx.To().Hex()
		}
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongRecipient, to, expected.Hex())
	}

	if tx.Value() == nil || tx.Value().Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrZeroValue, hash.Hex())
	}

	from, err := types.Sender(r.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recovering sender of %s: %w", hash.Hex(), err)
	}

	if pending {
		r.log.Info("payment pending, waiting for receipt", zap.String("tx_hash", hash.Hex()))
	}

	receipt, err := r.waitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	return &Payment{
		TxHash:      hash,
		From:        from,
		To:          expected,
		Amount:      new(big.Int).Set(tx.Value()),
		BlockNumber: block,
	}, nil
}

func (r *Reader) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			r.log.Debug("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotConfirmed, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

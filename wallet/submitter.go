package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
)

var (
	ErrReverted            = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
	// ErrBroadcastUnknown means the send call failed but the node may still have the transaction.
	ErrBroadcastUnknown = errors.New("broadcast outcome unknown")
)

// Backend is the slice of an RPC client the submitter needs. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxRequest describes a contract call. A zero GasLimit means estimate.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Submitter sends transactions from a single privileged key on one chain.
// Nonce assignment, signing and broadcast happen under one lock so concurrent
// jobs never reuse a nonce; waiting for receipts happens outside it.
type Submitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	log     *zap.Logger

	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	mu        sync.Mutex
	nextNonce uint64
}

func NewSubmitter(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, confirmTimeout time.Duration, log *zap.Logger) *Submitter {
	log = logger.OrNop(log)
	return &Submitter{
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		signer:         types.LatestSignerForChainID(chainID),
		log:            log,
		PollInterval:   2 * time.Second,
		ConfirmTimeout: confirmTimeout,
	}
}

func (s *Submitter) Address() common.Address {
	return s.from
}

// Send signs and broadcasts req, returning the signed transaction. When the node's answer
// leaves it unclear whether the transaction was accepted, the signed transaction is returned
// together with ErrBroadcastUnknown.
func (s *Submitter) Send(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("getting nonce: %w", err)
	}
	if nonce < s.nextNonce {
		nonce = s.nextNonce
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting gas price: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gas := req.GasLimit
	if gas == 0 {
		to := req.To
		gas, err = s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  s.from,
			To:    &to,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimating gas: %w", err)
		}
	}

	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("signing tx: %w", err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		// Resync from the chain on the next send
		s.nextNonce = 0
		if rejected(err) {
			return nil, fmt.Errorf("sending tx: %w", err)
		}
		s.log.Warn("transaction broadcast outcome unknown",
			zap.String("tx_hash", signed.Hash().Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(err),
		)
		return signed, fmt.Errorf("%w: %s: %w", ErrBroadcastUnknown, signed.Hash().Hex(), err)
	}
	s.nextNonce = nonce + 1

	s.log.Info("transaction sent",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed, nil
}

// WaitMined polls for the receipt of hash until ConfirmTimeout elapses.
// A reverted receipt is returned together with ErrReverted.
func (s *Submitter) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.log.Debug("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrConfirmationTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// SendAndWait sends req and blocks until it is mined. The hash is zero only when the
// transaction never reached the node.
func (s *Submitter) SendAndWait(ctx context.Context, req TxRequest) (common.Hash, *types.Receipt, error) {
	tx, err := s.Send(ctx, req)
	if err != nil {
		if tx != nil {
			return tx.Hash(), nil, err
		}
		return common.Hash{}, nil, err
	}
	receipt, err := s.WaitMined(ctx, tx.Hash())
	return tx.Hash(), receipt, err
}

// rejected reports whether a send error is the node refusing the transaction. Transport
// failures and "already known" answers leave the broadcast outcome open.
func rejected(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Error())
	return !strings.Contains(msg, "already known") && !strings.Contains(msg, "known transaction")
}

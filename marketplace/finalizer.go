// Package marketplace assigns purchased items to buyers on the destination chain.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/wallet"
)

var ErrFinalizeFailed = errors.New("purchase finalize failed")

var marketplaceABI abi.ABI

func init() {
	var err error
	marketplaceABI, err = abi.JSON(strings.NewReader(`[{"inputs":[{"name":"buyer","type":"address"},{"name":"itemId","type":"uint256"}],"name":"purchaseOnBehalf","outputs":[],"stateMutability":"nonpayable","type":"function"}]`))
	if err != nil {
		panic(err)
	}
}

type Submitter interface {
	SendAndWait(ctx context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error)
}

type Result struct {
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

type Finalizer struct {
	contract  common.Address
	submitter Submitter
	log       *zap.Logger
}

func NewFinalizer(contract common.Address, submitter Submitter, log *zap.Logger) *Finalizer {
	log = logger.OrNop(log)
	return &Finalizer{contract: contract, submitter: submitter, log: log}
}

// Finalize calls purchaseOnBehalf for buyer. Gas is estimated by the submitter, so calls the
// contract would reject (item sold, missing role) fail before broadcast.
func (f *Finalizer) Finalize(ctx context.Context, buyer common.Address, itemID *big.Int) (*Result, error) {
	res := &Result{}

	data, err := marketplaceABI.Pack("purchaseOnBehalf", buyer, itemID)
	if err != nil {
		return res, fmt.Errorf("%w: packing call: %w", ErrFinalizeFailed, err)
	}

	hash, receipt, err := f.submitter.SendAndWait(ctx, wallet.TxRequest{
		To:   f.contract,
		Data: data,
	})
	if hash != (common.Hash{}) {
		res.TxHash = hash.Hex()
	}
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
	}
	if receipt != nil && receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	f.log.Info("purchase finalized",
		zap.String("tx_hash", res.TxHash),
		zap.String("buyer", buyer.Hex()),
		zap.String("item_id", itemID.String()),
	)
	return res, nil
}

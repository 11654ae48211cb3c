// Package bridge records completed conversions on the bridge contract so the
// destination side can pick them up.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/wallet"
)

var ErrCallFailed = errors.New("bridge call failed")

const bridgeABI = `[{"inputs":[{"name":"user","type":"address"},{"name":"itemId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"idempotencyKey","type":"string"}],"name":"emitPurchaseEvent","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		panic(err)
	}
}

type Submitter interface {
	SendAndWait(ctx context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error)
}

type Result struct {
	TxHash         string `json:"txHash,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	BlockNumber    uint64 `json:"blockNumber,omitempty"`
}

type Notifier struct {
	contract  common.Address
	submitter Submitter
	log       *zap.Logger
}

func NewNotifier(contract common.Address, submitter Submitter, log *zap.Logger) *Notifier {
	log = logger.OrNop(log)
	return &Notifier{contract: contract, submitter: submitter, log: log}
}

// IdempotencyKey derives the key the destination listener dedups on from the payment hash
// suffix and the time of the call.
func IdempotencyKey(paymentTx common.Hash, at time.Time) string {
	h := paymentTx.Hex()
	return fmt.Sprintf("%s-%d", h[len(h)-8:], at.Unix())
}

// Notify emits the purchase event. The result carries the tx hash whenever one was broadcast.
func (n *Notifier) Notify(ctx context.Context, user common.Address, itemID, amountOut *big.Int, key string) (*Result, error) {
	res := &Result{IdempotencyKey: key}

	data, err := parsedABI.Pack("emitPurchaseEvent", user, itemID, amountOut, key)
	if err != nil {
		return res, fmt.Errorf("%w: packing call: %w", ErrCallFailed, err)
	}

	hash, receipt, err := n.submitter.SendAndWait(ctx, wallet.TxRequest{
		To:   n.contract,
		Data: data,
	})
	if hash != (common.Hash{}) {
		res.TxHash = hash.Hex()
	}
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	if receipt != nil && receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	n.log.Info("purchase event emitted",
		zap.String("tx_hash", res.TxHash),
		zap.String("user", user.Hex()),
		zap.String("item_id", itemID.String()),
		zap.String("idempotency_key", key),
	)
	return res, nil
}

package bridge

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/wallet"
)

type fakeSubmitter struct {
	req wallet.TxRequest
	err error
}

func (f *fakeSubmitter) SendAndWait(_ context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error) {
	f.req = req
	hash := common.HexToHash("0xb1")
	if f.err != nil {
		return hash, &types.Receipt{Status: types.ReceiptStatusFailed}, f.err
	}
	return hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}, nil
}

func TestIdempotencyKey(t *testing.T) {
	hash := common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000012345678")
	key := IdempotencyKey(hash, time.Unix(1700000000, 0))
	assert.Equal(t, "12345678-1700000000", key)
}

func TestNotifyPacksCall(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	user := common.HexToAddress("0x7777777777777777777777777777777777777777")
	sub := &fakeSubmitter{}
	n := NewNotifier(contract, sub, nil)

	res, err := n.Notify(context.Background(), user, big.NewInt(7), big.NewInt(2_100_000), "12345678-1700000000")
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xb1").Hex(), res.TxHash)
	assert.Equal(t, uint64(99), res.BlockNumber)
	assert.Equal(t, contract, sub.req.To)

	method, err := parsedABI.MethodById(sub.req.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "emitPurchaseEvent", method.Name)

	args, err := method.Inputs.Unpack(sub.req.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, user, args[0])
	assert.Equal(t, big.NewInt(7), args[1])
	assert.Equal(t, big.NewInt(2_100_000), args[2])
	assert.Equal(t, "12345678-1700000000", args[3])
}

func TestNotifyRevertIsCallFailed(t *testing.T) {
	sub := &fakeSubmitter{err: wallet.ErrReverted}
	n := NewNotifier(common.HexToAddress("0x33"), sub, nil)

	res, err := n.Notify(context.Background(), common.HexToAddress("0x77"), big.NewInt(1), big.NewInt(1), "k")
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.ErrorIs(t, err, wallet.ErrReverted)
	assert.NotEmpty(t, res.TxHash)
}

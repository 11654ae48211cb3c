package marketplace

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/wallet"
)

type fakeSubmitter struct {
	req  wallet.TxRequest
	hash common.Hash
	err  error
}

func (f *fakeSubmitter) SendAndWait(_ context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error) {
	f.req = req
	if f.err != nil {
		return f.hash, nil, f.err
	}
	return f.hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}, nil
}

func TestFinalize(t *testing.T) {
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	buyer := common.HexToAddress("0x7777777777777777777777777777777777777777")
	sub := &fakeSubmitter{hash: common.HexToHash("0xf1")}
	f := NewFinalizer(contract, sub, nil)

	res, err := f.Finalize(context.Background(), buyer, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xf1").Hex(), res.TxHash)
	assert.Equal(t, uint64(5), res.BlockNumber)
	assert.Equal(t, contract, sub.req.To)
	assert.Zero(t, sub.req.GasLimit)

	method, err := marketplaceABI.MethodById(sub.req.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "purchaseOnBehalf", method.Name)
	args, err := method.Inputs.Unpack(sub.req.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, buyer, args[0])
	assert.Equal(t, big.NewInt(7), args[1])
}

func TestFinalizeFailureBeforeBroadcast(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("estimating gas: execution reverted: item sold")}
	f := NewFinalizer(common.HexToAddress("0x44"), sub, nil)

	res, err := f.Finalize(context.Background(), common.HexToAddress("0x77"), big.NewInt(7))
	assert.ErrorIs(t, err, ErrFinalizeFailed)
	assert.Contains(t, err.Error(), "item sold")
	assert.Empty(t, res.TxHash)
}

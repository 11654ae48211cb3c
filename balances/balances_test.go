package balances

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/swaps"
)

type fakeBackend struct {
	native  *big.Int
	token   *big.Int
	callErr error
	lastTo  common.Address
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	f.lastTo = *msg.To
	return common.LeftPadBytes(f.token.Bytes(), 32), nil
}

func TestFetch(t *testing.T) {
	usdc := swaps.Token{Address: common.HexToAddress("0x22"), Decimals: 6, Symbol: "USDC"}
	rpc := &fakeBackend{
		native: big.NewInt(1_500_000_000_000_000_000),
		token:  big.NewInt(12_340_000),
	}

	bal, err := Fetch(context.Background(), rpc, "source", usdc, common.HexToAddress("0x11"))
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.Native)
	assert.Equal(t, "12.34", bal.Token)
	assert.Equal(t, "12340000", bal.TokenBalance)
	assert.Equal(t, usdc.Address, rpc.lastTo)
}

func TestFetchTokenError(t *testing.T) {
	rpc := &fakeBackend{native: big.NewInt(1), callErr: errors.New("rpc down")}
	_, err := Fetch(context.Background(), rpc, "source", swaps.Token{Symbol: "USDC"}, common.HexToAddress("0x11"))
	assert.ErrorContains(t, err, "rpc down")
}

func TestFetchNativeSkipsToken(t *testing.T) {
	rpc := &fakeBackend{native: big.NewInt(250_000_000_000_000_000), callErr: errors.New("no contract")}

	bal, err := FetchNative(context.Background(), rpc, "destination", common.HexToAddress("0x11"))
	require.NoError(t, err)
	assert.Equal(t, "0.25", bal.Native)
	assert.Equal(t, "destination", bal.Chain)
	assert.Empty(t, bal.TokenBalance)
	assert.Equal(t, common.Address{}, rpc.lastTo)
}

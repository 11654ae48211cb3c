package swaps

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the source chain's native currency.
const NativeDecimals = 18

// Token is an ERC-20 on the source chain.
type Token struct {
	Address  common.Address
	Decimals int32
	Symbol   string
}

// ToDisplay converts a smallest-unit amount into display units.
func ToDisplay(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// FormatAmount renders a display amount with two decimal places, e.g. "2.10".
func FormatAmount(raw *big.Int, decimals int32) string {
	return ToDisplay(raw, decimals).StringFixed(2)
}

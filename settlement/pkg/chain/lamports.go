package chain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// LamportsToSOL renders lamports as an exact SOL decimal string.
func LamportsToSOL(lamports uint64) string {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL).String()
}

// SOLToLamports parses a SOL amount, rejecting values finer than one lamport.
func SOLToLamports(sol string) (uint64, error) {
	d, err := decimal.NewFromString(sol)
	if err != nil {
		return 0, fmt.Errorf("invalid SOL amount %q: %w", sol, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative SOL amount %q", sol)
	}
	l := d.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("SOL amount %q has sub-lamport precision", sol)
	}
	if !l.BigInt().IsUint64() {
		return 0, fmt.Errorf("SOL amount %q overflows", sol)
	}
	return l.BigInt().Uint64(), nil
}

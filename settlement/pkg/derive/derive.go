// Package derive computes scoped sub-addresses from typed seed tuples.
//
// Candidates are hashed as sha256(seeds || disambiguator || scope || "ProgramDerivedAddress"),
// the layout the Solana runtime uses for program derived addresses, with the disambiguator
// searched from 255 downwards. A candidate is accepted only when the configured Checker
// reports it has no associated private key.
package derive

import (
	"crypto/sha256"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

// DomainTag separates derived addresses from every other sha256 use.
const DomainTag = "ProgramDerivedAddress"

// Checker decides whether a candidate hash is acceptable as a derived address.
// The chain client implements it as an off-curve test.
type Checker interface {
	IsValidDerivedAddress(candidate solana.PublicKey) bool
}

type CheckerFunc func(candidate solana.PublicKey) bool

func (f CheckerFunc) IsValidDerivedAddress(candidate solana.PublicKey) bool {
	return f(candidate)
}

// OffCurve accepts candidates that are not valid ed25519 points.
var OffCurve = CheckerFunc(func(candidate solana.PublicKey) bool {
	return !solana.IsOnCurve(candidate[:])
})

type Deriver struct {
	checker Checker
}

func New(checker Checker) (*Deriver, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker is required")
	}
	return &Deriver{checker: checker}, nil
}

// Derive returns the first valid address for seeds under scope, and the disambiguator that
// produced it. Running out of disambiguators is a StateCorruption error.
func (d *Deriver) Derive(seeds [][]byte, scope solana.PublicKey) (solana.PublicKey, uint8, error) {
	if len(seeds) > solana.MaxSeeds-1 {
		return solana.PublicKey{}, 0, apperr.Corruption(apperr.ReasonInvalidSeed,
			fmt.Sprintf("too many seeds: %d (max %d)", len(seeds), solana.MaxSeeds-1))
	}
	for i, s := range seeds {
		if len(s) > solana.MaxSeedLength {
			return solana.PublicKey{}, 0, apperr.Corruption(apperr.ReasonInvalidSeed,
				fmt.Sprintf("seed %d is %d bytes (max %d)", i, len(s), solana.MaxSeedLength))
		}
	}

	for bump := 255; bump > 0; bump-- {
		candidate := candidateAddress(seeds, uint8(bump), scope)
		if d.checker.IsValidDerivedAddress(candidate) {
			return candidate, uint8(bump), nil
		}
	}
	return solana.PublicKey{}, 0, apperr.Corruption(apperr.ReasonDerivationExhausted,
		fmt.Sprintf("no valid address for %d seeds under scope %s", len(seeds), scope))
}

// Verify recomputes the address for a known disambiguator.
func (d *Deriver) Verify(seeds [][]byte, scope solana.PublicKey, bump uint8, want solana.PublicKey) bool {
	candidate := candidateAddress(seeds, bump, scope)
	return candidate.Equals(want) && d.checker.IsValidDerivedAddress(candidate)
}

func candidateAddress(seeds [][]byte, bump uint8, scope solana.PublicKey) solana.PublicKey {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write([]byte{bump})
	h.Write(scope[:])
	h.Write([]byte(DomainTag))
	return solana.PublicKeyFromBytes(h.Sum(nil))
}

package claim

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

// CoSigner holds the funds-holder key. It only signs transactions that the claimant pays
// for and that touch nothing but the allowed programs.
type CoSigner struct {
	key      solana.PrivateKey
	holder   solana.PublicKey
	programs map[solana.PublicKey]struct{}
}

func NewCoSigner(key solana.PrivateKey, allowedPrograms ...solana.PublicKey) (*CoSigner, error) {
	if len(key) != 64 {
		return nil, errors.New("funds holder key is required")
	}
	if len(allowedPrograms) == 0 {
		return nil, errors.New("at least one allowed program is required")
	}
	s := &CoSigner{key: key, holder: key.PublicKey(), programs: map[solana.PublicKey]struct{}{}}
	for _, p := range allowedPrograms {
		s.programs[p] = struct{}{}
	}
	return s, nil
}

func (s *CoSigner) PublicKey() solana.PublicKey {
	return s.holder
}

// Sign adds the funds-holder signature to tx after checking that claimant is its fee payer.
func (s *CoSigner) Sign(tx *solana.Transaction, claimant solana.PublicKey) error {
	if err := s.check(tx, claimant); err != nil {
		return err
	}
	_, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(s.holder) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to co-sign transaction: %w", err)
	}
	return nil
}

func (s *CoSigner) check(tx *solana.Transaction, claimant solana.PublicKey) error {
	if len(tx.Message.AccountKeys) == 0 {
		return apperr.Validation(apperr.ReasonFeePayerMismatch, "transaction has no accounts")
	}
	payer := tx.Message.AccountKeys[0]
	if !payer.Equals(claimant) || payer.Equals(s.holder) {
		return apperr.Validation(apperr.ReasonFeePayerMismatch,
			fmt.Sprintf("fee payer %s is not the claimant", payer))
	}
	programs, err := tx.GetProgramIDs()
	if err != nil {
		return apperr.Validation(apperr.ReasonTransactionMismatch, err.Error())
	}
	for _, p := range programs {
		if _, ok := s.programs[p]; !ok {
			return apperr.Validation(apperr.ReasonTransactionMismatch,
				fmt.Sprintf("program %s is not allowed", p))
		}
	}
	return nil
}

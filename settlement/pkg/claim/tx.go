package claim

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// Receipt instruction discriminators of the claim program.
const (
	receiptPrize     byte = 0
	receiptAffiliate byte = 1
)

type txParams struct {
	programID   solana.PublicKey
	kind        Kind
	claimant    solana.PublicKey
	fundsHolder solana.PublicKey
	receipt     solana.PublicKey
	bump        uint8
	amount      uint64
	blockhash   solana.Hash
}

// buildTransaction assembles the payout: a transfer from the funds holder to the claimant
// and a claim-program instruction that creates the receipt account. The claimant pays fees.
func buildTransaction(p txParams) (*solana.Transaction, error) {
	transfer := system.NewTransferInstruction(p.amount, p.fundsHolder, p.claimant).Build()

	data := make([]byte, 10)
	data[0] = receiptPrize
	if p.kind == KindAffiliate {
		data[0] = receiptAffiliate
	}
	data[1] = p.bump
	binary.LittleEndian.PutUint64(data[2:], p.amount)
	receipt := solana.NewInstruction(p.programID, solana.AccountMetaSlice{
		solana.Meta(p.claimant).WRITE().SIGNER(),
		solana.Meta(p.receipt).WRITE(),
		solana.Meta(p.fundsHolder).SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer, receipt},
		p.blockhash,
		solana.TransactionPayer(p.claimant),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

func messageHash(tx *solana.Transaction) (string, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:]), nil
}

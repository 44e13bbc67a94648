package claim

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type Kind string

const (
	KindPrize     Kind = "prize"
	KindAffiliate Kind = "affiliate"
)

func (k Kind) Valid() bool {
	return k == KindPrize || k == KindAffiliate
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// ErrExpired is the error message written on pending claims that were never submitted.
	ErrExpired = "expired"
	// ErrBlockhashExpired is written on broadcast claims whose transaction can no longer land.
	ErrBlockhashExpired = "blockhash_expired"
)

// Subject names what is being claimed: a prize by id, or an affiliate week of the claimant.
type Subject struct {
	Kind    Kind      `json:"kind"`
	PrizeID uuid.UUID `json:"prize_id,omitempty"`
	Week    uint64    `json:"week_number,omitempty"`
}

// Key is the stable identity of the subject used to serialize claims on it.
func (s Subject) Key(claimant solana.PublicKey) string {
	if s.Kind == KindPrize {
		return "prize:" + s.PrizeID.String()
	}
	return fmt.Sprintf("affiliate:%s:%d", claimant, s.Week)
}

// Claim is one settlement attempt. It starts pending and ends completed or failed.
type Claim struct {
	ID           uuid.UUID        `json:"id"`
	Kind         Kind             `json:"kind"`
	SubjectKey   string           `json:"subject_key"`
	PrizeID      *uuid.UUID       `json:"prize_id,omitempty"`
	Week         *uint64          `json:"week_number,omitempty"`
	Claimant     solana.PublicKey `json:"claimant"`
	Amount       uint64           `json:"amount"`
	Status       Status           `json:"status"`
	Signature    string           `json:"signature,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`

	ReceiptAddress       solana.PublicKey `json:"receipt_address"`
	MessageHash          string           `json:"-"`
	Blockhash            string           `json:"blockhash"`
	LastValidBlockHeight uint64           `json:"last_valid_block_height"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Metadata is what the claimant's signer needs besides the transaction itself.
type Metadata struct {
	FeePayer             solana.PublicKey `json:"fee_payer"`
	FundsHolder          solana.PublicKey `json:"funds_holder"`
	ReceiptAddress       solana.PublicKey `json:"receipt_address"`
	ReceiptBump          uint8            `json:"receipt_bump"`
	Blockhash            string           `json:"blockhash"`
	LastValidBlockHeight uint64           `json:"last_valid_block_height"`
	Amount               uint64           `json:"amount"`
}

type Prepared struct {
	Claim Claim `json:"claim"`
	// Transaction is the base64 wire transaction, co-signed by the funds holder.
	Transaction string   `json:"unsigned_tx"`
	Metadata    Metadata `json:"chain_metadata"`
}

type Submitted struct {
	Claim     Claim  `json:"claim"`
	Signature string `json:"signature"`
	// Pending is set when confirmation did not arrive within the wait bound.
	Pending bool `json:"pending"`
}

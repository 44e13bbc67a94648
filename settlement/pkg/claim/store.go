package claim

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/chain"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

type Store interface {
	Prize(ctx context.Context, id uuid.UUID) (lottery.Prize, error)
	Week(ctx context.Context, wallet solana.PublicKey, week uint64) (affiliate.WeekAccumulator, error)

	// SavePending stores c as the subject's pending claim. A prior pending claim for the
	// same subject is superseded in place, keeps its id and restarts its expiry clock.
	// Fails with Conflict already_claimed when the subject is claimed, claim_in_flight when
	// the prior pending claim has already been broadcast, and amount_changed when the
	// subject's amount under lock differs from c.Amount. An affiliate week is closed to
	// further earnings once a claim is saved against it.
	SavePending(ctx context.Context, c Claim) (Claim, error)
	Claim(ctx context.Context, id uuid.UUID) (Claim, error)
	// RecordSignature attaches the signature about to be broadcast to a pending claim. It
	// reports true only for the call that attached it; recording the same signature again
	// reports false, and a different signature fails with Conflict claim_in_flight.
	RecordSignature(ctx context.Context, id uuid.UUID, signature string, at time.Time) (bool, error)
	// Complete moves a claim to completed and marks its subject claimed, atomically. A
	// failed claim is accepted when its recorded signature is the confirmed one.
	Complete(ctx context.Context, id uuid.UUID, signature string, at time.Time) (Claim, error)
	// Fail moves a pending claim to failed. The subject is left unclaimed.
	Fail(ctx context.Context, id uuid.UUID, message string, at time.Time) (Claim, error)
	// ExpirePending fails pending claims created before cutoff that were never broadcast.
	ExpirePending(ctx context.Context, cutoff, at time.Time) (int64, error)
	// InFlight lists up to limit pending claims that have a recorded signature, oldest first.
	InFlight(ctx context.Context, limit int) ([]Claim, error)
}

// Chain broadcasts and confirms claim transactions.
type Chain interface {
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature) (chain.SignatureStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

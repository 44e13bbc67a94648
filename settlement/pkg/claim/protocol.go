// Package claim settles prizes and affiliate weeks through a two-phase protocol. Prepare
// builds a payout transaction co-signed by the funds holder and records a pending claim;
// submit takes the claimant-signed transaction, broadcasts it and completes the claim once
// the chain confirms it.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/chain"
	"github.com/powersol/settlement/settlement/pkg/derive"
	"github.com/powersol/settlement/settlement/pkg/metrics"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   Store
	Chain   Chain
	Deriver *derive.Deriver
	Signer  *CoSigner
	// ProgramID owns the claim receipt accounts.
	ProgramID solana.PublicKey

	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// PendingTTL is how long an unsubmitted pending claim lives before it expires.
	PendingTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	if cfg.Deriver == nil {
		return errors.New("deriver is required")
	}
	if cfg.Signer == nil {
		return errors.New("co-signer is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("claim program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	return nil
}

type Protocol struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Protocol{log: cfg.Logger, cfg: cfg}, nil
}

// eligible is a subject that passed the eligibility checks.
type eligible struct {
	amount uint64
	seeds  [][]byte
	claim  Claim
}

// Prepare checks eligibility, builds and co-signs the payout transaction and records the
// pending claim.
func (p *Protocol) Prepare(ctx context.Context, subject Subject, claimant solana.PublicKey) (Prepared, error) {
	out, err := p.prepare(ctx, subject, claimant)
	if apperr.ReasonOf(err) == apperr.ReasonAmountChanged {
		// Earnings landed between the eligibility read and the save; rebuild once.
		p.log.Info("claim: amount changed while preparing, rebuilding", "subject", subject.Key(claimant))
		out, err = p.prepare(ctx, subject, claimant)
	}
	metrics.RecordClaim(string(subject.Kind), "prepare", outcome(err))
	return out, err
}

func (p *Protocol) prepare(ctx context.Context, subject Subject, claimant solana.PublicKey) (Prepared, error) {
	if claimant.IsZero() {
		return Prepared{}, apperr.Validation(apperr.ReasonInvalidInput, "claimant is required")
	}
	now := p.cfg.Clock.Now()
	el, err := p.eligibility(ctx, subject, claimant, now)
	if err != nil {
		return Prepared{}, err
	}

	receipt, bump, err := p.cfg.Deriver.Derive(el.seeds, p.cfg.ProgramID)
	if err != nil {
		return Prepared{}, err
	}
	bh, err := p.cfg.Chain.LatestBlockhash(ctx)
	if err != nil {
		return Prepared{}, err
	}
	holder := p.cfg.Signer.PublicKey()
	tx, err := buildTransaction(txParams{
		programID:   p.cfg.ProgramID,
		kind:        subject.Kind,
		claimant:    claimant,
		fundsHolder: holder,
		receipt:     receipt,
		bump:        bump,
		amount:      el.amount,
		blockhash:   bh.Hash,
	})
	if err != nil {
		return Prepared{}, err
	}
	if err := p.cfg.Signer.Sign(tx, claimant); err != nil {
		return Prepared{}, err
	}
	hash, err := messageHash(tx)
	if err != nil {
		return Prepared{}, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return Prepared{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	c := el.claim
	c.ID = uuid.New()
	c.Kind = subject.Kind
	c.SubjectKey = subject.Key(claimant)
	c.Claimant = claimant
	c.Amount = el.amount
	c.Status = StatusPending
	c.ReceiptAddress = receipt
	c.MessageHash = hash
	c.Blockhash = bh.Hash.String()
	c.LastValidBlockHeight = bh.LastValidBlockHeight
	c.CreatedAt = now
	c.UpdatedAt = now
	saved, err := p.cfg.Store.SavePending(ctx, c)
	if err != nil {
		return Prepared{}, fmt.Errorf("failed to save pending claim: %w", err)
	}

	p.log.Info("claim: prepared",
		"claim_id", saved.ID,
		"kind", saved.Kind,
		"subject", saved.SubjectKey,
		"claimant", claimant.String(),
		"amount", saved.Amount)
	return Prepared{
		Claim:       saved,
		Transaction: encoded,
		Metadata: Metadata{
			FeePayer:             claimant,
			FundsHolder:          holder,
			ReceiptAddress:       receipt,
			ReceiptBump:          bump,
			Blockhash:            bh.Hash.String(),
			LastValidBlockHeight: bh.LastValidBlockHeight,
			Amount:               el.amount,
		},
	}, nil
}

func (p *Protocol) eligibility(ctx context.Context, subject Subject, claimant solana.PublicKey, now time.Time) (eligible, error) {
	switch subject.Kind {
	case KindPrize:
		if subject.PrizeID == uuid.Nil {
			return eligible{}, apperr.Validation(apperr.ReasonInvalidInput, "prize id is required")
		}
		prize, err := p.cfg.Store.Prize(ctx, subject.PrizeID)
		if err != nil {
			return eligible{}, err
		}
		switch {
		case !prize.Wallet.Equals(claimant):
			return eligible{}, apperr.Validation(apperr.ReasonNotOwner, "prize belongs to another wallet")
		case prize.Claimed:
			return eligible{}, apperr.Conflict(apperr.ReasonAlreadyClaimed, "prize already claimed")
		case prize.Amount == 0:
			return eligible{}, apperr.Validation(apperr.ReasonZeroAmount, "prize amount is zero")
		}
		id := prize.ID
		return eligible{
			amount: prize.Amount,
			seeds:  derive.PrizeClaimSeeds(claimant, prize.RoundID, prize.TicketNumber),
			claim:  Claim{PrizeID: &id},
		}, nil

	case KindAffiliate:
		week, err := p.cfg.Store.Week(ctx, claimant, subject.Week)
		if err != nil {
			return eligible{}, err
		}
		switch {
		case week.Claimed:
			return eligible{}, apperr.Conflict(apperr.ReasonAlreadyClaimed, "week already claimed")
		case week.Earned == 0:
			return eligible{}, apperr.Validation(apperr.ReasonZeroAmount, "nothing earned this week")
		case now.Before(week.ReleaseAt):
			return eligible{}, apperr.Validation(apperr.ReasonNotReleased,
				fmt.Sprintf("week %d releases at %s", week.Week, week.ReleaseAt.UTC().Format(time.RFC3339)))
		}
		w := week.Week
		return eligible{
			amount: week.Earned,
			seeds:  derive.AffiliateClaimSeeds(claimant, week.Week),
			claim:  Claim{Week: &w},
		}, nil
	}
	return eligible{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown claim kind %q", subject.Kind))
}

// Submit broadcasts the claimant-signed transaction of a pending claim and waits a bounded
// time for confirmation. When the wait runs out the result is marked Pending and the
// claim stays pending; submitting again re-checks the recorded signature.
func (p *Protocol) Submit(ctx context.Context, id uuid.UUID, signedTx string) (Submitted, error) {
	out, err := p.submit(ctx, id, signedTx)
	kind := string(out.Claim.Kind)
	if kind == "" {
		kind = "unknown"
	}
	res := outcome(err)
	if err == nil && out.Pending {
		res = "pending"
	}
	metrics.RecordClaim(kind, "submit", res)
	return out, err
}

func (p *Protocol) submit(ctx context.Context, id uuid.UUID, signedTx string) (Submitted, error) {
	c, err := p.cfg.Store.Claim(ctx, id)
	if err != nil {
		return Submitted{}, err
	}
	switch {
	case c.Status == StatusCompleted:
		return Submitted{Claim: c, Signature: c.Signature}, apperr.Conflict(apperr.ReasonClaimCompleted, "claim already completed")
	case c.Status == StatusFailed && c.Signature == "":
		return Submitted{Claim: c}, errClaimFailed
	}

	tx, err := p.verify(c, signedTx)
	if err != nil {
		return Submitted{Claim: c}, err
	}
	sig := tx.Signatures[0]
	log := p.log.With("claim_id", c.ID, "signature", sig.String())

	resubmit := c.Signature != ""
	if resubmit {
		prior, err := solana.SignatureFromBase58(c.Signature)
		if err == nil {
			st, err := p.cfg.Chain.Status(ctx, prior)
			if err != nil {
				return Submitted{Claim: c}, err
			}
			if st.State == chain.StateConfirmed {
				log.Info("claim: recorded signature already confirmed")
				return p.complete(ctx, c, prior)
			}
			if c.Status == StatusPending {
				switch st.State {
				case chain.StatePending:
					return p.await(ctx, c, prior)
				case chain.StateFailed:
					return p.chainFailed(ctx, c, st)
				}
			}
		}
	}
	if c.Status == StatusFailed {
		return Submitted{Claim: c}, errClaimFailed
	}

	fresh, err := p.cfg.Store.RecordSignature(ctx, c.ID, sig.String(), p.cfg.Clock.Now())
	if err != nil {
		return Submitted{Claim: c}, fmt.Errorf("failed to record signature: %w", err)
	}
	c.Signature = sig.String()
	if !fresh && !resubmit {
		// A concurrent submit recorded this signature first and owns the broadcast.
		log.Info("claim: signature recorded concurrently, awaiting confirmation")
		return p.await(ctx, c, sig)
	}

	if _, err := p.cfg.Chain.Broadcast(ctx, tx); err != nil {
		return p.broadcastFailed(ctx, c, sig, err)
	}
	log.Info("claim: broadcast")
	return p.await(ctx, c, sig)
}

var errClaimFailed = apperr.Conflict(apperr.ReasonClaimNotPending, "claim failed, prepare it again")

// broadcastFailed settles a claim whose send was rejected. The same transaction may
// already be landing from an earlier or concurrent send, so the claim only fails when
// the chain has not seen its signature.
func (p *Protocol) broadcastFailed(ctx context.Context, c Claim, sig solana.Signature, sendErr error) (Submitted, error) {
	log := p.log.With("claim_id", c.ID, "signature", sig.String())
	log.Warn("claim: broadcast failed", "error", sendErr)

	st, err := p.cfg.Chain.Status(ctx, sig)
	if err != nil {
		log.Warn("claim: status check after failed broadcast failed, leaving claim pending", "error", err)
		return Submitted{Claim: c, Signature: sig.String()}, sendErr
	}
	switch st.State {
	case chain.StateConfirmed:
		log.Info("claim: rejected send already landed")
		return p.complete(ctx, c, sig)
	case chain.StatePending:
		return p.await(ctx, c, sig)
	case chain.StateFailed:
		return p.chainFailed(ctx, c, st)
	}

	reason := sendErr.Error()
	if apperr.IsConflict(sendErr) {
		reason = apperr.ReasonAlreadyClaimed
	}
	failed, err := p.cfg.Store.Fail(ctx, c.ID, reason, p.cfg.Clock.Now())
	if err != nil {
		return Submitted{Claim: c}, errors.Join(sendErr, fmt.Errorf("failed to mark claim failed: %w", err))
	}
	return Submitted{Claim: failed}, sendErr
}

// verify checks that signedTx is exactly the prepared transaction, paid for by the
// claimant and carrying valid signatures from every signer.
func (p *Protocol) verify(c Claim, signedTx string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(signedTx)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid transaction: %v", err))
	}
	hash, err := messageHash(tx)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonInvalidInput, err.Error())
	}
	if hash != c.MessageHash {
		return nil, apperr.Validation(apperr.ReasonTransactionMismatch, "transaction differs from the prepared one")
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(c.Claimant) {
		return nil, apperr.Validation(apperr.ReasonFeePayerMismatch, "fee payer is not the claimant")
	}
	if len(tx.Signatures) == 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidSignature, "transaction is not signed")
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, apperr.Validation(apperr.ReasonInvalidSignature, err.Error())
	}
	return tx, nil
}

func (p *Protocol) await(ctx context.Context, c Claim, sig solana.Signature) (Submitted, error) {
	start := p.cfg.Clock.Now()
	deadline := p.cfg.Clock.After(p.cfg.ConfirmTimeout)
	for {
		st, err := p.cfg.Chain.Status(ctx, sig)
		if err != nil && !apperr.IsExternal(err) {
			return Submitted{Claim: c, Signature: sig.String()}, err
		}
		if err == nil {
			switch st.State {
			case chain.StateConfirmed:
				out, err := p.complete(ctx, c, sig)
				if err == nil {
					metrics.RecordClaimPaid(string(c.Kind), c.Amount, p.cfg.Clock.Since(start))
				}
				return out, err
			case chain.StateFailed:
				return p.chainFailed(ctx, c, st)
			}
		} else {
			p.log.Warn("claim: status check failed", "claim_id", c.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			return Submitted{Claim: c, Signature: sig.String(), Pending: true}, ctx.Err()
		case <-deadline:
			p.log.Info("claim: confirmation still pending", "claim_id", c.ID, "signature", sig.String())
			return Submitted{Claim: c, Signature: sig.String(), Pending: true}, nil
		case <-p.cfg.Clock.After(p.cfg.PollInterval):
		}
	}
}

func (p *Protocol) complete(ctx context.Context, c Claim, sig solana.Signature) (Submitted, error) {
	done, err := p.cfg.Store.Complete(ctx, c.ID, sig.String(), p.cfg.Clock.Now())
	if err != nil {
		// A concurrent submit of the same transaction may have completed it first.
		if apperr.IsConflict(err) {
			if cur, gerr := p.cfg.Store.Claim(ctx, c.ID); gerr == nil &&
				cur.Status == StatusCompleted && cur.Signature == sig.String() {
				return Submitted{Claim: cur, Signature: cur.Signature}, nil
			}
		}
		return Submitted{Claim: c, Signature: sig.String()}, fmt.Errorf("failed to complete claim: %w", err)
	}
	p.log.Info("claim: completed",
		"claim_id", done.ID,
		"kind", done.Kind,
		"subject", done.SubjectKey,
		"amount", done.Amount,
		"signature", done.Signature)
	return Submitted{Claim: done, Signature: done.Signature}, nil
}

func (p *Protocol) chainFailed(ctx context.Context, c Claim, st chain.SignatureStatus) (Submitted, error) {
	msg := st.Err
	cause := apperr.External(apperr.ReasonTransactionFailed, fmt.Errorf("transaction failed: %s", st.Err))
	if st.ReceiptExists {
		msg = apperr.ReasonAlreadyClaimed
		cause = apperr.Conflict(apperr.ReasonAlreadyClaimed, "claim receipt already exists on chain")
	}
	failed, err := p.cfg.Store.Fail(ctx, c.ID, msg, p.cfg.Clock.Now())
	if err != nil {
		return Submitted{Claim: c}, errors.Join(cause, fmt.Errorf("failed to mark claim failed: %w", err))
	}
	p.log.Warn("claim: transaction failed on chain", "claim_id", c.ID, "error", st.Err)
	return Submitted{Claim: failed, Signature: failed.Signature}, cause
}

func (p *Protocol) Get(ctx context.Context, id uuid.UUID) (Claim, error) {
	return p.cfg.Store.Claim(ctx, id)
}

// inFlightBatch bounds how many broadcast claims one expiry pass re-checks.
const inFlightBatch = 100

// ExpireStale fails pending claims older than the TTL that were never broadcast, and
// settles broadcast claims whose blockhash has expired.
func (p *Protocol) ExpireStale(ctx context.Context) (int64, error) {
	now := p.cfg.Clock.Now()
	n, err := p.cfg.Store.ExpirePending(ctx, now.Add(-p.cfg.PendingTTL), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending claims: %w", err)
	}
	dropped, err := p.expireDropped(ctx)
	n += dropped
	if n > 0 {
		p.log.Info("claim: expired stale pending claims", "count", n, "dropped", dropped)
	}
	return n, err
}

// expireDropped re-checks broadcast claims once the chain is past their last valid block
// height. A signature the chain has not seen by then can never land, so the claim fails
// and its subject opens up for a new prepare.
func (p *Protocol) expireDropped(ctx context.Context) (int64, error) {
	inflight, err := p.cfg.Store.InFlight(ctx, inFlightBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight claims: %w", err)
	}
	if len(inflight) == 0 {
		return 0, nil
	}
	height, err := p.cfg.Chain.BlockHeight(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, c := range inflight {
		if height <= c.LastValidBlockHeight {
			continue
		}
		log := p.log.With("claim_id", c.ID, "signature", c.Signature)
		sig, err := solana.SignatureFromBase58(c.Signature)
		if err != nil {
			log.Warn("claim: recorded signature is malformed", "error", err)
			continue
		}
		st, err := p.cfg.Chain.Status(ctx, sig)
		if err != nil {
			return n, err
		}
		var msg string
		switch st.State {
		case chain.StateConfirmed:
			if _, err := p.complete(ctx, c, sig); err != nil {
				log.Warn("claim: failed to complete confirmed claim", "error", err)
			}
			continue
		case chain.StatePending:
			continue
		case chain.StateFailed:
			msg = st.Err
			if st.ReceiptExists {
				msg = apperr.ReasonAlreadyClaimed
			}
		default:
			msg = ErrBlockhashExpired
		}
		if _, err := p.cfg.Store.Fail(ctx, c.ID, msg, p.cfg.Clock.Now()); err != nil {
			log.Warn("claim: failed to expire in-flight claim", "error", err)
			continue
		}
		log.Info("claim: in-flight claim expired", "reason", msg,
			"last_valid_block_height", c.LastValidBlockHeight, "block_height", height)
		n++
	}
	return n, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		return k.String()
	}
	return "error"
}

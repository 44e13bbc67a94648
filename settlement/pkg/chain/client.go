package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/metrics"
	"github.com/powersol/settlement/utils/pkg/retry"
)

const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

// RPC is the subset of the Solana JSON-RPC client used here.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

type Config struct {
	Logger     *slog.Logger
	RPC        RPC
	Commitment rpc.CommitmentType
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client talks to a Solana cluster on behalf of the claim flow.
type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// NewFromURL builds a client over the stock JSON-RPC transport.
func NewFromURL(log *slog.Logger, url string) (*Client, error) {
	if url == "" {
		url = DefaultRPCURL
	}
	return New(Config{Logger: log, RPC: rpc.New(url)})
}

// Blockhash is a recent blockhash and the last block height it stays valid for.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	return observe(ctx, c, "getLatestBlockhash", true, func() (Blockhash, error) {
		out, err := c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
		if err != nil {
			return Blockhash{}, err
		}
		if out == nil || out.Value == nil {
			return Blockhash{}, errors.New("empty blockhash response")
		}
		return Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
	})
}

// BlockHeight returns the current block height, which a blockhash's last valid block
// height is measured against.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	return observe(ctx, c, "getBlockHeight", true, func() (uint64, error) {
		return c.cfg.RPC.GetBlockHeight(ctx, c.cfg.Commitment)
	})
}

// Broadcast sends a fully signed transaction. Sends are not retried; a lost send is
// recovered by re-checking the signature.
func (c *Client) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("failed to encode transaction: %v", err))
	}
	sig, err := observe(ctx, c, "sendTransaction", false, func() (solana.Signature, error) {
		return c.cfg.RPC.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
	})
	if err != nil {
		if receiptExists(err) {
			return solana.Signature{}, apperr.Conflict(apperr.ReasonAlreadyClaimed, "claim receipt already exists on chain")
		}
		return solana.Signature{}, err
	}
	return sig, nil
}

// SignatureState is where a broadcast transaction stands on chain.
type SignatureState int

const (
	StateUnknown SignatureState = iota
	StatePending
	StateConfirmed
	StateFailed
)

func (s SignatureState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type SignatureStatus struct {
	State SignatureState
	// Err carries the on-chain failure for StateFailed.
	Err string
	// ReceiptExists is set when the failure was the claim receipt already existing.
	ReceiptExists bool
}

// Status looks up a signature, searching history so that older landings are found.
func (c *Client) Status(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	return observe(ctx, c, "getSignatureStatuses", true, func() (SignatureStatus, error) {
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		if errors.Is(err, rpc.ErrNotFound) {
			return SignatureStatus{State: StateUnknown}, nil
		}
		if err != nil {
			return SignatureStatus{}, err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return SignatureStatus{State: StateUnknown}, nil
		}
		return statusFrom(out.Value[0]), nil
	})
}

func statusFrom(v *rpc.SignatureStatusesResult) SignatureStatus {
	if v.Err != nil {
		msg := fmt.Sprintf("%v", v.Err)
		return SignatureStatus{State: StateFailed, Err: msg, ReceiptExists: strings.Contains(msg, "AccountAlreadyInUse")}
	}
	switch v.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return SignatureStatus{State: StateConfirmed}
	default:
		return SignatureStatus{State: StatePending}
	}
}

// IsValidDerivedAddress reports whether pk lies off the ed25519 curve, which is what
// the cluster requires of a program-derived address.
func (c *Client) IsValidDerivedAddress(pk solana.PublicKey) bool {
	return !solana.IsOnCurve(pk[:])
}

func observe[T any](ctx context.Context, c *Client, method string, retryable bool, fn func() (T, error)) (T, error) {
	cfg := c.cfg.Retry
	if !retryable {
		cfg.MaxAttempts = 1
	}
	cfg.OnRetry = func(attempt int, err error) {
		c.log.Warn("chain: retrying rpc call", "method", method, "attempt", attempt, "error", err)
	}
	start := time.Now()
	out, err := retry.DoValue(ctx, cfg, fn)
	metrics.RecordExternal("solana", method, time.Since(start), err)
	if err != nil {
		var zero T
		if receiptExists(err) {
			return zero, err
		}
		return zero, apperr.External(apperr.ReasonChainUnavailable, fmt.Errorf("%s: %w", method, err))
	}
	return out, nil
}

func receiptExists(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(rpcErr.Message, "already in use") ||
			strings.Contains(fmt.Sprintf("%v", rpcErr.Data), "already in use")
	}
	return strings.Contains(err.Error(), "already in use")
}

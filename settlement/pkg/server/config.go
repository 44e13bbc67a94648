package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/claim"
	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type DrawService interface {
	ExecuteDue(ctx context.Context) ([]draw.Result, error)
	DrawRound(ctx context.Context, roundID uint64) (draw.Result, error)
}

type StatusSource interface {
	Status(ctx context.Context) (draw.StatusView, error)
}

type ClaimService interface {
	Prepare(ctx context.Context, subject claim.Subject, claimant solana.PublicKey) (claim.Prepared, error)
	Submit(ctx context.Context, id uuid.UUID, signedTx string) (claim.Submitted, error)
	Get(ctx context.Context, id uuid.UUID) (claim.Claim, error)
}

type AffiliateService interface {
	Register(ctx context.Context, wallet solana.PublicKey) (affiliate.Affiliate, error)
	Weeks(ctx context.Context, wallet solana.PublicKey) ([]affiliate.WeekAccumulator, error)
	TierHistory(ctx context.Context, wallet solana.PublicKey) ([]affiliate.TierChange, error)
}

// DrawLedger serves the published record of settled draws.
type DrawLedger interface {
	Draws(ctx context.Context, limit int) ([]lottery.DrawRecord, error)
	Draw(ctx context.Context, id uuid.UUID) (lottery.DrawRecord, error)
}

type PrizeLister interface {
	WalletPrizes(ctx context.Context, wallet solana.PublicKey) ([]lottery.Prize, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	AllowedOrigins    []string

	Draws      DrawService
	Status     StatusSource
	Claims     ClaimService
	Affiliates AffiliateService
	Prizes     PrizeLister
	Ledger     DrawLedger
	Ready      Pinger

	// OnDrawn, if set, runs after draw/execute settled at least one round.
	OnDrawn func(ctx context.Context)

	// ClaimRate and ClaimBurst bound claim requests per client IP.
	ClaimRate  rate.Limit
	ClaimBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Draws == nil {
		return errors.New("draw service is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim service is required")
	}
	if cfg.Affiliates == nil {
		return errors.New("affiliate service is required")
	}
	if cfg.Prizes == nil {
		return errors.New("prize lister is required")
	}
	if cfg.Ledger == nil {
		return errors.New("draw ledger is required")
	}
	if cfg.Ready == nil {
		return errors.New("readiness pinger is required")
	}
	if cfg.Status == nil {
		cfg.Status = statusOf(cfg.Draws)
	}
	if cfg.Status == nil {
		return errors.New("status source is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}
	if cfg.ClaimRate <= 0 {
		cfg.ClaimRate = rate.Every(time.Minute / 30)
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = 10
	}
	return nil
}

func statusOf(d DrawService) StatusSource {
	if s, ok := d.(StatusSource); ok {
		return s
	}
	return nil
}

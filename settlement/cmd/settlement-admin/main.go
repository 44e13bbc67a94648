package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	flag "github.com/spf13/pflag"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/chain"
	"github.com/powersol/settlement/settlement/pkg/events"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	"github.com/powersol/settlement/settlement/pkg/store"
	"github.com/powersol/settlement/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run Postgres migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show Postgres migration status")
	setTierFlag := flag.String("set-manual-tier", "", "Pin an affiliate wallet to --tier (0 clears the override)")
	tierHistoryFlag := flag.String("tier-history", "", "Print the manual tier changes recorded for an affiliate wallet")
	releaseWeeksFlag := flag.Bool("release-weeks", false, "Release every affiliate week whose release time has passed")
	expireClaimsFlag := flag.Bool("expire-claims", false, "Fail pending claims older than --pending-ttl that were never broadcast")
	unhaltRoundFlag := flag.Uint64("unhalt-round", 0, "Return a halted round to scheduled after manual review")
	openRoundFlag := flag.String("open-round", "", "Open a new round of the given lottery type (tri-daily, jackpot, grand-prize, xmas)")
	publishPurchasesFlag := flag.String("publish-purchases", "", "Publish ticket purchase events from a JSON-lines file to RabbitMQ")

	// Options
	tierFlag := flag.Uint8("tier", 0, "Tier for --set-manual-tier (1-4, 0 clears)")
	reasonFlag := flag.String("reason", "", "Reason recorded with --set-manual-tier")
	actorFlag := flag.String("actor", os.Getenv("USER"), "Operator recorded with --set-manual-tier")
	ticketPriceFlag := flag.String("ticket-price-sol", "", "Ticket price for --open-round in SOL (empty = the lottery type's default)")
	drawAtFlag := flag.String("draw-at", "", "Draw deadline for --open-round (RFC3339, empty = next scheduled deadline)")
	pendingTTLFlag := flag.Duration("pending-ttl", 15*time.Minute, "Age after which --expire-claims fails a pending claim")
	amqpURLFlag := flag.String("amqp-url", "", "RabbitMQ URL for --publish-purchases (or set AMQP_URL env var)")
	exchangeFlag := flag.String("exchange", events.DefaultExchange, "Exchange for --publish-purchases")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	if envAMQP := os.Getenv("AMQP_URL"); envAMQP != "" {
		*amqpURLFlag = envAMQP
	}

	if *publishPurchasesFlag != "" {
		if *amqpURLFlag == "" {
			return fmt.Errorf("--amqp-url is required for --publish-purchases")
		}
		return publishPurchases(ctx, log, *amqpURLFlag, *exchangeFlag, *publishPurchasesFlag, *dryRunFlag)
	}

	pgCfg := store.PostgresConfigFromEnv()
	if err := pgCfg.Validate(); err != nil {
		return err
	}

	if *migrateFlag {
		return store.Migrate(ctx, log, pgCfg.ConnString())
	}

	if *migrateStatusFlag {
		statuses, err := store.MigrationStatus(ctx, pgCfg.ConnString())
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-40s  %s\n", s.Source.Version, s.Source.Path, applied)
		}
		return nil
	}

	pool, err := store.Connect(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	processor, err := affiliate.NewProcessor(affiliate.Config{Logger: log, Store: st})
	if err != nil {
		return err
	}

	if *setTierFlag != "" {
		wallet, err := solana.PublicKeyFromBase58(*setTierFlag)
		if err != nil {
			return fmt.Errorf("invalid wallet: %w", err)
		}
		var tier *affiliate.Tier
		if *tierFlag != 0 {
			t := affiliate.Tier(*tierFlag)
			tier = &t
		}
		if *dryRunFlag {
			log.Info("admin: dry run, would set manual tier", "wallet", wallet, "tier", *tierFlag)
			return nil
		}
		change, err := processor.SetManualTier(ctx, affiliate.TierOverride{
			Wallet: wallet,
			Tier:   tier,
			Reason: *reasonFlag,
			Actor:  *actorFlag,
		})
		if err != nil {
			return err
		}
		log.Info("admin: manual tier updated", "wallet", wallet, "old_tier", change.OldTier, "new_tier", change.NewTier, "audit_id", change.ID)
		return nil
	}

	if *tierHistoryFlag != "" {
		wallet, err := solana.PublicKeyFromBase58(*tierHistoryFlag)
		if err != nil {
			return fmt.Errorf("invalid wallet: %w", err)
		}
		changes, err := processor.TierHistory(ctx, wallet)
		if err != nil {
			return err
		}
		for _, c := range changes {
			fmt.Printf("%s  %-18s  %d -> %d  %-12s  %s\n", c.CreatedAt.UTC().Format(time.RFC3339), c.Action, c.OldTier, c.NewTier, c.Actor, c.Reason)
		}
		return nil
	}

	if *releaseWeeksFlag {
		n, err := processor.ReleaseDue(ctx)
		if err != nil {
			return err
		}
		log.Info("admin: affiliate weeks released", "count", n)
		return nil
	}

	if *expireClaimsFlag {
		now := time.Now()
		n, err := st.ExpirePending(ctx, now.Add(-*pendingTTLFlag), now)
		if err != nil {
			return err
		}
		log.Info("admin: stale claims expired", "count", n, "ttl", *pendingTTLFlag)
		return nil
	}

	if *unhaltRoundFlag != 0 {
		r, err := st.UnhaltRound(ctx, *unhaltRoundFlag)
		if err != nil {
			return err
		}
		log.Info("admin: round unhalted", "round_id", r.ID, "lottery_type", r.Type.String(), "draw_at", r.DrawAt)
		return nil
	}

	if *openRoundFlag != "" {
		return openRound(ctx, log, st, *openRoundFlag, *drawAtFlag, *ticketPriceFlag, *dryRunFlag)
	}

	flag.Usage()
	return nil
}

func openRound(ctx context.Context, log *slog.Logger, st *store.Store, typeName, drawAt, ticketPrice string, dryRun bool) error {
	t, err := lottery.ParseType(typeName)
	if err != nil {
		return err
	}
	deadline := t.FirstDraw(time.Now())
	if drawAt != "" {
		deadline, err = time.Parse(time.RFC3339, drawAt)
		if err != nil {
			return fmt.Errorf("invalid draw-at format (use RFC3339, e.g. 2025-12-31T23:59:59Z): %w", err)
		}
	}
	round := lottery.NewRound(t, deadline)
	if ticketPrice != "" {
		lamports, err := chain.SOLToLamports(ticketPrice)
		if err != nil {
			return fmt.Errorf("invalid ticket-price-sol: %w", err)
		}
		if lamports == 0 {
			return fmt.Errorf("ticket-price-sol must be positive")
		}
		round.TicketPrice = lamports
	}
	if dryRun {
		log.Info("admin: dry run, would open round", "lottery_type", t.String(), "draw_at", round.DrawAt,
			"ticket_price_sol", chain.LamportsToSOL(round.TicketPrice))
		return nil
	}
	r, err := st.CreateRound(ctx, round)
	if err != nil {
		return err
	}
	log.Info("admin: round opened", "round_id", r.ID, "lottery_type", t.String(), "draw_at", r.DrawAt,
		"ticket_price_sol", chain.LamportsToSOL(r.TicketPrice))
	return nil
}

// publishPurchases replays purchase events, one JSON object per line. Replays are safe:
// the consumer records each purchase signature once.
func publishPurchases(ctx context.Context, log *slog.Logger, amqpURL, exchange, path string, dryRun bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var pub *events.Publisher
	if !dryRun {
		pub, err = events.NewPublisher(log, amqpURL, exchange)
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	scanner := bufio.NewScanner(f)
	line, published := 0, 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev affiliate.TicketPurchased
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if dryRun {
			log.Info("admin: dry run, would publish", "signature", ev.Signature, "round_id", ev.RoundID)
			continue
		}
		if err := pub.Publish(ctx, ev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	log.Info("admin: purchases published", "count", published, "lines", line)
	return nil
}

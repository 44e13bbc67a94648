package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/alert"
	"github.com/powersol/settlement/settlement/pkg/chain"
	"github.com/powersol/settlement/settlement/pkg/claim"
	"github.com/powersol/settlement/settlement/pkg/derive"
	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/entropy"
	"github.com/powersol/settlement/settlement/pkg/events"
	"github.com/powersol/settlement/settlement/pkg/metrics"
	"github.com/powersol/settlement/settlement/pkg/scheduler"
	"github.com/powersol/settlement/settlement/pkg/server"
	"github.com/powersol/settlement/settlement/pkg/statuscache"
	"github.com/powersol/settlement/settlement/pkg/store"
	"github.com/powersol/settlement/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("log-json", false, "emit JSON logs instead of colored text")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")

	// Solana
	rpcURLFlag := flag.String("solana-rpc-url", chain.DefaultRPCURL, "Solana JSON-RPC URL (or set SOLANA_RPC_URL env var)")
	ticketProgramFlag := flag.String("ticket-program-id", "", "program that owns ticket accounts (or set TICKET_PROGRAM_ID env var)")
	claimProgramFlag := flag.String("claim-program-id", "", "program that owns claim receipts (or set CLAIM_PROGRAM_ID env var)")

	// Entropy
	entropyURLFlag := flag.String("entropy-url", "", "randomness beacon base URL (or set ENTROPY_URL env var)")
	localEntropyFlag := flag.Bool("insecure-local-entropy", false, "draw from the local CSPRNG when no beacon is configured (development only)")

	// Messaging and cache
	amqpURLFlag := flag.String("amqp-url", "", "RabbitMQ URL for ticket purchase events (or set AMQP_URL env var)")
	redisAddrFlag := flag.String("redis-addr", "", "Redis address for the draw status cache (or set REDIS_ADDR env var)")

	// Schedules
	drawScheduleFlag := flag.String("draw-schedule", "@every 1m", "cron schedule for drawing due rounds")
	expiryScheduleFlag := flag.String("expiry-schedule", "@every 1m", "cron schedule for expiring stale pending claims")
	releaseScheduleFlag := flag.String("release-schedule", "*/5 * * * *", "cron schedule for releasing affiliate weeks")
	pendingTTLFlag := flag.Duration("pending-claim-ttl", 15*time.Minute, "how long an unsubmitted claim stays pending")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", 60*time.Second, "how long submit waits for chain confirmation")

	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})

	// Override flags with environment variables if set
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		*rpcURLFlag = v
	}
	if v := os.Getenv("TICKET_PROGRAM_ID"); v != "" {
		*ticketProgramFlag = v
	}
	if v := os.Getenv("CLAIM_PROGRAM_ID"); v != "" {
		*claimProgramFlag = v
	}
	if v := os.Getenv("ENTROPY_URL"); v != "" {
		*entropyURLFlag = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		*amqpURLFlag = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddrFlag = v
	}

	ticketProgram, err := solana.PublicKeyFromBase58(*ticketProgramFlag)
	if err != nil {
		return fmt.Errorf("--ticket-program-id: %w", err)
	}
	claimProgram, err := solana.PublicKeyFromBase58(*claimProgramFlag)
	if err != nil {
		return fmt.Errorf("--claim-program-id: %w", err)
	}
	fundsHolder, err := solana.PrivateKeyFromBase58(os.Getenv("FUNDS_HOLDER_KEY"))
	if err != nil {
		return fmt.Errorf("FUNDS_HOLDER_KEY: %w", err)
	}

	hub, err := initSentry()
	if err != nil {
		return err
	}
	alerter := alert.New(log, hub)
	defer alerter.Flush(2 * time.Second)
	if hub != nil {
		defer func() {
			if r := recover(); r != nil {
				hub.Recover(r)
				hub.Flush(2 * time.Second)
				panic(r)
			}
		}()
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := store.Connect(ctx, log, store.PostgresConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	created, err := st.EnsureRounds(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to ensure open rounds: %w", err)
	}
	if len(created) > 0 {
		log.Info("settlement: opened initial rounds", "count", len(created))
	}

	chainClient, err := chain.NewFromURL(log, *rpcURLFlag)
	if err != nil {
		return err
	}
	deriver, err := derive.New(chainClient)
	if err != nil {
		return err
	}

	entropyProvider, err := newEntropy(log, *entropyURLFlag, *localEntropyFlag)
	if err != nil {
		return err
	}

	engine, err := draw.New(draw.Config{
		Logger:      log,
		Store:       st,
		Entropy:     entropyProvider,
		Deriver:     deriver,
		TicketScope: ticketProgram,
		Alerter:     alerter,
	})
	if err != nil {
		return fmt.Errorf("failed to create draw engine: %w", err)
	}

	processor, err := affiliate.NewProcessor(affiliate.Config{Logger: log, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create affiliate processor: %w", err)
	}

	signer, err := claim.NewCoSigner(fundsHolder, claimProgram, solana.SystemProgramID)
	if err != nil {
		return fmt.Errorf("failed to create co-signer: %w", err)
	}
	protocol, err := claim.New(claim.Config{
		Logger:         log,
		Store:          st,
		Chain:          chainClient,
		Deriver:        deriver,
		Signer:         signer,
		ProgramID:      claimProgram,
		ConfirmTimeout: *confirmTimeoutFlag,
		PendingTTL:     *pendingTTLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create claim protocol: %w", err)
	}

	var status server.StatusSource = engine
	onDrawn := func(context.Context) {}
	if *redisAddrFlag != "" {
		cache, err := newStatusCache(ctx, log, *redisAddrFlag, engine)
		if err != nil {
			return err
		}
		status = cache
		onDrawn = cache.Invalidate
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:          log,
		Drawer:          engine,
		Claims:          protocol,
		Releaser:        processor,
		AfterDraw:       onDrawn,
		DrawSchedule:    *drawScheduleFlag,
		ExpirySchedule:  *expiryScheduleFlag,
		ReleaseSchedule: *releaseScheduleFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		Draws:       engine,
		Status:      status,
		Claims:      protocol,
		Affiliates:  processor,
		Prizes:      st,
		Ledger:      st,
		Ready:       st,
		OnDrawn:     onDrawn,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if *amqpURLFlag != "" {
		consumer, err := events.NewConsumer(events.ConsumerConfig{
			Logger:  log,
			URL:     *amqpURLFlag,
			Handler: processor,
		})
		if err != nil {
			return fmt.Errorf("failed to create purchase consumer: %w", err)
		}
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		log.Warn("settlement: no AMQP URL configured, purchase events will not be consumed")
	}

	log.Info("settlement: started", "version", version, "listen_addr", *listenAddrFlag)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("settlement: stopped")
	return nil
}

func initSentry() (*sentry.Hub, error) {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return nil, nil
	}
	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     "settlement@" + version,
	}); err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return sentry.CurrentHub(), nil
}

func newEntropy(log *slog.Logger, baseURL string, allowLocal bool) (draw.EntropyProvider, error) {
	if baseURL != "" {
		return entropy.NewHTTPProvider(entropy.HTTPConfig{Logger: log, BaseURL: baseURL})
	}
	if !allowLocal {
		return nil, errors.New("--entropy-url is required (or pass --insecure-local-entropy for development)")
	}
	log.Warn("settlement: using local CSPRNG for draws, results cannot be audited")
	return entropy.CryptoProvider{}, nil
}

func newStatusCache(ctx context.Context, log *slog.Logger, addr string, source statuscache.Source) (*statuscache.Cache, error) {
	client, err := statuscache.NewClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return statuscache.New(statuscache.Config{Logger: log, Client: client, Source: source})
}

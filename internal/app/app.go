package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-executor/internal/alerting"
	"perp-executor/internal/chain"
	"perp-executor/internal/config"
	"perp-executor/internal/executor"
	"perp-executor/internal/nonce"
	"perp-executor/internal/oracle"
	"perp-executor/internal/scheduler"
	"perp-executor/internal/trade"
	"perp-executor/internal/txstore"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newProvider builds one named price provider.
func (a *App) newProvider(name string) (oracle.PriceProvider, error) {
	switch oracle.Source(name) {
	case oracle.SourcePyth:
		cfg := a.Config.Oracle.Pyth
		return oracle.NewPyth(oracle.PythOptions{
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
			Feeds:     cfg.Feeds,
		}, a.Logger), nil
	case oracle.SourceChainlink:
		cfg := a.Config.Oracle.Chainlink
		return oracle.NewChainlink(oracle.ChainlinkOptions{
			RPCURL:      a.Config.Ethereum.RPCURL,
			Timeout:     cfg.RequestTimeout,
			Aggregators: cfg.Aggregators,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown price provider %q", name)
	}
}

func (a *App) newFacade() (*oracle.Facade, error) {
	primary, err := a.newProvider(a.Config.Oracle.Primary)
	if err != nil {
		return nil, err
	}
	var secondary oracle.PriceProvider
	if a.Config.Oracle.Secondary != "" {
		secondary, err = a.newProvider(a.Config.Oracle.Secondary)
		if err != nil {
			return nil, err
		}
	}
	return oracle.NewFacade(primary, secondary, a.newNotifier(), a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	channels := make([]alerting.Notifier, 0, len(a.Config.Alerting.Channels))
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "telegram":
			if !a.Config.Alerting.Telegram.Enabled {
				continue
			}
			cfg := a.Config.Alerting.Telegram
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel, skipping")
		}
	}

	switch len(channels) {
	case 0:
		return alerting.NewLogNotifier(a.Logger)
	case 1:
		return channels[0]
	default:
		return alerting.NewMultiNotifier(a.Logger, channels...)
	}
}

func (a *App) openStore(ctx context.Context) (*txstore.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := txstore.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := txstore.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newPipeline assembles the full transaction pipeline on top of an open store.
func (a *App) newPipeline(store *txstore.Store) (*executor.Orchestrator, *chain.RPCClient, func(), error) {
	signer, err := chain.NewPrivateKeySigner(a.Config.Ethereum.PrivateKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load signer: %w", err)
	}

	client := chain.NewRPCClient(chain.RPCOptions{
		URL:     a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	})

	fees := chain.NewFeePolicy(client, chain.FeePolicyOptions{
		MaxFeePerGasGwei:         a.Config.Fees.MaxFeePerGasGwei,
		MaxPriorityFeePerGasGwei: a.Config.Fees.MaxPriorityFeePerGasGwei,
		BumpMultiplier:           a.Config.Fees.BumpMultiplier,
	}, a.Logger)

	builder := chain.NewBuilder(client, chain.BuilderOptions{
		GasBufferPct: a.Config.Fees.GasBufferPct,
	}, a.Logger)

	redisClient := nonce.NewRedisClient(a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB)
	locker := nonce.NewRedisLocker(redisClient, nonce.RedisLockerOptions{
		TTL:  a.Config.Redis.LockTTL,
		Wait: a.Config.Redis.LockWait,
	}, a.Logger)
	nonces := nonce.NewCoordinator(locker, client, a.Logger)

	orch := executor.NewOrchestrator(store, client, signer, fees, builder, nonces, a.newNotifier(), executor.Options{
		ChainID:          a.Config.Ethereum.ChainID,
		MaxAttempts:      a.Config.Executor.MaxAttempts,
		BroadcastRetries: a.Config.Executor.BroadcastRetries,
		PollInterval:     a.Config.Executor.PollInterval,
		PollTimeout:      a.Config.Executor.PollTimeout,
		FinalPollTimeout: a.Config.Executor.FinalPollTimeout,
		Confirmations:    a.Config.Executor.Confirmations,
		IntentLockWait:   a.Config.Executor.IntentLockWait,
	}, a.Logger)

	closer := func() {
		_ = redisClient.Close()
	}
	return orch, client, closer, nil
}

func (a *App) newTradeService(facade *oracle.Facade, orch *executor.Orchestrator, samples txstore.PriceSampleStore) (*trade.Service, error) {
	if a.Config.Ethereum.RouterAddress == "" {
		return nil, errors.New("ethereum.router_address not configured")
	}
	if !common.IsHexAddress(a.Config.Ethereum.RouterAddress) {
		return nil, fmt.Errorf("invalid router address %q", a.Config.Ethereum.RouterAddress)
	}

	return trade.NewService(facade, orch, samples, trade.Options{
		Router:          common.HexToAddress(a.Config.Ethereum.RouterAddress),
		MaxAgeSeconds:   a.Config.Oracle.MaxAgeSeconds,
		MaxDeviationBps: a.Config.Oracle.MaxDeviationBps,
		MinPositionUSD:  decimal.NewFromFloat(a.Config.Trading.MinPositionUSD),
		MaxLeverage:     a.Config.Trading.MaxLeverage,
		SlippageBps:     a.Config.Trading.SlippageBps,
	}, a.Logger), nil
}

// Run executes the long-running reconciliation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; the reconciler needs persistence")
	}
	defer closeStore()

	client := chain.NewRPCClient(chain.RPCOptions{
		URL:     a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	})

	reconciler := executor.NewReconciler(store, store, client, a.newNotifier(), executor.ReconcilerOptions{
		BatchSize:       a.Config.Reconciler.BatchSize,
		AdvisoryLockKey: a.Config.Reconciler.AdvisoryLockKey,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.Reconciler.Interval,
		AlignToInterval: a.Config.Reconciler.AlignToInterval,
		StartupDelay:    a.Config.Reconciler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting reconciliation service")
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return reconciler.Sweep(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the pricing audit trail.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// QuoteOptions configure the quote command.
type QuoteOptions struct {
	Symbol string
}

// OpenOptions configure the open command.
type OpenOptions struct {
	Symbol        string
	Long          bool
	CollateralUSD decimal.Decimal
	Leverage      int
	IntentKey     string
}

// CloseOptions configure the close command.
type CloseOptions struct {
	Symbol    string
	Long      bool
	SizeUSD   decimal.Decimal
	IntentKey string
}

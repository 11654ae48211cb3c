package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/alert"
	"github.com/RaghavSood/giftpay/apilog"
	"github.com/RaghavSood/giftpay/balances"
	"github.com/RaghavSood/giftpay/bridge"
	"github.com/RaghavSood/giftpay/chain"
	"github.com/RaghavSood/giftpay/config"
	"github.com/RaghavSood/giftpay/db"
	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/marketplace"
	"github.com/RaghavSood/giftpay/metrics"
	"github.com/RaghavSood/giftpay/okxdex"
	"github.com/RaghavSood/giftpay/payments"
	"github.com/RaghavSood/giftpay/server"
	"github.com/RaghavSood/giftpay/swaps"
	"github.com/RaghavSood/giftpay/tracker"
	"github.com/RaghavSood/giftpay/wallet"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	txHash := flag.String("tx", "", "process a single payment transaction and exit")
	itemID := flag.Int64("item", 0, "marketplace item id for -tx")
	user := flag.String("user", "", "buyer address for -tx (defaults to the payment sender)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to start", zap.Error(err))
	}
	defer app.close()

	if *txHash != "" {
		res, err := app.orchestrator.ProcessPayment(ctx, *txHash, *itemID, *user)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		if err != nil {
			zl.Error("Payment failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	go app.tracker.Run(ctx)

	zl.Info("Starting giftpay",
		zap.String("admin", cfg.AdminAddress),
		zap.String("signer", app.signer.Hex()),
		zap.Int("port", cfg.Port),
	)
	if err := app.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("HTTP server error", zap.Error(err))
	}
	zl.Info("Shutting down")
}

type app struct {
	orchestrator *payments.Orchestrator
	server       *server.Server
	tracker      *tracker.Tracker
	signer       common.Address
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*app, error) {
	a := &app{}

	srcRPC, err := ethclient.DialContext(ctx, cfg.SourceChain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to source chain: %w", err)
	}
	a.closers = append(a.closers, srcRPC.Close)

	dstRPC, err := ethclient.DialContext(ctx, cfg.DestinationChain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to destination chain: %w", err)
	}
	a.closers = append(a.closers, dstRPC.Close)

	key, err := wallet.LoadKey(cfg.PrivateKey, cfg.Mnemonic, cfg.MnemonicIndex)
	if err != nil {
		return nil, fmt.Errorf("loading signer key: %w", err)
	}

	srcChainID := big.NewInt(cfg.SourceChain.ChainID)
	dstChainID := big.NewInt(cfg.DestinationChain.ChainID)
	timeout := cfg.ConfirmationTimeout.Duration

	srcSubmitter := wallet.NewSubmitter(srcRPC, key, srcChainID, timeout, zl.Named("submitter.source"))
	dstSubmitter := wallet.NewSubmitter(dstRPC, key, dstChainID, timeout, zl.Named("submitter.destination"))
	a.signer = srcSubmitter.Address()
	if err := cfg.CheckSigner(a.signer); err != nil {
		return nil, err
	}

	var store payments.Store
	var sink apilog.Sink
	if cfg.UsesDatabase() {
		database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		a.closers = append(a.closers, func() { database.Close() })

		interrupted, err := database.RecoverInterrupted(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovering interrupted jobs: %w", err)
		}
		for _, req := range interrupted {
			zl.Warn("Marked interrupted payment", zap.String("tx_hash", req.TxHash), zap.String("status", string(req.Status)))
		}
		store, sink = database, database
	} else {
		store = payments.NewMemoryStore()
	}

	var alerter alert.Alerter = alert.Nop{}
	if cfg.Telegram.Token != "" {
		tg, err := alert.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, zl.Named("alert"))
		if err != nil {
			return nil, fmt.Errorf("creating telegram alerter: %w", err)
		}
		alerter = tg
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(reg)

	stable := swaps.Token{
		Address:  common.HexToAddress(cfg.StableToken.Address),
		Decimals: cfg.StableToken.Decimals,
		Symbol:   cfg.StableToken.Symbol,
	}

	var httpClient *http.Client
	if sink != nil {
		httpClient = apilog.NewHTTPClient("okx", sink, zl.Named("apilog"))
	}
	okx := okxdex.NewClient(cfg.Aggregator.BaseURL, okxdex.Credentials{
		APIKey:     cfg.Aggregator.APIKey,
		SecretKey:  cfg.Aggregator.SecretKey,
		Passphrase: cfg.Aggregator.Passphrase,
		ProjectID:  cfg.Aggregator.ProjectID,
	}, httpClient)
	agg := okxdex.NewProvider(okx, cfg.SourceChain.ChainID, stable.Address)

	tiers, err := cfg.SlippageTiers()
	if err != nil {
		return nil, err
	}
	schedule, err := swaps.NewSchedule(tiers, cfg.Swap.TierBackoff.Duration)
	if err != nil {
		return nil, err
	}

	quotes := swaps.NewQuoteService(agg, stable, swaps.QuoteOptions{
		Attempts:   cfg.Quote.Attempts,
		RetryDelay: cfg.Quote.RetryDelay.Duration,
		Timeout:    cfg.Quote.Timeout.Duration,
		MinOutput:  cfg.MinOutput(),
	}, rec, zl.Named("quotes"))
	executor := swaps.NewExecutor(quotes, agg, srcSubmitter, stable, swaps.ExecutorOptions{
		Schedule:         schedule,
		GasMultiplier:    cfg.GasMultiplier(),
		FallbackGasLimit: cfg.Swap.FallbackGasLimit,
	}, rec, zl.Named("swaps"))

	bridgeSubmitter := dstSubmitter
	if cfg.Bridge.Chain == config.BridgeOnSource {
		bridgeSubmitter = srcSubmitter
	}
	notifier := bridge.NewNotifier(common.HexToAddress(cfg.Bridge.Contract), bridgeSubmitter, zl.Named("bridge"))
	finalizer := marketplace.NewFinalizer(common.HexToAddress(cfg.MarketplaceContract), dstSubmitter, zl.Named("marketplace"))

	reader := chain.NewReader(srcRPC, srcChainID, timeout, zl.Named("chain"))

	admin := common.HexToAddress(cfg.AdminAddress)
	a.orchestrator = payments.NewOrchestrator(store, reader, executor, notifier, finalizer, alerter, rec, zl.Named("payments"), payments.Options{
		AdminAddress:  admin,
		SwapRecipient: a.signer,
		JobTimeout:    cfg.JobTimeout.Duration,
	})

	a.tracker = tracker.New(store, alerter, rec, zl.Named("tracker"), cfg.StaleAfter.Duration)

	balanceFn := func(ctx context.Context) ([]balances.AddressBalance, error) {
		src, err := balances.Fetch(ctx, srcRPC, "source", stable, a.signer)
		if err != nil {
			return nil, err
		}
		dst, err := balances.FetchNative(ctx, dstRPC, "destination", a.signer)
		if err != nil {
			return nil, err
		}
		return []balances.AddressBalance{src, dst}, nil
	}
	a.server = server.New(a.orchestrator, store, balanceFn, reg, cfg.Port, zl.Named("server"))

	return a, nil
}

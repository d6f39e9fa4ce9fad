package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tzswap/internal/chain"
	"tzswap/internal/config"
	"tzswap/internal/indexer"
	"tzswap/internal/journal"
	"tzswap/internal/logger"
	"tzswap/internal/metrics"
	"tzswap/internal/server"
	"tzswap/internal/submitter"
	"tzswap/internal/swap"
	"tzswap/internal/wallet"
)

func main() {
	boot := logger.New("main", "info")

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("config error")
	}
	level := cfg.Service.LogLevel
	log := logger.New("main", level)
	reg := metrics.New()

	ctx := context.Background()

	var store journal.Store
	if cfg.Service.PostgresDSN != "" {
		pg, err := journal.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres journal error")
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := journal.NewFileStore(cfg.Service.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Msg("journal store error")
		}
		store = fs
	}

	node, err := chain.NewClient(chain.Config{
		RPCURL:            cfg.Chain.RPCURL,
		Timeout:           cfg.Chain.RPCTimeout,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		Logger:            logger.New("chain", level),
		Metrics:           reg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("chain client error")
	}

	conseil, err := indexer.NewClient(indexer.Config{
		URL:     cfg.Chain.ConseilURL,
		Network: cfg.Chain.ConseilNetwork,
		APIKey:  cfg.Chain.ConseilAPIKey,
		Timeout: cfg.Chain.ConseilTimeout,
		Poll: indexer.PollConfig{
			MaxAttempts:       cfg.Confirmation.MaxAttempts,
			InitialBackoff:    cfg.Confirmation.InitialBackoff,
			MaxBackoff:        cfg.Confirmation.MaxBackoff,
			BackoffMultiplier: cfg.Confirmation.BackoffMultiplier,
		},
		Logger:  logger.New("indexer", level),
		Metrics: reg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("indexer client error")
	}

	var session wallet.Session
	switch {
	case cfg.Chain.WalletSessionURL != "":
		httpSession, err := wallet.NewHTTPSession(wallet.HTTPSessionConfig{
			URL:     cfg.Chain.WalletSessionURL,
			Token:   cfg.Chain.WalletToken,
			Timeout: cfg.Chain.WalletTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("wallet session error")
		}
		session = httpSession
	case cfg.Chain.WalletDevFake:
		log.Warn().Msg("WALLET_DEV_FAKE set: batches go to an in-memory session and never reach the chain")
		session = &wallet.FakeSession{}
	default:
		log.Fatal().Msg("no wallet session configured")
	}

	sub, err := submitter.New(submitter.Config{
		Account:   cfg.Chain.Account,
		Session:   session,
		Confirmer: conseil,
		Journal:   store,
		Logger:    logger.New("submitter", level),
		Metrics:   reg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("submitter error")
	}

	engine, err := swap.New(swap.Config{
		Account:       cfg.Chain.Account,
		FeeContract:   cfg.Network.Contracts.Fee,
		PriceContract: cfg.Network.Contracts.Price,
		Confirmations: cfg.Confirmation.Depth,
		Node:          node,
		Ledger:        conseil,
		Submitter:     sub,
		Logger:        logger.New("engine", level),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine error")
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Engine:  engine,
		Journal: store,
		Node:    node,
		Indexer: conseil,
		Metrics: reg,
		Logger:  logger.New("api", level),
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info().Err(err).Msg("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

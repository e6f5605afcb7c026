package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hermes-proxy/anon-relay/internal/blind"
	"github.com/hermes-proxy/anon-relay/internal/bus"
	"github.com/hermes-proxy/anon-relay/internal/config"
	"github.com/hermes-proxy/anon-relay/internal/keystore"
	"github.com/hermes-proxy/anon-relay/internal/logging"
	"github.com/hermes-proxy/anon-relay/internal/server"
	"github.com/hermes-proxy/anon-relay/internal/storage"
	"github.com/hermes-proxy/anon-relay/internal/storage/memory"
	"github.com/hermes-proxy/anon-relay/internal/storage/sqlite"
	"go.uber.org/zap"
)

const blindingKeyID = "identity_blinding_key"

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, logger, cfg)
	defer closeStore()

	client, err := bus.Connect(bus.Config{
		URL:             cfg.Bus.URL,
		Name:            cfg.Bus.Name,
		CredentialsFile: cfg.Bus.CredentialsFile,
		ReconnectWait:   cfg.Bus.ReconnectWait,
		MaxReconnects:   cfg.Bus.MaxReconnects,
	}, logger.Named("nats"))
	if err != nil {
		logger.Fatal("connect bus", zap.Error(err))
	}
	defer client.Close()
	logger.Info("bus connected", zap.String("status", client.Status()))

	srv := server.NewNodeServer(cfg, logger, store, client)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func openStore(ctx context.Context, log *zap.Logger, cfg config.Config) (storage.Store, func()) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("using in-memory store; identities are lost on restart")
		return memory.New(), func() {}
	}

	passphrase, err := cfg.Passphrase()
	if err != nil {
		log.Fatal("keystore passphrase unavailable", zap.Error(err))
	}
	vault, created, err := keystore.Open(ctx, cfg.Keystore.Path, passphrase)
	if err != nil {
		log.Fatal("open keystore", zap.Error(err))
	}
	if created {
		log.Info("initialized new keystore", zap.String("path", vault.Path()))
	} else {
		log.Info("keystore unlocked")
	}
	master, err := vault.Secret(ctx, blindingKeyID, blind.KeySize)
	vault.Close()
	if err != nil {
		log.Fatal("load blinding key", zap.Error(err))
	}
	sealer, err := blind.NewSealer(master)
	for i := range master {
		master[i] = 0
	}
	if err != nil {
		log.Fatal("init blinding", zap.Error(err))
	}

	store, err := sqlite.Open(ctx, cfg.Store.Path, sealer)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	log.Info("store opened", zap.String("path", cfg.Store.Path))
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
		sealer.Zero()
	}
}

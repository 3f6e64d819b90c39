package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/audit"
	"github.com/1vbutkus/fish-sub000/internal/clob"
	"github.com/1vbutkus/fish-sub000/internal/config"
	"github.com/1vbutkus/fish-sub000/internal/credentials"
	"github.com/1vbutkus/fish-sub000/internal/health"
	"github.com/1vbutkus/fish-sub000/internal/kms"
	"github.com/1vbutkus/fish-sub000/internal/monitor"
	"github.com/1vbutkus/fish-sub000/internal/publish"
	"github.com/1vbutkus/fish-sub000/internal/stream"
)

func main() {
	defer memguard.Purge()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("bookd starting", zap.String("env", cfg.Env), zap.Int("markets", len(cfg.Markets)))
	if err := run(ctx, cfg, log); err != nil {
		log.Error("bookd stopped", zap.Error(err))
		memguard.Purge()
		os.Exit(1)
	}
	log.Info("bookd stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	creds, err := loadCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	defer creds.Destroy()

	rest := clob.NewRESTClient(cfg.Exchange.RESTURL, nil, creds)

	markets := make([]monitor.Market, 0, len(cfg.Markets))
	var assetIDs, conditionIDs []string
	for _, m := range cfg.Markets {
		markets = append(markets, monitor.Market{
			ConditionID:    m.ConditionID,
			MainAssetID:    m.MainAssetID,
			CounterAssetID: m.CounterAssetID,
		})
		assetIDs = append(assetIDs, m.MainAssetID, m.CounterAssetID)
		conditionIDs = append(conditionIDs, m.ConditionID)
	}

	scfg := stream.DefaultConfig(cfg.Exchange.WSURL)
	scfg.PingInterval = cfg.Stream.PingInterval
	scfg.ConnectTimeout = cfg.Stream.ConnectTimeout
	scfg.PingTimeout = cfg.Stream.PingTimeout
	scfg.ReconnectDelay = cfg.Stream.ReconnectDelay
	scfg.ReadBufferSize = cfg.Stream.ReadBufferSize
	scfg.WriteBufferSize = cfg.Stream.WriteBufferSize

	marketStream, err := stream.New(scfg, stream.Market, assetIDs, nil, log)
	if err != nil {
		return fmt.Errorf("market stream: %w", err)
	}
	userStream, err := stream.New(scfg, stream.HouseOrders, conditionIDs, creds, log)
	if err != nil {
		return fmt.Errorf("house order stream: %w", err)
	}

	gate := monitor.NewGate(monitor.GateConfig{
		StaleAfter:            cfg.Monitor.StaleAfter,
		CoolOff:               cfg.Monitor.CoolOff,
		MaxCrossCheckFailures: cfg.Monitor.MaxCrossCheckFailures,
	}, log.Named("gate"))
	gate.WatchConnection(string(stream.Market), marketStream)
	gate.WatchConnection(string(stream.HouseOrders), userStream)

	var recorder audit.Recorder = audit.Nop{}
	if cfg.DB.Enabled {
		db, err := audit.Open(ctx, cfg.DB.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
		store := audit.NewPostgresStore(db, log.Named("audit"))
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		recorder = store
	}

	mon, err := monitor.New(monitor.Config{
		RefreshInterval:  cfg.Monitor.RefreshInterval,
		StrictComplement: cfg.Monitor.StrictComplement,
		ValidateNet:      cfg.Monitor.ValidateNet,
	}, markets, rest, marketStream.Messages(), userStream.Messages(), gate, recorder, log.Named("monitor"))
	if err != nil {
		return err
	}

	bc := monitor.NewBroadcaster(log.Named("broadcaster"))
	bc.Register(mon)

	if cfg.Redis.Enabled {
		rdb, err := publish.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		writer := publish.NewRedisWriter(publish.NewGoRedisClient(rdb), bc.SubscribeAll(), log.Named("redis"))
		go writer.Run(ctx)
	}

	lis, err := health.Listen(cfg.Health.Addr)
	if err != nil {
		return err
	}
	hs := health.New(lis, gate, conditionIDs, log.Named("health"))
	go func() {
		if err := hs.Serve(); err != nil {
			log.Warn("health server exited", zap.Error(err))
		}
	}()
	defer hs.GracefulStop()
	go hs.Run(ctx, cfg.Health.UpdateInterval)

	if err := marketStream.Start(ctx); err != nil {
		return fmt.Errorf("market stream: %w", err)
	}
	defer marketStream.Stop()
	if err := userStream.Start(ctx); err != nil {
		return fmt.Errorf("house order stream: %w", err)
	}
	defer userStream.Stop()

	go bc.Run(ctx)

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

func loadCredentials(ctx context.Context, cfg *config.Config) (*credentials.Store, error) {
	var dec credentials.Decrypter
	if cfg.Credentials.Encrypted() {
		kc, err := kms.New(ctx, cfg.Credentials.AWSRegion, cfg.LocalStackEndpoint, cfg.Credentials.KMSKeyID)
		if err != nil {
			return nil, err
		}
		dec = kc
	}
	return credentials.Load(ctx, credentials.Config{
		Address:          cfg.Exchange.HouseAddress,
		APIKey:           cfg.Credentials.APIKey,
		Secret:           cfg.Credentials.Secret,
		SecretCiphertext: cfg.Credentials.SecretCiphertext,
		Passphrase:       cfg.Credentials.Passphrase,
	}, dec)
}

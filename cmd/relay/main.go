// Command relay runs the copy-trading relay: it holds the master MEXC
// websocket stream, fans translated signals out to every enabled
// follower, and serves the operator HTTP/WS control plane. Wiring follows
// the teacher's main.go (config load, db open+migrate, graceful shutdown
// on SIGINT/SIGTERM) adapted from its multi-tenant strategy-bot bootstrap
// down to this single-master/many-followers topology.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"copytrade-relay/internal/api"
	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/gateway"
	"copytrade-relay/internal/mexc"
	"copytrade-relay/internal/netsession"
	"copytrade-relay/internal/notifier"
	"copytrade-relay/internal/position"
	"copytrade-relay/internal/supervisor"
	"copytrade-relay/pkg/config"
	"copytrade-relay/pkg/crypto"
	"copytrade-relay/pkg/db"
	"copytrade-relay/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("load encryption keys: %v", err)
	}

	bus := notifier.NewBus()
	m := metrics.NewRelay()

	logSink := notifier.LogSink(bus, notifier.TopicOrderDispatched, func() int64 { return time.Now().UnixMilli() })
	sup := supervisor.New(cfg.WSURL, cfg.QuoteAsset, logSink)

	specClient, err := mexc.NewClient(mexc.Config{BaseURL: cfg.APIBaseURL})
	if err != nil {
		log.Fatalf("build spec client: %v", err)
	}
	sup.SetSpecFetcher(specClient.GetSymbolSpec)
	sup.SetBlackSymbols(cfg.BlackSymbols)

	gwCfg := gateway.DefaultConfig()
	gwCfg.APIBaseURL = cfg.APIBaseURL
	gateways := gateway.NewManager(store, keys, nil, gwCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateways.Start(ctx)
	defer gateways.Stop()

	if err := bootstrapMasterCreds(ctx, store, keys, cfg); err != nil {
		log.Printf("bootstrap master credentials: %v", err)
	}
	if err := loadMasterCreds(ctx, store, keys, sup); err != nil {
		log.Printf("master credentials: %v", err)
	}

	if err := loadFollowers(ctx, store, gateways, sup, bus); err != nil {
		log.Printf("load followers: %v", err)
	}

	go sup.Run(ctx)

	operatorPasswordHash := cfg.OperatorPasswordHash
	if operatorPasswordHash == "" && cfg.OperatorPassword != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.OperatorPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("hash operator password: %v", err)
		}
		operatorPasswordHash = string(hashed)
	}
	if operatorPasswordHash == "" {
		log.Printf("warning: no operator password configured, /api/v1/auth/login will refuse all logins")
	}

	meta := api.SystemMeta{Venue: "MEXC", QuoteAsset: cfg.QuoteAsset, Version: "1.0.0"}
	server := api.NewServer(ctx, store, sup, gateways, bus, m, keys, operatorPasswordHash, cfg.JWTSecret, meta)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	go func() {
		log.Printf("relay listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// bootstrapMasterCreds seeds the master_creds row from MASTER_API_KEY/
// MASTER_API_SECRET env vars on first run, when the operator hasn't yet
// set credentials via the HTTP command surface. A no-op once a row exists.
func bootstrapMasterCreds(ctx context.Context, store *db.Database, keys *crypto.KeyManager, cfg *config.Config) error {
	if cfg.MasterAPIKey == "" || cfg.MasterAPISecret == "" {
		return nil
	}
	existing, err := store.GetMasterCreds(ctx)
	if err != nil {
		return err
	}
	if existing.APIKeyEncrypted != "" {
		return nil
	}

	encKey, encSecret, err := keys.EncryptCredentials(cfg.MasterAPIKey, cfg.MasterAPISecret)
	if err != nil {
		return err
	}
	return store.UpsertMasterCreds(ctx, db.MasterCreds{
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		Proxy:              cfg.MasterProxy,
		KeyVersion:         keys.CurrentVersion(),
		TradingEnabled:     false,
	})
}

// loadMasterCreds decrypts and applies the persisted master credential row,
// if any, so the supervisor can reload its stream on startup.
func loadMasterCreds(ctx context.Context, store *db.Database, keys *crypto.KeyManager, sup *supervisor.Supervisor) error {
	m, err := store.GetMasterCreds(ctx)
	if err != nil {
		return err
	}
	if m.APIKeyEncrypted == "" {
		return nil
	}
	apiKey, apiSecret, err := keys.DecryptCredentials(m.APIKeyEncrypted, m.APISecretEncrypted)
	if err != nil {
		return err
	}
	sup.SetCreds(supervisor.Creds{APIKey: apiKey, APISecret: apiSecret, Proxy: m.Proxy})
	sup.SetTradingEnabled(m.TradingEnabled)
	return nil
}

// loadFollowers registers every enabled, persisted follower's runtime,
// NetworkSession and position monitor into the supervisor. Each follower's
// ping loop runs under ctx, the process lifetime context, so it keeps
// degrade-detecting and recreating the gateway for as long as the relay
// runs.
func loadFollowers(ctx context.Context, store *db.Database, gateways *gateway.Manager, sup *supervisor.Supervisor, bus *notifier.Bus) error {
	rows, err := store.ListFollowers(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !row.Enabled {
			continue
		}

		cfg := follower.Config{
			ID:              row.ID,
			Name:            row.Name,
			Proxy:           row.Proxy,
			KeyVersion:      row.KeyVersion,
			Coef:            row.Coef,
			Leverage:        row.Leverage,
			MarginMode:      row.MarginMode,
			MaxPositionSize: row.MaxPositionSize,
			RandomSizePct:   [2]float64{row.RandomSizePctLo, row.RandomSizePctHi},
			DelayMs:         [2]float64{row.DelayMsLo, row.DelayMsHi},
			Enabled:         row.Enabled,
		}
		rt := follower.NewRuntime(cfg)

		followerID := row.ID
		build := func(ctx context.Context) (exchange.Gateway, error) { return gateways.GetOrCreate(ctx, followerID) }
		rebuild := func(ctx context.Context) (exchange.Gateway, error) { return gateways.Recreate(ctx, followerID) }
		sess := netsession.New(rt, build, rebuild, func(format string, args ...any) {
			bus.Publish(notifier.TopicNetworkSession, notifier.LogLine{
				FollowerID: followerID,
				Line:       fmt.Sprintf(format, args...),
				TsMs:       time.Now().UnixMilli(),
			})
		})

		if err := sess.Initialize(ctx); err != nil {
			log.Printf("follower %d: network session init failed: %v", followerID, err)
			continue
		}
		go sess.StartPingLoop(ctx)

		mon := position.New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
			return rt.GatewaySnapshot().GetOpenPositions(ctx, "")
		})
		sup.RegisterFollower(rt, mon)
	}
	return nil
}

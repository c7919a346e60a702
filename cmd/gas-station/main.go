// Package main runs the gas station: the sponsor-side service that
// reserves pool coins, co-signs user transactions and settles the gas
// change back into the pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/gaspool/internal/access"
	"github.com/R3E-Network/gaspool/internal/config"
	"github.com/R3E-Network/gaspool/internal/executor"
	"github.com/R3E-Network/gaspool/internal/initializer"
	"github.com/R3E-Network/gaspool/internal/ledger"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/pool"
	"github.com/R3E-Network/gaspool/internal/rpc"
	"github.com/R3E-Network/gaspool/internal/signer"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/system"
	"github.com/R3E-Network/gaspool/internal/tracker"
	"github.com/R3E-Network/gaspool/internal/txlog"
	"github.com/R3E-Network/gaspool/internal/version"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const (
	startupTimeout  = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	// A .env file is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "Path to the station YAML configuration")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if v := os.Getenv("GAS_STATION_CONFIG"); v != "" {
		*configPath = v
	}

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gas-station: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: env.LogLevel, Name: "gas-station"})
	log.WithField("version", version.Version).WithField("config", *configPath).
		Infof("starting gas station")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	sign, err := buildSigner(startCtx, cfg, log)
	if err != nil {
		log.Fatalf("build signer: %v", err)
	}
	sponsor := sign.Address()
	log.WithField("sponsor", sponsor.String()).Infof("sponsor address resolved")

	client, err := storage.Connect(startCtx, cfg.StorageConfig.Redis.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	store := storage.NewRedis(client, log.WithField("component", "storage"))
	defer store.Close()

	nodeOpts := ledger.Options{}
	if cfg.FullnodeBasicAuth != nil {
		nodeOpts.Username = cfg.FullnodeBasicAuth.Username
		nodeOpts.Password = cfg.FullnodeBasicAuth.Password
	}
	node := ledger.NewClient(cfg.FullnodeURL, nodeOpts, log.WithField("component", "ledger"))

	track := tracker.New(store, log.WithField("component", "tracker"))
	accessDeps := access.Deps{
		Usage: track,
		Redis: client,
		Log:   log.WithField("component", "access"),
	}
	controller, err := access.New(startCtx, cfg.AccessController, accessDeps)
	if err != nil {
		log.Fatalf("build access controller: %v", err)
	}
	ref := access.NewRef(controller)

	txl := txlog.New(env.TransactionsLogging, os.Stdout)
	engine := pool.NewEngine(store, sponsor, cfg.MaxCoinsPerRes, log.WithField("component", "pool"))
	exec := executor.New(store, node, sign, ref, track, txl,
		uint64(cfg.DailyGasUsageCap), log.WithField("component", "executor"))

	runner := system.NewRunner(log)
	runner.Add(
		pool.NewSweeper(store, sponsor, log.WithField("component", "sweeper")),
		pool.NewStatsService(store, sponsor, log.WithField("component", "pool-stats")),
		metrics.NewHostStatsService(log.WithField("component", "host-stats")),
	)

	if cfg.CoinInitConfig != nil {
		coinInit := initializer.New(store, node, sign, cfg.CoinInitConfig.TargetInitBalance,
			log.WithField("component", "initializer"))
		// The startup pass is best effort. A node hiccup here must not
		// keep the station from serving the coins it already has.
		if err := coinInit.Run(startCtx, initializer.Startup); err != nil {
			log.WithError(err).Errorf("startup coin initialization failed")
		}
		every := time.Duration(cfg.CoinInitConfig.RefreshIntervalSec) * time.Second
		runner.Add(initializer.NewReplenisher(coinInit, every, log.WithField("component", "replenisher")))
	} else {
		log.Infof("coin-init-config absent, initializer disabled")
	}

	runner.Add(
		metrics.NewServer(
			net.JoinHostPort(cfg.RPCHostIP, strconv.Itoa(cfg.MetricsPort)),
			log.WithField("component", "metrics")),
		rpc.NewServer(cfg, env.AuthSecret, rpc.Deps{
			Engine:     engine,
			Executor:   exec,
			Store:      store,
			Access:     ref,
			AccessDeps: accessDeps,
			ConfigPath: *configPath,
		}, log.WithField("component", "rpc")),
	)

	if err := runner.StartAll(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	log.Infof("gas station ready")

	<-ctx.Done()
	log.Infof("shutdown signal received")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	runner.StopAll(stopCtx)
	log.Infof("gas station stopped")
}

func buildSigner(ctx context.Context, cfg *config.Config, log *logger.Logger) (signer.Signer, error) {
	if cfg.SignerConfig.Local != nil {
		return signer.NewLocal(cfg.SignerConfig.Local.Keypair)
	}
	return signer.NewSidecar(ctx, cfg.SignerConfig.Sidecar.SidecarURL,
		log.WithField("component", "signer"))
}

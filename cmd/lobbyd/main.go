package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/lobbyrelay/lobbyrelay/internal/auth"
	"github.com/lobbyrelay/lobbyrelay/internal/config"
	"github.com/lobbyrelay/lobbyrelay/internal/directory"
	"github.com/lobbyrelay/lobbyrelay/internal/logging"
	"github.com/lobbyrelay/lobbyrelay/internal/registry"
	"github.com/lobbyrelay/lobbyrelay/internal/relay"
	"github.com/lobbyrelay/lobbyrelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	envFile := flag.String("env-file", "", "Path to a dotenv file loaded before config (optional)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogConsole)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.TokenSecret()
	if err != nil {
		logger.Fatal("token secret unavailable", zap.Error(err))
	}
	gate, err := auth.NewGate(auth.Config{
		Secret: secret,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	})
	if err != nil {
		logger.Fatal("init auth gate", zap.Error(err))
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker, err := buildBroker(cfg, nodeID)
	if err != nil {
		logger.Fatal("init broker", zap.Error(err))
	}
	defer broker.Close()

	dir, dirClose, err := buildDirectory(ctx, cfg)
	if err != nil {
		logger.Fatal("init directory", zap.Error(err))
	}
	defer dirClose()

	reg := registry.New()
	rly, err := relay.NewRelay(relay.Options{
		Log:             logger.Named("relay"),
		Broker:          broker,
		Lookup:          reg,
		NodeID:          nodeID,
		Metrics:         relay.NewMetrics(promReg),
		PublishAttempts: cfg.Broker.PublishAttempts,
		PublishMin:      cfg.Broker.PublishMin,
		PublishMax:      cfg.Broker.PublishMax,
		PublishBudget:   cfg.Broker.PublishBudget,
		PendingLimit:    cfg.Broker.PendingLimit,
		ReconnectMin:    cfg.Broker.ReconnectMin,
		ReconnectMax:    cfg.Broker.ReconnectMax,
	})
	if err != nil {
		logger.Fatal("init relay", zap.Error(err))
	}
	rly.Start(ctx)
	defer rly.Stop()

	srv, err := server.New(server.Options{
		Config:    cfg,
		Log:       logger.Named("server"),
		Gate:      gate,
		Registry:  reg,
		Relay:     rly,
		Directory: dir,
		Metrics:   promReg,
	})
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func buildBroker(cfg config.Config, nodeID string) (relay.Broker, error) {
	switch cfg.Broker.Kind {
	case "memory":
		// Single-node operation; events still flow through the full
		// publish/consume path.
		return relay.NewMemoryBus().Node(nodeID), nil
	case "kafka":
		return relay.NewKafkaBroker(relay.KafkaConfig{
			Brokers: cfg.Broker.Brokers,
			Topic:   cfg.Broker.Topic,
			NodeID:  nodeID,
		})
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func buildDirectory(ctx context.Context, cfg config.Config) (directory.Directory, func(), error) {
	switch cfg.Directory.Kind {
	case "static":
		return directory.NewStatic(nil), func() {}, nil
	case "mongo":
		m, err := directory.NewMongo(ctx, directory.MongoConfig{
			URI:         cfg.Directory.URI,
			Database:    cfg.Directory.Database,
			Collection:  cfg.Directory.Collection,
			Timeout:     cfg.Directory.Timeout,
			MaxPoolSize: cfg.Directory.MaxPoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { _ = m.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory kind %q", cfg.Directory.Kind)
	}
}

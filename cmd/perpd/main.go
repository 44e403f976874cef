package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/fixed"
	"github.com/luxfi/perp/pkg/perp"
)

const (
	defaultDataDir     = ".perpd"
	defaultPort        = 8080
	defaultMetricsPort = 9090
)

type Config struct {
	DataDir  string
	LogLevel string

	HTTPPort    int
	MetricsPort int
	NatsURL     string

	Owner   string
	Keepers []string

	SnapshotEvery time.Duration
}

type PerpNode struct {
	config  *Config
	db      database.Database
	engine  *perp.Engine
	oracle  *perp.PushOracle
	vault   *perp.LiquidityVault
	metrics *perp.Metrics
	server  *api.Server
	logger  log.Logger

	nc *nats.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPerpNode(config *Config) (*PerpNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("initializing perp node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// BadgerDB first, memory as the fallback.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		logger.Info("using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	oracle := perp.NewPushOracle(config.Keepers...)
	vault := perp.NewLiquidityVault()
	engine := perp.NewEngine(perp.DefaultConfig(config.Owner), oracle,
		perp.StaticFeeCalculator{}, vault, logger)
	if err := engine.WithStore(perp.NewStore(db)); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	metrics := perp.NewMetrics("perpd")
	engine.WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	return &PerpNode{
		config:  config,
		db:      db,
		engine:  engine,
		oracle:  oracle,
		vault:   vault,
		metrics: metrics,
		server:  api.NewServer(engine, oracle, logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (n *PerpNode) Start() error {
	n.logger.Info("starting perp node",
		"httpPort", n.config.HTTPPort,
		"metricsPort", n.config.MetricsPort,
		"keepers", len(n.config.Keepers))

	if n.config.NatsURL != "" {
		if err := n.connectNATS(); err != nil {
			return err
		}
	}

	n.server.Start(n.ctx, n.config.SnapshotEvery)

	n.wg.Add(1)
	go n.runAPIServer()
	n.wg.Add(1)
	go n.runMetricsServer()
	n.wg.Add(1)
	go n.trackVaultBalance()

	n.logger.Info("perp node started")
	return nil
}

func (n *PerpNode) Stop() {
	n.logger.Info("shutting down")
	n.cancel()
	if n.nc != nil {
		n.nc.Close()
	}
	n.wg.Wait()
	if err := n.engine.Checkpoint(); err != nil {
		n.logger.Warn("state checkpoint failed", "error", err)
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn("database close failed", "error", err)
	}
}

func (n *PerpNode) runAPIServer() {
	defer n.wg.Done()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: n.server.Routes(),
	}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	n.logger.Info("api server listening", "port", n.config.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("api server failed", "error", err)
	}
}

func (n *PerpNode) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	n.logger.Info("metrics server listening", "port", n.config.MetricsPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("metrics server failed", "error", err)
	}
}

func (n *PerpNode) trackVaultBalance() {
	defer n.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.SetVaultBalance(n.vault.Balance())
		}
	}
}

// NATS order intake

type natsOpenRequest struct {
	Sender    string          `json:"sender"`
	Owner     string          `json:"owner"`
	ProductID string          `json:"product_id"`
	Margin    decimal.Decimal `json:"margin"`
	IsLong    bool            `json:"is_long"`
	Leverage  decimal.Decimal `json:"leverage"`
}

type natsCloseRequest struct {
	Sender     string          `json:"sender"`
	PositionID string          `json:"position_id"`
	Margin     decimal.Decimal `json:"margin"`
}

type natsLiquidateRequest struct {
	Liquidator  string   `json:"liquidator"`
	PositionIDs []string `json:"position_ids"`
}

type natsPriceUpdate struct {
	Keeper string          `json:"keeper"`
	Token  string          `json:"token"`
	Price  decimal.Decimal `json:"price"`
}

func (n *PerpNode) connectNATS() error {
	nc, err := nats.Connect(n.config.NatsURL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	n.nc = nc
	n.logger.Info("connected to NATS", "url", n.config.NatsURL)

	nc.QueueSubscribe("perp.orders.open", "perp-servers", func(m *nats.Msg) {
		var req natsOpenRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respondError(m, err)
			return
		}
		if req.Owner == "" {
			req.Owner = req.Sender
		}
		id, err := n.engine.OpenPosition(req.Sender, req.Owner, req.ProductID,
			fixed.FromDecimal(req.Margin), req.IsLong, fixed.FromDecimal(req.Leverage))
		if err != nil {
			respondError(m, err)
			return
		}
		respondJSON(m, map[string]string{"position_id": id})
	})

	nc.QueueSubscribe("perp.orders.close", "perp-servers", func(m *nats.Msg) {
		var req natsCloseRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respondError(m, err)
			return
		}
		closure, err := n.engine.ClosePosition(req.Sender, req.PositionID, fixed.FromDecimal(req.Margin))
		if err != nil {
			respondError(m, err)
			return
		}
		n.server.BroadcastClosure(closure)
		respondJSON(m, closure)
	})

	nc.QueueSubscribe("perp.orders.liquidate", "perp-servers", func(m *nats.Msg) {
		var req natsLiquidateRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			respondError(m, err)
			return
		}
		reward, err := n.engine.LiquidatePositions(req.Liquidator, req.PositionIDs)
		if err != nil {
			respondError(m, err)
			return
		}
		respondJSON(m, map[string]string{"reward": fixed.ToDecimal(reward).String()})
	})

	// Oracle keepers push prices over the same bus.
	nc.Subscribe("perp.prices", func(m *nats.Msg) {
		var req natsPriceUpdate
		if err := json.Unmarshal(m.Data, &req); err != nil {
			n.logger.Warn("malformed price update", "error", err)
			return
		}
		if err := n.oracle.SetPrice(req.Keeper, req.Token, fixed.FromDecimal(req.Price)); err != nil {
			n.logger.Warn("price update rejected", "keeper", req.Keeper, "token", req.Token, "error", err)
		}
	})
	return nil
}

func respondJSON(m *nats.Msg, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.Respond(raw)
}

func respondError(m *nats.Msg, err error) {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	m.Respond(raw)
}

func main() {
	config := &Config{}
	var keepers string

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory under $HOME")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&config.HTTPPort, "port", defaultPort, "API server port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NatsURL, "nats", "", "NATS URL for order intake (empty disables)")
	flag.StringVar(&config.Owner, "owner", "owner", "Engine owner account")
	flag.StringVar(&keepers, "keepers", "keeper", "Comma-separated oracle keeper accounts")
	flag.DurationVar(&config.SnapshotEvery, "snapshot-interval", time.Second, "WebSocket mark snapshot interval")
	flag.Parse()

	for _, k := range strings.Split(keepers, ",") {
		if k = strings.TrimSpace(k); k != "" {
			config.Keepers = append(config.Keepers, k)
		}
	}

	node, err := NewPerpNode(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	node.Stop()
}

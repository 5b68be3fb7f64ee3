package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mistbroker/mist/internal/auth"
	"github.com/mistbroker/mist/internal/broker"
	"github.com/mistbroker/mist/internal/bus"
	"github.com/mistbroker/mist/internal/config"
	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML configuration file")
	env := flag.String("env", "development", "logging environment: development or production")
	flag.Parse()

	if *env == "production" {
		logger.InitGlobalLogger(logger.ProductionConfig())
	} else {
		logger.InitGlobalLogger(logger.DevelopmentConfig())
	}
	log := logger.NewMQTTLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", logger.ErrorAttr(err))
	}

	persistence, err := store.OpenBolt(cfg.StorePath, store.TTL{
		Subscriptions:  cfg.TTL.Subscriptions,
		Packets:        cfg.TTL.Packets,
		CheckFrequency: cfg.TTL.CheckFrequency,
	})
	if err != nil {
		log.Fatal("failed to open persistence store", logger.ErrorAttr(err))
	}

	messageBus, err := newBus(cfg, persistence)
	if err != nil {
		log.Fatal("failed to start message bus", logger.ErrorAttr(err))
	}

	db, err := sql.Open("sqlite3", cfg.Auth.SQLitePath)
	if err != nil {
		log.Fatal("failed to open auth db", logger.ErrorAttr(err))
	}
	authStore := auth.New(db)

	b := broker.New(broker.Config{
		Store:            persistence,
		Bus:              messageBus,
		Hooks:            authStore,
		MaxConnections:   cfg.MaxConnections,
		BaseRetryTimeout: cfg.BaseRetryTimeout,
	})
	go logEvents(b, log)

	srv := transport.New(fmt.Sprintf(":%d", cfg.Port), b)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		log.Fatal("failed to start listener", logger.ErrorAttr(err))
	}
	log.Info("mist broker listening", logger.Int("port", cfg.Port), logger.String("backend", string(cfg.Backend)))

	waitForShutdown(ctx, cancel, srv, b, log)
}

func newBus(cfg config.Config, sink bus.OfflineSink) (bus.Bus, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		return bus.DialNATS(cfg.NATSURL, sink)
	default:
		return bus.NewMemory(sink), nil
	}
}

func logEvents(b *broker.Broker, log *logger.Logger) {
	for evt := range b.Events() {
		switch evt.Kind {
		case broker.EventClientConnected:
			log.LogClientConnection(evt.Session.ClientID, "", "connected")
		case broker.EventClientDisconnected:
			log.LogClientConnection(evt.Session.ClientID, "", "disconnected")
		case broker.EventError:
			log.LogError(evt.Err, "broker error")
		case broker.EventPublished:
			log.LogPublish("", evt.Packet.Topic, int(evt.Packet.QoS), evt.Packet.Retain, len(evt.Packet.Payload))
		}
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, srv *transport.TCPServer, b *broker.Broker, log *logger.Logger) {
	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-stopCtx.Done()
	log.Info("shutdown signal received")

	cancel()
	if err := srv.Stop(); err != nil {
		log.LogError(err, "error stopping listener")
	}
	if err := b.Shutdown(); err != nil {
		log.LogError(err, "error during broker shutdown")
	}
	log.Info("shutdown complete")
}

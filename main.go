package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"deriflow/config"
	"deriflow/internal/channel"
	"deriflow/internal/connector"
	"deriflow/internal/dashboard"
	"deriflow/internal/metrics"
	"deriflow/internal/orders"
	"deriflow/internal/recorder"
	"deriflow/internal/server"
	"deriflow/internal/session"
	"deriflow/logger"
	"deriflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Deriflow.Name,
		"version": cfg.Deriflow.Version,
	}).Info("starting deriflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Deriflow.Name)
	}
	metrics.Init()

	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx)

	remote := connector.NewRemoteClient(cfg.Deribit.RestURL, cfg.Deribit.RequestTimeout)
	sess := session.NewManager(remote, cfg.Deribit.ClientID, cfg.Deribit.ClientSecret)
	if !sess.Authenticate(ctx) {
		log.Error("initial authentication failed")
		os.Exit(1)
	}

	conn := connector.NewConnector(cfg.Deribit, sess, remote, channels)
	orderManager := orders.NewManager(conn)

	srv := server.NewServer(cfg.Server, func(symbol string, active bool) {
		log.WithComponent("main").WithFields(logger.Fields{
			"symbol": symbol,
			"active": active,
		}).Info("downstream demand changed")
	})

	rec, err := recorder.NewRecorder(cfg.Recorder, cfg.Storage.S3)
	if err != nil {
		log.WithError(err).Error("failed to create recorder")
		os.Exit(1)
	}
	if rec != nil {
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	}

	go conn.Run(ctx)

	if err := srv.Start(); err != nil {
		log.WithError(err).Error("failed to start broadcast server")
		os.Exit(1)
	}

	// Fan events out to subscribers and, when enabled, into the recorder.
	go channels.Drain(ctx, func(ev models.MarketEvent) {
		if ev.Symbol == "" {
			return
		}
		srv.Route(ev.Symbol, ev.Data)
		rec.Record(ev)
	})

	dash := dashboard.NewServer(cfg.Dashboard, dashboard.Sources{
		ConnectorState:   conn.State,
		Subscriptions:    conn.Subscriptions,
		ClientCount:      srv.ClientCount,
		SubscriberCounts: srv.SubscriberCounts,
		CurrentOrders:    orderManager.CurrentOrders,
	})
	if dash != nil {
		go func() {
			if err := dash.Run(ctx, cfg.Deriflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	srv.Stop(shutdownCtx)
	if rec != nil {
		rec.Stop()
	}

	log.Info("deriflow stopped")
}

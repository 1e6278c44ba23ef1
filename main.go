package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"hyperliquid-feedmux/config"
	"hyperliquid-feedmux/hyperliquid"
	"hyperliquid-feedmux/proxy"
	"hyperliquid-feedmux/server"
)

const (
	appName    = "Hyperliquid Feed Multiplexer"
	appVersion = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		logFormat  = flag.String("log-format", "", "Log format (text, json); overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		fmt.Println("Shares one Hyperliquid market-data WebSocket between many consumers")
		os.Exit(0)
	}

	if *help {
		showHelp()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		setupLogging("info", "text")
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if *logLevel != "" {
		level = *logLevel
	}
	if *logFormat != "" {
		format = *logFormat
	}
	setupLogging(level, format)

	logrus.WithFields(logrus.Fields{
		"app":     appName,
		"version": appVersion,
	}).Info("Starting application")

	logrus.WithFields(logrus.Fields{
		"network":     cfg.Hyperliquid.Network,
		"url":         cfg.GetHyperliquidURL(),
		"server_addr": cfg.GetServerAddress(),
		"key_mode":    cfg.Feed.KeyMode,
		"reconnect":   cfg.Feed.EnableReconnect,
		"heartbeat":   cfg.Feed.EnableHeartbeat,
		"relay":       cfg.Relay.Enabled,
	}).Info("Configuration loaded")

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("Exited with error")
	}
	logrus.Info("Shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hyperliquid.Configure(hyperliquid.OptionsFromConfig(cfg))
	feed := hyperliquid.GetInstance()

	unwatch := feed.Watch(func(prev, next hyperliquid.State) {
		logrus.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   next.String(),
		}).Info("Feed state changed")
	})
	defer unwatch()

	var p *proxy.Proxy
	if cfg.Relay.Enabled {
		p = proxy.NewProxy(cfg, feed)
		p.Start()
	}

	srv := server.NewServer(cfg, feed, p)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		if p != nil {
			p.Stop()
		}
		feed.Stop()
		return err
	})

	addr := cfg.GetServerAddress()
	if cfg.Relay.Enabled {
		logrus.Info("WebSocket endpoint: ws://" + addr + "/ws")
	}
	logrus.Info("Health endpoint: http://" + addr + "/health")
	logrus.Info("Stats endpoint: http://" + addr + "/stats")

	return g.Wait()
}

// setupLogging configures the logging system
func setupLogging(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("Invalid log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	default:
		logrus.WithField("format", format).Warn("Invalid log format, using text")
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}

	logrus.SetOutput(os.Stdout)
}

func showHelp() {
	fmt.Printf("%s v%s\n\n", appName, appVersion)
	fmt.Println("Shares one Hyperliquid market-data WebSocket between many consumers")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  hyperliquid-feedmux [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to configuration file")
	fmt.Println("  -log-level string")
	fmt.Println("        Log level (debug, info, warn, error); overrides logging.level")
	fmt.Println("  -log-format string")
	fmt.Println("        Log format (text, json); overrides logging.format")
	fmt.Println("  -version")
	fmt.Println("        Show version information")
	fmt.Println("  -help")
	fmt.Println("        Show this help message")
	fmt.Println()
	fmt.Println("ENDPOINTS:")
	fmt.Println("  WebSocket:     ws://localhost:8080/ws (relay.enabled)")
	fmt.Println("  Health:        http://localhost:8080/health")
	fmt.Println("  Stats:         http://localhost:8080/stats")
	fmt.Println("  Subscriptions: http://localhost:8080/subscriptions")
	fmt.Println("  Info:          http://localhost:8080/info")
	fmt.Println()
	fmt.Println("EXAMPLE USAGE:")
	fmt.Println("  # Start with default configuration")
	fmt.Println("  ./hyperliquid-feedmux")
	fmt.Println()
	fmt.Println("  # Start with custom configuration")
	fmt.Println("  ./hyperliquid-feedmux -config config.yaml")
	fmt.Println()
	fmt.Println("  # Start with debug logging")
	fmt.Println("  ./hyperliquid-feedmux -log-level debug")
	fmt.Println()
	fmt.Println("SUPPORTED SUBSCRIPTIONS:")
	fmt.Println("  - allMids: All mid prices")
	fmt.Println("  - l2Book: Order book snapshots")
	fmt.Println("  - trades: Trade updates")
	fmt.Println("  - candle: Candlestick data")
	fmt.Println("  - bbo: Best bid/offer")
	fmt.Println("  - webData2: Per-user web interface data")
	fmt.Println("  - activeAssetCtx: Asset context")
	fmt.Println()
}

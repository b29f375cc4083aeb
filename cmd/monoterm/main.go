package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/loppo-llc/monoterm/internal/bridge"
	"github.com/loppo-llc/monoterm/internal/config"
	"github.com/loppo-llc/monoterm/internal/history"
	"github.com/loppo-llc/monoterm/internal/metrics"
	"github.com/loppo-llc/monoterm/internal/notify"
	"github.com/loppo-llc/monoterm/internal/server"
	"github.com/loppo-llc/monoterm/internal/session"
)

var version = "0.1.0"

func main() {
	// the same binary is the pty bridge; this must run before flag parsing
	if len(os.Args) > 1 && os.Args[1] == bridge.Subcommand {
		os.Exit(bridge.Main(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monoterm:", err)
		os.Exit(2)
	}

	port := flag.Int("port", cfg.Server.Port, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", cfg.Server.Dev, "enable dev mode (debug logging)")
	local := flag.Bool("local", cfg.Server.Local, "listen on localhost only (no Tailscale)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("monoterm", version)
		return
	}

	logLevel, _ := cfg.Log.SlogLevel()
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, err := session.NewPlatformStrategy(session.StrategyOptions{
		BridgeExecutable: cfg.Terminal.BridgeExecutable,
		Shell:            cfg.Terminal.Shell,
	})
	if err != nil {
		logger.Error("no terminal strategy available", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	opts := session.Options{
		Strategy:     strategy,
		Logger:       logger,
		Metrics:      m,
		DefaultRows:  cfg.Terminal.DefaultRows,
		DefaultCols:  cfg.Terminal.DefaultCols,
		StopWait:     cfg.Terminal.StopWait,
		DrainTimeout: cfg.Terminal.DrainTimeout,
	}

	var hist server.HistoryReader
	if cfg.History.Enabled {
		st, err := history.Open(ctx, cfg.HistoryPath())
		if err != nil {
			logger.Error("failed to open session history", "path", cfg.HistoryPath(), "err", err)
			os.Exit(1)
		}
		defer st.Close()
		if n, err := st.Prune(ctx, cfg.History.Retention); err != nil {
			logger.Warn("history prune failed", "err", err)
		} else if n > 0 {
			logger.Info("pruned session history", "removed", n)
		}
		opts.History = st
		hist = st
	}

	var notifier *notify.Manager
	if cfg.Push.Enabled {
		notifier, err = notify.NewManager(notify.Options{
			Dir:        config.Dir(),
			Subscriber: cfg.Push.Subscriber,
			Logger:     logger,
		})
		if err != nil {
			logger.Error("failed to set up push notifications", "err", err)
			os.Exit(1)
		}
	}

	registry := session.NewRegistry(opts)
	logger.Info("terminal strategy selected", "strategy", registry.Strategy())

	srv := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", *port),
		Logger:        logger,
		Version:       version,
		Registry:      registry,
		History:       hist,
		NotifyManager: notifier,
		Metrics:       m,
		PingInterval:  cfg.Terminal.PingInterval,
		SendQueue:     cfg.Terminal.SendQueue,
	})

	if *local || *dev {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		actualAddr := ln.Addr().String()
		fmt.Fprintf(os.Stderr, "\n  monoterm v%s running at:\n\n    http://%s\n\n", version, actualAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: cfg.Server.Hostname,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  monoterm v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
			}
		}
		fmt.Fprintln(os.Stderr)

		// tsnet.ListenTLS already terminates TLS
		go func() {
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}

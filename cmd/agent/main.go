// Command agent is the process supervisor: it prints the startup banner,
// loads the identity/config surface, wires the control client together and
// translates the first interrupt into a graceful shutdown (a second forces
// immediate exit). Grounded on the teacher's cmd/example/main.go
// (signal.NotifyContext, flag parsing, wiring a Client) and
// original_source/main.py's banner-then-run-then-KeyboardInterrupt shape.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddathome/worker-agent/internal/config"
	"github.com/ddathome/worker-agent/internal/control"
	"github.com/ddathome/worker-agent/internal/monitor"
)

const bannerWidth = 46

func main() {
	configPath := flag.String("config", "config.ini", "path to the agent's INI config file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	flag.Parse()

	logger := slog.Default()
	os.Exit(run(logger, *configPath, *metricsAddr))
}

func run(logger *slog.Logger, configPath, metricsAddr string) int {
	store, err := config.Open(configPath)
	if err != nil {
		logger.Error("open config", "error", err)
		return 1
	}
	if store.Generated() {
		printBanner(logger)
		logger.Info("wrote a fresh config file, edit it and restart", "path", configPath)
		return 0
	}

	identity, err := store.Identity()
	if err != nil {
		logger.Error("load identity", "error", err)
		return 1
	}
	settings, err := store.Settings()
	if err != nil {
		logger.Error("load settings", "error", err)
		return 1
	}

	printBanner(logger)
	logger.Info("agent identity", "uuid", identity.UUID, "name", identity.Name, "runtime", identity.Runtime)
	logger.Info("agent settings",
		"interval_ms", settings.IntervalMS,
		"max_queue", settings.MaxQueue,
		"room_cap", settings.RoomCap,
		"ip_family", settings.IPFamily,
	)

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transportFor(settings.IPFamily),
	}
	metrics := monitor.NewRegistry()

	if metricsAddr != "" {
		go serveMetrics(logger, metricsAddr, metrics)
	}

	client := control.New(identity, settings, httpClient, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go forceExitOnSecondSignal(logger)
	// The first signal cancels ctx, which ends Client.Run and closes the
	// control channel; Client.Close additionally sets the client's shutdown
	// flag so that no reconnect is attempted.
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	err = client.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("control client stopped with error", "error", err)
		return 1
	}

	logger.Info("shut down")
	return 0
}

// forceExitOnSecondSignal blocks for a second interrupt/TERM after the
// first one has already begun a graceful shutdown, and exits immediately —
// spec.md §4.7's "a second interrupt forces immediate exit".
func forceExitOnSecondSignal(logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	<-ch
	logger.Warn("second interrupt received, forcing immediate exit")
	os.Exit(1)
}

// transportFor returns an http.Transport whose dialer is restricted to the
// requested IP family, per spec.md §4.4's "shared HTTP client (connection
// pooling; TCP family per config)". Every family gets its own dialer with a
// 10s connect timeout; "both" dials plain "tcp", i.e. dual-stack.
func transportFor(family config.IPFamily) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	network := "tcp"
	switch family {
	case config.IPv4:
		network = "tcp4"
	case config.IPv6:
		network = "tcp6"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return transport
}

func serveMetrics(logger *slog.Logger, addr string, metrics *monitor.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func printBanner(logger *slog.Logger) {
	rule := ""
	for i := 0; i < bannerWidth; i++ {
		rule += "D"
	}
	logger.Info(rule)
	logger.Info("Thank you for participating in the collection cluster,")
	logger.Info("Please read README.md for more information;")
	logger.Info("Edit config.ini to modify your settings.")
	logger.Info(rule)
}

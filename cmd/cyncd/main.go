// cyncd is a LAN replacement for the Cync/C-by-GE cloud bridge: it
// terminates the TLS connections Cync bridge devices make once redirected
// away from the cloud, speaks the native framed protocol, and exposes
// device state and control through a Northbound adapter port.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cync-lan/cyncd/internal/config"
	"github.com/cync-lan/cyncd/internal/logging"
	"github.com/cync-lan/cyncd/internal/northbound"
	"github.com/cync-lan/cyncd/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	listenAddr := flag.String("listen", server.DefaultListenAddr, "address to listen on for bridge connections")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on (disabled if empty)")
	configPath := flag.String("config", "", "path to the config file (defaults to ~/.cyncd/config.json)")
	rosterPath := flag.String("roster", "", "path to the device roster file (required)")
	northboundOutput := flag.String("northbound-output", "", "write JSON Line northbound events to: stdout, stderr, or a file path (disabled if empty)")
	logLevel := flag.String("log", "info", "log level: error|warn|info|debug|trace")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	opts, err := loadOptions(*configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	if *rosterPath == "" {
		logger.Error("--roster is required")
		os.Exit(1)
	}
	roster, err := config.LoadRoster(*rosterPath)
	if err != nil {
		logger.Error("failed to load roster: %v", err)
		os.Exit(1)
	}

	port, err := createPort(*northboundOutput)
	if err != nil {
		logger.Error("failed to create northbound port: %v", err)
		os.Exit(1)
	}
	defer port.Close()

	srv, err := server.New(server.Config{
		ListenAddr: *listenAddr,
		Options:    *opts,
		Roster:     roster,
		Logger:     logger,
		Port:       port,
	})
	if err != nil {
		logger.Error("failed to build server: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		if err := srv.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
			logger.Error("failed to register metrics: %v", err)
			os.Exit(1)
		}
		go serveMetrics(logger, *metricsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("cyncd %s starting, listening on %s", Version, *listenAddr)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server error: %v", err)
		os.Exit(1)
	}
}

func loadOptions(path string) (*config.Options, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func createPort(output string) (northbound.Port, error) {
	switch output {
	case "":
		return northbound.NopPort{}, nil
	case "stdout":
		return northbound.NewAsyncJSONLinePort(os.Stdout), nil
	case "stderr":
		return northbound.NewAsyncJSONLinePort(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", output, err)
		}
		return northbound.NewAsyncJSONLinePort(f), nil
	}
}

func serveMetrics(logger *logging.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error: %v", err)
	}
}

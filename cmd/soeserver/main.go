// Package main runs a standalone session server that echoes every payload
// back to the session it came from.
//
// The server is a demonstration harness for the transport engine: real
// deployments embed the engine and supply their own Handler.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/soenet/config"
	"github.com/opd-ai/soenet/metrics"
	"github.com/opd-ai/soenet/transport"
)

// CLI configuration
type CLIConfig struct {
	configPath string
	bindAddr   string
	port       int
	key        string
	gateway    bool
	logLevel   string
	noMetrics  bool
	help       bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cli := &CLIConfig{}

	fs.StringVar(&cli.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&cli.bindAddr, "address", "", "Bind address (overrides config)")
	fs.IntVar(&cli.port, "port", -1, "UDP port (overrides config)")
	fs.StringVar(&cli.key, "key", "", "Base64 session encryption key (overrides config)")
	fs.BoolVar(&cli.gateway, "gateway", false, "Run as gateway (no encryption)")
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cli.noMetrics, "no-metrics", false, "Disable the Prometheus endpoint")
	fs.BoolVar(&cli.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cli, nil
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cli.bindAddr != "" {
		cfg.Server.BindAddress = cli.bindAddr
	}
	if cli.port >= 0 {
		cfg.Server.UDPPort = cli.port
	}
	if cli.key != "" {
		cfg.Session.EncryptionKey = cli.key
	}
	if cli.gateway {
		cfg.Session.Gateway = true
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	if cli.noMetrics {
		cfg.Metrics.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// echoHandler sends every payload back on the session it arrived on.
type echoHandler struct {
	engine *transport.Engine
	log    *logrus.Entry
}

func (h *echoHandler) OnSessionStarted(s transport.Session) {
	h.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"addr":       s.Addr.String(),
		"protocol":   s.Protocol,
	}).Info("Client connected")
}

func (h *echoHandler) OnSessionEnded(s transport.Session, reason transport.EndReason) {
	h.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"reason":     reason.String(),
	}).Info("Client gone")
}

func (h *echoHandler) OnData(s transport.Session, payload []byte) {
	if err := h.engine.Send(s.Handle, payload, false); err != nil {
		h.log.WithError(err).WithField("session_id", s.ID).Warn("Echo failed")
	}
}

// crcSeed returns the configured seed, or a random non-zero one.
func crcSeed(configured uint32) (uint32, error) {
	if configured != 0 {
		return configured, nil
	}
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate crc seed: %w", err)
		}
		if seed := binary.BigEndian.Uint32(b[:]); seed != 0 {
			return seed, nil
		}
	}
}

// serveMetrics exposes reg on the configured address until ctx ends.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("address", cfg.Address+cfg.Path).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("Metrics server failed")
	}
}

func run(cli *CLIConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	closer, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closer.Close()
	log := logrus.WithField("component", "soeserver")

	engineCfg, err := cfg.ToTransport()
	if err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	seed, err := crcSeed(cfg.Session.CRCSeed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []transport.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, transport.WithMetrics(metrics.New(reg)))
		go serveMetrics(ctx, cfg.Metrics, reg, log)
	}

	handler := &echoHandler{log: log}
	engine, err := transport.New(engineCfg, handler, opts...)
	if err != nil {
		return err
	}
	handler.engine = engine

	if err := engine.Start(cfg.Session.Compression, seed, cfg.Session.CRCLength, cfg.Session.UDPLength); err != nil {
		return err
	}
	log.WithField("addr", engine.LocalAddr().String()).Info("Session server running")

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-engine.Done():
	}
	return engine.Stop()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cli, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(2)
	}
	if cli.help {
		fmt.Printf("Usage: %s [options]\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
		os.Exit(0)
	}

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "soeserver: %v\n", err)
		os.Exit(1)
	}
}

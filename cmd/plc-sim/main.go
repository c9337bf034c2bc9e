// Command plc-sim runs one simulated PLC for the cyber-range.
//
// The PLC exposes a time-varying register map through exactly one
// industrial protocol:
//   - Modbus TCP (holding registers, FC 3/6/16, device identification)
//   - OPC UA (one object node, one Double variable per register)
//   - EtherNet/IP (CIP Read/Write Tag on one REAL tag per register)
//
// Protocol, role, port and name are taken from flags, then PLC_*
// environment variables (also read from ./.env), then an optional YAML
// file, then the identity table keyed by PLC_IDENTITY or the host name.
//
// Usage:
//
//	plc-sim [flags]
//
// Flags:
//
//	-protocol string    Protocol: modbus, opcua, enip
//	-role string        Register map role
//	-port int           Listen port, 0 for the protocol default
//	-name string        PLC name
//	-identity string    Deployment identity (default host name)
//	-registers string   Register map directory (default "/app/registers")
//	-tick duration      Process update interval (default 1s)
//	-log-level string   Log level: debug, info, warn, error (default "info")
//	-metrics string     Metrics listen address, e.g. :9100
//	-protocol-log file  Protocol capture file (read it with plc-log)
//	-advertise          Advertise the endpoint via mDNS
//	-interactive        Start the operator console
//	-config file        YAML configuration file
//
// Examples:
//
//	# Substation breaker controller on Modbus, as deployed
//	PLC_IDENTITY=plc-sub-b plc-sim
//
//	# Turbine governor on a non-default port with a capture file
//	plc-sim -identity plc-gen -port 44819 -protocol-log /data/plc-gen.plog
//
//	# Local experiments
//	plc-sim -protocol opcua -role safety_sis -registers ./registers -interactive
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cyroid-lab/plcsim/cmd/plc-sim/interactive"
	"github.com/cyroid-lab/plcsim/pkg/config"
	"github.com/cyroid-lab/plcsim/pkg/discovery"
	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/plc"
	"github.com/cyroid-lab/plcsim/pkg/version"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "plc-sim: .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr)
	stop()

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	default:
		fmt.Fprintf(os.Stderr, "plc-sim: %v\n", err)
		os.Exit(1)
	}
}

// run starts the PLC and blocks until ctx is cancelled or the console
// quits. Configuration errors are returned before anything listens.
func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) error {
	settings, err := config.Load("plc-sim", args, lookup, stderr)
	if err != nil {
		return err
	}

	out := &switchWriter{w: stderr}
	logger := config.NewLogger(out, settings.LogLevel)

	identity := settings.Identity
	if identity == "" {
		identity, _ = os.Hostname()
	}
	resolved, err := config.Resolve(settings.Explicit(), identity)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if !resolved.Matched && settings.Identity != "" {
		logger.Warn("unknown identity, using defaults",
			"identity", identity,
			"known", config.KnownIdentities())
	}

	logger.Info("plc-sim starting",
		"version", version.Current,
		"identity", identity,
		"protocol", resolved.Protocol,
		"role", resolved.Role,
		"name", resolved.Name,
		"port", resolved.Port)

	protoLog, closeLog, err := protocolLogger(settings, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := plc.Config{
		Resolved:       resolved,
		RegisterDir:    settings.RegisterDir,
		Tick:           settings.Tick,
		MetricsAddr:    settings.MetricsAddr,
		ProtocolLogger: protoLog,
		Logger:         logger,
	}
	if settings.Advertise {
		adv, err := discovery.NewMDNSAdvertiser(discovery.DefaultAdvertiserConfig())
		if err != nil {
			logger.Warn("mdns advertisement disabled", "error", err)
		} else {
			cfg.Advertiser = adv
		}
	}

	srv, err := plc.New(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if settings.Interactive {
		console, err := interactive.New(srv)
		if err != nil {
			return err
		}
		// Keep log lines from tearing the prompt.
		out.Set(console.Stderr())
		go console.Run(ctx, cancel)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("plc failed", "error", err)
		return err
	}
	return nil
}

// protocolLogger builds the capture chain: the capture file when
// configured, plus the slog adapter at debug level.
func protocolLogger(settings config.Settings, logger *slog.Logger) (log.Logger, func(), error) {
	debug := logger.Enabled(context.Background(), slog.LevelDebug)

	if settings.ProtocolLog == "" {
		if debug {
			return log.NewSlogAdapter(logger), func() {}, nil
		}
		return nil, func() {}, nil
	}

	fl, err := log.NewFileLogger(settings.ProtocolLog)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol log: %w", err)
	}
	logger.Info("capturing protocol events", "file", settings.ProtocolLog)

	closeFn := func() {
		if err := fl.Close(); err != nil {
			logger.Warn("closing protocol log", "error", err)
		}
		if n := fl.Dropped(); n > 0 {
			logger.Warn("protocol events dropped", "count", n)
		}
	}
	if debug {
		return log.NewMultiLogger(log.NewSlogAdapter(logger), fl), closeFn, nil
	}
	return fl, closeFn, nil
}

// switchWriter lets the log destination move to the console once it
// exists.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

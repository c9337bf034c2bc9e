package plc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyroid-lab/plcsim/pkg/config"
	"github.com/cyroid-lab/plcsim/pkg/discovery"
	"github.com/cyroid-lab/plcsim/pkg/enip"
	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/metrics"
	"github.com/cyroid-lab/plcsim/pkg/modbus"
	"github.com/cyroid-lab/plcsim/pkg/opcua"
	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/registermap"
	"github.com/cyroid-lab/plcsim/pkg/version"
)

// DefaultTick is the process update interval.
const DefaultTick = time.Second

// VendorName is announced in device identification.
const VendorName = "Cyroid"

// Config configures a Server.
type Config struct {
	// Resolved carries protocol, role, port and name.
	Resolved config.Resolved

	// Address overrides the listen address derived from Resolved.Port,
	// e.g. "127.0.0.1:0".
	Address string

	// RegisterDir holds one register map file per role.
	RegisterDir string

	// Registers is used instead of loading from RegisterDir when set.
	Registers *registermap.Map

	// Tick is the update interval.
	// Default: 1 second.
	Tick time.Duration

	// Seed makes the noise sequence reproducible. Zero seeds randomly.
	Seed uint64

	// MetricsAddr enables /metrics and /health when set.
	MetricsAddr string

	// Advertiser enables mDNS advertisement when set.
	Advertiser discovery.Advertiser

	// OPCUABackend replaces the gopcua server (optional).
	OPCUABackend opcua.Backend

	// ProtocolLogger captures protocol traffic (optional).
	ProtocolLogger log.Logger

	// Logger for operational logging (optional).
	Logger *slog.Logger
}

// Server is one running PLC.
type Server struct {
	config  Config
	regs    *registermap.Map
	model   *process.Model
	adapter Adapter
	metrics *metrics.Registry
	logger  *slog.Logger

	metricsSrv *metrics.Server
	announcer  *discovery.Announcer

	mu      sync.RWMutex
	state   State
	started time.Time

	// publishCh hands ticks to the publisher. A full channel means the
	// publisher is behind and the tick is coalesced into the pending one.
	publishCh chan struct{}
	publishes atomic.Uint64
	coalesced atomic.Uint64

	// lastResyncs is only touched by the update goroutine.
	lastResyncs uint64
}

// New loads the register map, builds the process model and constructs the
// adapter for the configured protocol. Nothing is bound until Run.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}

	proto, err := config.ParseProtocol(string(cfg.Resolved.Protocol))
	if err != nil {
		return nil, err
	}
	cfg.Resolved.Protocol = proto
	if cfg.Address == "" {
		cfg.Address = cfg.Resolved.Address()
	}

	regs := cfg.Registers
	if regs == nil {
		regs, err = registermap.Load(cfg.RegisterDir, cfg.Resolved.Role)
		if err != nil {
			return nil, fmt.Errorf("load register map: %w", err)
		}
	}
	if regs.Fallback {
		cfg.Logger.Warn("no register map for role, using default",
			"role", regs.Role,
			"default", registermap.DefaultRole,
			"source", regs.Source)
	}
	for _, w := range regs.Warnings {
		cfg.Logger.Warn("register map", "role", regs.Role, "warning", w)
	}

	opts := []process.Option{process.WithLogger(cfg.Logger)}
	if cfg.Seed != 0 {
		opts = append(opts, process.WithSeed(cfg.Seed))
	}

	s := &Server{
		config:    cfg,
		regs:      regs,
		model:     process.New(regs, opts...),
		metrics:   metrics.NewRegistry(),
		logger:    cfg.Logger,
		publishCh: make(chan struct{}, 1),
	}
	s.metrics.SetInfo(proto.String(), cfg.Resolved.Role, cfg.Resolved.Name)

	s.adapter, err = s.newAdapter(proto)
	if err != nil {
		return nil, err
	}

	s.model.Observe(s.observeTick)
	s.observeTick(0, nil)

	if cfg.MetricsAddr != "" {
		s.metricsSrv = metrics.NewServer(cfg.MetricsAddr, s.metrics, s.health, cfg.Logger)
	}
	if cfg.Advertiser != nil {
		s.announcer = discovery.NewAnnouncer(cfg.Advertiser, cfg.Logger)
	}
	return s, nil
}

func (s *Server) newAdapter(proto config.Protocol) (Adapter, error) {
	r := s.config.Resolved
	logger := s.logger.With("protocol", proto.String())

	switch proto {
	case config.ProtocolModbus:
		return modbus.New(modbus.Config{
			Address: s.config.Address,
			Identity: modbus.DeviceIdentity{
				VendorName:          VendorName,
				ProductCode:         strings.ToUpper(r.Role),
				Revision:            version.MustParse(version.Current).Revision(),
				ProductName:         r.Name,
				ModelName:           "plcsim",
				UserApplicationName: r.Role,
			},
			ProtocolLogger: s.config.ProtocolLogger,
			Logger:         logger,
			Metrics:        s.metrics,
		}, s.model)
	case config.ProtocolOPCUA:
		return opcua.New(opcua.Config{
			Address:        s.config.Address,
			Name:           r.Name,
			ProtocolLogger: s.config.ProtocolLogger,
			Logger:         logger,
			Metrics:        s.metrics,
			Backend:        s.config.OPCUABackend,
		}, s.model)
	case config.ProtocolENIP:
		return enip.New(enip.Config{
			Address:        s.config.Address,
			Identity:       enip.DefaultIdentity(r.Name),
			ProtocolLogger: s.config.ProtocolLogger,
			Logger:         logger,
			Metrics:        s.metrics,
		}, s.model)
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnsupportedProtocol, proto)
}

// Run binds the adapter and serves until ctx is cancelled. Bind errors
// are returned before anything runs.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.adapter.Start(ctx); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("start %s adapter: %w", s.adapter.Protocol(), err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Listen(); err != nil {
			_ = s.adapter.Stop()
			s.setState(StateStopped)
			return err
		}
	}

	// Clients connecting before the first tick see the defaults.
	s.adapter.Publish()

	s.mu.Lock()
	s.state = StateRunning
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("plc running",
		"protocol", s.adapter.Protocol(),
		"addr", addrString(s.adapter.Addr()),
		"role", s.config.Resolved.Role,
		"name", s.config.Resolved.Name,
		"registers", s.model.Len(),
		"tick", s.config.Tick)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.updateLoop(gctx) })
	g.Go(func() error { return s.publishLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.setState(StateStopping)
		return s.adapter.Stop()
	})
	if s.metricsSrv != nil {
		g.Go(func() error { return s.metricsSrv.Serve(gctx) })
	}
	if s.announcer != nil {
		g.Go(func() error {
			// Advertisement is best effort; the PLC serves without it.
			if err := s.announcer.Run(gctx, s.plcInfo()); err != nil {
				s.logger.Warn("mdns advertisement failed", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	s.setState(StateStopped)
	s.logger.Info("plc stopped", "ticks", s.model.Ticks(), "coalesced", s.coalesced.Load())
	return err
}

func (s *Server) updateLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one model update and signals the publisher without blocking.
func (s *Server) tick() {
	start := time.Now()
	s.model.Update()
	s.metrics.RecordTick(time.Since(start))

	select {
	case s.publishCh <- struct{}{}:
	default:
		s.coalesced.Add(1)
	}
}

func (s *Server) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.publishCh:
			s.adapter.Publish()
			s.publishes.Add(1)
		}
	}
}

// observeTick mirrors the model into the register gauges. Writable
// registers change outside ticks, so the whole snapshot is exported.
func (s *Server) observeTick(tick uint64, changes []process.Change) {
	for _, v := range s.model.Snapshot() {
		s.metrics.SetRegister(v.Name, v.Address, v.Value)
	}

	resyncs := s.model.Resyncs()
	s.metrics.RecordResyncs(resyncs - s.lastResyncs)
	s.lastResyncs = resyncs

	if tick > 0 {
		s.logger.Debug("tick", "tick", tick, "changed", len(changes))
	}
}

func (s *Server) health() error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	return nil
}

func (s *Server) plcInfo() *discovery.PLCInfo {
	r := s.config.Resolved
	port := uint16(r.Port)
	if a, ok := s.adapter.Addr().(*net.TCPAddr); ok {
		port = uint16(a.Port)
	}
	info := &discovery.PLCInfo{
		Name:      r.Name,
		Role:      r.Role,
		Protocol:  r.Protocol.String(),
		Port:      port,
		Registers: s.model.Len(),
		Identity:  r.Identity,
		Version:   version.Current,
	}
	if ua, ok := s.adapter.(*opcua.Adapter); ok {
		info.Path = ua.Endpoint()
	}
	return info
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Model returns the process model.
func (s *Server) Model() *process.Model { return s.model }

// Adapter returns the protocol adapter.
func (s *Server) Adapter() Adapter { return s.adapter }

// Registers returns the loaded register map.
func (s *Server) Registers() *registermap.Map { return s.regs }

// Metrics returns the metrics registry.
func (s *Server) Metrics() *metrics.Registry { return s.metrics }

// MetricsAddr returns the bound metrics address, or nil when disabled or
// not yet listening.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsSrv == nil {
		return nil
	}
	return s.metricsSrv.Addr()
}

// Stats returns the current runtime counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	st, started := s.state, s.started
	s.mu.RUnlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return Stats{
		State:       st,
		Protocol:    s.adapter.Protocol(),
		Role:        s.config.Resolved.Role,
		Name:        s.config.Resolved.Name,
		Address:     addrString(s.adapter.Addr()),
		Registers:   s.model.Len(),
		Ticks:       s.model.Ticks(),
		Resyncs:     s.model.Resyncs(),
		Publishes:   s.publishes.Load(),
		Coalesced:   s.coalesced.Load(),
		Connections: s.adapter.ConnectionCount(),
		Uptime:      uptime,
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Compile-time interface satisfaction checks.
var (
	_ Adapter = (*modbus.Adapter)(nil)
	_ Adapter = (*opcua.Adapter)(nil)
	_ Adapter = (*enip.Adapter)(nil)
)

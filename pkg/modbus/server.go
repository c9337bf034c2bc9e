package modbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/metrics"
	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/transport"
)

// ProtocolName labels captures and metrics.
const ProtocolName = "modbus"

// Default timeouts.
const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 5 * time.Second
)

// Config configures the Modbus TCP adapter.
type Config struct {
	// Address to listen on, e.g. ":502".
	Address string

	// Identity answers Read Device Identification.
	Identity DeviceIdentity

	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxConns     int

	// ProtocolLogger captures frames and requests (optional).
	ProtocolLogger log.Logger

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// Metrics receives per-request measurements (optional).
	Metrics metrics.Instrumentation
}

// Adapter is the Modbus TCP front-end.
type Adapter struct {
	config   Config
	handler  *Handler
	server   *transport.Server
	recorder *log.Recorder
	metrics  metrics.Instrumentation
	logger   *slog.Logger
}

// New creates a Modbus adapter serving model.
func New(config Config, model *process.Model) (*Adapter, error) {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	a := &Adapter{
		config:   config,
		handler:  NewHandler(model, config.Identity),
		recorder: log.NewRecorder(config.ProtocolLogger, ProtocolName),
		metrics:  metrics.OrNop(config.Metrics),
		logger:   config.Logger.With("protocol", ProtocolName),
	}

	server, err := transport.NewServer(transport.ServerConfig{
		Address:      config.Address,
		Format:       Format,
		MaxConns:     config.MaxConns,
		IdleTimeout:  config.IdleTimeout,
		WriteTimeout: config.WriteTimeout,
		Recorder:     a.recorder,
		Logger:       a.logger,
		OnConnect: func(*transport.ServerConn) {
			a.metrics.ConnectionOpened(ProtocolName)
		},
		OnDisconnect: func(*transport.ServerConn) {
			a.metrics.ConnectionClosed(ProtocolName)
		},
		OnMessage: a.handleFrame,
		OnError: func(conn *transport.ServerConn, err error) {
			if conn == nil {
				a.logger.Warn("accept failed", "error", err)
				return
			}
			a.logger.Warn("dropping connection", "conn_id", conn.ConnID(), "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("modbus: %w", err)
	}
	a.server = server
	return a, nil
}

// Protocol returns the protocol name.
func (a *Adapter) Protocol() string { return ProtocolName }

// Start binds the listener and begins serving.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("modbus: %w", err)
	}
	a.logger.Info("modbus server listening",
		"addr", a.server.Addr().String(),
		"table_size", a.handler.TableSize())
	return nil
}

// Stop closes the listener and every connection.
func (a *Adapter) Stop() error {
	return a.server.Stop()
}

// Publish is a no-op: requests read the model directly, so clients observe
// the latest completed tick.
func (a *Adapter) Publish() {}

// Addr returns the listen address.
func (a *Adapter) Addr() net.Addr {
	return a.server.Addr()
}

// ConnectionCount returns the number of open client connections.
func (a *Adapter) ConnectionCount() int {
	return a.server.ConnectionCount()
}

func (a *Adapter) handleFrame(conn *transport.ServerConn, frame []byte) {
	start := time.Now()

	adu, err := DecodeADU(frame)
	if err != nil {
		a.logger.Warn("malformed frame", "conn_id", conn.ConnID(), "error", err)
		conn.Close()
		return
	}

	resp, req := a.handler.Handle(adu.PDU)
	out := ADU{Transaction: adu.Transaction, Unit: adu.Unit, PDU: resp}

	if err := conn.Send(out.Encode()); err != nil {
		a.logger.Debug("response write failed", "conn_id", conn.ConnID(), "error", err)
		conn.Close()
	}

	elapsed := time.Since(start)
	req.ProcessingTime = &elapsed
	a.recorder.Request(conn.ConnID(), conn.RemoteAddr().String(), req)
	a.metrics.RequestHandled(ProtocolName, req.Service, req.Status, elapsed)

	if req.IsWrite() && req.Status == 0 {
		a.logger.Info("register write",
			"conn_id", conn.ConnID(),
			"remote", conn.RemoteAddr().String(),
			"address", req.Target,
			"values", req.Values)
	} else if req.Status != 0 {
		a.logger.Debug("exception response",
			"conn_id", conn.ConnID(),
			"service", req.Service,
			"exception", req.Status)
	}
}

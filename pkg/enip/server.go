package enip

import (
	"context"
	"encoding/binary"
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
const ProtocolName = "enip"

// Default timeouts.
const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 5 * time.Second
)

// Config configures the EtherNet/IP adapter.
type Config struct {
	// Address to listen on, e.g. ":44818".
	Address string

	// Identity is announced by ListIdentity and the Identity object.
	Identity Identity

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

// Adapter is the EtherNet/IP front-end.
type Adapter struct {
	config   Config
	model    *process.Model
	tags     *TagTable
	disp     *dispatcher
	server   *transport.Server
	recorder *log.Recorder
	metrics  metrics.Instrumentation
	logger   *slog.Logger
}

// New declares the tag table and prepares the listener. A tag name
// collision is returned as ErrTagCollision.
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
	if config.Identity.ProductName == "" {
		config.Identity = DefaultIdentity("plcsim")
	}

	tags, err := NewTagTable(model.Registers())
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		config:   config,
		model:    model,
		tags:     tags,
		recorder: log.NewRecorder(config.ProtocolLogger, ProtocolName),
		metrics:  metrics.OrNop(config.Metrics),
		logger:   config.Logger.With("protocol", ProtocolName),
	}
	a.disp = &dispatcher{tags: tags, model: model, identity: config.Identity, logger: a.logger}

	server, err := transport.NewServer(transport.ServerConfig{
		Address:      config.Address,
		Format:       Format,
		MaxConns:     config.MaxConns,
		IdleTimeout:  config.IdleTimeout,
		WriteTimeout: config.WriteTimeout,
		Recorder:     a.recorder,
		Logger:       a.logger,
		OnConnect: func(conn *transport.ServerConn) {
			conn.SetState(newSession())
			a.metrics.ConnectionOpened(ProtocolName)
		},
		OnDisconnect: func(conn *transport.ServerConn) {
			if s, ok := conn.State().(*session); ok && s.registered() {
				a.recorder.State(conn.ConnID(), conn.RemoteAddr().String(), log.StateEntitySession,
					"REGISTERED", "CLOSED", "connection closed")
			}
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
		return nil, fmt.Errorf("enip: %w", err)
	}
	a.server = server

	// Seed the cache with the current model values.
	a.Publish()
	return a, nil
}

// Protocol returns the protocol name.
func (a *Adapter) Protocol() string { return ProtocolName }

// Tags returns the tag table.
func (a *Adapter) Tags() *TagTable { return a.tags }

// Start binds the listener and begins serving.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("enip: %w", err)
	}
	a.logger.Info("enip server listening", "addr", a.server.Addr().String(), "tags", a.tags.Len())
	return nil
}

// Stop closes the listener and every session.
func (a *Adapter) Stop() error {
	return a.server.Stop()
}

// Addr returns the listen address.
func (a *Adapter) Addr() net.Addr {
	return a.server.Addr()
}

// ConnectionCount returns the number of open TCP connections.
func (a *Adapter) ConnectionCount() int {
	return a.server.ConnectionCount()
}

// Publish refreshes the tag cache from the model in one batch. Tags that
// fail to update are logged and skipped.
func (a *Adapter) Publish() {
	for name, err := range a.tags.Refresh(a.model.Snapshot) {
		a.logger.Warn("tag update skipped", "tag", name, "error", err)
		a.metrics.PublishFailed(ProtocolName, name)
	}
}

func (a *Adapter) handleFrame(conn *transport.ServerConn, frame []byte) {
	start := time.Now()

	pkt, err := DecodePacket(frame)
	if err != nil {
		a.logger.Warn("malformed encapsulation", "conn_id", conn.ConnID(), "error", err)
		conn.Close()
		return
	}

	s, _ := conn.State().(*session)
	if s == nil {
		s = newSession()
		conn.SetState(s)
	}

	var calls []log.RequestEvent
	reply, send := a.encapsulation(conn, s, pkt, &calls)
	if send {
		if err := conn.Send(reply.Encode()); err != nil {
			a.logger.Debug("response write failed", "conn_id", conn.ConnID(), "error", err)
			conn.Close()
		}
	}

	elapsed := time.Since(start)
	for _, ev := range calls {
		ev.ProcessingTime = &elapsed
		a.recorder.Request(conn.ConnID(), conn.RemoteAddr().String(), ev)
		a.metrics.RequestHandled(ProtocolName, ev.Service, ev.Status, elapsed)
		if ev.IsWrite() && ev.Status == GSSuccess {
			a.logger.Info("tag write",
				"conn_id", conn.ConnID(),
				"remote", conn.RemoteAddr().String(),
				"tag", ev.Target,
				"value", ev.Values[0])
		}
	}
}

// encapsulation handles one packet and returns the reply, if any.
func (a *Adapter) encapsulation(conn *transport.ServerConn, s *session, pkt Packet, calls *[]log.RequestEvent) (Packet, bool) {
	encapEvent := func(status uint32) {
		*calls = append(*calls, log.RequestEvent{
			Service: pkt.Command.String(),
			Code:    uint8(pkt.Command),
			Status:  uint8(status),
		})
	}

	switch pkt.Command {
	case CmdNOP:
		return Packet{}, false

	case CmdListServices:
		encapEvent(StatusSuccess)
		return pkt.reply(StatusSuccess, EncodeItems(listServicesItem())), true

	case CmdListIdentity:
		encapEvent(StatusSuccess)
		return pkt.reply(StatusSuccess, EncodeItems(a.config.Identity.listIdentityItem(conn.LocalAddr()))), true

	case CmdListInterfaces:
		encapEvent(StatusSuccess)
		return pkt.reply(StatusSuccess, EncodeItems()), true

	case CmdRegisterSession:
		status := a.registerSession(conn, s, pkt)
		encapEvent(status)
		reply := pkt.reply(status, pkt.Data)
		if status == StatusSuccess {
			reply.SessionHandle = s.handle
		}
		return reply, true

	case CmdUnRegisterSession:
		encapEvent(StatusSuccess)
		if s.registered() && pkt.SessionHandle == s.handle {
			a.recorder.State(conn.ConnID(), conn.RemoteAddr().String(), log.StateEntitySession,
				"REGISTERED", "UNREGISTERED", "")
			s.handle = 0
		}
		// The originator closes the TCP connection; no reply is sent.
		conn.Close()
		return Packet{}, false

	case CmdSendRRData, CmdSendUnitData:
		if !s.registered() || pkt.SessionHandle != s.handle {
			encapEvent(StatusInvalidSession)
			return pkt.reply(StatusInvalidSession, nil), true
		}
		rr, err := decodeRRData(pkt.Data)
		if err != nil {
			encapEvent(StatusInvalidLength)
			return pkt.reply(StatusInvalidLength, nil), true
		}
		var out rrData
		var status uint32
		if pkt.Command == CmdSendRRData {
			out, status = a.unconnected(s, rr, calls)
		} else {
			out, status = a.connected(s, rr, calls)
		}
		if status != StatusSuccess {
			encapEvent(status)
			return pkt.reply(status, nil), true
		}
		return pkt.reply(StatusSuccess, out.encode()), true
	}

	encapEvent(StatusInvalidCommand)
	return pkt.reply(StatusInvalidCommand, nil), true
}

func (a *Adapter) registerSession(conn *transport.ServerConn, s *session, pkt Packet) uint32 {
	if len(pkt.Data) != 4 {
		return StatusInvalidLength
	}
	if v := binary.LittleEndian.Uint16(pkt.Data[0:2]); v != ProtocolVersion {
		return StatusUnsupportedProto
	}
	if s.registered() {
		return StatusInvalidCommand
	}
	s.handle = newID()
	a.recorder.State(conn.ConnID(), conn.RemoteAddr().String(), log.StateEntitySession,
		"", "REGISTERED", fmt.Sprintf("handle 0x%08X", s.handle))
	a.logger.Debug("session registered", "conn_id", conn.ConnID(), "handle", s.handle)
	return StatusSuccess
}

func (a *Adapter) unconnected(s *session, rr rrData, calls *[]log.RequestEvent) (rrData, uint32) {
	item, ok := findItem(rr.Items, ItemUnconnectedData)
	if !ok {
		return rrData{}, StatusIncorrectData
	}
	resp := a.disp.execute(s, item.Data, 0, calls)
	return rrData{
		Timeout: rr.Timeout,
		Items: []Item{
			{Type: ItemNullAddress},
			{Type: ItemUnconnectedData, Data: resp.Encode()},
		},
	}, StatusSuccess
}

func (a *Adapter) connected(s *session, rr rrData, calls *[]log.RequestEvent) (rrData, uint32) {
	addr, ok := findItem(rr.Items, ItemConnectedAddress)
	if !ok || len(addr.Data) != 4 {
		return rrData{}, StatusIncorrectData
	}
	data, ok := findItem(rr.Items, ItemConnectedData)
	if !ok || len(data.Data) < 2 {
		return rrData{}, StatusIncorrectData
	}
	c, ok := s.conns[binary.LittleEndian.Uint32(addr.Data)]
	if !ok {
		return rrData{}, StatusIncorrectData
	}

	seq := data.Data[0:2]
	resp := a.disp.execute(s, data.Data[2:], 0, calls)

	out := append([]byte(nil), seq...)
	out = append(out, resp.Encode()...)
	return rrData{
		Timeout: rr.Timeout,
		Items: []Item{
			{Type: ItemConnectedAddress, Data: binary.LittleEndian.AppendUint32(nil, c.toID)},
			{Type: ItemConnectedData, Data: out},
		},
	}, StatusSuccess
}

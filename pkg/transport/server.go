package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyroid-lab/plcsim/pkg/log"
)

// Server errors.
var (
	ErrAlreadyRunning   = errors.New("server already running")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNoHandler        = errors.New("OnMessage handler is required")
	ErrNoFormat         = errors.New("frame format is required")
)

// ServerConfig configures a framed TCP server.
type ServerConfig struct {
	// Address to listen on (e.g., ":502" or "127.0.0.1:0").
	Address string

	// Format describes how frames are delimited on the wire.
	Format FrameFormat

	// MaxConns limits concurrent connections; 0 means unlimited.
	// Connections beyond the limit are accepted and closed immediately.
	MaxConns int

	// IdleTimeout closes a connection that sends nothing for this long.
	// 0 disables the timeout.
	IdleTimeout time.Duration

	// WriteTimeout bounds each response write. 0 disables the timeout.
	WriteTimeout time.Duration

	// Recorder captures frames and connection state (optional).
	Recorder *log.Recorder

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// OnConnect is called when a new connection is established.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called when a connection is closed.
	OnDisconnect func(conn *ServerConn)

	// OnMessage is called for every complete frame received. It runs on the
	// connection's goroutine, so frames of one connection are handled in order.
	OnMessage func(conn *ServerConn, frame []byte)

	// OnError is called when an error occurs. conn is nil for accept errors.
	OnError func(conn *ServerConn, err error)
}

// Server accepts TCP connections and dispatches framed messages.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// Active connections
	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	// State
	running  atomic.Bool
	accepted atomic.Uint64
	rejected atomic.Uint64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.OnMessage == nil {
		return nil, ErrNoHandler
	}
	if config.Format.HeaderSize <= 0 || config.Format.PayloadLength == nil {
		return nil, ErrNoFormat
	}
	if config.Address == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}, nil
}

// Start binds the listener and begins accepting connections.
// A bind failure is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	// Stop when the parent context is cancelled.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.shutdown()
	}()

	s.config.Logger.Debug("listening", "format", s.config.Format.Name, "addr", listener.Addr().String())
	return nil
}

// Stop stops the server and closes all connections.
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	if !s.running.Swap(false) {
		return
	}

	// Close listener to stop accept loop
	s.listener.Close()

	s.connsMu.RLock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.RUnlock()
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Stats returns the accepted and rejected connection totals.
func (s *Server) Stats() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError(nil, fmt.Errorf("accept error: %w", err))
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Back off briefly on persistent errors such as EMFILE.
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if s.config.MaxConns > 0 && s.ConnectionCount() >= s.config.MaxConns {
			s.rejected.Add(1)
			s.config.Logger.Warn("connection limit reached", "remote", conn.RemoteAddr().String(), "max", s.config.MaxConns)
			conn.Close()
			continue
		}
		s.accepted.Add(1)

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection processes a single connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.New().String()
	remote := conn.RemoteAddr().String()

	framer := NewFramer(conn, s.config.Format)
	framer.SetRecorder(s.config.Recorder, connID, remote)

	sconn := &ServerConn{
		conn:       conn,
		framer:     framer,
		server:     s,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		connID:     connID,
	}

	s.config.Recorder.State(connID, remote, log.StateEntityConnection, "", "CONNECTED", "")

	s.connsMu.Lock()
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	// The server may have stopped between Accept and registration.
	if !s.running.Load() {
		sconn.Close()
	}

	s.config.Logger.Debug("client connected", "conn_id", connID, "remote", remote)
	if s.config.OnConnect != nil {
		s.config.OnConnect(sconn)
	}

	reason := sconn.readLoop()
	sconn.Close()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()

	s.config.Recorder.State(connID, remote, log.StateEntityConnection, "CONNECTED", "DISCONNECTED", reason)
	s.config.Logger.Debug("client disconnected", "conn_id", connID, "remote", remote, "reason", reason)

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sconn)
	}
}

func (s *Server) reportError(conn *ServerConn, err error) {
	if s.config.OnError != nil {
		s.config.OnError(conn, err)
	}
}

// ServerConn represents a client connection to the server.
type ServerConn struct {
	conn       net.Conn
	framer     *Framer
	server     *Server
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	connID     string // Unique connection identifier

	// Handler-owned per-connection state (e.g. an EtherNet/IP session).
	stateMu sync.Mutex
	state   any
}

// RemoteAddr returns the remote address of the client.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// LocalAddr returns the server-side address of the connection.
func (c *ServerConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// Context is cancelled when the server stops.
func (c *ServerConn) Context() context.Context {
	return c.server.ctx
}

// SetState attaches handler state to the connection.
func (c *ServerConn) SetState(v any) {
	c.stateMu.Lock()
	c.state = v
	c.stateMu.Unlock()
}

// State returns the handler state attached with SetState.
func (c *ServerConn) State() any {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Send writes a complete frame to the client.
func (c *ServerConn) Send(frame []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	if wt := c.server.config.WriteTimeout; wt > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	return c.framer.WriteFrame(frame)
}

// Close closes the connection.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// readLoop reads frames until the connection ends and returns the reason.
func (c *ServerConn) readLoop() string {
	idle := c.server.config.IdleTimeout
	for {
		select {
		case <-c.closeCh:
			return "closed"
		case <-c.server.ctx.Done():
			return "server stopped"
		default:
		}

		if idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		frame, err := c.framer.ReadFrame()
		if err != nil {
			return c.readError(err)
		}

		c.server.config.OnMessage(c, frame)
	}
}

func (c *ServerConn) readError(err error) string {
	select {
	case <-c.closeCh:
		return "closed"
	default:
	}
	if err == io.EOF {
		return "peer closed"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "idle timeout"
	}
	if c.server.running.Load() {
		c.server.config.Recorder.Error(c.connID, c.remoteAddr.String(), log.LayerTransport, err, "read")
		c.server.reportError(c, err)
	}
	return err.Error()
}

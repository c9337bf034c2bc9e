package opcua

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
)

// Variable declares one register node.
type Variable struct {
	Name        string
	Writable    bool
	Description string
}

// Source backs the variables. Node values are read from it on every
// request, and a client write is applied to it before the write is
// acknowledged. Write returns ErrUnknownNode, ErrNotWritable or
// ErrTypeMismatch to reject a value.
type Source interface {
	Read(name string) (float64, bool)
	Write(name string, value any) error
}

// Backend is the OPC UA engine holding the PLC object and its variables.
type Backend interface {
	// Bind declares the variables and their source. It is called once,
	// before Start.
	Bind(vars []Variable, src Source)

	// Notify tells subscribers that the named variables changed.
	Notify(names []string)

	Start(ctx context.Context) error
	Close() error

	// Endpoint returns the opc.tcp URL clients connect to.
	Endpoint() string
}

// gopcuaBackend serves a registerNamespace on a gopcua server. The
// namespace Objects node is the PLC object; it is referenced from the
// server Objects folder so browsing clients find it.
type gopcuaBackend struct {
	srv      *server.Server
	ns       *registerNamespace
	endpoint string

	// started guards Notify: the server builds its monitored item
	// service in Start.
	started atomic.Bool
}

func newGopcuaBackend(host string, port int, name string) (*gopcuaBackend, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	srv := server.New(
		server.EndPoint(host, port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)

	ns := newRegisterNamespace(srv, name)
	srv.AddNamespace(ns)
	root, err := srv.Namespace(0)
	if err != nil {
		return nil, fmt.Errorf("root namespace: %w", err)
	}
	root.Objects().AddRef(ns.Objects(), id.HasComponent, true)

	return &gopcuaBackend{
		srv:      srv,
		ns:       ns,
		endpoint: fmt.Sprintf("opc.tcp://%s:%d", host, port),
	}, nil
}

func (b *gopcuaBackend) Bind(vars []Variable, src Source) { b.ns.bind(vars, src) }

func (b *gopcuaBackend) Notify(names []string) {
	if !b.started.Load() {
		return
	}
	for _, name := range names {
		b.srv.ChangeNotification(b.ns.nodeID(name))
	}
}

func (b *gopcuaBackend) Start(ctx context.Context) error {
	if err := b.srv.Start(ctx); err != nil {
		return err
	}
	b.started.Store(true)
	return nil
}

func (b *gopcuaBackend) Close() error { return b.srv.Close() }

func (b *gopcuaBackend) Endpoint() string { return b.endpoint }

// Compile-time interface satisfaction check.
var _ Backend = (*gopcuaBackend)(nil)

package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/metrics"
	"github.com/cyroid-lab/plcsim/pkg/process"
)

// ProtocolName labels captures and metrics.
const ProtocolName = "opcua"

// ServiceWrite names client writes in captures and metrics.
const ServiceWrite = "WRITE"

// Write outcomes recorded as RequestEvent.Status.
const (
	StatusOK           uint8 = 0
	StatusNotWritable  uint8 = 1
	StatusTypeMismatch uint8 = 2
	StatusRejected     uint8 = 3
)

// Adapter errors.
var (
	ErrAlreadyRunning = errors.New("opcua: already running")
	ErrBadAddress     = errors.New("opcua: bad listen address")
	ErrUnknownNode    = errors.New("opcua: unknown node")
	ErrNotWritable    = errors.New("opcua: node is not writable")
	ErrTypeMismatch   = errors.New("opcua: value is not a finite number")
)

// Config configures the OPC UA adapter.
type Config struct {
	// Address to listen on, e.g. ":4840".
	Address string

	// Name is the PLC object browse name.
	Name string

	// ProtocolLogger captures client writes (optional).
	ProtocolLogger log.Logger

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// Metrics receives per-write measurements (optional).
	Metrics metrics.Instrumentation

	// Backend overrides the gopcua server (optional).
	Backend Backend
}

// Adapter is the OPC UA front-end.
type Adapter struct {
	config   Config
	model    *process.Model
	backend  Backend
	addr     *net.TCPAddr
	recorder *log.Recorder
	metrics  metrics.Instrumentation
	logger   *slog.Logger

	// published holds the last value announced per register name.
	mu        sync.Mutex
	published map[string]float64

	running atomic.Bool
	cancel  context.CancelFunc
}

// New declares one variable per register. Node values are read from the
// model on demand, so they start at the register defaults.
func New(config Config, model *process.Model) (*Adapter, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Name == "" {
		config.Name = "PLC"
	}

	host, portStr, err := net.SplitHostPort(config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %q", ErrBadAddress, portStr)
	}

	backend := config.Backend
	if backend == nil {
		b, err := newGopcuaBackend(host, port, config.Name)
		if err != nil {
			return nil, fmt.Errorf("opcua: %w", err)
		}
		backend = b
	}

	a := &Adapter{
		config:    config,
		model:     model,
		backend:   backend,
		addr:      &net.TCPAddr{IP: net.ParseIP(host), Port: port},
		recorder:  log.NewRecorder(config.ProtocolLogger, ProtocolName),
		metrics:   metrics.OrNop(config.Metrics),
		logger:    config.Logger.With("protocol", ProtocolName),
		published: make(map[string]float64),
	}

	regs := model.Registers()
	vars := make([]Variable, 0, len(regs))
	for _, r := range regs {
		vars = append(vars, Variable{Name: r.Name, Writable: r.Writable, Description: r.Description})
	}
	for _, v := range model.Snapshot() {
		a.published[v.Name] = v.Value
	}
	backend.Bind(vars, modelSource{a})
	return a, nil
}

// Protocol returns the protocol name.
func (a *Adapter) Protocol() string { return ProtocolName }

// Endpoint returns the opc.tcp URL.
func (a *Adapter) Endpoint() string { return a.backend.Endpoint() }

// Start starts the server engine.
func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return ErrAlreadyRunning
	}
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.backend.Start(ctx); err != nil {
		a.cancel()
		a.running.Store(false)
		return fmt.Errorf("opcua: %w", err)
	}

	a.logger.Info("opcua server listening",
		"endpoint", a.backend.Endpoint(),
		"object", a.config.Name,
		"variables", a.model.Len())
	return nil
}

// Stop closes the server. It is safe to call more than once.
func (a *Adapter) Stop() error {
	if !a.running.Swap(false) {
		return nil
	}
	a.cancel()
	return a.backend.Close()
}

// Addr returns the configured listen address.
func (a *Adapter) Addr() net.Addr { return a.addr }

// ConnectionCount is not tracked by the server engine and is always 0.
func (a *Adapter) ConnectionCount() int { return 0 }

// Publish notifies subscribers of the variables whose model value changed
// since the last Publish or client write.
func (a *Adapter) Publish() {
	var changed []string
	a.mu.Lock()
	for _, v := range a.model.Snapshot() {
		if last, ok := a.published[v.Name]; ok && last == v.Value {
			continue
		}
		a.published[v.Name] = v.Value
		changed = append(changed, v.Name)
	}
	a.mu.Unlock()

	if len(changed) > 0 {
		a.backend.Notify(changed)
	}
}

// write applies one client write to the model. The returned error decides
// the status code the client sees.
func (a *Adapter) write(key string, raw any) error {
	start := time.Now()
	ev := log.RequestEvent{Service: ServiceWrite, Target: key, Count: 1}

	reg, known := a.model.Lookup(key)
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownNode, key)
	}

	var err error
	v, numeric := toFloat(raw)
	switch {
	case !numeric:
		ev.Status = StatusTypeMismatch
		err = fmt.Errorf("%w: %T", ErrTypeMismatch, raw)
	case !reg.Writable:
		ev.Status = StatusNotWritable
		ev.Values = []float64{v}
		err = fmt.Errorf("%w: %q", ErrNotWritable, key)
	default:
		ev.Values = []float64{v}
		if err = a.model.SetByName(key, v); err != nil {
			ev.Status = StatusRejected
		}
	}

	if err == nil {
		a.mu.Lock()
		a.published[key] = v
		a.mu.Unlock()
		a.logger.Info("node write", "node", key, "value", v)
	} else {
		a.logger.Warn("node write rejected", "node", key, "value", raw, "error", err)
	}

	elapsed := time.Since(start)
	ev.ProcessingTime = &elapsed
	a.recorder.Request("", "", ev)
	a.metrics.RequestHandled(ProtocolName, ev.Service, ev.Status, elapsed)
	return err
}

// modelSource serves node values from the model and routes writes
// through the adapter.
type modelSource struct{ a *Adapter }

func (s modelSource) Read(name string) (float64, bool) { return s.a.model.GetByName(name) }

func (s modelSource) Write(name string, value any) error { return s.a.write(name, value) }

// toFloat converts a client-written variant value.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case int:
		f = float64(x)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Compile-time interface satisfaction check.
var _ Source = modelSource{}

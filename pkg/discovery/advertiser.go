package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Advertiser provides mDNS service advertising capabilities.
type Advertiser interface {
	// Advertise registers the PLC service. A previous registration is
	// replaced.
	Advertise(ctx context.Context, info *PLCInfo) error

	// Update replaces the TXT records of the registered service.
	Update(info *PLCInfo) error

	// Stop withdraws the service.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		Interface: "",
		TTL:       DefaultTTL,
	}
}

// Announcer keeps one PLC advertisement alive for the lifetime of a
// context.
type Announcer struct {
	mu sync.RWMutex

	state      State
	advertiser Advertiser
	info       *PLCInfo
	logger     *slog.Logger

	onStateChange func(old, new State)
}

// NewAnnouncer creates an announcer using advertiser.
func NewAnnouncer(advertiser Advertiser, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Announcer{advertiser: advertiser, logger: logger}
}

// State returns the current state.
func (a *Announcer) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// OnStateChange sets a callback for state changes.
func (a *Announcer) OnStateChange(fn func(old, new State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStateChange = fn
}

// Run advertises info and withdraws it when ctx is done. It returns the
// registration error, or nil after a clean withdrawal.
func (a *Announcer) Run(ctx context.Context, info *PLCInfo) error {
	if err := a.start(ctx, info); err != nil {
		return err
	}
	<-ctx.Done()
	return a.stop()
}

// Update refreshes the TXT records while advertising.
func (a *Announcer) Update(info *PLCInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAdvertising {
		return ErrNotAdvertising
	}
	if err := a.advertiser.Update(info); err != nil {
		return err
	}
	a.info = info
	return nil
}

func (a *Announcer) start(ctx context.Context, info *PLCInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.advertiser.Advertise(ctx, info); err != nil {
		return err
	}
	a.info = info
	a.logger.Info("mdns advertising", "name", info.Name, "protocol", info.Protocol, "port", info.Port)
	a.setState(StateAdvertising)
	return nil
}

func (a *Announcer) stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAdvertising {
		return nil
	}
	err := a.advertiser.Stop()
	a.setState(StateIdle)
	a.logger.Info("mdns advertisement withdrawn", "name", a.info.Name)
	return err
}

// setState must be called with mu held.
func (a *Announcer) setState(s State) {
	old := a.state
	a.state = s
	if a.onStateChange != nil && old != s {
		a.onStateChange(old, s)
	}
}

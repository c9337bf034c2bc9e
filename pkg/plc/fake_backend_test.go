package plc

import (
	"context"
	"slices"
	"sync"

	"github.com/cyroid-lab/plcsim/pkg/opcua"
)

type fakeBackend struct {
	mu       sync.Mutex
	src      opcua.Source
	notified []string
	started  bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{} }

func (f *fakeBackend) Bind(_ []opcua.Variable, src opcua.Source) {
	f.mu.Lock()
	f.src = src
	f.mu.Unlock()
}

func (f *fakeBackend) Notify(names []string) {
	f.mu.Lock()
	f.notified = append(f.notified, names...)
	f.mu.Unlock()
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Endpoint() string { return "opc.tcp://127.0.0.1:4840" }

func (f *fakeBackend) read(name string) (float64, bool) {
	f.mu.Lock()
	src := f.src
	f.mu.Unlock()
	return src.Read(name)
}

func (f *fakeBackend) wasNotified(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.notified, name)
}

func (f *fakeBackend) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

var _ opcua.Backend = (*fakeBackend)(nil)

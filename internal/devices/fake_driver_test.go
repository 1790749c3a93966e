package devices

import (
	"context"
	"sync"

	"github.com/lithium-project/lithium/internal/configstore"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// fakeDriver is an in-memory Driver used by this package's tests: no real
// transport, just a map of properties per opened address.
type fakeDriver struct {
	mu         sync.Mutex
	present    map[string]bool
	properties map[string]map[string]configstore.Value
	readOnly   map[string]bool
	opened     []string
	failOpen   map[string]bool
	reads      int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		present:    make(map[string]bool),
		properties: make(map[string]map[string]configstore.Value),
		readOnly:   make(map[string]bool),
		failOpen:   make(map[string]bool),
	}
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Probe(ctx context.Context, address string) (*Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[address] {
		return nil, nil
	}
	return &Descriptor{Address: address, Vendor: "Acme"}, nil
}

func (f *fakeDriver) Open(ctx context.Context, desc Descriptor) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen[desc.Address] {
		return nil, lerrors.New(lerrors.Transport, "simulated open failure")
	}
	f.opened = append(f.opened, desc.Address)
	if f.properties[desc.Address] == nil {
		f.properties[desc.Address] = make(map[string]configstore.Value)
	}
	return desc.Address, nil
}

func (f *fakeDriver) Close(ctx context.Context, session SessionHandle) error { return nil }

func (f *fakeDriver) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeDriver) GetProperty(ctx context.Context, session SessionHandle, name string) (configstore.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	addr := session.(string)
	v, ok := f.properties[addr][name]
	if !ok {
		return configstore.Value{}, lerrors.New(lerrors.NotFound, "no such property")
	}
	return v, nil
}

func (f *fakeDriver) SetProperty(ctx context.Context, session SessionHandle, name string, value configstore.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly[name] {
		return lerrors.New(lerrors.NotSupported, "read only")
	}
	addr := session.(string)
	f.properties[addr][name] = value
	return nil
}

func (f *fakeDriver) Invoke(ctx context.Context, session SessionHandle, action string, args any) (any, error) {
	return "invoked:" + action, nil
}

func (f *fakeDriver) Subscribe(ctx context.Context, session SessionHandle, pattern string) (<-chan PropertyEvent, func(), error) {
	ch := make(chan PropertyEvent)
	return ch, func() {}, nil
}

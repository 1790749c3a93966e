// Package vendorsdk implements the Device Manager's in-process vendor SDK
// wrapper driver: no wire format, purely a function-call boundary onto a
// vendor-supplied library (typically cgo bindings), adapted to the common
// Driver shape the same way internal/components adapts an in-process
// plugin's exported entry point to the Instance interface.
package vendorsdk

import (
	"context"
	"sync"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Library is the shape a vendor SDK's own bindings are expected to satisfy.
// A real binding wraps cgo calls into the vendor's C/C++ library; tests and
// this package's own callers use an in-memory fake.
type Library interface {
	Identify(address string) (vendor, model string, found bool, err error)
	Open(address string) (handle int, err error)
	Close(handle int) error
	GetProperty(handle int, name string) (any, error)
	SetProperty(handle int, name string, value any) (writable bool, err error)
	Invoke(handle int, action string, args any) (any, error)
}

// Driver adapts a Library to the common Driver interface.
type Driver struct {
	lib Library

	mu   sync.Mutex
	subs map[int][]chan devices.PropertyEvent
}

func New(lib Library) *Driver {
	return &Driver{lib: lib, subs: make(map[int][]chan devices.PropertyEvent)}
}

func (d *Driver) Name() string { return "vendor-sdk" }

func (d *Driver) Probe(ctx context.Context, address string) (*devices.Descriptor, error) {
	vendor, model, found, err := d.lib.Identify(address)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Transport, "vendor identify failed", err)
	}
	if !found {
		return nil, nil
	}
	return &devices.Descriptor{Address: address, Vendor: vendor, Model: model}, nil
}

// handle wraps the vendor library's integer session handle so it satisfies
// devices.SessionHandle without the Driver interface leaking vendor types.
type handle struct {
	id int
}

func (d *Driver) Open(ctx context.Context, desc devices.Descriptor) (devices.SessionHandle, error) {
	id, err := d.lib.Open(desc.Address)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Transport, "vendor open failed", err)
	}
	return &handle{id: id}, nil
}

func (d *Driver) Close(ctx context.Context, session devices.SessionHandle) error {
	h := session.(*handle)
	if err := d.lib.Close(h.id); err != nil {
		return lerrors.Wrap(lerrors.Transport, "vendor close failed", err)
	}
	d.mu.Lock()
	delete(d.subs, h.id)
	d.mu.Unlock()
	return nil
}

func (d *Driver) GetProperty(ctx context.Context, session devices.SessionHandle, name string) (configstore.Value, error) {
	h := session.(*handle)
	v, err := d.lib.GetProperty(h.id, name)
	if err != nil {
		return configstore.Value{}, lerrors.Wrap(lerrors.Transport, "vendor get-property failed", err)
	}
	return toValue(v), nil
}

func (d *Driver) SetProperty(ctx context.Context, session devices.SessionHandle, name string, value configstore.Value) error {
	h := session.(*handle)
	writable, err := d.lib.SetProperty(h.id, name, fromValue(value))
	if err != nil {
		return lerrors.Wrap(lerrors.Transport, "vendor set-property failed", err)
	}
	if !writable {
		return lerrors.New(lerrors.NotSupported, "property is not writable").With("property", name)
	}
	d.publish(h.id, name, value)
	return nil
}

func (d *Driver) Invoke(ctx context.Context, session devices.SessionHandle, action string, args any) (any, error) {
	h := session.(*handle)
	result, err := d.lib.Invoke(h.id, action, args)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Transport, "vendor invoke failed", err)
	}
	return result, nil
}

// Subscribe has nothing to poll or frame: the vendor library has no native
// push mechanism exposed through Library, so this driver's event stream is
// fed only by SetProperty's own writes (publish), which is the only
// property-change signal available across a pure function-call boundary.
func (d *Driver) Subscribe(ctx context.Context, session devices.SessionHandle, pattern string) (<-chan devices.PropertyEvent, func(), error) {
	h := session.(*handle)
	ch := make(chan devices.PropertyEvent, 16)
	d.mu.Lock()
	d.subs[h.id] = append(d.subs[h.id], ch)
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			chans := d.subs[h.id]
			for i, c := range chans {
				if c == ch {
					d.subs[h.id] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			d.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (d *Driver) publish(handleID int, name string, value configstore.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs[handleID] {
		select {
		case ch <- devices.PropertyEvent{Name: name, Value: value}:
		default:
		}
	}
}

func toValue(v any) configstore.Value {
	switch t := v.(type) {
	case nil:
		return configstore.Null()
	case bool:
		return configstore.Bool(t)
	case int:
		return configstore.Int(int64(t))
	case int64:
		return configstore.Int(t)
	case float64:
		return configstore.Float(t)
	case string:
		return configstore.String(t)
	default:
		return configstore.Null()
	}
}

func fromValue(v configstore.Value) any {
	switch v.Kind() {
	case configstore.KindBool:
		b, _ := v.AsBool()
		return b
	case configstore.KindInt:
		i, _ := v.AsInt()
		return i
	case configstore.KindFloat:
		f, _ := v.AsFloat()
		return f
	case configstore.KindString:
		s, _ := v.AsString()
		return s
	default:
		return nil
	}
}

package vendorsdk

import (
	"context"
	"testing"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

type fakeLibrary struct {
	nextHandle int
	properties map[int]map[string]any
	readOnly   map[string]bool
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{properties: make(map[int]map[string]any), readOnly: map[string]bool{"serial": true}}
}

func (f *fakeLibrary) Identify(address string) (string, string, bool, error) {
	if address == "missing" {
		return "", "", false, nil
	}
	return "Acme", "V1", true, nil
}

func (f *fakeLibrary) Open(address string) (int, error) {
	f.nextHandle++
	f.properties[f.nextHandle] = map[string]any{"serial": "SN123"}
	return f.nextHandle, nil
}

func (f *fakeLibrary) Close(handle int) error {
	delete(f.properties, handle)
	return nil
}

func (f *fakeLibrary) GetProperty(handle int, name string) (any, error) {
	return f.properties[handle][name], nil
}

func (f *fakeLibrary) SetProperty(handle int, name string, value any) (bool, error) {
	if f.readOnly[name] {
		return false, nil
	}
	f.properties[handle][name] = value
	return true, nil
}

func (f *fakeLibrary) Invoke(handle int, action string, args any) (any, error) {
	return "ran:" + action, nil
}

func TestVendorSDKDriver(t *testing.T) {
	lib := newFakeLibrary()
	d := New(lib)

	desc, err := d.Probe(context.Background(), "addr")
	if err != nil || desc == nil {
		t.Fatalf("probe: desc=%v err=%v", desc, err)
	}

	session, err := d.Open(context.Background(), *desc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	v, err := d.GetProperty(context.Background(), session, "serial")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s, _ := v.AsString(); s != "SN123" {
		t.Errorf("got %q", s)
	}

	if err := d.SetProperty(context.Background(), session, "serial", configstore.String("X")); lerrors.KindOf(err) != lerrors.NotSupported {
		t.Fatalf("expected NotSupported writing a read-only property, got %v", err)
	}

	result, err := d.Invoke(context.Background(), session, "park", nil)
	if err != nil || result != "ran:park" {
		t.Fatalf("invoke: result=%v err=%v", result, err)
	}

	if err := d.Close(context.Background(), session); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestVendorSDKDriverProbeNotFound(t *testing.T) {
	d := New(newFakeLibrary())
	desc, err := d.Probe(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
}

func TestVendorSDKDriverPublishesOnWritableSet(t *testing.T) {
	lib := newFakeLibrary()
	lib.readOnly = map[string]bool{} // make "mode" writable for this test
	d := New(lib)

	session, err := d.Open(context.Background(), devices.Descriptor{Address: "addr"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	events, cancel, err := d.Subscribe(context.Background(), session, "*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := d.SetProperty(context.Background(), session, "mode", configstore.String("auto")); err != nil {
		t.Fatalf("set: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Name != "mode" {
			t.Errorf("got event for %q", ev.Name)
		}
	default:
		t.Fatal("expected SetProperty to publish an event synchronously")
	}
}

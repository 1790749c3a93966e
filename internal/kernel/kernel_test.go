package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lithium-project/lithium/internal/components"
	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	"github.com/lithium-project/lithium/internal/tasks"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/resilience"
)

// fakeDriver is a minimal in-memory devices.Driver for kernel-level tests:
// just enough to connect one device and read/write one property.
type fakeDriver struct {
	mu    sync.Mutex
	props map[string]configstore.Value
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{props: map[string]configstore.Value{"power": configstore.Bool(false)}}
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Probe(ctx context.Context, address string) (*devices.Descriptor, error) {
	return &devices.Descriptor{Address: address, Vendor: "Acme"}, nil
}

func (f *fakeDriver) Open(ctx context.Context, desc devices.Descriptor) (devices.SessionHandle, error) {
	return desc.Address, nil
}

func (f *fakeDriver) Close(ctx context.Context, session devices.SessionHandle) error { return nil }

func (f *fakeDriver) GetProperty(ctx context.Context, session devices.SessionHandle, name string) (configstore.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[name]
	if !ok {
		return configstore.Value{}, lerrors.New(lerrors.NotFound, "no such property").With("name", name)
	}
	return v, nil
}

func (f *fakeDriver) SetProperty(ctx context.Context, session devices.SessionHandle, name string, value configstore.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[name] = value
	return nil
}

func (f *fakeDriver) Invoke(ctx context.Context, session devices.SessionHandle, action string, args any) (any, error) {
	return map[string]any{"action": action}, nil
}

func (f *fakeDriver) Subscribe(ctx context.Context, session devices.SessionHandle, pattern string) (<-chan devices.PropertyEvent, func(), error) {
	ch := make(chan devices.PropertyEvent)
	close(ch)
	return ch, func() {}, nil
}

func testKernel(t *testing.T) *Kernel {
	t.Helper()
	log := logrus.NewEntry(logrus.StandardLogger())

	store := configstore.New()
	profiles := configstore.NewProfileStore(store, t.TempDir())
	runtime := components.New(nil, log)

	deviceMgr := devices.New(log, 32)
	deviceMgr.RegisterDriver(newFakeDriver())

	actionFn, condFn := NewDeviceBinding(deviceMgr, store)
	engine := tasks.NewEngine(actionFn, condFn, resilience.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 1}, log)
	scripts := tasks.NewLibrary(t.TempDir())

	return New(log, Config{TickPeriod: 5 * time.Millisecond}, store, profiles, runtime, deviceMgr, engine, scripts)
}

func TestKernelStartStopOrdersStages(t *testing.T) {
	k := testKernel(t)
	ctx := context.Background()
	if err := k.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(k.started) != 5 {
		t.Fatalf("expected 5 started stages, got %d", len(k.started))
	}
	k.Stop(ctx)
	if k.started != nil {
		t.Fatalf("expected started to be cleared after Stop")
	}
}

func TestKernelStartRollsBackOnStageFailure(t *testing.T) {
	k := testKernel(t)
	k.cfg.ComponentRescanCron = "not a valid cron spec"

	if err := k.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on an invalid cron schedule")
	}
	if k.started != nil {
		t.Fatalf("expected no stages recorded as started after rollback")
	}
}

func TestDispatchDeviceLifecycle(t *testing.T) {
	k := testKernel(t)
	ctx := context.Background()

	resp := k.Dispatch(ctx, "connect", map[string]any{"id": "cam", "driver": "fake", "address": "addr"})
	if !resp.OK {
		t.Fatalf("connect failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "get-property", map[string]any{"id": "cam", "name": "power"})
	if !resp.OK {
		t.Fatalf("get-property failed: %s", resp.Message)
	}
	if resp.Result != false {
		t.Fatalf("expected power=false, got %v", resp.Result)
	}

	resp = k.Dispatch(ctx, "set-property", map[string]any{"id": "cam", "name": "power", "value": true})
	if !resp.OK {
		t.Fatalf("set-property failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "get-property", map[string]any{"id": "cam", "name": "power"})
	if resp.Result != true {
		t.Fatalf("expected power=true after set, got %v", resp.Result)
	}

	resp = k.Dispatch(ctx, "list-devices", nil)
	if !resp.OK {
		t.Fatalf("list-devices failed: %s", resp.Message)
	}
	list, ok := resp.Result.([]map[string]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one listed device, got %#v", resp.Result)
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	k := testKernel(t)
	resp := k.Dispatch(context.Background(), "not-a-real-op", nil)
	if resp.OK {
		t.Fatal("expected unknown operation to fail")
	}
	if resp.Kind != string(lerrors.InvalidArgument) {
		t.Fatalf("expected invalid-argument, got %s", resp.Kind)
	}
}

func TestDispatchComponentSurface(t *testing.T) {
	k := testKernel(t)
	ctx := context.Background()

	resp := k.Dispatch(ctx, "rescan", nil)
	if !resp.OK {
		t.Fatalf("rescan failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "list-components", nil)
	if !resp.OK {
		t.Fatalf("list-components failed: %s", resp.Message)
	}
	if list, ok := resp.Result.([]map[string]any); !ok || len(list) != 0 {
		t.Fatalf("expected no components from an empty root set, got %#v", resp.Result)
	}
}

func TestDispatchTaskSurfaceRunsAScript(t *testing.T) {
	k := testKernel(t)
	ctx := context.Background()

	resp := k.Dispatch(ctx, "connect", map[string]any{"id": "cam", "driver": "fake", "address": "addr"})
	if !resp.OK {
		t.Fatalf("connect failed: %s", resp.Message)
	}

	root := map[string]any{
		"id":     "root",
		"kind":   "action",
		"action": "invoke",
		"params": map[string]any{"device": "cam", "action": "noop"},
	}
	resp = k.Dispatch(ctx, "save-script", map[string]any{"name": "noop", "root": root})
	if !resp.OK {
		t.Fatalf("save-script failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "list-scripts", nil)
	if !resp.OK {
		t.Fatalf("list-scripts failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "start", map[string]any{"script": "noop"})
	if !resp.OK {
		t.Fatalf("start failed: %s", resp.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected a run_id in the result, got %#v", resp.Result)
	}
	runID, _ := result["run_id"].(string)
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}

	for i := 0; i < 50; i++ {
		k.tickAll()
		resp = k.Dispatch(ctx, "status", map[string]any{"run_id": runID})
		if !resp.OK {
			t.Fatalf("status failed: %s", resp.Message)
		}
		status, _ := resp.Result.(map[string]any)
		if status["status"] == string(tasks.RunCompleted) {
			return
		}
		if status["status"] == string(tasks.RunFailed) {
			t.Fatalf("run failed unexpectedly")
		}
	}
	t.Fatalf("run %s never completed", runID)
}

func TestDispatchConfigSurface(t *testing.T) {
	k := testKernel(t)
	ctx := context.Background()

	resp := k.Dispatch(ctx, "set", map[string]any{"path": "exposure.seconds", "value": float64(30)})
	if !resp.OK {
		t.Fatalf("set failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "get", map[string]any{"path": "exposure.seconds"})
	if !resp.OK {
		t.Fatalf("get failed: %s", resp.Message)
	}
	if resp.Result != float64(30) {
		t.Fatalf("expected 30, got %v", resp.Result)
	}

	resp = k.Dispatch(ctx, "save-profile", map[string]any{"name": "session-a", "path": "exposure"})
	if !resp.OK {
		t.Fatalf("save-profile failed: %s", resp.Message)
	}

	resp = k.Dispatch(ctx, "list-profiles", nil)
	if !resp.OK {
		t.Fatalf("list-profiles failed: %s", resp.Message)
	}
}

func TestHubTopicMatchingTreatsSubscriptionsAsPrefixes(t *testing.T) {
	h := newHub()
	sub := newEventSubscriber(nil)
	sub.subscribeTopic("device.mount.")
	h.register(sub)

	sub.offer("device.mount.property.ra", map[string]any{"value": 1})
	select {
	case ev := <-sub.outbox:
		if ev.Topic != "device.mount.property.ra" {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	default:
		t.Fatal("expected a matching event in the outbox")
	}

	sub.offer("device.camera.property.temp", map[string]any{"value": 2})
	select {
	case ev := <-sub.outbox:
		t.Fatalf("expected non-matching topic to be dropped, got %v", ev)
	default:
	}
}

func TestHubDropsOnFullOutbox(t *testing.T) {
	sub := newEventSubscriber(nil)
	sub.subscribeTopic("task.progress")
	for i := 0; i < 100; i++ {
		sub.offer("task.progress", i)
	}
	if len(sub.outbox) != cap(sub.outbox) {
		t.Fatalf("expected outbox to fill to capacity without blocking, got %d/%d", len(sub.outbox), cap(sub.outbox))
	}
}

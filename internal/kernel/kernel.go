// Package kernel implements the App Kernel: the thin wiring layer that
// composes the Config Store, Component Runtime, Device Manager, and Task
// Engine into one process, owns startup/shutdown ordering, and exposes the
// command surface and event stream described in §6.
package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lithium-project/lithium/internal/components"
	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	"github.com/lithium-project/lithium/internal/tasks"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Config bundles everything the kernel needs before Start: where the
// Component Runtime scans for bundles, the optional cron schedule for
// periodic rescans, and the device profile (if any) to connect on startup.
type Config struct {
	ComponentRoots       []string
	ComponentRescanCron  string // empty disables scheduled rescans
	StartupDeviceProfile string // config path to a device profile, empty = none
	DeviceRateLimit      float64
	DeviceRateBurst      int
	TickPeriod           time.Duration // the engine's single logical tick loop period
}

// Kernel owns one of each subsystem plus the bookkeeping (active task runs,
// the stage list used to unwind startup) the command surface and event
// stream are built on top of.
type Kernel struct {
	log *logrus.Entry
	cfg Config

	Config     *configstore.Store
	Profiles   *configstore.ProfileStore
	Components *components.Runtime
	Devices    *devices.Manager
	Engine     *tasks.Engine
	Scripts    *tasks.Library

	runsMu sync.Mutex
	runs   map[string]*tasks.Run

	cron         *cron.Cron
	tickerCancel context.CancelFunc
	started      []stage

	hub *hub
}

// New wires the four subsystems together. Callers have already constructed
// each one (profile directory, component roots, device drivers registered,
// task action/condition callbacks) since those choices are process-config,
// not kernel concerns.
func New(log *logrus.Entry, cfg Config, store *configstore.Store, profiles *configstore.ProfileStore, runtime *components.Runtime, deviceMgr *devices.Manager, engine *tasks.Engine, scripts *tasks.Library) *Kernel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.DeviceRateLimit > 0 {
		deviceMgr.SetRateLimit(cfg.DeviceRateLimit, cfg.DeviceRateBurst)
	}
	return &Kernel{
		log:        log,
		cfg:        cfg,
		Config:     store,
		Profiles:   profiles,
		Components: runtime,
		Devices:    deviceMgr,
		Engine:     engine,
		Scripts:    scripts,
		runs:       make(map[string]*tasks.Run),
		hub:        newHub(),
	}
}

// configAdapter satisfies components.Context.Config: an untyped Get/Set
// view over the typed Config Store, using toAny/fromAny at the boundary.
type configAdapter struct {
	store *configstore.Store
}

func (a configAdapter) Get(path string) (any, bool) {
	p, err := configstore.ParsePath(path)
	if err != nil {
		return nil, false
	}
	v, ok := a.store.Get(p)
	if !ok {
		return nil, false
	}
	return toAny(v), true
}

func (a configAdapter) Set(path string, value any) error {
	p, err := configstore.ParsePath(path)
	if err != nil {
		return lerrors.Wrap(lerrors.InvalidArgument, "parse config path", err).With("path", path)
	}
	v, err := fromAny(value)
	if err != nil {
		return err
	}
	return a.store.Set(p, v)
}

// deviceAdapter satisfies components.Context.Devices: a component's
// initialize capability can describe a device without the full Manager API.
type deviceAdapter struct {
	manager *devices.Manager
}

func (a deviceAdapter) Describe(id string) (any, bool) {
	for _, info := range a.manager.ListDevices() {
		if info.ID == id {
			return map[string]any{
				"id":     info.ID,
				"driver": info.Driver,
				"state":  info.State.String(),
			}, true
		}
	}
	return nil, false
}

func (k *Kernel) componentContext() *components.Context {
	return &components.Context{
		Config:  configAdapter{store: k.Config},
		Devices: deviceAdapter{manager: k.Devices},
	}
}

// stage is one unit of ordered startup/shutdown, grounded on the teacher's
// LifecycleManager.Start/Stop/stopReverse shape (system/core/lifecycle.go):
// Start walks stages in order, rolling back anything already started if a
// later stage fails; Stop walks the stages that actually started, in
// reverse, logging and continuing rather than aborting on an individual
// stop error.
type stage struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Start runs the startup stages in order: the Component Runtime rescan, the
// optional startup device profile, the scheduled-rescan cron job, the task
// tick loop, and the event fan-out. The Config Store needs no start step:
// it is ready the moment it's constructed. If a stage fails, the stages
// already started are stopped in reverse order.
func (k *Kernel) Start(ctx context.Context) error {
	stages := []stage{
		k.componentsStage(),
		k.devicesStage(),
		k.cronStage(),
		k.tickerStage(),
		k.eventFanoutStage(),
	}

	var started []stage
	for _, st := range stages {
		if err := st.start(ctx); err != nil {
			k.log.WithError(err).WithField("stage", st.name).Error("startup failed, rolling back")
			k.stopReverse(ctx, started)
			return lerrors.Wrap(lerrors.Internal, "start "+st.name, err)
		}
		started = append(started, st)
		k.log.WithField("stage", st.name).Info("started")
	}
	k.started = started
	return nil
}

// Stop unwinds every stage that actually started, in reverse order,
// logging and continuing on an individual stage's stop error so one
// misbehaving component never strands the others' resources.
func (k *Kernel) Stop(ctx context.Context) {
	k.stopReverse(ctx, k.started)
	k.started = nil
}

func (k *Kernel) stopReverse(ctx context.Context, started []stage) {
	for i := len(started) - 1; i >= 0; i-- {
		st := started[i]
		if st.stop == nil {
			continue
		}
		if err := st.stop(ctx); err != nil {
			k.log.WithError(err).WithField("stage", st.name).Error("stop failed, continuing shutdown")
		} else {
			k.log.WithField("stage", st.name).Info("stopped")
		}
	}
}

func (k *Kernel) componentsStage() stage {
	return stage{
		name: "components",
		start: func(ctx context.Context) error {
			report := k.Components.Rescan(ctx, k.componentContext())
			if len(report.Failed) > 0 {
				k.log.WithField("failed", report.Failed).Warn("some components failed to load during startup rescan")
			}
			return nil
		},
		stop: func(ctx context.Context) error {
			var lastErr error
			for name := range k.Components.List() {
				if err := k.Components.Unload(ctx, name, true); err != nil {
					k.log.WithError(err).WithField("component", name).Warn("unload failed during shutdown")
					lastErr = err
				}
			}
			return lastErr
		},
	}
}

func (k *Kernel) devicesStage() stage {
	return stage{
		name: "devices",
		start: func(ctx context.Context) error {
			if k.cfg.StartupDeviceProfile == "" {
				return nil
			}
			path, err := configstore.ParsePath(k.cfg.StartupDeviceProfile)
			if err != nil {
				return err
			}
			v, ok := k.Config.Get(path)
			if !ok {
				k.log.WithField("path", k.cfg.StartupDeviceProfile).Warn("startup device profile not found, skipping")
				return nil
			}
			entries, err := devices.ParseProfile(v)
			if err != nil {
				return err
			}
			result := k.Devices.ConnectProfile(ctx, entries)
			k.log.WithField("status", result.Status).Info("startup device profile connected")
			return nil
		},
		stop: func(ctx context.Context) error {
			var lastErr error
			for _, info := range k.Devices.ListDevices() {
				if err := k.Devices.Disconnect(ctx, info.ID); err != nil {
					k.log.WithError(err).WithField("device", info.ID).Warn("disconnect failed during shutdown")
					lastErr = err
				}
			}
			return lastErr
		},
	}
}

func (k *Kernel) cronStage() stage {
	return stage{
		name: "rescan-cron",
		start: func(ctx context.Context) error {
			if k.cfg.ComponentRescanCron == "" {
				return nil
			}
			sched := cron.New()
			_, err := sched.AddFunc(k.cfg.ComponentRescanCron, func() {
				report := k.Components.Rescan(context.Background(), k.componentContext())
				if len(report.Failed) > 0 {
					k.log.WithField("failed", report.Failed).Warn("scheduled rescan reported failures")
				}
			})
			if err != nil {
				return lerrors.Wrap(lerrors.InvalidArgument, "parse component rescan schedule", err).
					With("schedule", k.cfg.ComponentRescanCron)
			}
			sched.Start()
			k.cron = sched
			return nil
		},
		stop: func(ctx context.Context) error {
			if k.cron == nil {
				return nil
			}
			<-k.cron.Stop().Done()
			k.cron = nil
			return nil
		},
	}
}

// tickerStage owns the single logical tick loop per §4.4/§5: one goroutine
// ticks every active Run at a fixed period, never one goroutine per Run,
// so the engine stays "logically single-threaded" even with several
// sequences running at once.
func (k *Kernel) tickerStage() stage {
	return stage{
		name: "task-ticker",
		start: func(ctx context.Context) error {
			period := k.cfg.TickPeriod
			if period <= 0 {
				period = 50 * time.Millisecond
			}
			loopCtx, cancel := context.WithCancel(context.Background())
			k.tickerCancel = cancel
			go k.tickLoop(loopCtx, period)
			return nil
		},
		stop: func(ctx context.Context) error {
			if k.tickerCancel != nil {
				k.tickerCancel()
				k.tickerCancel = nil
			}
			return nil
		},
	}
}

func (k *Kernel) tickLoop(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.tickAll()
		}
	}
}

func (k *Kernel) tickAll() {
	k.runsMu.Lock()
	active := make([]*tasks.Run, 0, len(k.runs))
	for _, r := range k.runs {
		active = append(active, r)
	}
	k.runsMu.Unlock()

	for _, r := range active {
		if r.Status() == tasks.RunRunning {
			k.Engine.Tick(r)
		}
	}
}

// registerRun adds a newly created Run to the registry the ticker and
// status/stop commands look runs up in.
func (k *Kernel) registerRun(r *tasks.Run) {
	k.runsMu.Lock()
	defer k.runsMu.Unlock()
	k.runs[r.ID()] = r
}

// lookupRun finds a Run by id, reporting not-found via ok.
func (k *Kernel) lookupRun(id string) (*tasks.Run, bool) {
	k.runsMu.Lock()
	defer k.runsMu.Unlock()
	r, ok := k.runs[id]
	return r, ok
}

// listRuns returns every known run id, sorted, for the status/list surface.
func (k *Kernel) listRuns() []string {
	k.runsMu.Lock()
	defer k.runsMu.Unlock()
	ids := make([]string, 0, len(k.runs))
	for id := range k.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// componentNames is a small helper used by the status/list-components
// command to return a stable ordering.
func componentNames(states map[string]components.LifecycleState) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

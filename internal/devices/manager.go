package devices

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lithium-project/lithium/internal/configstore"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultStaleness is the property-cache freshness bound every session's
// cache uses; there is no per-device or per-property override.
const DefaultStaleness = 2 * time.Second

// Manager is the Device Manager: a registry of drivers plus the sessions
// opened against them, presenting callers with a uniform façade over
// whichever transport a given device actually speaks.
type Manager struct {
	log *logrus.Entry

	mu      sync.RWMutex
	drivers map[string]Driver
	devices map[string]*deviceEntry

	events chan DeviceEvent

	// rateLimit/burst bound per-session request throughput (native TCP
	// driver workers in particular). Zero means unlimited, the default
	// when LITH_DEVICE_RATE_LIMIT is unset.
	rateLimit rate.Limit
	burst     int
}

type deviceEntry struct {
	session    *Session
	driverName string
	address    string
}

// New constructs an empty Device Manager. eventBuffer bounds how many
// merged events may be queued before the forwarder starts dropping them.
func New(log *logrus.Entry, eventBuffer int) *Manager {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Manager{
		log:     log,
		drivers: make(map[string]Driver),
		devices: make(map[string]*deviceEntry),
		events:  make(chan DeviceEvent, eventBuffer),
	}
}

// SetRateLimit bounds every session created after this call to perSecond
// requests with the given burst allowance. A session's limiter is fixed when
// its device id is first connected: sessions already created, including ones
// reopened by a later Connect with the same id, keep the limiter (or lack of
// one) they were created with.
func (m *Manager) SetRateLimit(perSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimit = rate.Limit(perSecond)
	m.burst = burst
}

func (m *Manager) newLimiter() *rate.Limiter {
	if m.rateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(m.rateLimit, m.burst)
}

// RegisterDriver makes a transport available for Connect to use by name.
func (m *Manager) RegisterDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Name()] = d
}

// Events returns the manager-level merged event stream: per-session ordering
// is guaranteed, cross-session ordering is not, per §4.3.
func (m *Manager) Events() <-chan DeviceEvent { return m.events }

// Connect probes address with the named driver and, if found, opens a
// session for device id. Per §4.3 a Faulted session may be reopened by
// calling Connect again with the same id.
func (m *Manager) Connect(ctx context.Context, id, driverName, address string) error {
	m.mu.Lock()
	driver, ok := m.drivers[driverName]
	entry, exists := m.devices[id]
	if !exists {
		entry = &deviceEntry{driverName: driverName, address: address}
		entry.session = newSession(id, driver, DefaultStaleness, m.events, m.newLimiter())
		m.devices[id] = entry
	}
	session := entry.session
	m.mu.Unlock()

	if !ok {
		return lerrors.New(lerrors.NotFound, "no driver registered with this name").With("driver", driverName)
	}

	desc, err := driver.Probe(ctx, address)
	if err != nil {
		wrapped := lerrors.Wrap(lerrors.Transport, "probe device", err).With("device", id)
		session.faultUnopened(wrapped)
		return wrapped
	}
	if desc == nil {
		wrapped := lerrors.New(lerrors.NotFound, "no device responded at address").With("device", id).With("address", address)
		session.faultUnopened(wrapped)
		return wrapped
	}

	if err := session.open(ctx, *desc); err != nil {
		metrics.ComponentLoadFailures.WithLabelValues("device_connect").Inc()
		return err
	}
	return nil
}

// Disconnect closes the named device's session, if open.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.RLock()
	entry, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return lerrors.New(lerrors.NotFound, "unknown device").With("device", id)
	}
	return entry.session.close(ctx)
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.devices[id]
	if !ok {
		return nil, lerrors.New(lerrors.NotFound, "unknown device").With("device", id)
	}
	return entry.session, nil
}

func (m *Manager) GetProperty(ctx context.Context, id, name string) (configstore.Value, error) {
	start := time.Now()
	session, err := m.session(id)
	if err != nil {
		return configstore.Value{}, err
	}
	v, err := session.getProperty(ctx, name)
	m.observe("get_property", id, start, err)
	return v, err
}

func (m *Manager) SetProperty(ctx context.Context, id, name string, value configstore.Value) error {
	start := time.Now()
	session, err := m.session(id)
	if err != nil {
		return err
	}
	err = session.setProperty(ctx, name, value)
	m.observe("set_property", id, start, err)
	return err
}

func (m *Manager) Invoke(ctx context.Context, id, action string, args any) (any, error) {
	start := time.Now()
	session, err := m.session(id)
	if err != nil {
		return nil, err
	}
	result, err := session.invoke(ctx, action, args)
	m.observe("invoke", id, start, err)
	return result, err
}

func (m *Manager) observe(kind, deviceID string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(lerrors.KindOf(err))
	}
	m.mu.RLock()
	transport := ""
	if entry, ok := m.devices[deviceID]; ok {
		transport = entry.driverName
	}
	m.mu.RUnlock()
	metrics.DeviceRequestDuration.WithLabelValues(kind, transport, outcome).Observe(time.Since(start).Seconds())
}

// DeviceInfo summarizes a registered device for list-devices.
type DeviceInfo struct {
	ID     string
	Driver string
	State  SessionState
}

// ListDevices returns every known device sorted by id.
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(m.devices))
	for id, entry := range m.devices {
		out = append(out, DeviceInfo{ID: id, Driver: entry.driverName, State: entry.session.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package devices

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lithium-project/lithium/internal/configstore"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
)

// SessionState is a session's position in the lifecycle state machine of §4.3:
// Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected,
// with a transport error taking any connected state to Faulted.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Connected
	Disconnecting
	Faulted
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// DeviceEventKind distinguishes the manager-level merged event stream's two
// shapes: a live property change, or a session fault notification.
type DeviceEventKind int

const (
	PropertyChanged DeviceEventKind = iota
	SessionFaulted
)

// DeviceEvent is one manager-level event tagged with the device id it came
// from. Name/Value are set for PropertyChanged; Err is set for
// SessionFaulted, per §6's device.<id>.fault topic.
type DeviceEvent struct {
	DeviceID string
	Kind     DeviceEventKind
	Name     string
	Value    configstore.Value
	Err      error
	At       time.Time
}

// Session wraps one driver-level connection with the state machine, property
// cache, and bookkeeping the Device Manager needs. A Session is single-owner:
// only one in-flight operation is expected at a time, matching §5's
// "devices are mutable single-owner resources".
type Session struct {
	id     string
	driver Driver

	mu      sync.Mutex
	state   SessionState
	handle  SessionHandle
	desc    Descriptor
	cache   *propertyCache
	unsub   func()
	events  chan DeviceEvent
	limiter *rate.Limiter
}

func newSession(id string, driver Driver, staleness time.Duration, events chan DeviceEvent, limiter *rate.Limiter) *Session {
	return &Session{
		id:      id,
		driver:  driver,
		state:   Disconnected,
		cache:   newPropertyCache(staleness),
		events:  events,
		limiter: limiter,
	}
}

// throttle blocks until the session's rate limiter admits one more request.
// A nil limiter (the default: no LITH_DEVICE_RATE_LIMIT configured) never
// throttles, matching §4.3's throttling being an operator opt-in, not a
// built-in ceiling.
func (s *Session) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return lerrors.Wrap(lerrors.Timeout, "rate limit wait", err).With("device", s.id)
	}
	return nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	metrics.DeviceSessions.WithLabelValues(s.state.String()).Dec()
	s.state = state
	metrics.DeviceSessions.WithLabelValues(s.state.String()).Inc()
}

// open drives Disconnected -> Connecting -> Connected (or -> Faulted on
// failure). Reopening a Faulted session resets the property cache, per §4.3.
func (s *Session) open(ctx context.Context, desc Descriptor) error {
	s.mu.Lock()
	if s.state == Connected || s.state == Connecting {
		s.mu.Unlock()
		return lerrors.New(lerrors.Conflict, "session already open").With("device", s.id)
	}
	wasFaulted := s.state == Faulted
	s.setState(Connecting)
	s.mu.Unlock()

	handle, err := s.driver.Open(ctx, desc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setState(Faulted)
		wrapped := lerrors.Wrap(lerrors.Transport, "open device session", err).With("device", s.id)
		s.emitFault(wrapped)
		return wrapped
	}

	s.handle = handle
	s.desc = desc
	if wasFaulted {
		s.cache.reset()
	}
	s.setState(Connected)

	stream, unsub, err := s.driver.Subscribe(ctx, handle, "*")
	if err == nil {
		s.unsub = unsub
		go s.forward(stream)
	}
	return nil
}

// forward copies driver events into the cache and the manager-level merged
// stream, tagging each with this session's device id.
func (s *Session) forward(stream <-chan PropertyEvent) {
	for ev := range stream {
		s.cache.update(ev.Name, ev.Value)
		if s.events == nil {
			continue
		}
		select {
		case s.events <- DeviceEvent{DeviceID: s.id, Name: ev.Name, Value: ev.Value, At: time.Now()}:
		default:
			// Merged stream has no reader keeping up; drop rather than block
			// the per-session forwarder, preserving per-session ordering for
			// whoever does read.
		}
	}
}

// close drives Connected -> Disconnecting -> Disconnected.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	unsub := s.unsub
	s.setState(Disconnecting)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	err := s.driver.Close(ctx, handle)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(Disconnected)
	s.handle = nil
	s.unsub = nil
	if err != nil {
		return lerrors.Wrap(lerrors.Transport, "close device session", err).With("device", s.id)
	}
	return nil
}

// fault transitions an in-flight session directly to Faulted, used when a
// request observes a transport disconnect. Until the session is reopened,
// every call that reaches the driver fails with Disconnected; a read served
// from a still-fresh cache entry succeeds.
func (s *Session) fault(err error) {
	s.mu.Lock()
	alreadyDisconnected := s.state == Disconnected
	if !alreadyDisconnected {
		s.setState(Faulted)
	}
	s.mu.Unlock()
	if !alreadyDisconnected {
		s.emitFault(err)
	}
}

// faultUnopened drives a never-opened session straight to Faulted and
// publishes a fault event, used when Connect's probe step fails before open
// is ever attempted: an unreachable device still ends in Faulted, the same
// terminal state a connected session reaches on a later transport error,
// per §8 scenario 4.
func (s *Session) faultUnopened(err error) {
	s.mu.Lock()
	s.setState(Faulted)
	s.mu.Unlock()
	s.emitFault(err)
}

// emitFault publishes a SessionFaulted event to the manager-level merged
// stream, the same best-effort, drop-if-full policy forward uses for
// property changes.
func (s *Session) emitFault(err error) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- DeviceEvent{DeviceID: s.id, Kind: SessionFaulted, Err: err, At: time.Now()}:
	default:
	}
}

func (s *Session) requireConnected() (Driver, SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, nil, lerrors.New(lerrors.Disconnected, "session is not connected").
			With("device", s.id).With("state", s.state.String())
	}
	return s.driver, s.handle, nil
}

// getProperty prefers the cache when fresh, otherwise issues a live read.
func (s *Session) getProperty(ctx context.Context, name string) (configstore.Value, error) {
	if v, ok := s.cache.fresh(name); ok {
		return v, nil
	}
	driver, handle, err := s.requireConnected()
	if err != nil {
		return configstore.Value{}, err
	}
	if err := s.throttle(ctx); err != nil {
		return configstore.Value{}, err
	}
	v, err := driver.GetProperty(ctx, handle, name)
	if err != nil {
		if lerrors.KindOf(err) == lerrors.Disconnected {
			s.fault(err)
		}
		return configstore.Value{}, err
	}
	s.cache.update(name, v)
	return v, nil
}

// setProperty invalidates the cache, issues the write, then refreshes from
// a live read so the cache reflects the device's accepted value rather than
// the requested one.
func (s *Session) setProperty(ctx context.Context, name string, value configstore.Value) error {
	driver, handle, err := s.requireConnected()
	if err != nil {
		return err
	}
	if err := s.throttle(ctx); err != nil {
		return err
	}
	s.cache.invalidate(name)
	if err := driver.SetProperty(ctx, handle, name, value); err != nil {
		if lerrors.KindOf(err) == lerrors.Disconnected {
			s.fault(err)
		}
		return err
	}
	if v, err := driver.GetProperty(ctx, handle, name); err == nil {
		s.cache.update(name, v)
	}
	return nil
}

func (s *Session) invoke(ctx context.Context, action string, args any) (any, error) {
	driver, handle, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	result, err := driver.Invoke(ctx, handle, action, args)
	if err != nil && lerrors.KindOf(err) == lerrors.Disconnected {
		s.fault(err)
	}
	return result, err
}

package kernel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	"github.com/lithium-project/lithium/internal/tasks"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// topicEvent is what an external subscriber receives over the event
// stream: {topic, payload}, per §6.
type topicEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// hub fans published events out to every connected subscriber whose
// subscription matches, mirroring internal/configstore.Store's and
// internal/tasks.progressBus's synchronous fan-out shape but across
// WebSocket connections instead of in-process callbacks.
type hub struct {
	mu   sync.Mutex
	subs map[*eventSubscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*eventSubscriber]struct{})}
}

func (h *hub) register(s *eventSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *hub) unregister(s *eventSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

func (h *hub) publish(topic string, payload any) {
	h.mu.Lock()
	subs := make([]*eventSubscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.offer(topic, payload)
	}
}

// eventSubscriber is one WebSocket connection's view of the hub: its own
// topic subscription set and a buffered outbox so a slow client never
// blocks whichever subsystem goroutine is publishing (the tick loop, the
// device event drain, or the config store's synchronous notification).
type eventSubscriber struct {
	conn   *websocket.Conn
	outbox chan topicEvent

	mu     sync.Mutex
	topics map[string]bool

	done chan struct{}
}

func newEventSubscriber(conn *websocket.Conn) *eventSubscriber {
	return &eventSubscriber{
		conn:   conn,
		outbox: make(chan topicEvent, 64),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
}

func (s *eventSubscriber) subscribeTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = true
}

// matches treats a subscription as a prefix: "config." matches every
// config topic, "device.mount.property.ra" matches exactly itself, per
// §6's topic list (device.<id>.property.<name>, task.progress,
// config.<path-prefix>).
func (s *eventSubscriber) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pattern := range s.topics {
		if pattern == topic || strings.HasPrefix(topic, pattern) {
			return true
		}
	}
	return false
}

func (s *eventSubscriber) offer(topic string, payload any) {
	if !s.matches(topic) {
		return
	}
	select {
	case s.outbox <- topicEvent{Topic: topic, Payload: payload}:
	default:
		// Slow consumer: drop rather than block the publisher, the same
		// policy devices.Session.forward uses for its merged stream.
	}
}

func (s *eventSubscriber) writeLoop() {
	for {
		select {
		case ev := <-s.outbox:
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *eventSubscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// handleEvents implements the §6 event stream: a WebSocket-style
// bidirectional channel where subscribers send {topic} subscription
// requests and receive {topic, payload} messages.
func (k *Kernel) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		k.log.WithError(err).Warn("event stream upgrade failed")
		return
	}
	defer conn.Close()

	sub := newEventSubscriber(conn)
	k.hub.register(sub)
	defer k.hub.unregister(sub)
	go sub.writeLoop()

	for {
		var req struct {
			Topic string `json:"topic"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		if req.Topic != "" {
			sub.subscribeTopic(req.Topic)
		}
	}
	sub.close()
}

// eventFanoutStage drains the Config Store's subscription callback and the
// Device Manager's merged event channel into the hub. Task progress events
// are wired per-run instead, from cmdStart, since each Run has its own
// progressBus rather than one process-wide stream.
func (k *Kernel) eventFanoutStage() stage {
	var unsubConfig func()
	var cancel context.CancelFunc
	return stage{
		name: "event-fanout",
		start: func(ctx context.Context) error {
			unsubConfig = k.Config.Subscribe(configstore.Root(), func(change configstore.Change) {
				k.hub.publish("config."+change.Path.String(), map[string]any{
					"kind":  changeKindString(change.Kind),
					"value": toAny(change.Value),
				})
			})
			loopCtx, c := context.WithCancel(context.Background())
			cancel = c
			go k.drainDeviceEvents(loopCtx)
			return nil
		},
		stop: func(ctx context.Context) error {
			if unsubConfig != nil {
				unsubConfig()
			}
			if cancel != nil {
				cancel()
			}
			return nil
		},
	}
}

func (k *Kernel) drainDeviceEvents(ctx context.Context) {
	events := k.Devices.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == devices.SessionFaulted {
				topic := fmt.Sprintf("device.%s.fault", ev.DeviceID)
				k.hub.publish(topic, map[string]any{"error": ev.Err.Error(), "at": ev.At})
				continue
			}
			topic := fmt.Sprintf("device.%s.property.%s", ev.DeviceID, ev.Name)
			k.hub.publish(topic, map[string]any{"value": toAny(ev.Value), "at": ev.At})
		}
	}
}

// publishTaskProgress subscribes to a freshly created Run's progress
// stream so every step-started/completed/failed/loop-iteration/
// progress-hint event reaches the "task.progress" topic, tagged with the
// run id so a subscriber watching several runs can tell them apart.
func (k *Kernel) publishTaskProgress(runID string, run *tasks.Run) {
	run.Subscribe(func(ev tasks.ProgressEvent) {
		k.hub.publish("task.progress", map[string]any{
			"run_id":    runID,
			"node_id":   ev.NodeID,
			"kind":      string(ev.Kind),
			"payload":   ev.Payload,
			"timestamp": ev.Timestamp,
		})
	})
}

func changeKindString(kind configstore.ChangeKind) string {
	switch kind {
	case configstore.Set:
		return "set"
	case configstore.Removed:
		return "removed"
	default:
		return "unknown"
	}
}

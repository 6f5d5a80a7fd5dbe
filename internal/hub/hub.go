package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/session"
)

// Subscriber is one live viewer connection. Push must not block; it returns
// true when the subscriber is gone and should be dropped from the set.
type Subscriber interface {
	Push(data []byte) bool
}

// Mirror re-publishes update frames to an external transport (NATS).
type Mirror interface {
	PublishLocation(deviceId string, frame []byte)
}

type updateFrame struct {
	Type       string  `json:"type"`
	DeviceId   string  `json:"device_id"`
	PublicId   string  `json:"public_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Accuracy   float32 `json:"accuracy"`
	Color      string  `json:"color"`
	Timestamp  int64   `json:"timestamp"`
	ServerTime int64   `json:"server_time"`
}

type snapshotFrame struct {
	Type    string            `json:"type"`
	Devices []session.Summary `json:"devices"`
}

type eventFrame struct {
	Type   string          `json:"type"`
	Topic  string          `json:"topic"`
	Device session.Summary `json:"device"`
}

// Hub fans accepted+smoothed fixes out to every connected viewer. Delivery
// is best-effort, at-most-once: a broken subscriber is removed, never
// retried, and a slow one resynchronizes from the next update or snapshot.
type Hub struct {
	mu        sync.Mutex
	viewers   map[Subscriber]bool
	reg       *session.Registry
	mirror    Mirror
	log       log.Logger
	published uint64
	now       func() time.Time
}

func New(reg *session.Registry, b *bus.Bus) *Hub {
	h := &Hub{}
	h.viewers = make(map[Subscriber]bool)
	h.reg = reg
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "hub").Value()
	h.now = time.Now
	if b != nil {
		b.RegisterHandler("hub-event-forwarder", bus.Handler{
			Matcher: "^device\\..*",
			Handle: func(ctx context.Context, e bus.Event) {
				sum, ok := e.Data.(session.Summary)
				if !ok {
					return
				}
				h.broadcastEvent(e.Topic, sum)
			},
		})
	}
	return h
}

// SetMirror attaches an external re-publisher; nil disables mirroring.
func (h *Hub) SetMirror(m Mirror) {
	h.mirror = m
}

// Publish encodes one update frame and sends it to every open viewer.
func (h *Hub) Publish(sp fix.SmoothedPosition, sum session.Summary) {
	frame := updateFrame{
		Type:       "location",
		DeviceId:   sp.DeviceId,
		PublicId:   sum.PublicId,
		Latitude:   sp.Latitude,
		Longitude:  sp.Longitude,
		Accuracy:   sp.SourceAccuracy,
		Color:      sum.Color,
		Timestamp:  sp.Timestamp,
		ServerTime: h.now().UnixNano() / int64(time.Millisecond),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("encode update frame")
		return
	}
	h.send(data)
	atomic.AddUint64(&h.published, 1)
	if h.mirror != nil {
		h.mirror.PublishLocation(sp.DeviceId, data)
	}
}

func (h *Hub) broadcastEvent(topic string, sum session.Summary) {
	data, err := json.Marshal(eventFrame{Type: "event", Topic: topic, Device: sum})
	if err != nil {
		return
	}
	h.send(data)
}

func (h *Hub) send(data []byte) {
	h.mu.Lock()
	for sub := range h.viewers {
		closed := sub.Push(data)
		if closed {
			delete(h.viewers, sub)
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a viewer and immediately pushes the current snapshot
// of all device sessions so a late joiner is not blank until the next fix.
func (h *Hub) Subscribe(sub Subscriber) {
	snap, err := json.Marshal(snapshotFrame{Type: "snapshot", Devices: h.reg.Snapshot()})
	h.mu.Lock()
	h.viewers[sub] = true
	if err == nil {
		if sub.Push(snap) {
			delete(h.viewers, sub)
		}
	}
	h.mu.Unlock()
}

// Unsubscribe removes a viewer; idempotent.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	delete(h.viewers, sub)
	h.mu.Unlock()
}

func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) Published() uint64 {
	return atomic.LoadUint64(&h.published)
}

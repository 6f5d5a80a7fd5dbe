package session

import (
	"context"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"github.com/speps/go-hashids/v2"

	"nuha.dev/gpsfeed/internal/fix"
)

const (
	TopicDeviceCreated  = "device.created"
	TopicDeviceInactive = "device.inactive"
)

// marker colors rotate in creation order, same palette the web map uses
var palette = []string{
	"#007bff", "#28a745", "#dc3545", "#ffc107", "#17a2b8",
	"#6f42c1", "#fd7e14", "#20c997", "#e83e8c", "#6c757d",
}

// Session is the per-device aggregate. One instance per device id, created
// on the first accepted fix, mutated only through the registry.
type Session struct {
	DeviceId     string                `json:"device_id"`
	PublicId     string                `json:"public_id"`
	Color        string                `json:"color"`
	LastFix      *fix.ValidatedFix     `json:"last_fix,omitempty"`
	LastSmoothed *fix.SmoothedPosition `json:"last_smoothed,omitempty"`
	LastActivity int64                 `json:"last_activity"`
	Visible      bool                  `json:"visible"`
	Active       bool                  `json:"active"`
}

// Summary is the read-consistent copy handed to the hub and to snapshot
// consumers.
type Summary struct {
	DeviceId  string  `json:"device_id"`
	PublicId  string  `json:"public_id"`
	Color     string  `json:"color"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float32 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
	Visible   bool    `json:"visible"`
	Active    bool    `json:"active"`
}

func (s *Summary) MarshalObject(e *log.Entry) {
	e.Str("device_id", s.DeviceId).Str("public_id", s.PublicId)
}

type RegistryConfig struct {
	// InactivityTimeout of 0 disables expiry entirely: a device stays in the
	// live view forever once seen. When set, sessions idle past the timeout
	// transition to active=false but keep their state and trajectory.
	InactivityTimeout time.Duration
	JanitorInterval   time.Duration
	HashSalt          string
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{InactivityTimeout: 0, JanitorInterval: 10 * time.Second, HashSalt: "gpsfeed"}
}

type Registry struct {
	mu     sync.Mutex
	config RegistryConfig
	list   map[string]*Session
	seq    int64
	hash   *hashids.HashID
	bus    *bus.Bus
	log    log.Logger
	now    func() time.Time
}

// NewRegistry builds the device session registry. The bus may be nil, in
// which case lifecycle events are not emitted.
func NewRegistry(b *bus.Bus, config RegistryConfig) *Registry {
	r := &Registry{}
	r.config = config
	r.list = make(map[string]*Session)
	r.bus = b
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "session").Value()
	r.now = time.Now
	hd := hashids.NewData()
	hd.Salt = config.HashSalt
	hd.MinLength = 6
	r.hash, _ = hashids.NewWithData(hd)
	if b != nil {
		b.RegisterTopics(TopicDeviceCreated, TopicDeviceInactive)
	}
	return r
}

// GetOrCreate is idempotent; the first call for a device assigns the next
// palette color, mints a public id and fires the device.created event.
func (r *Registry) GetOrCreate(deviceId string) *Session {
	r.mu.Lock()
	s, ok := r.list[deviceId]
	if ok {
		r.mu.Unlock()
		return s
	}
	s = &Session{DeviceId: deviceId, Visible: true, Active: true}
	s.Color = palette[int(r.seq)%len(palette)]
	s.PublicId, _ = r.hash.EncodeInt64([]int64{r.seq})
	r.seq++
	r.list[deviceId] = s
	sum := summarize(s)
	r.mu.Unlock()

	r.log.Info().Str("event", "device_created").Str("device_id", deviceId).Str("public_id", s.PublicId).Msg("")
	r.emit(TopicDeviceCreated, sum)
	return s
}

// RecordFix updates the session with a newly accepted and smoothed fix and
// returns a read-consistent summary for publishing.
func (r *Registry) RecordFix(deviceId string, vf fix.ValidatedFix, sp fix.SmoothedPosition) Summary {
	s := r.GetOrCreate(deviceId)
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LastFix = &vf
	s.LastSmoothed = &sp
	s.LastActivity = r.now().UnixNano() / int64(time.Millisecond)
	s.Active = true
	return summarize(s)
}

func (r *Registry) SetVisible(deviceId string, visible bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.list[deviceId]
	if !ok {
		return false
	}
	s.Visible = visible
	return true
}

func (r *Registry) Get(deviceId string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.list[deviceId]
	if !ok {
		return Summary{}, false
	}
	return summarize(s), true
}

// Snapshot enumerates all sessions, for late-joining viewers.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.list))
	for _, s := range r.list {
		out = append(out, summarize(s))
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// RunJanitor blocks, periodically demoting idle sessions. No-op when the
// expiry policy is disabled.
func (r *Registry) RunJanitor() {
	if r.config.InactivityTimeout == 0 {
		return
	}
	ticker := time.NewTicker(r.config.JanitorInterval)
	for range ticker.C {
		r.expireIdle()
	}
}

func (r *Registry) expireIdle() {
	if r.config.InactivityTimeout == 0 {
		return
	}
	nowMs := r.now().UnixNano() / int64(time.Millisecond)
	cutoff := nowMs - r.config.InactivityTimeout.Milliseconds()
	var idle []Summary
	r.mu.Lock()
	for _, s := range r.list {
		if s.Active && s.LastActivity < cutoff {
			s.Active = false
			idle = append(idle, summarize(s))
		}
	}
	r.mu.Unlock()
	for _, sum := range idle {
		r.log.Info().Str("event", "device_inactive").EmbedObject(&sum).Msg("")
		r.emit(TopicDeviceInactive, sum)
	}
}

func (r *Registry) emit(topic string, sum Summary) {
	if r.bus == nil {
		return
	}
	err := r.bus.Emit(context.Background(), topic, sum)
	if err != nil {
		r.log.Error().Err(err).Str("topic", topic).Msg("event emit failed")
	}
}

func summarize(s *Session) Summary {
	sum := Summary{
		DeviceId: s.DeviceId,
		PublicId: s.PublicId,
		Color:    s.Color,
		Visible:  s.Visible,
		Active:   s.Active,
	}
	if s.LastSmoothed != nil {
		sum.Latitude = s.LastSmoothed.Latitude
		sum.Longitude = s.LastSmoothed.Longitude
		sum.Accuracy = s.LastSmoothed.SourceAccuracy
		sum.Timestamp = s.LastSmoothed.Timestamp
	}
	return sum
}

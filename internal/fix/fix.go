package fix

import (
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/geo"
)

// RawFix is a single GPS reading as reported by a device transport.
// Immutable once created.
type RawFix struct {
	DeviceId  string   `json:"device_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float32  `json:"accuracy"`
	Speed     *float32 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Provider  string   `json:"provider,omitempty"`
	Mock      bool     `json:"mock,omitempty"`
}

func (f *RawFix) Point() geo.Point {
	return geo.Point{Latitude: f.Latitude, Longitude: f.Longitude}
}

func (f *RawFix) Time() time.Time {
	return time.Unix(0, f.Timestamp*int64(time.Millisecond)).UTC()
}

func (f *RawFix) MarshalObject(e *log.Entry) {
	e.Str("device_id", f.DeviceId).Float64("lat", f.Latitude).Float64("lon", f.Longitude).Float32("accuracy", f.Accuracy)
}

// ValidatedFix is a RawFix that passed the validator.
type ValidatedFix struct {
	RawFix
	AcceptedAt int64 `json:"accepted_at"`
}

// SmoothedPosition is the filtered position derived from a stream of
// accepted fixes. Superseded by the next accepted fix.
type SmoothedPosition struct {
	DeviceId       string  `json:"device_id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	SourceAccuracy float32 `json:"accuracy"`
	Timestamp      int64   `json:"timestamp"`
}

func (p *SmoothedPosition) Point() geo.Point {
	return geo.Point{Latitude: p.Latitude, Longitude: p.Longitude}
}

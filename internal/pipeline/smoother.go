package pipeline

import (
	"sync"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/geo"
)

const (
	StrategyExponential = "ema"
	StrategyWeighted    = "wma"
)

type SmootherConfig struct {
	// BufferSize bounds the per-device point history, 3-5 points.
	BufferSize int `validate:"gte=1,lte=16"`
	// Strategy selects the authoritative output: exponential gain smoothing
	// or a weighted moving average over the buffered points.
	Strategy string `validate:"oneof=ema wma"`
}

func DefaultSmootherConfig() SmootherConfig {
	return SmootherConfig{BufferSize: 5, Strategy: StrategyExponential}
}

type smootherState struct {
	lat, lon float64
	lastTs   int64
	buf      []geo.Point
}

// Smoother converts a per-device stream of accepted fixes into smoothed
// positions. The first fix for a device passes through untouched; every
// later fix is pulled toward the running estimate with a gain picked from
// its reported accuracy (tighter accuracy trusts the new sample more).
type Smoother struct {
	mu     sync.Mutex
	config SmootherConfig
	states map[string]*smootherState
}

func NewSmoother(config SmootherConfig) *Smoother {
	s := &Smoother{}
	s.config = config
	s.states = make(map[string]*smootherState)
	return s
}

func gain(accuracy float32) float64 {
	switch {
	case accuracy < 10:
		return 0.7
	case accuracy < 20:
		return 0.5
	default:
		return 0.3
	}
}

func (s *Smoother) state(deviceId string) *smootherState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[deviceId]
	if !ok {
		st = &smootherState{buf: make([]geo.Point, 0, s.config.BufferSize)}
		s.states[deviceId] = st
	}
	return st
}

// Smooth folds an accepted fix into the device's estimate. Output timestamps
// are monotonically non-decreasing per device.
func (s *Smoother) Smooth(f fix.ValidatedFix) fix.SmoothedPosition {
	st := s.state(f.DeviceId)

	ts := f.Timestamp
	if len(st.buf) == 0 {
		st.lat = f.Latitude
		st.lon = f.Longitude
	} else {
		if ts < st.lastTs {
			ts = st.lastTs
		}
		g := gain(f.Accuracy)
		st.lat = st.lat + g*(f.Latitude-st.lat)
		st.lon = st.lon + g*(f.Longitude-st.lon)
	}
	st.lastTs = ts

	st.buf = append(st.buf, geo.Point{Latitude: st.lat, Longitude: st.lon})
	if len(st.buf) > s.config.BufferSize {
		st.buf = st.buf[1:]
	}

	out := fix.SmoothedPosition{
		DeviceId:       f.DeviceId,
		Latitude:       st.lat,
		Longitude:      st.lon,
		SourceAccuracy: f.Accuracy,
		Timestamp:      ts,
	}
	if s.config.Strategy == StrategyWeighted {
		p := weightedMean(st.buf)
		out.Latitude = p.Latitude
		out.Longitude = p.Longitude
	}
	return out
}

// weightedMean averages points with linearly increasing weights, most recent
// point weighted highest.
func weightedMean(points []geo.Point) geo.Point {
	var lat, lon, wsum float64
	for i, p := range points {
		w := float64(i + 1)
		lat += w * p.Latitude
		lon += w * p.Longitude
		wsum += w
	}
	return geo.Point{Latitude: lat / wsum, Longitude: lon / wsum}
}

type PathSmootherConfig struct {
	BufferSize        int
	MaxJumpMeters     float64
	MinMovementMeters float64
}

func DefaultPathSmootherConfig() PathSmootherConfig {
	return PathSmootherConfig{BufferSize: 5, MaxJumpMeters: 100, MinMovementMeters: 1}
}

// PathSmoother reconstructs a displayed trajectory from a raw point stream
// that did not pass through the validator, e.g. history replay of stored
// rows. It is a deliberately redundant second line of defense: points that
// jump too far or barely move are dropped and the previous smoothed point is
// repeated, the rest are blended with a weighted moving average.
type PathSmoother struct {
	config PathSmootherConfig
	buf    []geo.Point
	last   geo.Point
	seen   bool
}

func NewPathSmoother(config PathSmootherConfig) *PathSmoother {
	return &PathSmoother{config: config, buf: make([]geo.Point, 0, config.BufferSize)}
}

func (p *PathSmoother) Next(raw geo.Point) geo.Point {
	if !p.seen {
		p.seen = true
		p.buf = append(p.buf, raw)
		p.last = raw
		return raw
	}
	tail := p.buf[len(p.buf)-1]
	d := geo.DistanceMeters(tail, raw)
	if d > p.config.MaxJumpMeters || d < p.config.MinMovementMeters {
		return p.last
	}
	p.buf = append(p.buf, raw)
	if len(p.buf) > p.config.BufferSize {
		p.buf = p.buf[1:]
	}
	p.last = weightedMean(p.buf)
	return p.last
}

package pipeline

import (
	"sync"
	"time"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/geo"
)

type Reason string

const (
	ReasonNone            Reason = ""
	LOW_ACCURACY          Reason = "LOW_ACCURACY"
	NULL_COORDS           Reason = "NULL_COORDS"
	OUT_OF_RANGE          Reason = "OUT_OF_RANGE"
	MOCK_LOCATION         Reason = "MOCK_LOCATION"
	UNTRUSTED_PROVIDER    Reason = "UNTRUSTED_PROVIDER"
	STALE                 Reason = "STALE"
	EXCESS_SPEED_ABSOLUTE Reason = "EXCESS_SPEED_ABSOLUTE"
	EXCESS_JUMP           Reason = "EXCESS_JUMP"
	EXCESS_SPEED_RELATIVE Reason = "EXCESS_SPEED_RELATIVE"
	GPS_NOISE             Reason = "GPS_NOISE"
)

type ValidatorConfig struct {
	MaxAccuracy       float32       `validate:"gt=0"`
	MaxAge            time.Duration `validate:"gt=0"`
	MaxReportedSpeed  float64       `validate:"gt=0"`
	MaxJumpMeters     float64       `validate:"gt=0"`
	JumpWindow        time.Duration `validate:"gt=0"`
	MaxDerivedSpeed   float64       `validate:"gt=0"`
	MinMovementMeters float64       `validate:"gte=0"`
	MinMovementWindow time.Duration `validate:"gte=0"`
	AllowedProviders  []string
}

// ForegroundValidatorConfig is the strict profile used for a UI-facing feed.
func ForegroundValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAccuracy:       30,
		MaxAge:            15 * time.Second,
		MaxReportedSpeed:  33.33, // 120 km/h
		MaxJumpMeters:     500,
		JumpWindow:        15 * time.Second,
		MaxDerivedSpeed:   27.78, // 100 km/h
		MinMovementMeters: 1,
		MinMovementWindow: 5 * time.Second,
		AllowedProviders:  []string{"gps", "fused"},
	}
}

// BackgroundValidatorConfig is the loose profile for a background trickle
// feed, where readings are sparse and lower quality.
func BackgroundValidatorConfig() ValidatorConfig {
	c := ForegroundValidatorConfig()
	c.MaxAccuracy = 100
	c.MaxReportedSpeed = 55.5 // 200 km/h
	c.MaxDerivedSpeed = 55.5
	return c
}

type deviceGate struct {
	last       fix.RawFix
	acceptedAt time.Time
	seen       bool
}

// Validator is the stateful per-device plausibility gate. The state map is
// guarded by its own mutex; mutation of a single device's gate relies on the
// pipeline serializing fixes per device.
type Validator struct {
	mu     sync.Mutex
	config ValidatorConfig
	gates  map[string]*deviceGate
	now    func() time.Time
}

func NewValidator(config ValidatorConfig) *Validator {
	v := &Validator{}
	v.config = config
	v.gates = make(map[string]*deviceGate)
	v.now = time.Now
	return v
}

func (v *Validator) gate(deviceId string) *deviceGate {
	v.mu.Lock()
	defer v.mu.Unlock()
	g, ok := v.gates[deviceId]
	if !ok {
		g = &deviceGate{}
		v.gates[deviceId] = g
	}
	return g
}

// Validate applies the plausibility rules in order; the first failing rule
// determines the rejection reason. On acceptance the device gate is advanced
// to the new fix.
func (v *Validator) Validate(f fix.RawFix) (fix.ValidatedFix, Reason) {
	now := v.now().UTC()

	if f.Accuracy > v.config.MaxAccuracy {
		return fix.ValidatedFix{}, LOW_ACCURACY
	}
	if f.Latitude == 0 && f.Longitude == 0 {
		return fix.ValidatedFix{}, NULL_COORDS
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
		return fix.ValidatedFix{}, OUT_OF_RANGE
	}
	if f.Mock {
		return fix.ValidatedFix{}, MOCK_LOCATION
	}
	if f.Provider != "" && !v.providerAllowed(f.Provider) {
		return fix.ValidatedFix{}, UNTRUSTED_PROVIDER
	}
	if now.Sub(f.Time()) > v.config.MaxAge {
		return fix.ValidatedFix{}, STALE
	}
	if f.Speed != nil && float64(*f.Speed) > v.config.MaxReportedSpeed {
		return fix.ValidatedFix{}, EXCESS_SPEED_ABSOLUTE
	}

	g := v.gate(f.DeviceId)
	if g.seen {
		elapsed := now.Sub(g.acceptedAt)
		dist := geo.DistanceMeters(g.last.Point(), f.Point())
		if dist > v.config.MaxJumpMeters && elapsed < v.config.JumpWindow {
			return fix.ValidatedFix{}, EXCESS_JUMP
		}
		if elapsed > 0 && dist/elapsed.Seconds() > v.config.MaxDerivedSpeed {
			return fix.ValidatedFix{}, EXCESS_SPEED_RELATIVE
		}
		if dist < v.config.MinMovementMeters && elapsed < v.config.MinMovementWindow {
			return fix.ValidatedFix{}, GPS_NOISE
		}
	}

	g.last = f
	g.acceptedAt = now
	g.seen = true
	return fix.ValidatedFix{RawFix: f, AcceptedAt: now.UnixNano() / int64(time.Millisecond)}, ReasonNone
}

func (v *Validator) providerAllowed(provider string) bool {
	for _, p := range v.config.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

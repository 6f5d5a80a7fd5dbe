package pipeline

import (
	"testing"
	"time"

	"nuha.dev/gpsfeed/internal/fix"
)

func msTime(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// testValidator returns a validator with a controllable clock.
func testValidator(cfg ValidatorConfig) (*Validator, *time.Time) {
	v := NewValidator(cfg)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	return v, &now
}

func freshFix(deviceId string, lat, lon float64, acc float32, now time.Time) fix.RawFix {
	return fix.RawFix{
		DeviceId:  deviceId,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  acc,
		Timestamp: msTime(now),
	}
}

func TestLowAccuracy(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 31, *now)
	_, reason := v.Validate(f)
	if reason != LOW_ACCURACY {
		t.Errorf("reason = %s, want LOW_ACCURACY", reason)
	}
	// threshold is inclusive
	f.Accuracy = 30
	if _, reason := v.Validate(f); reason != ReasonNone {
		t.Errorf("accuracy == threshold rejected: %s", reason)
	}
}

func TestNullCoords(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", 0, 0, 1, *now)
	if _, reason := v.Validate(f); reason != NULL_COORDS {
		t.Errorf("reason = %s, want NULL_COORDS", reason)
	}
}

func TestOutOfRange(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	cases := [][2]float64{{91, 0}, {-91, 0}, {10, 181}, {10, -181}}
	for _, c := range cases {
		f := freshFix("d1", c[0], c[1], 5, *now)
		if _, reason := v.Validate(f); reason != OUT_OF_RANGE {
			t.Errorf("(%f,%f) reason = %s, want OUT_OF_RANGE", c[0], c[1], reason)
		}
	}
}

func TestMockLocation(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 5, *now)
	f.Mock = true
	if _, reason := v.Validate(f); reason != MOCK_LOCATION {
		t.Errorf("reason = %s, want MOCK_LOCATION", reason)
	}
}

func TestProviderAllowList(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 5, *now)
	f.Provider = "network"
	if _, reason := v.Validate(f); reason != UNTRUSTED_PROVIDER {
		t.Errorf("reason = %s, want UNTRUSTED_PROVIDER", reason)
	}
	f.Provider = "fused"
	if _, reason := v.Validate(f); reason != ReasonNone {
		t.Errorf("fused provider rejected: %s", reason)
	}
	// absent provider passes the gate
	f2 := freshFix("d2", -13.5, -71.9, 5, *now)
	if _, reason := v.Validate(f2); reason != ReasonNone {
		t.Errorf("missing provider rejected: %s", reason)
	}
}

func TestStale(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 5, now.Add(-16*time.Second))
	if _, reason := v.Validate(f); reason != STALE {
		t.Errorf("reason = %s, want STALE", reason)
	}
}

func TestReportedSpeed(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 5, *now)
	speed := float32(34.0)
	f.Speed = &speed
	if _, reason := v.Validate(f); reason != EXCESS_SPEED_ABSOLUTE {
		t.Errorf("reason = %s, want EXCESS_SPEED_ABSOLUTE", reason)
	}
}

func TestJumpGate(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	if _, reason := v.Validate(freshFix("d1", 10, 10, 5, *now)); reason != ReasonNone {
		t.Fatalf("first fix rejected: %s", reason)
	}

	// ~600m north of the last accepted point
	jumpLat := 10 + 600.0/111320.0

	*now = now.Add(5 * time.Second)
	if _, reason := v.Validate(freshFix("d1", jumpLat, 10, 5, *now)); reason != EXCESS_JUMP {
		t.Errorf("600m in 5s: reason = %s, want EXCESS_JUMP", reason)
	}

	// same displacement after a long gap is plausible
	*now = now.Add(55 * time.Second)
	if _, reason := v.Validate(freshFix("d1", jumpLat, 10, 5, *now)); reason != ReasonNone {
		t.Errorf("600m in 60s rejected: %s", reason)
	}
}

func TestDerivedSpeedGate(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	if _, reason := v.Validate(freshFix("d1", 10, 10, 5, *now)); reason != ReasonNone {
		t.Fatalf("first fix rejected: %s", reason)
	}
	// ~300m in 5s = 60 m/s, under the jump threshold but over derived speed
	*now = now.Add(5 * time.Second)
	lat := 10 + 300.0/111320.0
	if _, reason := v.Validate(freshFix("d1", lat, 10, 5, *now)); reason != EXCESS_SPEED_RELATIVE {
		t.Errorf("reason = %s, want EXCESS_SPEED_RELATIVE", reason)
	}
}

func TestNoiseGate(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	if _, reason := v.Validate(freshFix("d1", 10, 10, 5, *now)); reason != ReasonNone {
		t.Fatalf("first fix rejected: %s", reason)
	}
	// ~0.5m away within 2s is jitter
	noiseLat := 10 + 0.5/111320.0
	*now = now.Add(2 * time.Second)
	if _, reason := v.Validate(freshFix("d1", noiseLat, 10, 5, *now)); reason != GPS_NOISE {
		t.Errorf("0.5m in 2s: reason = %s, want GPS_NOISE", reason)
	}
	// same displacement after the window expires is a legitimate (slow) move
	*now = now.Add(8 * time.Second)
	if _, reason := v.Validate(freshFix("d1", noiseLat, 10, 5, *now)); reason != ReasonNone {
		t.Errorf("0.5m in 10s rejected: %s", reason)
	}
}

func TestRejectionDoesNotAdvanceGate(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	if _, reason := v.Validate(freshFix("d1", 10, 10, 5, *now)); reason != ReasonNone {
		t.Fatalf("first fix rejected: %s", reason)
	}
	jumpLat := 10 + 600.0/111320.0
	*now = now.Add(5 * time.Second)
	if _, reason := v.Validate(freshFix("d1", jumpLat, 10, 5, *now)); reason != EXCESS_JUMP {
		t.Fatalf("expected EXCESS_JUMP")
	}
	// the rejected fix must not have become the new reference point
	*now = now.Add(2 * time.Second)
	if _, reason := v.Validate(freshFix("d1", jumpLat, 10, 5, *now)); reason != EXCESS_JUMP {
		t.Errorf("reference advanced by a rejected fix: %s", reason)
	}
}

func TestDevicesIndependent(t *testing.T) {
	v, now := testValidator(ForegroundValidatorConfig())
	if _, reason := v.Validate(freshFix("d1", 10, 10, 5, *now)); reason != ReasonNone {
		t.Fatalf("d1 first fix rejected: %s", reason)
	}
	// another device reporting far away is its own first fix
	if _, reason := v.Validate(freshFix("d2", 20, 20, 5, *now)); reason != ReasonNone {
		t.Errorf("d2 first fix rejected: %s", reason)
	}
}

func TestBackgroundProfile(t *testing.T) {
	v, now := testValidator(BackgroundValidatorConfig())
	f := freshFix("d1", -13.5, -71.9, 80, *now)
	if _, reason := v.Validate(f); reason != ReasonNone {
		t.Errorf("80m accuracy rejected by background profile: %s", reason)
	}
}

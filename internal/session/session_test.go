package session

import (
	"testing"
	"time"

	"nuha.dev/gpsfeed/internal/fix"
)

func testFix(deviceId string, lat, lon float64, ts int64) (fix.ValidatedFix, fix.SmoothedPosition) {
	vf := fix.ValidatedFix{
		RawFix:     fix.RawFix{DeviceId: deviceId, Latitude: lat, Longitude: lon, Accuracy: 10, Timestamp: ts},
		AcceptedAt: ts,
	}
	sp := fix.SmoothedPosition{DeviceId: deviceId, Latitude: lat, Longitude: lon, SourceAccuracy: 10, Timestamp: ts}
	return vf, sp
}

func TestGetOrCreateIdempotent(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	s1 := r.GetOrCreate("d1")
	s2 := r.GetOrCreate("d1")
	if s1 != s2 {
		t.Error("GetOrCreate created a second session for the same device")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestColorRotation(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	seen := make(map[string]bool)
	for i := 0; i < len(palette); i++ {
		s := r.GetOrCreate(string(rune('a' + i)))
		if seen[s.Color] {
			t.Errorf("color %s assigned twice within one palette cycle", s.Color)
		}
		seen[s.Color] = true
	}
	// palette wraps around
	s := r.GetOrCreate("wrap")
	if s.Color != palette[0] {
		t.Errorf("wrapped color = %s, want %s", s.Color, palette[0])
	}
}

func TestPublicIdsDistinct(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	a := r.GetOrCreate("d1")
	b := r.GetOrCreate("d2")
	if a.PublicId == "" || a.PublicId == b.PublicId {
		t.Errorf("public ids not distinct: %q %q", a.PublicId, b.PublicId)
	}
}

func TestRecordFix(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	vf, sp := testFix("d1", -13.5, -71.9, 1000)
	sum := r.RecordFix("d1", vf, sp)
	if sum.Latitude != -13.5 || sum.Longitude != -71.9 {
		t.Errorf("summary position = (%f,%f)", sum.Latitude, sum.Longitude)
	}
	if !sum.Active || !sum.Visible {
		t.Error("recorded session should be active and visible")
	}
	s := r.GetOrCreate("d1")
	if s.LastFix == nil || s.LastSmoothed == nil {
		t.Fatal("session fix state not set")
	}
	if s.LastActivity == 0 {
		t.Error("last activity not set")
	}
}

func TestSetVisible(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	if r.SetVisible("missing", false) {
		t.Error("SetVisible on unknown device reported success")
	}
	r.GetOrCreate("d1")
	if !r.SetVisible("d1", false) {
		t.Fatal("SetVisible failed")
	}
	sum, _ := r.Get("d1")
	if sum.Visible {
		t.Error("visibility flag not applied")
	}
}

func TestSnapshotContainsAll(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	for _, id := range []string{"d1", "d2", "d3"} {
		vf, sp := testFix(id, 10, 10, 1000)
		r.RecordFix(id, vf, sp)
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	seen := make(map[string]bool)
	for _, sum := range snap {
		seen[sum.DeviceId] = true
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		if !seen[id] {
			t.Errorf("device %s missing from snapshot", id)
		}
	}
}

func TestExpiryDisabledByDefault(t *testing.T) {
	r := NewRegistry(nil, DefaultRegistryConfig())
	vf, sp := testFix("d1", 10, 10, 1000)
	r.RecordFix("d1", vf, sp)
	// shift the clock far forward; with the policy disabled nothing expires
	r.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	r.expireIdle()
	sum, _ := r.Get("d1")
	if !sum.Active {
		t.Error("session expired although the policy is disabled")
	}
}

func TestExpiryMarksInactive(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.InactivityTimeout = time.Minute
	r := NewRegistry(nil, cfg)
	vf, sp := testFix("d1", 10, 10, 1000)
	r.RecordFix("d1", vf, sp)
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	r.expireIdle()
	sum, ok := r.Get("d1")
	if !ok {
		t.Fatal("session evicted; expiry must only demote")
	}
	if sum.Active {
		t.Error("idle session still active")
	}
	// a new fix reactivates
	vf2, sp2 := testFix("d1", 10.001, 10, 2000)
	sum = r.RecordFix("d1", vf2, sp2)
	if !sum.Active {
		t.Error("session not reactivated by a new fix")
	}
}

package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

func TestFrameBuffer_EvictsOldest(t *testing.T) {
	b := NewFrameBuffer()
	base := time.Now()

	for i := 0; i < frameRingSize+3; i++ {
		b.Add(types.Frame{
			DeviceID:   "phone",
			Image:      fmt.Sprintf("img-%d", i),
			CapturedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	if b.Len() != frameRingSize {
		t.Fatalf("Len = %d, want %d", b.Len(), frameRingSize)
	}

	// The newest frame must survive eviction.
	f, ok := b.Freshest(time.Hour, base.Add(time.Second))
	if !ok {
		t.Fatal("expected a frame")
	}
	if f.Image != fmt.Sprintf("img-%d", frameRingSize+2) {
		t.Errorf("freshest = %q, want the last-added frame", f.Image)
	}
}

func TestFrameBuffer_FreshnessBoundary(t *testing.T) {
	b := NewFrameBuffer()
	captured := time.Now()
	b.Add(types.Frame{DeviceID: "phone", Image: "img", CapturedAt: captured})

	// Age exactly 2000ms is fresh.
	if _, ok := b.Freshest(InjectionWindow, captured.Add(2000*time.Millisecond)); !ok {
		t.Error("frame aged exactly 2000ms should be fresh")
	}

	// Age 2001ms is stale.
	if _, ok := b.Freshest(InjectionWindow, captured.Add(2001*time.Millisecond)); ok {
		t.Error("frame aged 2001ms should be stale")
	}
}

func TestFrameBuffer_FreshestPrefersNewest(t *testing.T) {
	b := NewFrameBuffer()
	base := time.Now()

	b.Add(types.Frame{DeviceID: "a", Image: "old", CapturedAt: base})
	b.Add(types.Frame{DeviceID: "b", Image: "new", CapturedAt: base.Add(500 * time.Millisecond)})

	f, ok := b.Freshest(InjectionWindow, base.Add(time.Second))
	if !ok || f.Image != "new" {
		t.Fatalf("freshest = %+v, want the newer frame", f)
	}
}

func TestFrameBuffer_PerDeviceLatest(t *testing.T) {
	b := NewFrameBuffer()
	base := time.Now()

	b.Add(types.Frame{DeviceID: "phone", Image: "p1", CapturedAt: base})
	b.Add(types.Frame{DeviceID: "laptop", Image: "l1", CapturedAt: base.Add(100 * time.Millisecond)})
	b.Add(types.Frame{DeviceID: "phone", Image: "p2", CapturedAt: base.Add(200 * time.Millisecond)})

	latest := b.PerDeviceLatest()
	if len(latest) != 2 {
		t.Fatalf("len = %d, want 2", len(latest))
	}
	if latest["phone"].Image != "p2" {
		t.Errorf("phone latest = %q, want p2", latest["phone"].Image)
	}
	if latest["laptop"].Image != "l1" {
		t.Errorf("laptop latest = %q, want l1", latest["laptop"].Image)
	}
}

func TestFrameBuffer_EmptyQueries(t *testing.T) {
	b := NewFrameBuffer()
	if _, ok := b.Freshest(time.Hour, time.Now()); ok {
		t.Error("empty buffer should return no frame")
	}
	if got := b.PerDeviceLatest(); len(got) != 0 {
		t.Errorf("empty buffer PerDeviceLatest = %v, want empty", got)
	}
}

package broker

import (
	"sync"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

// Freshness windows for camera frames. A frame whose age is exactly at the
// window boundary is still fresh.
const (
	// InjectionWindow bounds frame age for prompt injection on a response turn.
	InjectionWindow = 2 * time.Second

	// QAWindow bounds frame age for question-answer visual context.
	QAWindow = 3 * time.Second

	// BackgroundWindow bounds frame age for background scene analysis.
	BackgroundWindow = 5 * time.Second
)

// frameRingSize bounds the cross-device frame history.
const frameRingSize = 10

// FrameBuffer holds the most recent camera frames of one session, across all
// of its devices. It keeps a bounded insertion-ordered ring for multi-angle
// aggregation plus the latest frame per device.
//
// Safe for concurrent use: the gateway ingests frames while the session task
// queries them.
type FrameBuffer struct {
	mu     sync.Mutex
	ring   []types.Frame
	latest map[string]types.Frame
}

// NewFrameBuffer returns an empty FrameBuffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		ring:   make([]types.Frame, 0, frameRingSize),
		latest: make(map[string]types.Frame),
	}
}

// Add ingests a frame, evicting the oldest ring entry when full.
func (b *FrameBuffer) Add(f types.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) == frameRingSize {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:frameRingSize-1]
	}
	b.ring = append(b.ring, f)
	b.latest[f.DeviceID] = f
}

// Freshest returns the newest frame whose age at now is within ageLimit
// (inclusive). The second return is false when no frame qualifies.
func (b *FrameBuffer) Freshest(ageLimit time.Duration, now time.Time) (types.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.ring) - 1; i >= 0; i-- {
		if b.ring[i].Age(now) <= ageLimit {
			return b.ring[i], true
		}
	}
	return types.Frame{}, false
}

// PerDeviceLatest returns the most recent frame of every device that has sent
// at least one, for multi-angle aggregation. The map is a copy.
func (b *FrameBuffer) PerDeviceLatest() map[string]types.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]types.Frame, len(b.latest))
	for id, f := range b.latest {
		out[id] = f
	}
	return out
}

// Len returns the number of frames currently in the ring.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

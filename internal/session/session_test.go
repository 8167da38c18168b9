package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redi-labs/redi/pkg/types"
)

type sentMsg struct {
	Type    string
	Payload any
}

// fakeConn records everything sent to one device.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []sentMsg
	binary [][]byte
	closed bool
	code   int
}

func (c *fakeConn) SendJSON(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sentMsg{Type: msgType, Payload: payload})
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

func (c *fakeConn) count(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(opts ...Option) *Session {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New("sess-1", "ABCD23", opts...)
}

func TestSession_FirstDeviceIsHost(t *testing.T) {
	s := newSession()
	host := &fakeConn{}
	guest := &fakeConn{}

	d1, err := s.Join("phone", host)
	if err != nil || !d1.IsHost {
		t.Fatalf("Join host = %+v, %v; want host device", d1, err)
	}
	d2, err := s.Join("laptop", guest)
	if err != nil || d2.IsHost {
		t.Fatalf("Join guest = %+v, %v; want non-host", d2, err)
	}
	if !s.IsHost("phone") || s.IsHost("laptop") {
		t.Error("host role misassigned")
	}

	// The host was told about the guest.
	if host.count("participant_joined") != 1 {
		t.Errorf("host participant_joined = %d, want 1", host.count("participant_joined"))
	}
	// The joining device itself is not notified.
	if guest.count("participant_joined") != 0 {
		t.Errorf("guest participant_joined = %d, want 0", guest.count("participant_joined"))
	}
}

func TestSession_GuestLeaveNotifiesPeers(t *testing.T) {
	s := newSession()
	host := &fakeConn{}
	s.Join("phone", host)
	s.Join("laptop", &fakeConn{})

	s.Leave("laptop")

	if host.count("participant_left") != 1 {
		t.Errorf("participant_left = %d, want 1", host.count("participant_left"))
	}
	if s.Ended() {
		t.Error("guest departure must not end the session")
	}
}

func TestSession_HostReconnectWithinGrace(t *testing.T) {
	s := newSession(WithReconnectGrace(100 * time.Millisecond))
	s.Join("phone", &fakeConn{})
	s.Join("laptop", &fakeConn{})

	s.Leave("phone")
	time.Sleep(20 * time.Millisecond)

	d, err := s.Join("phone", &fakeConn{})
	if err != nil {
		t.Fatalf("host rejoin failed: %v", err)
	}
	if !d.IsHost {
		t.Fatal("returning host must reclaim the host role")
	}

	// Past the original deadline the session must still be alive.
	time.Sleep(150 * time.Millisecond)
	if s.Ended() {
		t.Fatal("session ended despite host reconnecting within grace")
	}
}

func TestSession_HostGraceExpiryEndsSession(t *testing.T) {
	var endReason string
	var mu sync.Mutex
	s := newSession(
		WithReconnectGrace(50*time.Millisecond),
		WithOnEnd(func(reason string) {
			mu.Lock()
			endReason = reason
			mu.Unlock()
		}),
	)
	s.Join("phone", &fakeConn{})
	guest := &fakeConn{}
	s.Join("laptop", guest)

	s.Leave("phone")

	deadline := time.Now().Add(time.Second)
	for !s.Ended() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Ended() {
		t.Fatal("session must end after the host grace expires")
	}
	if guest.count("session_end") != 1 {
		t.Errorf("guest session_end = %d, want 1", guest.count("session_end"))
	}
	if !guest.isClosed() {
		t.Error("guest connection must be closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if endReason != "host_disconnected" {
		t.Errorf("end reason = %q, want host_disconnected", endReason)
	}

	if _, err := s.Join("tablet", &fakeConn{}); err != ErrSessionEnded {
		t.Errorf("Join on ended session = %v, want ErrSessionEnded", err)
	}
}

func TestSession_DurationBudgetEndsSession(t *testing.T) {
	var endReason string
	var mu sync.Mutex
	s := newSession(
		WithDuration(50*time.Millisecond),
		WithOnEnd(func(reason string) {
			mu.Lock()
			endReason = reason
			mu.Unlock()
		}),
	)
	guest := &fakeConn{}
	s.Join("phone", guest)

	if left, ok := s.Remaining(); !ok || left <= 0 {
		t.Fatalf("Remaining = %v, %v; want a positive budget", left, ok)
	}

	deadline := time.Now().Add(time.Second)
	for !s.Ended() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Ended() {
		t.Fatal("session must end when its duration budget runs out")
	}
	mu.Lock()
	defer mu.Unlock()
	if endReason != "duration_exhausted" {
		t.Errorf("end reason = %q, want duration_exhausted", endReason)
	}
	if guest.count("session_end") != 1 {
		t.Errorf("session_end messages = %d, want 1", guest.count("session_end"))
	}
}

func TestSession_NoDurationMeansUnlimited(t *testing.T) {
	s := newSession()
	if _, ok := s.Remaining(); ok {
		t.Error("session without a budget must report unlimited")
	}

	// An early End must not race a lingering budget timer.
	s.End("user_request")
	if !s.Ended() {
		t.Fatal("session must be ended")
	}
}

func TestSession_EndStopsDurationTimer(t *testing.T) {
	reasons := make(chan string, 2)
	s := newSession(
		WithDuration(30*time.Millisecond),
		WithOnEnd(func(reason string) { reasons <- reason }),
	)
	s.End("user_request")

	time.Sleep(60 * time.Millisecond)
	if got := <-reasons; got != "user_request" {
		t.Errorf("end reason = %q, want user_request", got)
	}
	select {
	case got := <-reasons:
		t.Errorf("second end fired with reason %q", got)
	default:
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	calls := 0
	s := newSession(WithOnEnd(func(string) { calls++ }))
	guest := &fakeConn{}
	s.Join("phone", guest)

	s.End("user_request")
	s.End("user_request")

	if calls != 1 {
		t.Errorf("onEnd calls = %d, want 1", calls)
	}
	if guest.count("session_end") != 1 {
		t.Errorf("session_end messages = %d, want 1", guest.count("session_end"))
	}
}

func TestSession_AudioFanOut(t *testing.T) {
	s := newSession()
	host := &fakeConn{}
	guest := &fakeConn{}
	s.Join("phone", host)
	s.Join("laptop", guest)

	// Default host_only: audio goes to the host alone.
	s.BroadcastAudio("turn-1", []byte("chunk"))
	if host.binaryCount() != 1 || guest.binaryCount() != 0 {
		t.Fatalf("host_only fan-out: host=%d guest=%d, want 1/0",
			host.binaryCount(), guest.binaryCount())
	}

	// Guests cannot change fan-out.
	if err := s.SetAudioOutputMode("laptop", types.AudioAllDevices); err != ErrNotHost {
		t.Fatalf("guest mutation = %v, want ErrNotHost", err)
	}

	if err := s.SetAudioOutputMode("phone", types.AudioAllDevices); err != nil {
		t.Fatalf("host mutation failed: %v", err)
	}
	s.BroadcastAudio("turn-2", []byte("chunk"))
	if host.binaryCount() != 2 || guest.binaryCount() != 1 {
		t.Fatalf("all_devices fan-out: host=%d guest=%d, want 2/1",
			host.binaryCount(), guest.binaryCount())
	}
}

func TestSession_RejectsInvalidAudioMode(t *testing.T) {
	s := newSession()
	s.Join("phone", &fakeConn{})
	if err := s.SetAudioOutputMode("phone", "loudest_device"); err == nil {
		t.Fatal("invalid audio mode accepted")
	}
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	r := NewRegistry(quietLogger())
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(s.JoinCode()) != joinCodeLength {
		t.Errorf("join code %q, want %d chars", s.JoinCode(), joinCodeLength)
	}

	if got, ok := r.Get(s.ID()); !ok || got != s {
		t.Error("Get by ID failed")
	}
	if got, ok := r.GetByCode(s.JoinCode()); !ok || got != s {
		t.Error("GetByCode failed")
	}

	// Lookup is tolerant of user formatting.
	sloppy := " " + s.JoinCode()[:3] + "-" + s.JoinCode()[3:] + " "
	if got, ok := r.GetByCode(sloppy); !ok || got != s {
		t.Errorf("GetByCode(%q) failed", sloppy)
	}
}

func TestRegistry_EndedSessionUnregisters(t *testing.T) {
	r := NewRegistry(quietLogger())
	s, _ := r.Create()
	s.End("user_request")

	if _, ok := r.Get(s.ID()); ok {
		t.Error("ended session still registered")
	}
	if r.Len() != 0 {
		t.Errorf("registry len = %d, want 0", r.Len())
	}
}

func TestNormalizeJoinCode(t *testing.T) {
	cases := map[string]string{
		"abcd23":    "ABCD23",
		" ab-cd 23": "ABCD23",
		"AB_CD-23!": "ABCD23",
		"":          "",
	}
	for in, want := range cases {
		if got := NormalizeJoinCode(in); got != want {
			t.Errorf("NormalizeJoinCode(%q) = %q, want %q", in, got, want)
		}
	}
}

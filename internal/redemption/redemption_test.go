package redemption

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tokens.json"), DefaultTTL,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return *now }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNormalizeOrderID(t *testing.T) {
	cases := map[string]string{
		"  Order-1234 ":  "order1234",
		"ORDER_1234":     "order1234",
		"order#1234!":    "order1234",
		"order1234":      "order1234",
		"":               "",
		"  --___--  ":    "",
	}
	for in, want := range cases {
		if got := NormalizeOrderID(in); got != want {
			t.Errorf("NormalizeOrderID(%q) = %q, want %q", in, got, want)
		}
	}

	// Idempotent.
	once := NormalizeOrderID("  Order-1234 ")
	if NormalizeOrderID(once) != once {
		t.Error("normalisation is not idempotent")
	}
}

func TestStore_CreateOrReuse(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	first, err := s.CreateOrReuse("Order-1234", "prod-basic", "kid@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Token) != tokenBytes*2 {
		t.Errorf("token %q, want %d hex chars", first.Token, tokenBytes*2)
	}
	if !first.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Errorf("expiry = %v, want created + 72h", first.ExpiresAt)
	}
	if first.ProductID != "prod-basic" || first.Email != "kid@example.com" {
		t.Errorf("record = %q/%q, want product and email kept", first.ProductID, first.Email)
	}

	// Differently-formatted versions of the same order reuse the token.
	now = now.Add(time.Hour)
	again, err := s.CreateOrReuse("  ORDER_1234 ", "prod-basic", "kid@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if again.Token != first.Token {
		t.Error("same order and product must reuse the token")
	}
	// The expiry is refreshed in place.
	if !again.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Errorf("refreshed expiry = %v, want now + 72h", again.ExpiresAt)
	}
}

func TestStore_CreateOrReuse_DistinctProducts(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	basic, err := s.CreateOrReuse("order-1234", "prod-basic", "")
	if err != nil {
		t.Fatal(err)
	}
	deluxe, err := s.CreateOrReuse("order-1234", "prod-deluxe", "")
	if err != nil {
		t.Fatal(err)
	}
	if basic.Token == deluxe.Token {
		t.Error("each product on an order must carry its own token")
	}
	if s.Validate(basic.Token) != StatusValid || s.Validate(deluxe.Token) != StatusValid {
		t.Error("both product tokens must validate independently")
	}
}

func TestStore_CreateOrReuse_EmptyOrder(t *testing.T) {
	now := time.Now()
	s := newStore(t, &now)
	if _, err := s.CreateOrReuse("  --  ", "prod-basic", ""); err == nil {
		t.Fatal("order id with no alphanumerics must be rejected")
	}
}

func TestStore_TokenLifecycle(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	if got := s.Validate("deadbeef"); got != StatusNotFound {
		t.Errorf("unknown token = %s, want not_found", got)
	}

	rec, _ := s.CreateOrReuse("order-1", "prod-basic", "")
	if got := s.Validate(rec.Token); got != StatusValid {
		t.Errorf("fresh token = %s, want valid", got)
	}

	// Expiry.
	now = now.Add(DefaultTTL + time.Second)
	if got := s.Validate(rec.Token); got != StatusExpired {
		t.Errorf("aged token = %s, want expired", got)
	}

	// Reissuing for an expired order mints a replacement token.
	fresh, err := s.CreateOrReuse("order-1", "prod-basic", "")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Token == rec.Token {
		t.Error("expired token must be replaced, not resurrected")
	}
	if !fresh.CreatedAt.Equal(now) {
		t.Errorf("reminted CreatedAt = %v, want reset to now", fresh.CreatedAt)
	}
	if got := s.Validate(rec.Token); got != StatusNotFound {
		t.Errorf("replaced token = %s, want not_found", got)
	}
	if got := s.Validate(fresh.Token); got != StatusValid {
		t.Errorf("reminted token = %s, want valid", got)
	}

	// Redemption wins over everything afterwards.
	if err := s.MarkRedeemed(fresh.Token); err != nil {
		t.Fatal(err)
	}
	if got := s.Validate(fresh.Token); got != StatusRedeemed {
		t.Errorf("redeemed token = %s, want redeemed", got)
	}
}

func TestStore_MarkRedeemedIdempotent(t *testing.T) {
	now := time.Now()
	s := newStore(t, &now)
	rec, _ := s.CreateOrReuse("order-1", "prod-basic", "")

	if err := s.MarkRedeemed(rec.Token); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRedeemed(rec.Token); err != nil {
		t.Fatalf("second redeem errored: %v", err)
	}
	if err := s.MarkRedeemed("unknown"); err != ErrNotFound {
		t.Errorf("redeem of unknown token = %v, want ErrNotFound", err)
	}
}

func TestStore_RedeemedOrderRefusesReissue(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	rec, _ := s.CreateOrReuse("order-1", "prod-basic", "")
	s.MarkRedeemed(rec.Token)

	now = now.Add(time.Hour)
	again, err := s.CreateOrReuse("order-1", "prod-basic", "")
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("reissue for redeemed order = %v, want ErrAlreadyRedeemed", err)
	}
	if !again.Redeemed {
		t.Error("refusal must carry the redeemed record")
	}
	if !again.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Error("redeemed record expiry must not be refreshed")
	}
	// A different product on the same order is unaffected.
	if _, err := s.CreateOrReuse("order-1", "prod-deluxe", ""); err != nil {
		t.Fatalf("other product on the order errored: %v", err)
	}
}

func TestStore_PersistsAndReloads(t *testing.T) {
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "tokens.json")
	clock := func() time.Time { return now }

	s, err := NewStore(path, DefaultTTL, WithLogger(quietLogger()), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := s.CreateOrReuse("order-1", "prod-basic", "kid@example.com")
	s.MarkRedeemed(rec.Token)

	reloaded, err := NewStore(path, DefaultTTL, WithLogger(quietLogger()), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Validate(rec.Token); got != StatusRedeemed {
		t.Errorf("reloaded token = %s, want redeemed", got)
	}
	again, err := reloaded.CreateOrReuse("order-1", "prod-basic", "")
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("reloaded reissue = %v, want ErrAlreadyRedeemed", err)
	}
	if again.Token != rec.Token || again.Email != "kid@example.com" {
		t.Error("reloaded store must return the persisted record")
	}
}

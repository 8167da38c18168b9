// Package redemption issues and validates one-time access tokens tied to
// store orders. Tokens live in a single JSON file, keyed by normalized order
// id and product id so one order can carry several products. Issuing a token
// for an order that already has a live one returns it with a refreshed
// expiry, so fulfillment emails can be re-sent without invalidating earlier
// ones; an expired token is replaced with a fresh one; a redeemed order is
// refused outright.
package redemption

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a token stays redeemable.
const DefaultTTL = 72 * time.Hour

// tokenBytes is the entropy of a token; encoded as hex it doubles in length.
const tokenBytes = 16

// Status is the outcome of validating a token.
type Status string

const (
	StatusValid    Status = "valid"
	StatusNotFound Status = "not_found"
	StatusExpired  Status = "expired"
	StatusRedeemed Status = "redeemed"
)

// ErrNotFound is returned when redeeming a token that was never issued.
var ErrNotFound = errors.New("redemption: token not found")

// ErrAlreadyRedeemed is returned when reissuing for an order whose token was
// already consumed.
var ErrAlreadyRedeemed = errors.New("redemption: order already redeemed")

// Record is one issued token.
type Record struct {
	OrderID    string     `json:"orderId"`
	ProductID  string     `json:"productId"`
	Email      string     `json:"email,omitempty"`
	Token      string     `json:"token"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Redeemed   bool       `json:"redeemed"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
}

// key is the record's identity: a normalized order can hold one token per
// product.
func (r Record) key() string {
	return r.OrderID + "|" + r.ProductID
}

// fileDoc is the on-disk document.
type fileDoc struct {
	Records []Record `json:"records"`
}

// Store is the file-backed token store. Safe for concurrent use.
type Store struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	byOrder map[string]*Record
	byToken map[string]*Record
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads the token file at path, creating an empty store when it does
// not exist. ttl <= 0 selects DefaultTTL.
func NewStore(path string, ttl time.Duration, opts ...Option) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		path:    path,
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
		byOrder: make(map[string]*Record),
		byToken: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("redemption: read store: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("redemption: parse %s: %w", path, err)
	}
	for i := range doc.Records {
		rec := doc.Records[i]
		s.byOrder[rec.key()] = &rec
		s.byToken[rec.Token] = &rec
	}
	return s, nil
}

// CreateOrReuse returns the token for an (order, product) pair, issuing one on
// first call. A live existing token has its expiry refreshed in place; an
// expired one is replaced with a freshly minted token; a redeemed one refuses
// with ErrAlreadyRedeemed alongside the old record.
func (s *Store) CreateOrReuse(orderID, productID, email string) (Record, error) {
	order := NormalizeOrderID(orderID)
	if order == "" {
		return Record{}, fmt.Errorf("redemption: empty order id %q", orderID)
	}
	key := order + "|" + productID

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if rec, ok := s.byOrder[key]; ok {
		if rec.Redeemed {
			return *rec, ErrAlreadyRedeemed
		}
		if now.After(rec.ExpiresAt) {
			// The old token is dead: replace it rather than resurrect it.
			token, err := generateToken()
			if err != nil {
				return Record{}, err
			}
			delete(s.byToken, rec.Token)
			rec.Token = token
			rec.CreatedAt = now
			s.byToken[token] = rec
			s.logger.Info("redemption token reminted",
				"order_id", order, "product_id", productID)
		}
		if email != "" {
			rec.Email = email
		}
		rec.ExpiresAt = now.Add(s.ttl)
		if err := s.persistLocked(); err != nil {
			return Record{}, err
		}
		return *rec, nil
	}

	token, err := generateToken()
	if err != nil {
		return Record{}, err
	}
	rec := &Record{
		OrderID:   order,
		ProductID: productID,
		Email:     email,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.byOrder[key] = rec
	s.byToken[token] = rec
	if err := s.persistLocked(); err != nil {
		return Record{}, err
	}
	s.logger.Info("redemption token issued", "order_id", order, "product_id", productID)
	return *rec, nil
}

// Validate classifies a token without consuming it.
func (s *Store) Validate(token string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[token]
	if !ok {
		return StatusNotFound
	}
	if rec.Redeemed {
		return StatusRedeemed
	}
	if s.now().After(rec.ExpiresAt) {
		return StatusExpired
	}
	return StatusValid
}

// MarkRedeemed consumes a token. Marking an already-redeemed token is a
// no-op, so double-submits from a client retry do not error.
func (s *Store) MarkRedeemed(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[token]
	if !ok {
		return ErrNotFound
	}
	if rec.Redeemed {
		return nil
	}
	now := s.now()
	rec.Redeemed = true
	rec.RedeemedAt = &now
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.logger.Info("redemption token redeemed", "order_id", rec.OrderID)
	return nil
}

// persistLocked writes the store atomically. Must be called with s.mu held.
func (s *Store) persistLocked() error {
	doc := fileDoc{Records: make([]Record, 0, len(s.byOrder))}
	for _, rec := range s.byOrder {
		doc.Records = append(doc.Records, *rec)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("redemption: marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".redemption-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// NormalizeOrderID canonicalises a user- or webhook-supplied order
// identifier: trimmed, lowercased, with everything outside [a-z0-9] removed.
// Normalising is idempotent.
func NormalizeOrderID(orderID string) string {
	var sb strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(orderID)) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// generateToken draws a hex token from crypto/rand.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("redemption: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

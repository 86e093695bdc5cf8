package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Credits is a whole number of spendable credits.
type Credits int64

// MaxCredits is the largest balance an account can hold.
const MaxCredits Credits = math.MaxInt64

// Int64 returns the raw count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Add returns credits + amount, or ErrInvalidAmount when the sum exceeds MaxCredits.
func (credits Credits) Add(amount Credits) (Credits, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if amount > MaxCredits-credits {
		return 0, fmt.Errorf("%w: balance would exceed %d", ErrInvalidAmount, MaxCredits)
	}
	return credits + amount, nil
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a credit count and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner. The value is issued by the identity provider.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never validated.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Reason tags why a balance changed.
type Reason string

const (
	ReasonPersonalizedLooks Reason = "personalized_looks"
	ReasonRemix             Reason = "remix"
	ReasonPackPurchase      Reason = "pack_purchase"
	ReasonGrant             Reason = "grant"
)

// NewReason validates and normalizes a reason tag.
func NewReason(raw string) (Reason, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason(normalized), nil
}

// String returns the tag.
func (reason Reason) String() string {
	return string(reason)
}

// IdempotencyKey scopes duplicate detection for top-ups.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// Metadata is an opaque key-value map attached to a transaction.
type Metadata map[string]any

// JSON encodes metadata, defaulting to "{}".
func (metadata Metadata) JSON() (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]any(metadata))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return string(raw), nil
}

// ParseMetadata decodes a stored JSON object.
func ParseMetadata(raw string) (Metadata, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		return Metadata{}, nil
	}
	metadata := Metadata{}
	if err := json.Unmarshal([]byte(normalized), &metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return metadata, nil
}

// Clone returns a shallow copy so stored maps never alias caller maps.
func (metadata Metadata) Clone() Metadata {
	cloned := make(Metadata, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// Account is the mutable balance row of a user.
type Account struct {
	UserID         UserID
	Balance        Credits
	UpdatedUnixUTC int64
}

// Transaction is one advisory audit record of a balance change.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Delta          int64
	Reason         Reason
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
	CreatedUnixUTC int64
}

// Purchase is the result of buying a credit pack.
type Purchase struct {
	Balance Credits
	Pack    CreditPack
}

// Store is the persistence contract used by Service.
// Infrastructure failures must be wrapped with WrapStoreError so that Service can route
// the call to its fallback store.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID UserID, startingBalance Credits, atUnixUTC int64) (Account, error)
	AddBalance(ctx context.Context, userID UserID, amount Credits, atUnixUTC int64) (Account, error)
	// DeductBalance subtracts amount only when the balance covers it; otherwise it returns
	// ErrInsufficientCredits and leaves the balance unchanged.
	DeductBalance(ctx context.Context, userID UserID, amount Credits, atUnixUTC int64) (Account, error)
	// AddBalanceOnce records transaction and applies its delta atomically. A repeated
	// idempotency key for the same user returns ErrDuplicateIdempotencyKey.
	AddBalanceOnce(ctx context.Context, transaction Transaction) (Account, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// Locker serializes work per key across callers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// TransactionPublisher receives every recorded transaction.
type TransactionPublisher interface {
	PublishTransaction(ctx context.Context, transaction Transaction) error
}

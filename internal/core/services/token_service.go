package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/pkg/cache"
	"meshconf/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const tokenSecretMinBytes = 32

// addrLimiterShards keeps per-address token buckets out of a single lock.
const addrLimiterShards = 16

type tokenClaims struct {
	RoomID      string `json:"room_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// RateLimitedError carries the earliest-retry hint surfaced to the caller.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry-after-ms=%d", e.RetryAfter.Milliseconds())
}

func (e *RateLimitedError) Unwrap() error {
	return domain.ErrRateLimited
}

type limiterShard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type addrLimiterStore struct {
	shards [addrLimiterShards]*limiterShard
	limit  rate.Limit
	burst  int
}

func newAddrLimiterStore(perMinute int) *addrLimiterStore {
	s := &addrLimiterStore{
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: perMinute,
	}
	for i := range s.shards {
		s.shards[i] = &limiterShard{limiters: make(map[string]*rate.Limiter)}
	}
	return s
}

func (s *addrLimiterStore) shardFor(addr string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return s.shards[h.Sum32()%addrLimiterShards]
}

// allow reports whether addr may proceed; when denied it returns the delay
// until the next token becomes available.
func (s *addrLimiterStore) allow(addr string) (bool, time.Duration) {
	shard := s.shardFor(addr)
	shard.mu.Lock()
	lim, ok := shard.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		shard.limiters[addr] = lim
	}
	shard.mu.Unlock()

	r := lim.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// TokenService mints HMAC-signed (HS256) single-use room tokens.
type TokenService struct {
	secret     []byte
	validity   time.Duration
	clock      clock.Clock
	limiters   *addrLimiterStore
	usedNonces *cache.Cache
}

// NewTokenService fails when the signing secret is too weak; the caller
// treats that as fatal at startup.
func NewTokenService(secret []byte, validity time.Duration, ratePerMinute int, clk clock.Clock) (*TokenService, error) {
	if len(secret) < tokenSecretMinBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", tokenSecretMinBytes)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TokenService{
		secret:     append([]byte(nil), secret...),
		validity:   validity,
		clock:      clk,
		limiters:   newAddrLimiterStore(ratePerMinute),
		usedNonces: cache.NewCache(validity),
	}, nil
}

func (s *TokenService) Issue(ctx context.Context, roomID domain.RoomID, displayName, remoteAddr string) (string, time.Time, error) {
	if !roomID.Valid() {
		return "", time.Time{}, domain.ErrInvalidRoomID
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %s", domain.ErrInvalidDisplayName, err)
	}
	if ok, retryAfter := s.limiters.allow(remoteAddr); !ok {
		return "", time.Time{}, &RateLimitedError{RetryAfter: retryAfter}
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.validity)
	claims := &tokenClaims{
		RoomID:      string(roomID),
		DisplayName: validation.FilterDisplayName(displayName),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify validates signature and freshness and rejects already-spent
// nonces, but does not spend the nonce itself; callers that run further
// admission checks call Consume once the join is otherwise accepted.
func (s *TokenService) Verify(ctx context.Context, token string) (domain.RoomID, string, string, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.clock.Now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", "", domain.ErrTokenExpired
		}
		return "", "", "", domain.ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return "", "", "", domain.ErrInvalidToken
	}

	if _, used := s.usedNonces.Get(claims.ID); used {
		return "", "", "", domain.ErrInvalidToken
	}

	return domain.RoomID(claims.RoomID), claims.DisplayName, claims.ID, nil
}

// Consume spends a nonce returned by Verify. A replayed token is
// indistinguishable from a forged one on the wire.
func (s *TokenService) Consume(ctx context.Context, nonce string) error {
	if nonce == "" || !s.usedNonces.SetIfAbsent(nonce, struct{}{}, s.validity) {
		return domain.ErrInvalidToken
	}
	return nil
}

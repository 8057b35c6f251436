package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix = "registry:nonce"

	// How long a lock holder may keep the lock before it expires on its own.
	defaultLockTTL = 10 * time.Second
	// How long Allocate waits to acquire the lock before giving up.
	defaultLockWait = 30 * time.Second
)

var errLockHeld = errors.New("nonce lock is held by another instance")

// Deletes the lock only if it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisSequencer allocates nonces for a signing identity shared by several service instances.
// Each allocation takes a Redis lock, then hands out max(stored counter, network pending nonce),
// so a nonce is never reused even if the stored counter fell behind the network.
type RedisSequencer struct {
	client   redis.UniversalClient
	source   NonceSource
	account  common.Address
	lockTTL  time.Duration
	lockWait time.Duration
	logger   *zap.Logger
}

func NewRedisSequencer(client redis.UniversalClient, source NonceSource, account common.Address, logger *zap.Logger) *RedisSequencer {
	return &RedisSequencer{
		client:   client,
		source:   source,
		account:  account,
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
		logger:   logger,
	}
}

func (s *RedisSequencer) counterKey() string {
	return fmt.Sprintf("%s:%s:next", redisKeyPrefix, strings.ToLower(s.account.Hex()))
}

func (s *RedisSequencer) lockKey() string {
	return fmt.Sprintf("%s:%s:lock", redisKeyPrefix, strings.ToLower(s.account.Hex()))
}

func (s *RedisSequencer) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.lockWait

	err := backoff.Retry(func() error {
		ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.lockTTL).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisSequencer) release(token string) {
	// Release even if the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err(); err != nil {
		s.logger.Warn("Failed to release nonce lock", zap.Error(err))
	}
}

// Allocate returns the next unused nonce across all instances sharing the Redis deployment.
func (s *RedisSequencer) Allocate(ctx context.Context) (uint64, error) {
	token, err := s.acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire nonce lock: %w", err)
	}
	defer s.release(token)

	stored, err := s.client.Get(ctx, s.counterKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read nonce counter: %w", err)
	}

	pending, err := s.source.PendingNonceAt(ctx, s.account)
	if err != nil {
		return 0, fmt.Errorf("query pending nonce: %w", err)
	}

	nonce := stored
	if pending > nonce {
		if stored != 0 {
			s.logger.Warn("Stored nonce counter is behind the network, skipping ahead",
				zap.String("account", s.account.Hex()),
				zap.Uint64("stored", stored),
				zap.Uint64("pending", pending))
		}
		nonce = pending
	}

	if err := s.client.Set(ctx, s.counterKey(), nonce+1, 0).Err(); err != nil {
		return 0, fmt.Errorf("write nonce counter: %w", err)
	}
	return nonce, nil
}
